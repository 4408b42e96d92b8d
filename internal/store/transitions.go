package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/awields/conveyor/internal/models"
)

// PromoteDueDelayed moves delayed jobs whose available_at has passed into the
// ready set. Returns how many were promoted.
func (s *Store) PromoteDueDelayed(ctx context.Context, queue string, now time.Time, limit int64) (int, error) {
	res, err := promoteScript.Run(ctx, s.client,
		[]string{delayedKey(queue), readyKey(queue)},
		now.UnixMilli(), limit, jobKeyPrefix(queue),
	).Int()
	if err != nil {
		return 0, storeErr("promote delayed", err)
	}
	return res, nil
}

// Claim atomically pops the next eligible job and transitions it to active
// with a fresh lock token. ok is false when the queue is paused or empty.
func (s *Store) Claim(ctx context.Context, queue string, now time.Time, lockTTL time.Duration) (models.Job, bool, error) {
	token := uuid.NewString()
	expires := now.Add(lockTTL)
	res, err := claimScript.Run(ctx, s.client,
		[]string{cfgKey(queue), readyKey(queue), activeKey(queue)},
		token, expires.UnixMilli(), jobKeyPrefix(queue), now.UnixMilli(),
	).Result()
	if errors.Is(err, redis.Nil) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, storeErr("claim", err)
	}
	id, ok := res.(string)
	if !ok {
		return models.Job{}, false, fmt.Errorf("claim: unexpected script reply %T", res)
	}
	job, err := s.GetJob(ctx, queue, id)
	if err != nil {
		return models.Job{}, false, err
	}
	return job, true, nil
}

// RenewLock extends a claimed job's lock. Returns false when the worker no
// longer owns the lock (the job was reclaimed or finished elsewhere).
func (s *Store) RenewLock(ctx context.Context, queue, id, token string, now time.Time, lockTTL time.Duration) (bool, error) {
	res, err := renewScript.Run(ctx, s.client,
		[]string{jobKey(queue, id), activeKey(queue)},
		token, now.Add(lockTTL).UnixMilli(), id,
	).Int()
	if err != nil {
		return false, storeErr("renew lock", err)
	}
	return res == 1, nil
}

// Complete marks a job completed, conditioned on the lock token, and applies
// the removeOnComplete retention count. Returns the retention-pruned job ids
// and false if the lock was lost.
func (s *Store) Complete(ctx context.Context, queue, id, token string, started time.Time, keep int) (pruned []string, ok bool, err error) {
	now := time.Now()
	member := windowMember(id, now.Sub(started), true)
	res, err := completeScript.Run(ctx, s.client,
		[]string{jobKey(queue, id), activeKey(queue), completedKey(queue), windowKey(queue)},
		token, now.UnixMilli(), id, keep, member,
	).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, storeErr("complete", err)
	}
	return stringSlice(res), true, nil
}

// RetryLater re-arms a job as delayed after a retriable failure, conditioned
// on the lock token. attempts is the new attempts_made value.
func (s *Store) RetryLater(ctx context.Context, queue, id, token string, attempts int, availableAt time.Time, lastErr string) (bool, error) {
	now := time.Now()
	member := windowMember(id, 0, false)
	res, err := retryScript.Run(ctx, s.client,
		[]string{jobKey(queue, id), activeKey(queue), delayedKey(queue), windowKey(queue)},
		token, id, attempts, availableAt.UnixMilli(), lastErr, now.UnixMilli(), member,
	).Int()
	if err != nil {
		return false, storeErr("retry later", err)
	}
	return res == 1, nil
}

// DeadLetter quarantines a job, conditioned on the lock token. The index it
// lands in comes from the job's dead-letter target. attempts is the final
// attempts_made value (unchanged for fatal failures, which skip retry
// accounting). Returns the removeOnFail-pruned job ids and false if the lock
// was lost.
func (s *Store) DeadLetter(ctx context.Context, job models.Job, token, reason string, keep, attempts int) (pruned []string, ok bool, err error) {
	now := time.Now()
	member := windowMember(job.ID, 0, false)
	res, err := deadLetterScript.Run(ctx, s.client,
		[]string{
			jobKey(job.Queue, job.ID),
			activeKey(job.Queue),
			failedKey(job.Queue),
			dlqKey(job.DeadLetterTarget()),
			windowKey(job.Queue),
		},
		token, job.ID, now.UnixMilli(), keep, dlqRef(job.Queue, job.ID), reason, member, attempts,
	).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, storeErr("dead letter", err)
	}
	return stringSlice(res), true, nil
}

// ReclaimOutcome describes what the stalled-job sweep did with one job.
type ReclaimOutcome int

const (
	// ReclaimSkipped means the lock was renewed between scan and reclaim.
	ReclaimSkipped ReclaimOutcome = iota
	// ReclaimRequeued means the job went back to waiting, attempts unchanged.
	ReclaimRequeued
	// ReclaimDeadLettered means the stall budget was exhausted.
	ReclaimDeadLettered
)

// ScanExpiredActive returns ids of active jobs whose lock expiry has passed.
func (s *Store) ScanExpiredActive(ctx context.Context, queue string, now time.Time, limit int64) ([]string, error) {
	ids, err := s.client.ZRangeByScore(ctx, activeKey(queue), &redis.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(now.UnixMilli(), 10), Offset: 0, Count: limit,
	}).Result()
	if err != nil {
		return nil, storeErr("scan expired", err)
	}
	return ids, nil
}

// ReclaimExpired handles one expired-lock job: back to waiting while the
// stall budget holds, dead-lettered once it is exhausted. The script
// re-checks the expiry so a concurrently renewed lock is never reclaimed.
func (s *Store) ReclaimExpired(ctx context.Context, queue, id string, cfg models.QueueConfig, now time.Time) (ReclaimOutcome, []string, error) {
	job, err := s.GetJob(ctx, queue, id)
	if err != nil {
		if errors.Is(err, models.ErrJobNotFound) {
			return ReclaimSkipped, nil, nil
		}
		return ReclaimSkipped, nil, err
	}
	reason := fmt.Sprintf("stalled: lock expired after %d reclaim(s)", job.StalledCount+1)
	member := windowMember(id, 0, false)
	res, err := reclaimScript.Run(ctx, s.client,
		[]string{
			jobKey(queue, id),
			activeKey(queue),
			readyKey(queue),
			failedKey(queue),
			dlqKey(job.DeadLetterTarget()),
			windowKey(queue),
		},
		id, now.UnixMilli(), cfg.MaxStalledCount, cfg.RemoveOnFail, dlqRef(queue, id), reason, member,
	).Result()
	if err != nil {
		return ReclaimSkipped, nil, storeErr("reclaim expired", err)
	}
	reply := stringOrIntSlice(res)
	if len(reply) == 0 {
		return ReclaimSkipped, nil, nil
	}
	switch reply[0] {
	case "1":
		return ReclaimRequeued, nil, nil
	case "2":
		return ReclaimDeadLettered, reply[1:], nil
	default:
		return ReclaimSkipped, nil, nil
	}
}

// Rearm is the admin retry: resets attempts and failure fields and returns
// the job to its original queue's ready set. Rejected for active jobs.
func (s *Store) Rearm(ctx context.Context, queue, id string) error {
	job, err := s.GetJob(ctx, queue, id)
	if err != nil {
		return err
	}
	res, err := rearmScript.Run(ctx, s.client,
		[]string{
			jobKey(queue, id),
			readyKey(queue),
			delayedKey(queue),
			completedKey(queue),
			failedKey(queue),
			dlqKey(job.DeadLetterTarget()),
		},
		id, dlqRef(queue, id),
	).Int()
	if err != nil {
		return storeErr("rearm", err)
	}
	switch res {
	case 0:
		return fmt.Errorf("job %q in queue %q: %w", id, queue, models.ErrJobNotFound)
	case -1:
		return fmt.Errorf("job %q is active: %w", id, models.ErrInvalidState)
	}
	return nil
}

// RemoveJob deletes a non-active job from all indices.
func (s *Store) RemoveJob(ctx context.Context, queue, id string) error {
	job, err := s.GetJob(ctx, queue, id)
	if err != nil {
		return err
	}
	res, err := removeScript.Run(ctx, s.client,
		[]string{
			jobKey(queue, id),
			readyKey(queue),
			delayedKey(queue),
			completedKey(queue),
			failedKey(queue),
			dlqKey(job.DeadLetterTarget()),
		},
		id, dlqRef(queue, id),
	).Int()
	if err != nil {
		return storeErr("remove job", err)
	}
	switch res {
	case 0:
		return fmt.Errorf("job %q in queue %q: %w", id, queue, models.ErrJobNotFound)
	case -1:
		return fmt.Errorf("job %q is active: %w", id, models.ErrInvalidState)
	}
	return nil
}

// ── helpers ──

// windowMember encodes one finished-job event for the rolling stats window.
// The nanosecond suffix keeps members unique across retries of the same job.
func windowMember(id string, dur time.Duration, ok bool) string {
	okFlag := "0"
	if ok {
		okFlag = "1"
	}
	return fmt.Sprintf("%s|%d|%d|%s", id, time.Now().UnixNano(), dur.Milliseconds(), okFlag)
}

func parseWindowMember(m string) (durMs int64, ok bool, parsed bool) {
	parts := strings.Split(m, "|")
	if len(parts) != 4 {
		return 0, false, false
	}
	durMs, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return 0, false, false
	}
	return durMs, parts[3] == "1", true
}

func splitDLQRef(ref string) (queue, id string, ok bool) {
	i := strings.LastIndex(ref, "|")
	if i < 0 {
		return "", "", false
	}
	return ref[:i], ref[i+1:], true
}

func stringSlice(res any) []string {
	arr, ok := res.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, v := range arr {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// stringOrIntSlice normalizes a mixed Lua reply (numbers and strings).
func stringOrIntSlice(res any) []string {
	arr, ok := res.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, v := range arr {
		switch t := v.(type) {
		case string:
			out = append(out, t)
		case int64:
			out = append(out, strconv.FormatInt(t, 10))
		}
	}
	return out
}
