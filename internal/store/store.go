// Package store implements the durable job store on Redis: job hashes plus
// the per-queue ready/delayed/active indices the scheduler needs. All state
// transitions run as single Lua scripts so they are atomic against concurrent
// workers.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/awields/conveyor/internal/models"
)

const keyPrefix = "conveyor:"

// Store is the shared-store client. It is safe for concurrent use.
type Store struct {
	client *redis.Client
	log    zerolog.Logger
}

// New wraps an existing Redis client.
func New(client *redis.Client, log zerolog.Logger) *Store {
	return &Store{client: client, log: log.With().Str("component", "store").Logger()}
}

// Ping reports store reachability.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return storeErr("ping", err)
	}
	return nil
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, models.ErrStoreUnavailable, err)
}

// ── keys ──

func queuesKey() string              { return keyPrefix + "queues" }
func cfgKey(q string) string         { return keyPrefix + "q:" + q + ":cfg" }
func seqKey(q string) string         { return keyPrefix + "q:" + q + ":seq" }
func readyKey(q string) string       { return keyPrefix + "q:" + q + ":ready" }
func delayedKey(q string) string     { return keyPrefix + "q:" + q + ":delayed" }
func activeKey(q string) string      { return keyPrefix + "q:" + q + ":active" }
func completedKey(q string) string   { return keyPrefix + "q:" + q + ":completed" }
func failedKey(q string) string      { return keyPrefix + "q:" + q + ":failed" }
func dlqKey(q string) string         { return keyPrefix + "q:" + q + ":dlq" }
func windowKey(q string) string      { return keyPrefix + "q:" + q + ":window" }
func jobKeyPrefix(q string) string   { return keyPrefix + "j:" + q + ":" }
func jobKey(q, id string) string     { return jobKeyPrefix(q) + id }
func dlqRef(queue, id string) string { return queue + "|" + id }

// ── queue registry ──

// SaveQueueConfig upserts a queue's config hash and registers the name.
func (s *Store) SaveQueueConfig(ctx context.Context, cfg models.QueueConfig) error {
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, queuesKey(), cfg.Name)
	pipe.HSet(ctx, cfgKey(cfg.Name), configToFields(cfg))
	if _, err := pipe.Exec(ctx); err != nil {
		return storeErr("save queue config", err)
	}
	return nil
}

// GetQueueConfig reads the live config snapshot for a queue.
func (s *Store) GetQueueConfig(ctx context.Context, name string) (models.QueueConfig, error) {
	vals, err := s.client.HGetAll(ctx, cfgKey(name)).Result()
	if err != nil {
		return models.QueueConfig{}, storeErr("get queue config", err)
	}
	if len(vals) == 0 {
		return models.QueueConfig{}, fmt.Errorf("queue %q: %w", name, models.ErrQueueNotFound)
	}
	return fieldsToConfig(vals), nil
}

// ListQueues returns all registered queue names.
func (s *Store) ListQueues(ctx context.Context) ([]string, error) {
	names, err := s.client.SMembers(ctx, queuesKey()).Result()
	if err != nil {
		return nil, storeErr("list queues", err)
	}
	return names, nil
}

// SetPaused flips the pause flag. Idempotent; in-flight jobs are unaffected
// because pause only gates the claim script.
func (s *Store) SetPaused(ctx context.Context, name string, paused bool) error {
	ok, err := s.client.SIsMember(ctx, queuesKey(), name).Result()
	if err != nil {
		return storeErr("set paused", err)
	}
	if !ok {
		return fmt.Errorf("queue %q: %w", name, models.ErrQueueNotFound)
	}
	if err := s.client.HSet(ctx, cfgKey(name), "paused", boolField(paused)).Err(); err != nil {
		return storeErr("set paused", err)
	}
	return nil
}

// ── job CRUD ──

// CreateJob persists a new job and inserts it into the ready or delayed
// index. The queue must already exist.
func (s *Store) CreateJob(ctx context.Context, queue, jobType string, payload map[string]any, opts models.JobOptions) (models.Job, error) {
	if jobType == "" {
		return models.Job{}, fmt.Errorf("%w: job type is required", models.ErrInvalidConfig)
	}
	cfg, err := s.GetQueueConfig(ctx, queue)
	if err != nil {
		return models.Job{}, err
	}

	seq, err := s.client.Incr(ctx, seqKey(queue)).Result()
	if err != nil {
		return models.Job{}, storeErr("create job", err)
	}

	now := time.Now()
	priority := cfg.DefaultPriority
	if opts.Priority != nil {
		priority = *opts.Priority
	}
	// max_retries counts retries after the first run, so the total run
	// budget is one higher. Job-level attempts is already a total.
	maxAttempts := cfg.MaxRetries + 1
	if opts.Attempts > 0 {
		maxAttempts = opts.Attempts
	}
	job := models.Job{
		ID:              uuid.NewString(),
		Queue:           queue,
		Type:            jobType,
		Payload:         payload,
		Priority:        priority,
		Status:          models.StatusWaiting,
		MaxAttempts:     maxAttempts,
		AvailableAt:     now,
		CreatedAt:       now,
		Metadata:        opts.Metadata,
		DeadLetterQueue: opts.DeadLetterQueue,
		Seq:             seq,
	}
	if d := opts.Delay(); d > 0 {
		job.Status = models.StatusDelayed
		job.AvailableAt = now.Add(d)
	}

	fields, err := jobToFields(job)
	if err != nil {
		return models.Job{}, err
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, jobKey(queue, job.ID), fields)
	if job.Status == models.StatusDelayed {
		pipe.ZAdd(ctx, delayedKey(queue), redis.Z{Score: float64(job.AvailableAt.UnixMilli()), Member: job.ID})
	} else {
		pipe.ZAdd(ctx, readyKey(queue), redis.Z{Score: readyScore(priority, seq), Member: job.ID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return models.Job{}, storeErr("create job", err)
	}
	return job, nil
}

// GetJob fetches a job by queue and id.
func (s *Store) GetJob(ctx context.Context, queue, id string) (models.Job, error) {
	vals, err := s.client.HGetAll(ctx, jobKey(queue, id)).Result()
	if err != nil {
		return models.Job{}, storeErr("get job", err)
	}
	if len(vals) == 0 {
		return models.Job{}, fmt.Errorf("job %q in queue %q: %w", id, queue, models.ErrJobNotFound)
	}
	return fieldsToJob(queue, vals), nil
}

// ListJobs pages jobs by status using the matching index.
func (s *Store) ListJobs(ctx context.Context, queue string, status models.Status, limit, offset int64) ([]models.Job, error) {
	if _, err := s.GetQueueConfig(ctx, queue); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	stop := offset + limit - 1

	var ids []string
	var err error
	switch status {
	case models.StatusWaiting:
		ids, err = s.client.ZRange(ctx, readyKey(queue), offset, stop).Result()
	case models.StatusDelayed:
		ids, err = s.client.ZRange(ctx, delayedKey(queue), offset, stop).Result()
	case models.StatusActive:
		ids, err = s.client.ZRange(ctx, activeKey(queue), offset, stop).Result()
	case models.StatusCompleted:
		ids, err = s.client.LRange(ctx, completedKey(queue), offset, stop).Result()
	case models.StatusFailed, models.StatusDeadLettered:
		ids, err = s.client.LRange(ctx, failedKey(queue), offset, stop).Result()
	default:
		return nil, fmt.Errorf("%w: unknown status filter %q", models.ErrInvalidConfig, status)
	}
	if err != nil {
		return nil, storeErr("list jobs", err)
	}

	jobs := make([]models.Job, 0, len(ids))
	for _, id := range ids {
		job, getErr := s.GetJob(ctx, queue, id)
		if getErr != nil {
			continue // pruned between index read and fetch
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// DeadLetterEntries reads a dead-letter queue's index. Entries reference jobs
// that still live under their original queue.
func (s *Store) DeadLetterEntries(ctx context.Context, dlqName string, limit int64) ([]models.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	refs, err := s.client.LRange(ctx, dlqKey(dlqName), 0, limit-1).Result()
	if err != nil {
		return nil, storeErr("dead letter entries", err)
	}
	jobs := make([]models.Job, 0, len(refs))
	for _, ref := range refs {
		queue, id, ok := splitDLQRef(ref)
		if !ok {
			continue
		}
		job, getErr := s.GetJob(ctx, queue, id)
		if getErr != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// CollectPruned deletes the hashes of retention-pruned jobs and returns the
// full records so the caller can archive them. Dead-lettered jobs are also
// dropped from their dead-letter index.
func (s *Store) CollectPruned(ctx context.Context, queue string, ids []string) ([]models.Job, error) {
	jobs := make([]models.Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.GetJob(ctx, queue, id)
		if err != nil {
			if errors.Is(err, models.ErrJobNotFound) {
				continue
			}
			return jobs, err
		}
		pipe := s.client.TxPipeline()
		if job.Status == models.StatusDeadLettered {
			pipe.LRem(ctx, dlqKey(job.DeadLetterTarget()), 0, dlqRef(queue, id))
		}
		pipe.Del(ctx, jobKey(queue, id))
		if _, err := pipe.Exec(ctx); err != nil {
			return jobs, storeErr("collect pruned", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// ── stats & health ──

// QueueCounts returns the index sizes for a queue.
func (s *Store) QueueCounts(ctx context.Context, queue string) (waiting, active, delayed, completed, failed int64, err error) {
	pipe := s.client.Pipeline()
	w := pipe.ZCard(ctx, readyKey(queue))
	a := pipe.ZCard(ctx, activeKey(queue))
	d := pipe.ZCard(ctx, delayedKey(queue))
	c := pipe.LLen(ctx, completedKey(queue))
	f := pipe.LLen(ctx, failedKey(queue))
	if _, pErr := pipe.Exec(ctx); pErr != nil {
		return 0, 0, 0, 0, 0, storeErr("queue counts", pErr)
	}
	return w.Val(), a.Val(), d.Val(), c.Val(), f.Val(), nil
}

// QueueStats aggregates counts plus the rolling finished-job window into the
// admin stats payload.
func (s *Store) QueueStats(ctx context.Context, queue string, window time.Duration, now time.Time) (models.QueueStats, error) {
	if _, err := s.GetQueueConfig(ctx, queue); err != nil {
		return models.QueueStats{}, err
	}
	waiting, active, delayed, completed, failed, err := s.QueueCounts(ctx, queue)
	if err != nil {
		return models.QueueStats{}, err
	}
	stats := models.QueueStats{
		Waiting:   waiting,
		Active:    active,
		Delayed:   delayed,
		Completed: completed,
		Failed:    failed,
	}

	wk := windowKey(queue)
	cutoff := now.Add(-window).UnixMilli()
	if err := s.client.ZRemRangeByScore(ctx, wk, "-inf", strconv.FormatInt(cutoff, 10)).Err(); err != nil {
		return stats, storeErr("queue stats", err)
	}
	members, err := s.client.ZRange(ctx, wk, 0, -1).Result()
	if err != nil {
		return stats, storeErr("queue stats", err)
	}

	var successes, failures int
	var totalMs int64
	for _, m := range members {
		durMs, ok, parsed := parseWindowMember(m)
		if !parsed {
			continue
		}
		if ok {
			successes++
			totalMs += durMs
		} else {
			failures++
		}
	}
	total := successes + failures
	if total > 0 {
		stats.ErrorRate = float64(failures) / float64(total)
		stats.ThroughputPerMin = float64(successes) / window.Minutes()
	}
	if successes > 0 {
		stats.AvgProcessingMs = float64(totalMs) / float64(successes)
	}
	return stats, nil
}

// OldestWaitingAge returns how long the oldest ready job has been waiting.
// The ready set is ordered by priority, not age, so an old low-priority job
// can sit anywhere in it; a batch of entries is sampled and the minimum
// created_at wins. found is false when the queue is empty.
func (s *Store) OldestWaitingAge(ctx context.Context, queue string, now time.Time) (age time.Duration, found bool, err error) {
	ids, err := s.client.ZRange(ctx, readyKey(queue), 0, 99).Result()
	if err != nil {
		return 0, false, storeErr("oldest waiting", err)
	}
	if len(ids) == 0 {
		return 0, false, nil
	}
	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGet(ctx, jobKey(queue, id), "created_at")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return 0, false, storeErr("oldest waiting", err)
	}
	var oldestMs int64
	for _, cmd := range cmds {
		v, cmdErr := cmd.Result()
		if cmdErr != nil {
			continue // pruned between index read and fetch
		}
		ms, _ := strconv.ParseInt(v, 10, 64)
		if ms > 0 && (oldestMs == 0 || ms < oldestMs) {
			oldestMs = ms
		}
	}
	if oldestMs == 0 {
		return 0, false, nil
	}
	return now.Sub(time.UnixMilli(oldestMs)), true, nil
}

// ── serialization ──

func readyScore(priority int, seq int64) float64 {
	return float64(priority)*priorityBand + float64(seq)
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func configToFields(c models.QueueConfig) map[string]any {
	return map[string]any{
		"name":                c.Name,
		"concurrency":         c.Concurrency,
		"max_retries":         c.MaxRetries,
		"retry_delay_ms":      c.RetryDelayMs,
		"backoff_multiplier":  strconv.FormatFloat(c.BackoffMultiplier, 'f', -1, 64),
		"backoff_max_ms":      c.BackoffMaxMs,
		"default_priority":    c.DefaultPriority,
		"remove_on_complete":  c.RemoveOnComplete,
		"remove_on_fail":      c.RemoveOnFail,
		"stalled_interval_ms": c.StalledIntervalMs,
		"max_stalled_count":   c.MaxStalledCount,
		"paused":              boolField(c.Paused),
	}
}

func fieldsToConfig(m map[string]string) models.QueueConfig {
	atoi := func(k string) int { n, _ := strconv.Atoi(m[k]); return n }
	atoi64 := func(k string) int64 { n, _ := strconv.ParseInt(m[k], 10, 64); return n }
	mult, _ := strconv.ParseFloat(m["backoff_multiplier"], 64)
	return models.QueueConfig{
		Name:              m["name"],
		Concurrency:       atoi("concurrency"),
		MaxRetries:        atoi("max_retries"),
		RetryDelayMs:      atoi64("retry_delay_ms"),
		BackoffMultiplier: mult,
		BackoffMaxMs:      atoi64("backoff_max_ms"),
		DefaultPriority:   atoi("default_priority"),
		RemoveOnComplete:  atoi("remove_on_complete"),
		RemoveOnFail:      atoi("remove_on_fail"),
		StalledIntervalMs: atoi64("stalled_interval_ms"),
		MaxStalledCount:   atoi("max_stalled_count"),
		Paused:            m["paused"] == "1",
	}
}

func jobToFields(j models.Job) (map[string]any, error) {
	payload, err := json.Marshal(j.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	meta, err := json.Marshal(j.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	fields := map[string]any{
		"id":                j.ID,
		"type":              j.Type,
		"payload":           string(payload),
		"priority":          j.Priority,
		"status":            string(j.Status),
		"attempts_made":     j.AttemptsMade,
		"max_attempts":      j.MaxAttempts,
		"stalled_count":     j.StalledCount,
		"available_at":      j.AvailableAt.UnixMilli(),
		"lock_token":        j.LockToken,
		"lock_expires_at":   msOrZero(j.LockExpiresAt),
		"created_at":        j.CreatedAt.UnixMilli(),
		"processed_at":      msOrZero(j.ProcessedAt),
		"finished_at":       msOrZero(j.FinishedAt),
		"failed_at":         msOrZero(j.FailedAt),
		"last_error":        j.LastError,
		"metadata":          string(meta),
		"dead_letter_queue": j.DeadLetterQueue,
		"seq":               j.Seq,
	}
	return fields, nil
}

func fieldsToJob(queue string, m map[string]string) models.Job {
	atoi := func(k string) int { n, _ := strconv.Atoi(m[k]); return n }
	atoi64 := func(k string) int64 { n, _ := strconv.ParseInt(m[k], 10, 64); return n }
	j := models.Job{
		ID:              m["id"],
		Queue:           queue,
		Type:            m["type"],
		Priority:        atoi("priority"),
		Status:          models.Status(m["status"]),
		AttemptsMade:    atoi("attempts_made"),
		MaxAttempts:     atoi("max_attempts"),
		StalledCount:    atoi("stalled_count"),
		AvailableAt:     time.UnixMilli(atoi64("available_at")),
		LockToken:       m["lock_token"],
		LockExpiresAt:   msPtr(atoi64("lock_expires_at")),
		CreatedAt:       time.UnixMilli(atoi64("created_at")),
		ProcessedAt:     msPtr(atoi64("processed_at")),
		FinishedAt:      msPtr(atoi64("finished_at")),
		FailedAt:        msPtr(atoi64("failed_at")),
		LastError:       m["last_error"],
		DeadLetterQueue: m["dead_letter_queue"],
		Seq:             atoi64("seq"),
	}
	if v := m["payload"]; v != "" && v != "null" {
		_ = json.Unmarshal([]byte(v), &j.Payload)
	}
	if v := m["metadata"]; v != "" && v != "null" {
		_ = json.Unmarshal([]byte(v), &j.Metadata)
	}
	return j
}

func msOrZero(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return t.UnixMilli()
}

func msPtr(ms int64) *time.Time {
	if ms == 0 {
		return nil
	}
	t := time.UnixMilli(ms)
	return &t
}
