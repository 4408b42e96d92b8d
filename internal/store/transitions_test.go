package store

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/awields/conveyor/internal/models"
)

func TestScanExpiredActive(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	mustCreateQueue(t, s, models.QueueConfig{Name: "q"})
	mustAdd(t, s, "q", models.JobOptions{})

	start := time.Now()
	job, _, _ := s.Claim(ctx, "q", start, time.Minute)

	ids, err := s.ScanExpiredActive(ctx, "q", start.Add(30*time.Second), 100)
	if err != nil || len(ids) != 0 {
		t.Fatalf("live lock should not scan as expired: %v err=%v", ids, err)
	}

	ids, err = s.ScanExpiredActive(ctx, "q", start.Add(2*time.Minute), 100)
	if err != nil || len(ids) != 1 || ids[0] != job.ID {
		t.Fatalf("expired scan: %v err=%v", ids, err)
	}
}

func TestReclaimRequeuesWithoutChargingAttempt(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	cfg := mustCreateQueue(t, s, models.QueueConfig{Name: "q", MaxStalledCount: 2})
	mustAdd(t, s, "q", models.JobOptions{})

	start := time.Now()
	job, _, _ := s.Claim(ctx, "q", start, time.Minute)

	outcome, pruned, err := s.ReclaimExpired(ctx, "q", job.ID, cfg, start.Add(2*time.Minute))
	if err != nil || outcome != ReclaimRequeued || len(pruned) != 0 {
		t.Fatalf("reclaim: outcome=%v pruned=%v err=%v", outcome, pruned, err)
	}

	got, _ := s.GetJob(ctx, "q", job.ID)
	if got.Status != models.StatusWaiting {
		t.Fatalf("reclaimed job status %s", got.Status)
	}
	if got.AttemptsMade != 0 {
		t.Fatalf("stall must not charge an attempt, got %d", got.AttemptsMade)
	}
	if got.StalledCount != 1 {
		t.Fatalf("stalled_count %d want 1", got.StalledCount)
	}
	if got.LockToken != "" {
		t.Fatalf("lock should be cleared, got %q", got.LockToken)
	}

	reclaimed, ok, err := s.Claim(ctx, "q", time.Now(), time.Minute)
	if err != nil || !ok || reclaimed.ID != job.ID {
		t.Fatalf("reclaimed job should be claimable: %v %v %v", reclaimed.ID, ok, err)
	}
}

func TestReclaimDeadLettersWhenBudgetExhausted(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	cfg := mustCreateQueue(t, s, models.QueueConfig{Name: "q", MaxStalledCount: 1})
	mustAdd(t, s, "q", models.JobOptions{})

	start := time.Now()
	job, _, _ := s.Claim(ctx, "q", start, time.Minute)
	if outcome, _, _ := s.ReclaimExpired(ctx, "q", job.ID, cfg, start.Add(2*time.Minute)); outcome != ReclaimRequeued {
		t.Fatalf("first reclaim outcome %v", outcome)
	}

	again, _, _ := s.Claim(ctx, "q", time.Now(), time.Minute)
	outcome, _, err := s.ReclaimExpired(ctx, "q", again.ID, cfg, time.Now().Add(2*time.Minute))
	if err != nil || outcome != ReclaimDeadLettered {
		t.Fatalf("second reclaim: outcome=%v err=%v", outcome, err)
	}

	got, _ := s.GetJob(ctx, "q", job.ID)
	if got.Status != models.StatusDeadLettered {
		t.Fatalf("status %s want dead-lettered", got.Status)
	}
	if !strings.Contains(got.LastError, "stalled") {
		t.Fatalf("last error %q should mention stall", got.LastError)
	}
	if entries, _ := s.DeadLetterEntries(ctx, "q:dead", 10); len(entries) != 1 {
		t.Fatalf("dlq entries %v", entries)
	}
}

func TestReclaimSkipsRenewedLock(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	cfg := mustCreateQueue(t, s, models.QueueConfig{Name: "q"})
	mustAdd(t, s, "q", models.JobOptions{})

	start := time.Now()
	job, _, _ := s.Claim(ctx, "q", start, time.Minute)

	// A heartbeat lands between the sweep's scan and its reclaim.
	if ok, err := s.RenewLock(ctx, "q", job.ID, job.LockToken, start.Add(2*time.Minute), 5*time.Minute); err != nil || !ok {
		t.Fatalf("renew: %v", err)
	}

	outcome, _, err := s.ReclaimExpired(ctx, "q", job.ID, cfg, start.Add(2*time.Minute))
	if err != nil || outcome != ReclaimSkipped {
		t.Fatalf("renewed lock must not be reclaimed: outcome=%v err=%v", outcome, err)
	}
	got, _ := s.GetJob(ctx, "q", job.ID)
	if got.Status != models.StatusActive || got.StalledCount != 0 {
		t.Fatalf("job disturbed by skipped reclaim: %+v", got)
	}
}

func TestReclaimMissingJobSkips(t *testing.T) {
	s := newTestStore(t)
	cfg := mustCreateQueue(t, s, models.QueueConfig{Name: "q"})
	outcome, _, err := s.ReclaimExpired(context.Background(), "q", "ghost", cfg, time.Now())
	if err != nil || outcome != ReclaimSkipped {
		t.Fatalf("outcome=%v err=%v", outcome, err)
	}
}
