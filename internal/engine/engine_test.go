package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/awields/conveyor/internal/models"
	"github.com/awields/conveyor/internal/store"
	"github.com/awields/conveyor/internal/worker"
)

func newTestEngine(t *testing.T) (*Engine, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.New(client, zerolog.Nop())
	return New(st, nil, worker.NewRegistry(), zerolog.Nop(), Options{}), mr
}

func TestCreateQueueValidation(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t)

	if err := eng.CreateQueue(ctx, models.QueueConfig{}); !errors.Is(err, models.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for unnamed queue, got %v", err)
	}
	if err := eng.CreateQueue(ctx, models.QueueConfig{Name: "q", BackoffMultiplier: 0.5}); !errors.Is(err, models.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for sub-1 multiplier, got %v", err)
	}

	if err := eng.CreateQueue(ctx, models.QueueConfig{Name: "q"}); err != nil {
		t.Fatalf("create queue: %v", err)
	}
	cfg, err := eng.GetQueueConfig(ctx, "q")
	if err != nil || cfg.Concurrency != 1 || cfg.MaxRetries != 3 {
		t.Fatalf("defaults not applied: %+v err=%v", cfg, err)
	}

	queues, err := eng.ListQueues(ctx)
	if err != nil || len(queues) != 1 {
		t.Fatalf("list queues: %v err=%v", queues, err)
	}
}

func TestPauseResumeIdempotent(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t)
	if err := eng.CreateQueue(ctx, models.QueueConfig{Name: "q"}); err != nil {
		t.Fatalf("create queue: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := eng.PauseQueue(ctx, "q"); err != nil {
			t.Fatalf("pause %d: %v", i, err)
		}
	}
	cfg, _ := eng.GetQueueConfig(ctx, "q")
	if !cfg.Paused {
		t.Fatalf("queue should be paused")
	}
	for i := 0; i < 2; i++ {
		if err := eng.ResumeQueue(ctx, "q"); err != nil {
			t.Fatalf("resume %d: %v", i, err)
		}
	}
	cfg, _ = eng.GetQueueConfig(ctx, "q")
	if cfg.Paused {
		t.Fatalf("queue should be resumed")
	}

	if err := eng.PauseQueue(ctx, "ghost"); !errors.Is(err, models.ErrQueueNotFound) {
		t.Fatalf("expected ErrQueueNotFound, got %v", err)
	}
}

func TestBulkAddPartialFailure(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t)
	if err := eng.CreateQueue(ctx, models.QueueConfig{Name: "q"}); err != nil {
		t.Fatalf("create queue: %v", err)
	}

	res, err := eng.Bulk(ctx, "q", BulkAdd, []BulkJobItem{
		{Type: "simulate"},
		{}, // missing type fails validation
		{Type: "simulate"},
	})
	if err != nil {
		t.Fatalf("bulk: %v", err)
	}
	if res.Succeeded != 2 || res.Failed != 1 {
		t.Fatalf("succeeded=%d failed=%d", res.Succeeded, res.Failed)
	}
	if res.Items[1].OK || res.Items[1].Error == "" {
		t.Fatalf("item 1 should carry an error: %+v", res.Items[1])
	}
	if res.Items[0].JobID == "" || res.Items[2].JobID == "" {
		t.Fatalf("successful items should carry job ids: %+v", res.Items)
	}

	jobs, err := eng.ListJobs(ctx, "q", models.StatusWaiting, 10, 0)
	if err != nil || len(jobs) != 2 {
		t.Fatalf("expected 2 waiting jobs, got %d err=%v", len(jobs), err)
	}
}

func TestBulkRemove(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t)
	if err := eng.CreateQueue(ctx, models.QueueConfig{Name: "q"}); err != nil {
		t.Fatalf("create queue: %v", err)
	}
	job, err := eng.AddJob(ctx, "q", "simulate", nil, models.JobOptions{})
	if err != nil {
		t.Fatalf("add job: %v", err)
	}

	res, err := eng.Bulk(ctx, "q", BulkRemove, []BulkJobItem{
		{ID: job.ID},
		{ID: "no-such-job"},
	})
	if err != nil {
		t.Fatalf("bulk: %v", err)
	}
	if res.Succeeded != 1 || res.Failed != 1 {
		t.Fatalf("succeeded=%d failed=%d", res.Succeeded, res.Failed)
	}
	if _, err := eng.GetJob(ctx, "q", job.ID); !errors.Is(err, models.ErrJobNotFound) {
		t.Fatalf("removed job should be gone, got %v", err)
	}
}

func TestBulkUnknownQueue(t *testing.T) {
	eng, _ := newTestEngine(t)
	if _, err := eng.Bulk(context.Background(), "ghost", BulkAdd, nil); !errors.Is(err, models.ErrQueueNotFound) {
		t.Fatalf("expected ErrQueueNotFound, got %v", err)
	}
}

func TestDeadLettersUnknownQueue(t *testing.T) {
	eng, _ := newTestEngine(t)
	if _, err := eng.DeadLetters(context.Background(), "ghost", 10); !errors.Is(err, models.ErrQueueNotFound) {
		t.Fatalf("expected ErrQueueNotFound, got %v", err)
	}
}

func TestScheduleRepeatRejectsBadSpec(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t)
	if err := eng.CreateQueue(ctx, models.QueueConfig{Name: "q"}); err != nil {
		t.Fatalf("create queue: %v", err)
	}

	if _, err := eng.ScheduleRepeat("not a cron spec", "q", "simulate", nil, models.JobOptions{}); !errors.Is(err, models.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	if _, err := eng.ScheduleRepeat("* * * * *", "ghost", "simulate", nil, models.JobOptions{}); !errors.Is(err, models.ErrQueueNotFound) {
		t.Fatalf("expected ErrQueueNotFound, got %v", err)
	}
	if _, err := eng.ScheduleRepeat("* * * * *", "q", "simulate", nil, models.JobOptions{}); err != nil {
		t.Fatalf("valid schedule: %v", err)
	}
}

func TestHealthReport(t *testing.T) {
	ctx := context.Background()
	eng, mr := newTestEngine(t)
	if err := eng.CreateQueue(ctx, models.QueueConfig{Name: "q"}); err != nil {
		t.Fatalf("create queue: %v", err)
	}

	report := eng.Health(ctx)
	if !report.Healthy || report.Store != "ok" {
		t.Fatalf("healthy system reported %+v", report)
	}
	qh, ok := report.Queues["q"]
	if !ok || !qh.Healthy {
		t.Fatalf("queue health: %+v", report.Queues)
	}

	mr.Close()
	time.Sleep(10 * time.Millisecond)
	report = eng.Health(ctx)
	if report.Healthy || report.Store == "ok" {
		t.Fatalf("unreachable store reported %+v", report)
	}
}
