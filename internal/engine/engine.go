// Package engine is the queue registry and admin façade: named-queue
// configuration, pause/resume, stats and health aggregation, bulk and retry
// operations, repeatable schedules, and worker-pool lifecycle. It is the only
// component the HTTP layer talks to.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/awields/conveyor/internal/models"
	"github.com/awields/conveyor/internal/store"
	"github.com/awields/conveyor/internal/telemetry"
	"github.com/awields/conveyor/internal/worker"
)

// Options tune the façade. Zero values get defaults.
type Options struct {
	// StatsWindow is the rolling window behind throughput/latency/error rate.
	StatsWindow time.Duration
	// HealthMaxWait is the oldest-waiting-job age beyond which a queue is
	// reported unhealthy.
	HealthMaxWait time.Duration
	// StallSweepFloor bounds the stalled-job detector's sweep interval.
	StallSweepFloor time.Duration
	// Pool is forwarded to every per-queue worker pool.
	Pool worker.PoolOptions
}

func (o *Options) applyDefaults() {
	if o.StatsWindow <= 0 {
		o.StatsWindow = 5 * time.Minute
	}
	if o.HealthMaxWait <= 0 {
		o.HealthMaxWait = 5 * time.Minute
	}
}

// Engine coordinates the store, worker pools, and repeatable schedules.
type Engine struct {
	store    *store.Store
	archive  worker.Archiver
	handlers *worker.Registry
	log      zerolog.Logger
	opts     Options
	cron     *cron.Cron

	mu      sync.Mutex
	pools   map[string]*worker.Pool
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New builds an engine. archive may be nil; handlers may be nil for
// producer-only processes that never start workers.
func New(st *store.Store, archive worker.Archiver, handlers *worker.Registry, log zerolog.Logger, opts Options) *Engine {
	opts.applyDefaults()
	return &Engine{
		store:    st,
		archive:  archive,
		handlers: handlers,
		log:      log.With().Str("component", "engine").Logger(),
		opts:     opts,
		cron:     cron.New(),
		pools:    make(map[string]*worker.Pool),
	}
}

// ── queue administration ──

// CreateQueue validates and upserts a queue config. When workers are running
// a pool is started for the new queue immediately.
func (e *Engine) CreateQueue(ctx context.Context, cfg models.QueueConfig) error {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := e.store.SaveQueueConfig(ctx, cfg); err != nil {
		return err
	}
	e.log.Info().Str("queue", cfg.Name).Int("concurrency", cfg.Concurrency).Msg("queue created")

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		e.ensurePoolLocked(cfg.Name)
	}
	return nil
}

// GetQueueConfig returns the live config for a queue.
func (e *Engine) GetQueueConfig(ctx context.Context, name string) (models.QueueConfig, error) {
	return e.store.GetQueueConfig(ctx, name)
}

// ListQueues returns all registered queue names.
func (e *Engine) ListQueues(ctx context.Context) ([]string, error) {
	return e.store.ListQueues(ctx)
}

// PauseQueue stops the queue's claims. Idempotent; in-flight jobs finish.
func (e *Engine) PauseQueue(ctx context.Context, name string) error {
	return e.store.SetPaused(ctx, name, true)
}

// ResumeQueue re-enables claims. Idempotent.
func (e *Engine) ResumeQueue(ctx context.Context, name string) error {
	return e.store.SetPaused(ctx, name, false)
}

// ── jobs ──

// AddJob enqueues one job.
func (e *Engine) AddJob(ctx context.Context, queue, jobType string, payload map[string]any, opts models.JobOptions) (models.Job, error) {
	job, err := e.store.CreateJob(ctx, queue, jobType, payload, opts)
	if err != nil {
		return models.Job{}, err
	}
	telemetry.JobsEnqueued.WithLabelValues(queue).Inc()
	return job, nil
}

// GetJob fetches one job.
func (e *Engine) GetJob(ctx context.Context, queue, id string) (models.Job, error) {
	return e.store.GetJob(ctx, queue, id)
}

// ListJobs pages jobs by status.
func (e *Engine) ListJobs(ctx context.Context, queue string, status models.Status, limit, offset int64) ([]models.Job, error) {
	return e.store.ListJobs(ctx, queue, status, limit, offset)
}

// RemoveJob deletes a non-active job.
func (e *Engine) RemoveJob(ctx context.Context, queue, id string) error {
	return e.store.RemoveJob(ctx, queue, id)
}

// RetryJob re-arms a failed or dead-lettered job: attempts reset to zero,
// error fields cleared, back into its original queue's ready set. Rejected
// while the job is active.
func (e *Engine) RetryJob(ctx context.Context, queue, id string) error {
	return e.store.Rearm(ctx, queue, id)
}

// DeadLetters lists the jobs routed to the queue's default dead-letter queue.
func (e *Engine) DeadLetters(ctx context.Context, queue string, limit int64) ([]models.Job, error) {
	if _, err := e.store.GetQueueConfig(ctx, queue); err != nil {
		return nil, err
	}
	return e.store.DeadLetterEntries(ctx, queue+":dead", limit)
}

// ── stats & health ──

// Stats aggregates index counts and the rolling finished-job window.
func (e *Engine) Stats(ctx context.Context, queue string) (models.QueueStats, error) {
	return e.store.QueueStats(ctx, queue, e.opts.StatsWindow, time.Now())
}

// Health reports store reachability and per-queue oldest-waiting ages. Job
// level errors never fail this call.
func (e *Engine) Health(ctx context.Context) models.HealthReport {
	report := models.HealthReport{Healthy: true, Store: "ok", Queues: map[string]models.QueueHealth{}}
	if err := e.store.Ping(ctx); err != nil {
		report.Healthy = false
		report.Store = "unreachable"
		return report
	}
	queues, err := e.store.ListQueues(ctx)
	if err != nil {
		report.Healthy = false
		report.Store = "degraded"
		return report
	}
	now := time.Now()
	for _, q := range queues {
		age, found, err := e.store.OldestWaitingAge(ctx, q, now)
		qh := models.QueueHealth{Healthy: true}
		if err == nil && found {
			qh.OldestWaitingMs = age.Milliseconds()
			if age > e.opts.HealthMaxWait {
				qh.Healthy = false
				report.Healthy = false
			}
		}
		report.Queues[q] = qh
	}
	return report
}

// ── repeatable schedules ──

// ScheduleRepeat registers a cron schedule that enqueues a copy of the job
// on every tick. The schedule lives for the engine's lifetime.
func (e *Engine) ScheduleRepeat(spec, queue, jobType string, payload map[string]any, opts models.JobOptions) (cron.EntryID, error) {
	if _, err := e.store.GetQueueConfig(context.Background(), queue); err != nil {
		return 0, err
	}
	if jobType == "" {
		return 0, fmt.Errorf("%w: job type is required", models.ErrInvalidConfig)
	}
	id, err := e.cron.AddFunc(spec, func() {
		if _, err := e.AddJob(context.Background(), queue, jobType, payload, opts); err != nil {
			e.log.Error().Err(err).Str("queue", queue).Str("type", jobType).Msg("scheduled enqueue failed")
		}
	})
	if err != nil {
		return 0, fmt.Errorf("%w: bad cron spec %q: %v", models.ErrInvalidConfig, spec, err)
	}
	e.log.Info().Str("queue", queue).Str("type", jobType).Str("spec", spec).Msg("repeatable job scheduled")
	return id, nil
}

// ── worker lifecycle ──

// StartWorkers launches a pool per known queue, the stalled-job detector,
// the cron scheduler, and a watcher that picks up queues created later by
// other processes.
func (e *Engine) StartWorkers(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = true
	e.stopCh = make(chan struct{})
	e.mu.Unlock()

	queues, err := e.store.ListQueues(ctx)
	if err != nil {
		return err
	}
	e.mu.Lock()
	for _, q := range queues {
		e.ensurePoolLocked(q)
	}
	e.mu.Unlock()

	detector := worker.NewDetector(e.store, e.archive, e.log, e.opts.StallSweepFloor)
	detectorCtx, cancel := context.WithCancel(context.Background())
	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		_ = detector.Run(detectorCtx)
	}()
	go func() {
		defer e.wg.Done()
		<-e.stopCh
		cancel()
	}()

	e.wg.Add(1)
	go e.watchQueues()

	e.cron.Start()
	e.log.Info().Int("queues", len(queues)).Msg("workers started")
	return nil
}

// StopWorkers drains every pool and stops background loops.
func (e *Engine) StopWorkers(ctx context.Context) {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	close(e.stopCh)
	pools := make([]*worker.Pool, 0, len(e.pools))
	for _, p := range e.pools {
		pools = append(pools, p)
	}
	e.mu.Unlock()

	cronCtx := e.cron.Stop()
	for _, p := range pools {
		p.Stop(ctx)
	}
	e.wg.Wait()
	select {
	case <-cronCtx.Done():
	case <-ctx.Done():
	}
	e.log.Info().Msg("workers stopped")
}

// watchQueues periodically adopts queues created by other processes.
func (e *Engine) watchQueues() {
	defer e.wg.Done()
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			queues, err := e.store.ListQueues(context.Background())
			if err != nil {
				continue
			}
			e.mu.Lock()
			if e.running {
				for _, q := range queues {
					e.ensurePoolLocked(q)
				}
			}
			e.mu.Unlock()
		}
	}
}

func (e *Engine) ensurePoolLocked(queue string) {
	if _, ok := e.pools[queue]; ok {
		return
	}
	p := worker.NewPool(queue, e.store, e.handlers, e.archive, e.log, e.opts.Pool)
	e.pools[queue] = p
	p.Start()
}
