package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/awields/conveyor/internal/models"
	"github.com/awields/conveyor/internal/store"
	"github.com/awields/conveyor/internal/telemetry"
)

// Archiver receives terminal jobs pruned by retention policy. Implementations
// must tolerate duplicates; the pool calls it best-effort.
type Archiver interface {
	ArchiveJobs(ctx context.Context, jobs []models.Job) error
}

// PoolOptions tune the claim loop. Zero values get defaults.
type PoolOptions struct {
	// PollMin/PollMax bound the capped exponential backoff applied when the
	// queue is empty, so an idle pool does not busy-spin the store.
	PollMin time.Duration
	PollMax time.Duration
	// HeartbeatEvery is how often locks of in-flight jobs are renewed. Must
	// be shorter than the queue's stalled interval.
	HeartbeatEvery time.Duration
	// PromoteBatch caps how many due delayed jobs are promoted per cycle.
	PromoteBatch int64
}

func (o *PoolOptions) applyDefaults() {
	if o.PollMin <= 0 {
		o.PollMin = 20 * time.Millisecond
	}
	if o.PollMax <= 0 {
		o.PollMax = 500 * time.Millisecond
	}
	if o.HeartbeatEvery <= 0 {
		o.HeartbeatEvery = 5 * time.Second
	}
	if o.PromoteBatch <= 0 {
		o.PromoteBatch = 100
	}
}

// Pool drives one queue: it keeps up to the queue's configured concurrency
// jobs in flight, claiming through the store's atomic claim primitive and
// renewing locks while handlers run. The queue config is re-read at the start
// of every claim cycle, so pause and concurrency changes bind within one
// polling interval.
type Pool struct {
	queue    string
	store    *store.Store
	handlers *Registry
	archive  Archiver
	log      zerolog.Logger
	opts     PoolOptions

	stopCh chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	leases  map[string]*lease
	running bool
}

type lease struct {
	token  string
	ttl    time.Duration
	cancel context.CancelFunc
}

// NewPool creates a pool for one queue. archive may be nil.
func NewPool(queue string, st *store.Store, handlers *Registry, archive Archiver, log zerolog.Logger, opts PoolOptions) *Pool {
	opts.applyDefaults()
	return &Pool{
		queue:    queue,
		store:    st,
		handlers: handlers,
		archive:  archive,
		log:      log.With().Str("component", "pool").Str("queue", queue).Logger(),
		opts:     opts,
		stopCh:   make(chan struct{}),
		leases:   make(map[string]*lease),
	}
}

// Start launches the claim and heartbeat loops. It returns immediately.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.wg.Add(2)
	go p.dispatchLoop()
	go p.heartbeatLoop()
	p.log.Info().Msg("worker pool started")
}

// Stop signals the loops and waits for in-flight handlers to drain. When the
// context expires first, remaining handler contexts are cancelled.
func (p *Pool) Stop(ctx context.Context) {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	close(p.stopCh)
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.log.Info().Msg("worker pool stopped")
	case <-ctx.Done():
		p.log.Warn().Msg("pool shutdown timed out, cancelling active jobs")
		p.cancelAll()
		<-done
	}
}

func (p *Pool) dispatchLoop() {
	defer p.wg.Done()

	idle := p.opts.PollMin
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}
		ctx := context.Background()

		// Fresh config snapshot each cycle.
		cfg, err := p.store.GetQueueConfig(ctx, p.queue)
		if err != nil {
			p.log.Error().Err(err).Msg("read queue config")
			p.sleep(p.opts.PollMax)
			continue
		}

		if _, err := p.store.PromoteDueDelayed(ctx, p.queue, time.Now(), p.opts.PromoteBatch); err != nil {
			p.log.Error().Err(err).Msg("promote delayed")
		}

		if cfg.Paused || p.inflight() >= cfg.Concurrency {
			p.sleep(p.opts.PollMin)
			continue
		}

		job, ok, err := p.store.Claim(ctx, p.queue, time.Now(), cfg.StalledInterval())
		if err != nil {
			// Store hiccups are retried here with backoff, never surfaced.
			p.log.Error().Err(err).Msg("claim")
			p.sleep(idle)
			idle = growPoll(idle, p.opts.PollMax)
			continue
		}
		if !ok {
			p.sleep(idle)
			idle = growPoll(idle, p.opts.PollMax)
			continue
		}
		idle = p.opts.PollMin

		// The lease is reserved here, not in the goroutine, so the next
		// cycle's concurrency check already sees this claim.
		jobCtx, cancel := context.WithCancel(context.Background())
		p.track(job.ID, &lease{token: job.LockToken, ttl: cfg.StalledInterval(), cancel: cancel})
		p.wg.Add(1)
		go p.execute(jobCtx, cancel, job, cfg)
	}
}

func (p *Pool) execute(ctx context.Context, cancel context.CancelFunc, job models.Job, cfg models.QueueConfig) {
	defer p.wg.Done()
	defer cancel()
	defer p.untrack(job.ID)

	started := time.Now()
	if job.ProcessedAt != nil {
		started = *job.ProcessedAt
	}

	err := p.invoke(ctx, job)
	if err == nil {
		pruned, ok, cErr := p.store.Complete(ctx, p.queue, job.ID, job.LockToken, started, cfg.RemoveOnComplete)
		if cErr != nil {
			p.log.Error().Err(cErr).Str("job_id", job.ID).Msg("complete")
			return
		}
		if !ok {
			// Lock lost mid-run: the job stalled and was reclaimed, the
			// other invocation's result wins.
			telemetry.JobsLost.WithLabelValues(p.queue).Inc()
			p.log.Warn().Str("job_id", job.ID).Msg("discarding result, lock lost")
			return
		}
		telemetry.JobsCompleted.WithLabelValues(p.queue).Inc()
		p.archivePruned(ctx, pruned)
		return
	}
	p.handleFailure(ctx, job, cfg, err)
}

// invoke runs the handler, converting a missing registration into a fatal
// failure and a panic into a retriable one.
func (p *Pool) invoke(ctx context.Context, job models.Job) (err error) {
	handler, ok := p.handlers.Get(job.Type)
	if !ok {
		return Fatal(fmt.Errorf("no handler registered for type %q", job.Type))
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}

func (p *Pool) handleFailure(ctx context.Context, job models.Job, cfg models.QueueConfig, handlerErr error) {
	if fatal := IsFatal(handlerErr); !fatal {
		attempts := job.AttemptsMade + 1
		if attempts < job.MaxAttempts {
			delay := nextDelay(cfg, attempts)
			ok, err := p.store.RetryLater(ctx, p.queue, job.ID, job.LockToken, attempts, time.Now().Add(delay), handlerErr.Error())
			if err != nil {
				p.log.Error().Err(err).Str("job_id", job.ID).Msg("schedule retry")
				return
			}
			if !ok {
				telemetry.JobsLost.WithLabelValues(p.queue).Inc()
				return
			}
			telemetry.JobsRetried.WithLabelValues(p.queue).Inc()
			p.log.Debug().Str("job_id", job.ID).Int("attempts", attempts).Dur("delay", delay).Msg("retry scheduled")
			return
		}
		// Attempts exhausted: record the final attempt, then quarantine.
		p.deadLetter(ctx, job, handlerErr.Error(), cfg, attempts)
		return
	}
	// Fatal failures skip retry accounting entirely.
	p.deadLetter(ctx, job, handlerErr.Error(), cfg, job.AttemptsMade)
}

func (p *Pool) deadLetter(ctx context.Context, job models.Job, reason string, cfg models.QueueConfig, attempts int) {
	pruned, ok, err := p.store.DeadLetter(ctx, job, job.LockToken, reason, cfg.RemoveOnFail, attempts)
	if err != nil {
		p.log.Error().Err(err).Str("job_id", job.ID).Msg("dead letter")
		return
	}
	if !ok {
		telemetry.JobsLost.WithLabelValues(p.queue).Inc()
		return
	}
	telemetry.JobsDeadLettered.WithLabelValues(p.queue).Inc()
	p.log.Warn().Str("job_id", job.ID).Str("reason", reason).Msg("job dead-lettered")
	p.archivePruned(ctx, pruned)
}

func (p *Pool) archivePruned(ctx context.Context, ids []string) {
	if len(ids) == 0 {
		return
	}
	jobs, err := p.store.CollectPruned(ctx, p.queue, ids)
	if err != nil {
		p.log.Error().Err(err).Msg("collect pruned")
	}
	if p.archive == nil || len(jobs) == 0 {
		return
	}
	if err := p.archive.ArchiveJobs(ctx, jobs); err != nil {
		p.log.Error().Err(err).Msg("archive pruned jobs")
	}
}

func (p *Pool) heartbeatLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.opts.HeartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.renewLeases()
		}
	}
}

func (p *Pool) renewLeases() {
	ctx := context.Background()
	for id, l := range p.leaseSnapshot() {
		ok, err := p.store.RenewLock(ctx, p.queue, id, l.token, time.Now(), l.ttl)
		if err != nil {
			p.log.Warn().Err(err).Str("job_id", id).Msg("heartbeat failed")
			continue
		}
		if !ok {
			// Reclaimed by the stalled-job detector; stop the local run.
			p.log.Warn().Str("job_id", id).Msg("lock lost, cancelling handler")
			l.cancel()
		}
	}
}

func (p *Pool) leaseSnapshot() map[string]*lease {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]*lease, len(p.leases))
	for id, l := range p.leases {
		out[id] = l
	}
	return out
}

func (p *Pool) inflight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.leases)
}

func (p *Pool) track(id string, l *lease) {
	p.mu.Lock()
	p.leases[id] = l
	p.mu.Unlock()
	telemetry.InFlight.WithLabelValues(p.queue).Inc()
}

func (p *Pool) untrack(id string) {
	p.mu.Lock()
	delete(p.leases, id)
	p.mu.Unlock()
	telemetry.InFlight.WithLabelValues(p.queue).Dec()
}

func (p *Pool) cancelAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, l := range p.leases {
		l.cancel()
	}
}

func (p *Pool) sleep(d time.Duration) {
	select {
	case <-time.After(d):
	case <-p.stopCh:
	}
}

func growPoll(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}
