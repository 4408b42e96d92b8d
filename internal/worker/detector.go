package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/awields/conveyor/internal/models"
	"github.com/awields/conveyor/internal/store"
	"github.com/awields/conveyor/internal/telemetry"
)

// Detector is the stalled-job sweep: it scans every queue's active set for
// jobs whose lock expired without completion and either returns them to
// waiting (attempts unchanged, since a stall is an infrastructure failure
// rather than a handler failure) or dead-letters them once the stall budget
// is exhausted.
type Detector struct {
	store   *store.Store
	archive Archiver
	log     zerolog.Logger

	// floor bounds how fast the sweep can run even when a queue configures a
	// very small stalled interval.
	floor time.Duration
	batch int64
}

// NewDetector creates a detector. archive may be nil.
func NewDetector(st *store.Store, archive Archiver, log zerolog.Logger, floor time.Duration) *Detector {
	if floor <= 0 {
		floor = 100 * time.Millisecond
	}
	return &Detector{
		store:   st,
		archive: archive,
		log:     log.With().Str("component", "stall-detector").Logger(),
		floor:   floor,
		batch:   100,
	}
}

// Run sweeps until the context is cancelled. The sweep interval tracks the
// smallest stalled interval across queues, halved so an expired lock is
// noticed within one interval.
func (d *Detector) Run(ctx context.Context) error {
	for {
		wait := d.interval(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		if _, _, err := d.Sweep(ctx, time.Now()); err != nil {
			d.log.Error().Err(err).Msg("sweep")
		}
	}
}

func (d *Detector) interval(ctx context.Context) time.Duration {
	queues, err := d.store.ListQueues(ctx)
	if err != nil || len(queues) == 0 {
		return d.floor
	}
	min := time.Duration(0)
	for _, q := range queues {
		cfg, err := d.store.GetQueueConfig(ctx, q)
		if err != nil {
			continue
		}
		if iv := cfg.StalledInterval(); min == 0 || iv < min {
			min = iv
		}
	}
	if min == 0 {
		return d.floor
	}
	if half := min / 2; half > d.floor {
		return half
	}
	return d.floor
}

// Sweep reclaims expired-lock jobs across all queues once. It also refreshes
// the queue-depth gauges while it has the counts at hand.
func (d *Detector) Sweep(ctx context.Context, now time.Time) (requeued, deadLettered int, err error) {
	queues, err := d.store.ListQueues(ctx)
	if err != nil {
		return 0, 0, err
	}
	for _, q := range queues {
		cfg, cfgErr := d.store.GetQueueConfig(ctx, q)
		if cfgErr != nil {
			continue
		}
		rq, dl := d.sweepQueue(ctx, q, cfg, now)
		requeued += rq
		deadLettered += dl

		if waiting, active, delayed, _, _, cErr := d.store.QueueCounts(ctx, q); cErr == nil {
			telemetry.QueueDepth.WithLabelValues(q, "waiting").Set(float64(waiting))
			telemetry.QueueDepth.WithLabelValues(q, "active").Set(float64(active))
			telemetry.QueueDepth.WithLabelValues(q, "delayed").Set(float64(delayed))
		}
	}
	return requeued, deadLettered, nil
}

func (d *Detector) sweepQueue(ctx context.Context, queue string, cfg models.QueueConfig, now time.Time) (requeued, deadLettered int) {
	ids, err := d.store.ScanExpiredActive(ctx, queue, now, d.batch)
	if err != nil {
		d.log.Error().Err(err).Str("queue", queue).Msg("scan expired")
		return 0, 0
	}
	for _, id := range ids {
		outcome, pruned, rErr := d.store.ReclaimExpired(ctx, queue, id, cfg, now)
		if rErr != nil {
			d.log.Error().Err(rErr).Str("queue", queue).Str("job_id", id).Msg("reclaim")
			continue
		}
		switch outcome {
		case store.ReclaimRequeued:
			requeued++
			telemetry.JobsStalled.WithLabelValues(queue).Inc()
			d.log.Warn().Str("queue", queue).Str("job_id", id).Msg("stalled job returned to waiting")
		case store.ReclaimDeadLettered:
			deadLettered++
			telemetry.JobsStalled.WithLabelValues(queue).Inc()
			telemetry.JobsDeadLettered.WithLabelValues(queue).Inc()
			d.log.Warn().Str("queue", queue).Str("job_id", id).Msg("stall budget exhausted, dead-lettered")
			d.archivePruned(ctx, queue, pruned)
		}
	}
	return requeued, deadLettered
}

func (d *Detector) archivePruned(ctx context.Context, queue string, ids []string) {
	if len(ids) == 0 {
		return
	}
	jobs, err := d.store.CollectPruned(ctx, queue, ids)
	if err != nil {
		d.log.Error().Err(err).Str("queue", queue).Msg("collect pruned")
	}
	if d.archive == nil || len(jobs) == 0 {
		return
	}
	if err := d.archive.ArchiveJobs(ctx, jobs); err != nil {
		d.log.Error().Err(err).Str("queue", queue).Msg("archive pruned jobs")
	}
}
