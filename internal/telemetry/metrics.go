package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "conveyor_jobs_enqueued_total", Help: "Jobs accepted by producers"}, []string{"queue"})
	JobsCompleted    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "conveyor_jobs_completed_total", Help: "Jobs completed successfully"}, []string{"queue"})
	JobsRetried      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "conveyor_jobs_retried_total", Help: "Jobs re-armed with backoff after a retriable failure"}, []string{"queue"})
	JobsDeadLettered = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "conveyor_jobs_dead_lettered_total", Help: "Jobs routed to a dead-letter queue"}, []string{"queue"})
	JobsStalled      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "conveyor_jobs_stalled_total", Help: "Jobs reclaimed after their lock expired"}, []string{"queue"})
	JobsLost         = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "conveyor_jobs_lost_lock_total", Help: "Handler results discarded because the lock was lost"}, []string{"queue"})
	RateLimitRejects = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "conveyor_rate_limit_rejects_total", Help: "Producer adds rejected by the rate limiter"}, []string{"queue"})
	QueueDepth       = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "conveyor_queue_depth", Help: "Per-queue index sizes"}, []string{"queue", "state"})
	InFlight         = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "conveyor_inflight", Help: "Jobs currently being processed"}, []string{"queue"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsCompleted,
			JobsRetried,
			JobsDeadLettered,
			JobsStalled,
			JobsLost,
			RateLimitRejects,
			QueueDepth,
			InFlight,
		)
	})
	return promhttp.Handler()
}
