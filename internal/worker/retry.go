package worker

import (
	"math"
	"time"

	"github.com/awields/conveyor/internal/models"
)

// nextDelay computes the backoff before retry number attempts (1-indexed):
// retryDelay * multiplier^(attempts-1), capped at the queue's backoff max.
func nextDelay(cfg models.QueueConfig, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := time.Duration(float64(cfg.RetryDelay()) * math.Pow(cfg.BackoffMultiplier, float64(attempts-1)))
	if max := cfg.BackoffMax(); max > 0 && d > max {
		d = max
	}
	return d
}
