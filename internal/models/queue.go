package models

import (
	"fmt"
	"time"
)

// QueueConfig is the per-queue policy record. It is stored as a live hash in
// the shared store; workers re-read it at the start of each claim cycle so
// admin mutations bind within one polling interval.
type QueueConfig struct {
	Name              string  `json:"name"`
	Concurrency       int     `json:"concurrency"`
	MaxRetries        int     `json:"max_retries"`
	RetryDelayMs      int64   `json:"retry_delay_ms"`
	BackoffMultiplier float64 `json:"backoff_multiplier"`
	BackoffMaxMs      int64   `json:"backoff_max_ms"`
	DefaultPriority   int     `json:"default_priority"`
	RemoveOnComplete  int     `json:"remove_on_complete"`
	RemoveOnFail      int     `json:"remove_on_fail"`
	StalledIntervalMs int64   `json:"stalled_interval_ms"`
	MaxStalledCount   int     `json:"max_stalled_count"`
	Paused            bool    `json:"paused"`
}

func (c QueueConfig) RetryDelay() time.Duration      { return time.Duration(c.RetryDelayMs) * time.Millisecond }
func (c QueueConfig) BackoffMax() time.Duration      { return time.Duration(c.BackoffMaxMs) * time.Millisecond }
func (c QueueConfig) StalledInterval() time.Duration { return time.Duration(c.StalledIntervalMs) * time.Millisecond }

// ApplyDefaults fills unset fields with engine defaults.
func (c *QueueConfig) ApplyDefaults() {
	if c.Concurrency == 0 {
		c.Concurrency = 1
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelayMs == 0 {
		c.RetryDelayMs = 1000
	}
	if c.BackoffMultiplier == 0 {
		c.BackoffMultiplier = 2
	}
	if c.BackoffMaxMs == 0 {
		c.BackoffMaxMs = (5 * time.Minute).Milliseconds()
	}
	if c.StalledIntervalMs == 0 {
		c.StalledIntervalMs = (30 * time.Second).Milliseconds()
	}
	if c.MaxStalledCount == 0 {
		c.MaxStalledCount = 1
	}
}

// Validate rejects configs the engine cannot honor. Callers should
// ApplyDefaults first.
func (c QueueConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidConfig)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("%w: concurrency must be >= 1", ErrInvalidConfig)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("%w: max_retries must be >= 1", ErrInvalidConfig)
	}
	if c.RetryDelayMs < 0 || c.BackoffMaxMs < 0 {
		return fmt.Errorf("%w: retry delays must be non-negative", ErrInvalidConfig)
	}
	if c.BackoffMultiplier < 1 {
		return fmt.Errorf("%w: backoff_multiplier must be >= 1", ErrInvalidConfig)
	}
	if c.StalledIntervalMs < 1 {
		return fmt.Errorf("%w: stalled_interval_ms must be >= 1", ErrInvalidConfig)
	}
	if c.MaxStalledCount < 1 {
		return fmt.Errorf("%w: max_stalled_count must be >= 1", ErrInvalidConfig)
	}
	if c.RemoveOnComplete < 0 || c.RemoveOnFail < 0 {
		return fmt.Errorf("%w: retention counts must be non-negative", ErrInvalidConfig)
	}
	return nil
}

// QueueStats is the aggregate view exposed by the admin façade.
type QueueStats struct {
	Waiting         int64   `json:"waiting"`
	Active          int64   `json:"active"`
	Completed       int64   `json:"completed"`
	Failed          int64   `json:"failed"`
	Delayed         int64   `json:"delayed"`
	ThroughputPerMin float64 `json:"throughput_per_min"`
	AvgProcessingMs float64 `json:"avg_processing_ms"`
	ErrorRate       float64 `json:"error_rate"`
}

// QueueHealth is the per-queue slice of the health report.
type QueueHealth struct {
	Healthy         bool  `json:"healthy"`
	OldestWaitingMs int64 `json:"oldest_waiting_ms"`
}

// HealthReport is the engine-wide health payload. Healthy means the store is
// reachable and no queue's oldest waiting job exceeds the age threshold.
type HealthReport struct {
	Healthy bool                   `json:"healthy"`
	Store   string                 `json:"store"`
	Queues  map[string]QueueHealth `json:"queues"`
}
