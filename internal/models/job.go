package models

import (
	"time"
)

// Status enumerates the job lifecycle states persisted in the store.
type Status string

const (
	StatusWaiting      Status = "waiting"
	StatusDelayed      Status = "delayed"
	StatusActive       Status = "active"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusDeadLettered Status = "dead-lettered"
)

// Terminal reports whether s is a terminal state. Terminal jobs are never
// re-claimed; only an explicit admin retry re-arms them.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusDeadLettered
}

// Job is one unit of asynchronous work tracked by the engine.
type Job struct {
	ID              string            `json:"id"`
	Queue           string            `json:"queue"`
	Type            string            `json:"type"`
	Payload         map[string]any    `json:"payload"`
	Priority        int               `json:"priority"`
	Status          Status            `json:"status"`
	AttemptsMade    int               `json:"attempts_made"`
	MaxAttempts     int               `json:"max_attempts"`
	StalledCount    int               `json:"stalled_count"`
	AvailableAt     time.Time         `json:"available_at"`
	LockToken       string            `json:"lock_token,omitempty"`
	LockExpiresAt   *time.Time        `json:"lock_expires_at,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	ProcessedAt     *time.Time        `json:"processed_at,omitempty"`
	FinishedAt      *time.Time        `json:"finished_at,omitempty"`
	FailedAt        *time.Time        `json:"failed_at,omitempty"`
	LastError       string            `json:"last_error,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	DeadLetterQueue string            `json:"dead_letter_queue,omitempty"`

	// Seq is the per-queue creation sequence used for FIFO tie-breaking
	// among jobs of equal priority. Assigned by the store at creation.
	Seq int64 `json:"-"`
}

// DeadLetterTarget resolves where the job goes when it fails permanently:
// the job-level override if set, otherwise "<queue>:dead".
func (j *Job) DeadLetterTarget() string {
	if j.DeadLetterQueue != "" {
		return j.DeadLetterQueue
	}
	return j.Queue + ":dead"
}

// JobOptions are producer-supplied knobs for a single job. Zero values fall
// back to the owning queue's defaults.
type JobOptions struct {
	Priority        *int              `json:"priority,omitempty"`
	DelayMs         int64             `json:"delay_ms,omitempty"`
	Attempts        int               `json:"attempts,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	DeadLetterQueue string            `json:"dead_letter_queue,omitempty"`
}

// Delay returns the enqueue delay as a duration.
func (o JobOptions) Delay() time.Duration {
	return time.Duration(o.DelayMs) * time.Millisecond
}
