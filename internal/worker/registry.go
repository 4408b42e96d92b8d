// Package worker runs registered handlers against claimed jobs: the bounded
// per-queue pool, lock heartbeats, retry/backoff decisions, dead-letter
// routing, and the stalled-job detector.
package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/awields/conveyor/internal/models"
)

// HandlerFunc executes one job. A nil return completes the job; a non-nil
// error retries it with backoff unless wrapped with Fatal. Handlers must
// tolerate re-delivery: a stalled invocation may still be running when the
// job is claimed again.
type HandlerFunc func(ctx context.Context, job models.Job) error

// Registry maps job types to handlers. Populated by application code before
// workers start; safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Register binds a handler to a job type. Empty types and nil handlers are
// ignored.
func (r *Registry) Register(jobType string, h HandlerFunc) {
	if jobType == "" || h == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[jobType] = h
}

// Get returns the handler for a job type.
func (r *Registry) Get(jobType string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	return h, ok
}

// Types returns all registered job types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	return out
}

type fatalError struct{ err error }

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Fatal marks a handler error as non-retriable: the job goes straight to the
// dead-letter queue regardless of remaining attempts.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// IsFatal reports whether err carries the non-retriable marker.
func IsFatal(err error) bool {
	var f *fatalError
	return errors.As(err, &f)
}
