package models

import (
	"errors"
	"testing"
)

func TestStatusTerminal(t *testing.T) {
	terminal := map[Status]bool{
		StatusWaiting:      false,
		StatusDelayed:      false,
		StatusActive:       false,
		StatusCompleted:    true,
		StatusFailed:       false,
		StatusDeadLettered: true,
	}
	for s, want := range terminal {
		if got := s.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v want %v", s, got, want)
		}
	}
}

func TestDeadLetterTarget(t *testing.T) {
	j := Job{Queue: "emails"}
	if got := j.DeadLetterTarget(); got != "emails:dead" {
		t.Fatalf("default target %q", got)
	}
	j.DeadLetterQueue = "graveyard"
	if got := j.DeadLetterTarget(); got != "graveyard" {
		t.Fatalf("override target %q", got)
	}
}

func TestQueueConfigValidate(t *testing.T) {
	valid := QueueConfig{Name: "q"}
	valid.ApplyDefaults()
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	bad := []QueueConfig{
		{},
		{Name: "q", Concurrency: -1},
		{Name: "q", Concurrency: 1, MaxRetries: 1, BackoffMultiplier: 0.5, StalledIntervalMs: 1000, MaxStalledCount: 1},
		{Name: "q", Concurrency: 1, MaxRetries: 1, BackoffMultiplier: 2, StalledIntervalMs: 1000, MaxStalledCount: 1, RemoveOnFail: -1},
	}
	for i, cfg := range bad {
		if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("case %d: expected ErrInvalidConfig, got %v", i, err)
		}
	}
}
