package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"

	"github.com/awields/conveyor/internal/models"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register("email", func(ctx context.Context, job models.Job) error { return nil })
	r.Register("report", func(ctx context.Context, job models.Job) error { return nil })

	if _, ok := r.Get("email"); !ok {
		t.Fatalf("expected email handler")
	}
	if _, ok := r.Get("unknown"); ok {
		t.Fatalf("unexpected handler for unknown type")
	}

	types := r.Types()
	sort.Strings(types)
	if len(types) != 2 || types[0] != "email" || types[1] != "report" {
		t.Fatalf("types: %v", types)
	}
}

func TestFatalWrapping(t *testing.T) {
	base := errors.New("bad payload")
	err := Fatal(base)
	if !IsFatal(err) {
		t.Fatalf("expected fatal")
	}
	if !errors.Is(err, base) {
		t.Fatalf("fatal should unwrap to the cause")
	}
	if IsFatal(base) {
		t.Fatalf("plain error must not be fatal")
	}
	wrapped := fmt.Errorf("handler: %w", err)
	if !IsFatal(wrapped) {
		t.Fatalf("fatal should survive wrapping")
	}
	if Fatal(nil) != nil {
		t.Fatalf("Fatal(nil) should be nil")
	}
}
