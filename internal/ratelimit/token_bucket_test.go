package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bucket := NewTokenBucket(client, 2, 1, time.Minute)

	allowed, err := bucket.Allow(ctx, "emails")
	if err != nil || !allowed {
		t.Fatalf("expected first token allowed, got allowed=%v err=%v", allowed, err)
	}
	if allowed, _ = bucket.Allow(ctx, "emails"); !allowed {
		t.Fatalf("expected second token allowed")
	}
	if allowed, _ = bucket.Allow(ctx, "emails"); allowed {
		t.Fatalf("expected third token to be rejected")
	}

	// Buckets are independent per queue.
	if allowed, _ = bucket.Allow(ctx, "webhooks"); !allowed {
		t.Fatalf("expected fresh queue to have tokens")
	}
}
