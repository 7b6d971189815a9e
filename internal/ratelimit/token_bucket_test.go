package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/standard-Chan/standard-object-storage/internal/clock"
)

func newBucket(t *testing.T, capacity int, refill float64) (*TokenBucket, *clock.Fake, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	clk := clock.NewFake(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	return NewTokenBucket(client, capacity, refill, time.Minute).WithClock(clk), clk, mr
}

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	bucket, _, _ := newBucket(t, 2, 1)

	d, err := bucket.Allow(ctx, "photos")
	if err != nil || !d.Allowed {
		t.Fatalf("expected first token allowed got allowed=%v err=%v", d.Allowed, err)
	}
	if d.Remaining != 1 {
		t.Fatalf("expected 1 token remaining, got %v", d.Remaining)
	}
	d, _ = bucket.Allow(ctx, "photos")
	if !d.Allowed {
		t.Fatalf("expected second token allowed")
	}
	d, _ = bucket.Allow(ctx, "photos")
	if d.Allowed {
		t.Fatalf("expected third token to be rejected")
	}

	// Budgets are per storage bucket.
	d, _ = bucket.Allow(ctx, "videos")
	if !d.Allowed {
		t.Fatalf("expected a different bucket to have its own budget")
	}
}

func TestTokenBucketRefill(t *testing.T) {
	ctx := context.Background()
	bucket, clk, _ := newBucket(t, 1, 2)

	if d, _ := bucket.Allow(ctx, "photos"); !d.Allowed {
		t.Fatalf("expected first token allowed")
	}
	if d, _ := bucket.Allow(ctx, "photos"); d.Allowed {
		t.Fatalf("expected bucket to be empty")
	}

	clk.Advance(250 * time.Millisecond)
	d, _ := bucket.Allow(ctx, "photos")
	if d.Allowed {
		t.Fatalf("half a token must not be enough")
	}
	if d.Remaining != 0.5 {
		t.Fatalf("expected 0.5 tokens, got %v", d.Remaining)
	}

	clk.Advance(250 * time.Millisecond)
	if d, _ := bucket.Allow(ctx, "photos"); !d.Allowed {
		t.Fatalf("expected refilled token after 500ms at 2 tokens/s")
	}
}

func TestTokenBucketKeyExpires(t *testing.T) {
	ctx := context.Background()
	bucket, _, mr := newBucket(t, 1, 1)

	if _, err := bucket.Allow(ctx, "photos"); err != nil {
		t.Fatalf("allow: %v", err)
	}
	if !mr.Exists(keyPrefix + "photos") {
		t.Fatalf("expected bucket state in redis")
	}
	mr.FastForward(2 * time.Minute)
	if mr.Exists(keyPrefix + "photos") {
		t.Fatalf("expected idle bucket state to expire")
	}
}

func TestTokenBucketRedisDown(t *testing.T) {
	bucket, _, mr := newBucket(t, 1, 1)
	mr.Close()
	if _, err := bucket.Allow(context.Background(), "photos"); err == nil {
		t.Fatalf("expected error when redis is unavailable")
	}
}
