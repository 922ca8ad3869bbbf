package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newBucket(t *testing.T, capacity int, refill float64) (*TokenBucket, *miniredis.Miniredis, *time.Time) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	b := NewTokenBucket(client, capacity, refill, time.Minute)
	b.now = func() time.Time { return clock }
	return b, mr, &clock
}

func TestSourceBucketsAreIndependent(t *testing.T) {
	ctx := context.Background()
	bucket, mr, _ := newBucket(t, 2, 1)

	allowed, err := bucket.AllowSource(ctx, "PLACSP")
	if err != nil || !allowed {
		t.Fatalf("expected first token allowed got allowed=%v err=%v", allowed, err)
	}
	allowed, _ = bucket.AllowSource(ctx, "placsp")
	if !allowed {
		t.Fatalf("expected second token allowed")
	}
	allowed, _ = bucket.AllowSource(ctx, "placsp ")
	if allowed {
		t.Fatalf("expected third token to be rejected")
	}
	allowed, _ = bucket.AllowSource(ctx, "gencat")
	if !allowed {
		t.Fatalf("expected other source to have its own bucket")
	}
	if !mr.Exists(SourceKey("placsp")) {
		t.Fatalf("expected bucket key %s", SourceKey("placsp"))
	}
}

func TestTakeRefillsWithClock(t *testing.T) {
	ctx := context.Background()
	bucket, _, clock := newBucket(t, 1, 0.5)

	d, err := bucket.Take(ctx, "k")
	if err != nil || !d.Allowed || d.Remaining != 0 {
		t.Fatalf("first take: %+v err=%v", d, err)
	}
	d, _ = bucket.Take(ctx, "k")
	if d.Allowed || d.RetryAfter != 2*time.Second {
		t.Fatalf("expected denial with 2s retry-after, got %+v", d)
	}

	*clock = clock.Add(time.Second)
	d, _ = bucket.Take(ctx, "k")
	if d.Allowed || d.RetryAfter != time.Second {
		t.Fatalf("expected half a token after 1s, got %+v", d)
	}

	*clock = clock.Add(time.Second)
	d, _ = bucket.Take(ctx, "k")
	if !d.Allowed {
		t.Fatalf("expected refilled token, got %+v", d)
	}
}

func TestAllowReportsRemaining(t *testing.T) {
	bucket, _, _ := newBucket(t, 3, 1)
	allowed, remaining, err := bucket.Allow(context.Background(), "rl:api:client")
	if err != nil || !allowed || remaining != 2 {
		t.Fatalf("got allowed=%v remaining=%v err=%v", allowed, remaining, err)
	}
}
