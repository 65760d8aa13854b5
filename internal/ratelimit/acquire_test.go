package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestBucket_AcquireBlocksUntilRefill(t *testing.T) {
	b := NewBucket(Config{RequestsPerSecond: 100, BurstSize: 1, Enabled: true})
	if !b.Allow() {
		t.Fatal("expected first Allow to succeed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	start := time.Now()
	if err := b.Acquire(ctx); err != nil {
		t.Fatalf("Acquire returned error: %v", err)
	}
	if time.Since(start) <= 0 {
		t.Error("expected Acquire to wait for refill")
	}
}

func TestBucket_AcquireRespectsContext(t *testing.T) {
	b := NewBucket(Config{RequestsPerSecond: 0.01, BurstSize: 1, Enabled: true})
	b.Allow() // drain the only token

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := b.Acquire(ctx); err == nil {
		t.Error("expected Acquire to return context error before refill")
	}
}

func TestLimiter_AcquireDisabledNeverBlocks(t *testing.T) {
	l := NewLimiter(Config{Enabled: false})
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	if err := l.Acquire(ctx, "k"); err != nil {
		t.Errorf("disabled limiter should never block: %v", err)
	}
}
