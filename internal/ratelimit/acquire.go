package ratelimit

import (
	"context"
	"time"
)

// Acquire blocks until a token is available or ctx is done, per spec's
// requirement that the rate limiter expose a blocking acquire() alongside
// the non-blocking try_acquire() (Allow/AllowN above).
func (b *Bucket) Acquire(ctx context.Context) error {
	return b.AcquireN(ctx, 1)
}

// AcquireN blocks until n tokens are available or ctx is done.
func (b *Bucket) AcquireN(ctx context.Context, n int) error {
	for {
		if b.AllowN(n) {
			return nil
		}
		wait := b.WaitTime()
		if wait <= 0 {
			wait = time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// TryAcquire is a non-blocking alias for Allow, named to match the spec's
// try_acquire() terminology.
func (b *Bucket) TryAcquire() bool { return b.Allow() }

// Acquire blocks until a token for key is available or ctx is done. A
// disabled limiter never blocks.
func (l *Limiter) Acquire(ctx context.Context, key string) error {
	if !l.config.Enabled {
		return nil
	}
	return l.getBucket(key).Acquire(ctx)
}

// AcquireN blocks until n tokens for key are available or ctx is done.
func (l *Limiter) AcquireN(ctx context.Context, key string, n int) error {
	if !l.config.Enabled {
		return nil
	}
	return l.getBucket(key).AcquireN(ctx, n)
}

// TryAcquire is a non-blocking alias for Allow.
func (l *Limiter) TryAcquire(key string) bool { return l.Allow(key) }
