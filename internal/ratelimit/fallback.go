package ratelimit

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kidoz/dotcelery/internal/logging"
)

// Backend is the admission-check seam FallbackBackend wraps, satisfied
// by *Limiter.
type Backend interface {
	Allow(ctx context.Context, resourceKey string, policy Policy) (Lease, error)
}

// FallbackBackend wraps a primary Backend (typically Redis-backed)
// with an in-memory local token-bucket fallback. When the primary
// errors, it degrades to local rate limiting and periodically probes
// the primary to resume distributed admission once connectivity
// recovers. Adapted from the teacher's
// internal/ratelimit/fallback_backend.go.
type FallbackBackend struct {
	primary       Backend
	local         *LocalTokenBucketBackend
	degraded      atomic.Bool
	probeMu       sync.Mutex
	lastProbeTime atomic.Value
}

// NewFallbackBackend creates a rate-limit backend that falls back to
// local in-memory token buckets when the primary backend is down.
func NewFallbackBackend(primary Backend) *FallbackBackend {
	fb := &FallbackBackend{
		primary: primary,
		local:   NewLocalTokenBucketBackend(),
	}
	fb.lastProbeTime.Store(time.Time{})
	return fb
}

const probeInterval = 5 * time.Second

func (f *FallbackBackend) Allow(ctx context.Context, resourceKey string, policy Policy) (Lease, error) {
	if f.degraded.Load() {
		if last, ok := f.lastProbeTime.Load().(time.Time); ok && time.Since(last) > probeInterval {
			go f.probeAndRecover(ctx)
		}
		return f.local.Allow(ctx, resourceKey, policy)
	}

	lease, err := f.primary.Allow(ctx, resourceKey, policy)
	if err != nil {
		logging.Op().Warn("rate-limit primary backend error, degrading to local", "error", err)
		f.degraded.Store(true)
		f.lastProbeTime.Store(time.Now())
		return f.local.Allow(ctx, resourceKey, policy)
	}
	return lease, nil
}

func (f *FallbackBackend) probeAndRecover(ctx context.Context) {
	if !f.probeMu.TryLock() {
		return
	}
	defer f.probeMu.Unlock()

	f.lastProbeTime.Store(time.Now())

	_, err := f.primary.Allow(ctx, "dotcelery:rl:probe:health", Policy{
		Limit: 1000, Window: time.Second, Algorithm: AlgorithmTokenBucket,
	})
	if err == nil {
		logging.Op().Info("rate-limit primary backend recovered, resuming distributed mode")
		f.degraded.Store(false)
	}
}

// Degraded reports whether the backend is currently in local-only mode.
func (f *FallbackBackend) Degraded() bool {
	return f.degraded.Load()
}

// LocalTokenBucketBackend implements Backend with in-memory token
// buckets; used as the fallback when the distributed backend is down,
// and usable standalone for single-process deployments.
type LocalTokenBucketBackend struct {
	mu      sync.Mutex
	buckets map[string]*localBucket
}

type localBucket struct {
	tokens     float64
	lastRefill time.Time
}

// NewLocalTokenBucketBackend creates a local in-memory rate limiter.
func NewLocalTokenBucketBackend() *LocalTokenBucketBackend {
	return &LocalTokenBucketBackend{buckets: make(map[string]*localBucket)}
}

func (l *LocalTokenBucketBackend) Allow(_ context.Context, resourceKey string, policy Policy) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := resourceKeyFor(policy, resourceKey)
	now := time.Now()
	b, ok := l.buckets[key]
	if !ok {
		b = &localBucket{tokens: float64(policy.Limit), lastRefill: now}
		l.buckets[key] = b
	}

	refillRate := float64(policy.Limit) / policy.Window.Seconds()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(float64(policy.Limit), b.tokens+elapsed*refillRate)
		b.lastRefill = now
	}

	if b.tokens >= 1 {
		b.tokens--
		return Lease{Acquired: true, Remaining: int(b.tokens)}, nil
	}
	retryAfter := time.Duration((1 - b.tokens) / refillRate * float64(time.Second))
	return Lease{Acquired: false, Remaining: 0, RetryAfter: retryAfter, ResetAt: now.Add(retryAfter)}, nil
}
