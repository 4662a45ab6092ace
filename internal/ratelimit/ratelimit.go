// Package ratelimit caps requests per user on the generation and chat
// endpoints. The in-memory limiter uses fixed windows; the Redis limiter a
// sliding window shared by every instance.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

const DefaultWindow = time.Minute

// RateLimiter reports whether one more request for key fits in limit, the
// remaining quota and when the window resets.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int) (allowed bool, remaining int, resetAt time.Time, err error)
}

type InMemoryRateLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	size    time.Duration
	now     func() time.Time
}

type window struct {
	count   int
	resetAt time.Time
}

func NewInMemoryRateLimiter() *InMemoryRateLimiter {
	return NewInMemoryRateLimiterWithWindow(DefaultWindow)
}

func NewInMemoryRateLimiterWithWindow(size time.Duration) *InMemoryRateLimiter {
	return &InMemoryRateLimiter{
		windows: make(map[string]*window),
		size:    size,
		now:     time.Now,
	}
}

func (r *InMemoryRateLimiter) Allow(ctx context.Context, key string, limit int) (bool, int, time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()

	w, ok := r.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(r.size)}
		r.windows[key] = w
	}

	if w.count >= limit {
		return false, 0, w.resetAt, nil
	}

	w.count++
	return true, limit - w.count, w.resetAt, nil
}
