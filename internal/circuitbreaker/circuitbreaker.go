// Package circuitbreaker stops calling an AI vendor that keeps failing.
//
// After FailureThreshold consecutive failures a vendor's breaker opens and
// calls are refused with domain.ErrCircuitBreakerOpen for Cooldown. The
// first call after the cooldown is let through half-open; SuccessThreshold
// successes close the breaker again, a single failure reopens it.
//
// Breakers are local to the process by default. With a Redis client every
// worker and API instance shares the same vendor state.
package circuitbreaker

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/felipepmaragno/storyforge/internal/domain"
	"github.com/felipepmaragno/storyforge/internal/metrics"
	"github.com/redis/go-redis/v9"
)

type CircuitBreaker interface {
	// Allow returns domain.ErrCircuitBreakerOpen while the vendor is cooling down.
	Allow(ctx context.Context) error
	RecordSuccess(ctx context.Context)
	RecordFailure(ctx context.Context)
	State(ctx context.Context) State
}

type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	}
	return "unknown"
}

func parseState(s string) State {
	switch s {
	case "open":
		return StateOpen
	case "half-open":
		return StateHalfOpen
	}
	return StateClosed
}

type Config struct {
	FailureThreshold int
	SuccessThreshold int
	Cooldown         time.Duration
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Cooldown:         30 * time.Second,
	}
}

// Local is an in-process breaker for one vendor.
type Local struct {
	mu        sync.Mutex
	vendor    string
	cfg       Config
	state     State
	failures  int
	successes int
	openedAt  time.Time
	now       func() time.Time
}

func NewLocal(vendor string, cfg Config) *Local {
	return &Local{vendor: vendor, cfg: cfg, now: time.Now}
}

func (b *Local) Allow(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return nil
	}
	if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
		return domain.ErrCircuitBreakerOpen
	}
	b.transition(StateHalfOpen)
	return nil
}

func (b *Local) RecordSuccess(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.transition(StateClosed)
		}
	}
}

func (b *Local) RecordFailure(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		b.transition(StateOpen)
	}
}

func (b *Local) State(ctx context.Context) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// transition must be called with mu held.
func (b *Local) transition(to State) {
	b.state = to
	b.successes = 0
	switch to {
	case StateOpen:
		b.openedAt = b.now()
	case StateClosed:
		b.failures = 0
	}
	metrics.SetCircuitBreakerState(b.vendor, int(to))
}

// Registry hands out one breaker per vendor.
type Registry struct {
	mu       sync.Mutex
	cfg      Config
	redis    *redis.Client
	breakers map[string]CircuitBreaker
}

type RegistryOption func(*Registry)

// WithRedis shares breaker state through Redis.
func WithRedis(client *redis.Client) RegistryOption {
	return func(r *Registry) {
		r.redis = client
	}
}

func NewRegistry(cfg Config, opts ...RegistryOption) *Registry {
	r := &Registry{
		cfg:      cfg,
		breakers: make(map[string]CircuitBreaker),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) For(vendor string) CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[vendor]; ok {
		return b
	}

	var b CircuitBreaker
	if r.redis != nil {
		b = NewShared(r.redis, vendor, r.cfg)
	} else {
		b = NewLocal(vendor, r.cfg)
	}
	r.breakers[vendor] = b
	return b
}

// States reports every breaker handed out so far, keyed by vendor.
func (r *Registry) States(ctx context.Context) map[string]string {
	r.mu.Lock()
	vendors := make([]string, 0, len(r.breakers))
	for v := range r.breakers {
		vendors = append(vendors, v)
	}
	sort.Strings(vendors)
	breakers := make([]CircuitBreaker, len(vendors))
	for i, v := range vendors {
		breakers[i] = r.breakers[v]
	}
	r.mu.Unlock()

	out := make(map[string]string, len(vendors))
	for i, v := range vendors {
		out[v] = breakers[i].State(ctx).String()
	}
	return out
}
