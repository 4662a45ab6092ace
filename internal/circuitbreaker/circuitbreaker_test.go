package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/felipepmaragno/storyforge/internal/domain"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(cfg Config) (*Local, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	b := NewLocal("openai", cfg)
	b.now = clock.Now
	return b, clock
}

func TestLocal_Transitions(t *testing.T) {
	ctx := context.Background()
	cfg := Config{FailureThreshold: 3, SuccessThreshold: 2, Cooldown: 10 * time.Second}

	tests := []struct {
		name   string
		steps  func(b *Local, clock *fakeClock)
		want   State
		allows bool
	}{
		{
			name:   "starts closed",
			steps:  func(b *Local, clock *fakeClock) {},
			want:   StateClosed,
			allows: true,
		},
		{
			name: "stays closed below threshold",
			steps: func(b *Local, clock *fakeClock) {
				b.RecordFailure(ctx)
				b.RecordFailure(ctx)
			},
			want:   StateClosed,
			allows: true,
		},
		{
			name: "success resets the failure count",
			steps: func(b *Local, clock *fakeClock) {
				b.RecordFailure(ctx)
				b.RecordFailure(ctx)
				b.RecordSuccess(ctx)
				b.RecordFailure(ctx)
				b.RecordFailure(ctx)
			},
			want:   StateClosed,
			allows: true,
		},
		{
			name: "opens at threshold",
			steps: func(b *Local, clock *fakeClock) {
				for i := 0; i < 3; i++ {
					b.RecordFailure(ctx)
				}
			},
			want:   StateOpen,
			allows: false,
		},
		{
			name: "half-open after cooldown",
			steps: func(b *Local, clock *fakeClock) {
				for i := 0; i < 3; i++ {
					b.RecordFailure(ctx)
				}
				clock.Advance(11 * time.Second)
			},
			want:   StateHalfOpen,
			allows: true,
		},
		{
			name: "closes after enough half-open successes",
			steps: func(b *Local, clock *fakeClock) {
				for i := 0; i < 3; i++ {
					b.RecordFailure(ctx)
				}
				clock.Advance(11 * time.Second)
				b.Allow(ctx)
				b.RecordSuccess(ctx)
				b.RecordSuccess(ctx)
			},
			want:   StateClosed,
			allows: true,
		},
		{
			name: "half-open failure reopens",
			steps: func(b *Local, clock *fakeClock) {
				for i := 0; i < 3; i++ {
					b.RecordFailure(ctx)
				}
				clock.Advance(11 * time.Second)
				b.Allow(ctx)
				b.RecordFailure(ctx)
			},
			want:   StateOpen,
			allows: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, clock := newTestBreaker(cfg)
			tt.steps(b, clock)

			err := b.Allow(ctx)
			if tt.allows && err != nil {
				t.Errorf("Allow() = %v, want nil", err)
			}
			if !tt.allows && !errors.Is(err, domain.ErrCircuitBreakerOpen) {
				t.Errorf("Allow() = %v, want ErrCircuitBreakerOpen", err)
			}
			if got := b.State(ctx); got != tt.want {
				t.Errorf("State() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRegistry_ReusesBreakerPerVendor(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(Config{FailureThreshold: 1, SuccessThreshold: 1, Cooldown: time.Minute})

	r.For("replicate").RecordFailure(ctx)

	if r.For("replicate").State(ctx) != StateOpen {
		t.Error("expected replicate breaker to stay open across lookups")
	}
	if r.For("openai").State(ctx) != StateClosed {
		t.Error("expected openai breaker to be independent")
	}

	states := r.States(ctx)
	if states["replicate"] != "open" || states["openai"] != "closed" {
		t.Errorf("States() = %v", states)
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateHalfOpen, "half-open"},
		{StateOpen, "open"},
		{State(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
		if tt.want != "unknown" && parseState(tt.want) != tt.state {
			t.Errorf("parseState(%q) = %v", tt.want, parseState(tt.want))
		}
	}
}
