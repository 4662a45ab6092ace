package circuitbreaker

import (
	"context"
	"log/slog"

	"github.com/felipepmaragno/storyforge/internal/domain"
	"github.com/felipepmaragno/storyforge/internal/metrics"
	"github.com/redis/go-redis/v9"
)

// All three scripts operate on a single hash per vendor with the fields
// state, failures, successes and opened_at (unix seconds, server clock).

var allowScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state') or 'closed'
if state ~= 'open' then
  return state
end
local openedAt = tonumber(redis.call('HGET', KEYS[1], 'opened_at') or '0')
local now = tonumber(redis.call('TIME')[1])
if now - openedAt < tonumber(ARGV[1]) then
  return 'open'
end
redis.call('HSET', KEYS[1], 'state', 'half-open', 'successes', 0)
return 'half-open'
`)

var successScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state') or 'closed'
if state == 'half-open' then
  local n = redis.call('HINCRBY', KEYS[1], 'successes', 1)
  if n >= tonumber(ARGV[1]) then
    redis.call('HSET', KEYS[1], 'state', 'closed', 'failures', 0, 'successes', 0)
    return 'closed'
  end
  return 'half-open'
end
if state == 'closed' then
  redis.call('HSET', KEYS[1], 'failures', 0)
end
return state
`)

var failureScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state') or 'closed'
local now = redis.call('TIME')[1]
if state == 'half-open' then
  redis.call('HSET', KEYS[1], 'state', 'open', 'successes', 0, 'opened_at', now)
  return 'open'
end
if state == 'closed' then
  local n = redis.call('HINCRBY', KEYS[1], 'failures', 1)
  if n >= tonumber(ARGV[1]) then
    redis.call('HSET', KEYS[1], 'state', 'open', 'opened_at', now)
    return 'open'
  end
end
return state
`)

// Shared keeps a vendor's breaker state in Redis so every instance sees
// the same open/closed decision. Redis errors fail open.
type Shared struct {
	client *redis.Client
	vendor string
	cfg    Config
	key    string
}

func NewShared(client *redis.Client, vendor string, cfg Config) *Shared {
	return &Shared{
		client: client,
		vendor: vendor,
		cfg:    cfg,
		key:    "storyforge:breaker:" + vendor,
	}
}

func (b *Shared) Allow(ctx context.Context) error {
	state, err := allowScript.Run(ctx, b.client, []string{b.key}, int(b.cfg.Cooldown.Seconds())).Text()
	if err != nil {
		slog.Warn("circuit breaker unavailable", "provider", b.vendor, "error", err)
		return nil
	}
	b.observe(state)
	if state == "open" {
		return domain.ErrCircuitBreakerOpen
	}
	return nil
}

func (b *Shared) RecordSuccess(ctx context.Context) {
	state, err := successScript.Run(ctx, b.client, []string{b.key}, b.cfg.SuccessThreshold).Text()
	if err == nil {
		b.observe(state)
	}
}

func (b *Shared) RecordFailure(ctx context.Context) {
	state, err := failureScript.Run(ctx, b.client, []string{b.key}, b.cfg.FailureThreshold).Text()
	if err == nil {
		b.observe(state)
	}
}

func (b *Shared) State(ctx context.Context) State {
	s, err := b.client.HGet(ctx, b.key, "state").Result()
	if err != nil {
		return StateClosed
	}
	return parseState(s)
}

// Reset closes the breaker by dropping its hash.
func (b *Shared) Reset(ctx context.Context) error {
	return b.client.Del(ctx, b.key).Err()
}

func (b *Shared) observe(state string) {
	metrics.SetCircuitBreakerState(b.vendor, int(parseState(state)))
}
