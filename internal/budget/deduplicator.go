package budget

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// AlertDeduplicator makes sure each (user, month, level) alert is sent
// once, across every running instance when backed by Redis.
type AlertDeduplicator interface {
	// ShouldAlert reports whether this caller is the first to raise the alert.
	ShouldAlert(ctx context.Context, userID string, month time.Time, level AlertLevel) bool

	// ClearAlert forgets every alert of the user for the month.
	ClearAlert(ctx context.Context, userID string, month time.Time)
}

func monthKey(month time.Time) string {
	return month.UTC().Format("2006-01")
}

type InMemoryDeduplicator struct {
	mu   sync.Mutex
	sent map[string]map[AlertLevel]bool
}

func NewInMemoryDeduplicator() *InMemoryDeduplicator {
	return &InMemoryDeduplicator{
		sent: make(map[string]map[AlertLevel]bool),
	}
}

func (d *InMemoryDeduplicator) ShouldAlert(ctx context.Context, userID string, month time.Time, level AlertLevel) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := userID + ":" + monthKey(month)
	levels, ok := d.sent[key]
	if !ok {
		levels = make(map[AlertLevel]bool)
		d.sent[key] = levels
	}
	if levels[level] {
		return false
	}
	levels[level] = true
	return true
}

func (d *InMemoryDeduplicator) ClearAlert(ctx context.Context, userID string, month time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sent, userID+":"+monthKey(month))
}

type RedisDeduplicator struct {
	client  *redis.Client
	lockTTL time.Duration
}

// NewRedisDeduplicator connects to redisURL. lockTTL should outlive a
// month, since keys are already scoped to one.
func NewRedisDeduplicator(redisURL string, lockTTL time.Duration) (*RedisDeduplicator, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return NewRedisDeduplicatorWithClient(client, lockTTL), nil
}

func NewRedisDeduplicatorWithClient(client *redis.Client, lockTTL time.Duration) *RedisDeduplicator {
	return &RedisDeduplicator{
		client:  client,
		lockTTL: lockTTL,
	}
}

func (d *RedisDeduplicator) alertKey(userID string, month time.Time, level AlertLevel) string {
	return fmt.Sprintf("budget:alert:%s:%s:%s", userID, monthKey(month), level)
}

// ShouldAlert uses SETNX so only one instance wins. Redis errors fail open.
func (d *RedisDeduplicator) ShouldAlert(ctx context.Context, userID string, month time.Time, level AlertLevel) bool {
	acquired, err := d.client.SetNX(ctx, d.alertKey(userID, month, level), time.Now().Unix(), d.lockTTL).Result()
	if err != nil {
		return true
	}
	return acquired
}

func (d *RedisDeduplicator) ClearAlert(ctx context.Context, userID string, month time.Time) {
	keys := make([]string, 0, 3)
	for _, level := range []AlertLevel{AlertLevelWarning, AlertLevelCritical, AlertLevelExceeded} {
		keys = append(keys, d.alertKey(userID, month, level))
	}
	d.client.Del(ctx, keys...)
}

func (d *RedisDeduplicator) Close() error {
	return d.client.Close()
}
