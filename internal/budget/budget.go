// Package budget watches each user's monthly AI spend and raises one alert
// per threshold crossed.
package budget

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/felipepmaragno/storyforge/internal/cost"
	"github.com/felipepmaragno/storyforge/internal/metrics"
	"github.com/felipepmaragno/storyforge/internal/notifications"
)

type AlertLevel string

const (
	AlertLevelWarning  AlertLevel = "warning"
	AlertLevelCritical AlertLevel = "critical"
	AlertLevelExceeded AlertLevel = "exceeded"
)

func (l AlertLevel) NotificationType() notifications.NotificationType {
	switch l {
	case AlertLevelCritical:
		return notifications.NotificationBudgetCritical
	case AlertLevelExceeded:
		return notifications.NotificationBudgetExceeded
	}
	return notifications.NotificationBudgetWarning
}

type Alert struct {
	UserID     string
	Level      AlertLevel
	Budget     float64
	CurrentUse float64
	Percentage float64
	Timestamp  time.Time
}

type AlertHandler func(alert Alert)

type Thresholds struct {
	Warning  float64
	Critical float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		Warning:  0.8,
		Critical: 0.95,
	}
}

type Monitor struct {
	mu            sync.RWMutex
	tracker       cost.Tracker
	budgetUSD     float64
	thresholds    Thresholds
	dedup         AlertDeduplicator
	notifier      notifications.Notifier
	alertHandlers []AlertHandler
	now           func() time.Time
}

type Option func(*Monitor)

func WithDeduplicator(d AlertDeduplicator) Option {
	return func(m *Monitor) { m.dedup = d }
}

func WithNotifier(n notifications.Notifier) Option {
	return func(m *Monitor) { m.notifier = n }
}

// NewMonitor watches spend against budgetUSD per user per calendar month
// (UTC). A budget of zero disables all checks.
func NewMonitor(tracker cost.Tracker, budgetUSD float64, thresholds Thresholds, opts ...Option) *Monitor {
	m := &Monitor{
		tracker:       tracker,
		budgetUSD:     budgetUSD,
		thresholds:    thresholds,
		dedup:         NewInMemoryDeduplicator(),
		alertHandlers: make([]AlertHandler, 0),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Monitor) OnAlert(handler AlertHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alertHandlers = append(m.alertHandlers, handler)
}

func (m *Monitor) Budget() float64 { return m.budgetUSD }

// StartOfMonth is the first instant of t's month in UTC.
func StartOfMonth(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func (m *Monitor) spent(ctx context.Context, userID string) (float64, time.Time, error) {
	month := StartOfMonth(m.now())
	total, err := m.tracker.TotalCost(ctx, userID, month)
	return total, month, err
}

// Check compares the user's spend this month with the budget and
// dispatches an alert the first time each level is reached. It returns the
// dispatched alert, or nil.
func (m *Monitor) Check(ctx context.Context, userID string) (*Alert, error) {
	if m.budgetUSD <= 0 || userID == "" {
		return nil, nil
	}

	currentCost, month, err := m.spent(ctx, userID)
	if err != nil {
		return nil, err
	}

	percentage := currentCost / m.budgetUSD
	metrics.SetBudgetUsage(userID, percentage)

	var level AlertLevel
	switch {
	case percentage >= 1.0:
		level = AlertLevelExceeded
	case percentage >= m.thresholds.Critical:
		level = AlertLevelCritical
	case percentage >= m.thresholds.Warning:
		level = AlertLevelWarning
	default:
		return nil, nil
	}

	if !m.dedup.ShouldAlert(ctx, userID, month, level) {
		return nil, nil
	}

	alert := &Alert{
		UserID:     userID,
		Level:      level,
		Budget:     m.budgetUSD,
		CurrentUse: currentCost,
		Percentage: percentage * 100,
		Timestamp:  m.now(),
	}

	m.mu.RLock()
	handlers := make([]AlertHandler, len(m.alertHandlers))
	copy(handlers, m.alertHandlers)
	m.mu.RUnlock()

	for _, handler := range handlers {
		handler(*alert)
	}

	if m.notifier != nil {
		n := notifications.BudgetAlert(level.NotificationType(), userID, currentCost, m.budgetUSD)
		if err := m.notifier.Send(ctx, n); err != nil {
			slog.Error("failed to send budget alert", "user_id", userID, "level", level, "error", err)
		}
	}

	return alert, nil
}

func (m *Monitor) IsBudgetExceeded(ctx context.Context, userID string) (bool, error) {
	if m.budgetUSD <= 0 {
		return false, nil
	}

	currentCost, _, err := m.spent(ctx, userID)
	if err != nil {
		return false, err
	}

	return currentCost >= m.budgetUSD, nil
}

func LogAlertHandler(alert Alert) {
	slog.Warn("budget alert",
		"user_id", alert.UserID,
		"level", alert.Level,
		"budget", alert.Budget,
		"current_use", alert.CurrentUse,
		"percentage", alert.Percentage,
	)
}
