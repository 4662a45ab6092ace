// Package notifications shapes broadcast payloads for content updates and
// budget alerts and hands them to a transport. Subscribers listen on
// per-user (user.<id>) and per-book (book.<id>) channels.
package notifications

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/felipepmaragno/storyforge/internal/domain"
)

type NotificationType string

const (
	NotificationChapterUpdated   NotificationType = "chapter_updated"
	NotificationCoverUpdated     NotificationType = "book_cover_updated"
	NotificationPortraitUpdated  NotificationType = "character_portrait_updated"
	NotificationGenerationFailed NotificationType = "generation_failed"
	NotificationBudgetWarning    NotificationType = "budget_warning"
	NotificationBudgetCritical   NotificationType = "budget_critical"
	NotificationBudgetExceeded   NotificationType = "budget_exceeded"
)

type Notification struct {
	Type    NotificationType `json:"type"`
	Channel string           `json:"channel"`
	Message string           `json:"message,omitempty"`
	Data    map[string]any   `json:"data,omitempty"`
}

type Notifier interface {
	Send(ctx context.Context, notification Notification) error
}

func UserChannel(userID string) string { return "user." + userID }

func BookChannel(bookID string) string { return "book." + bookID }

func ChapterUpdated(ch domain.Chapter) Notification {
	return Notification{
		Type:    NotificationChapterUpdated,
		Channel: BookChannel(ch.BookID),
		Data: map[string]any{
			"chapter_id": ch.ID,
			"number":     ch.Number,
			"title":      ch.Title,
			"status":     ch.Status,
		},
	}
}

func CoverUpdated(b domain.Book) Notification {
	return Notification{
		Type:    NotificationCoverUpdated,
		Channel: BookChannel(b.ID),
		Data: map[string]any{
			"book_id":   b.ID,
			"cover_url": b.CoverURL,
			"status":    b.CoverStatus,
		},
	}
}

func PortraitUpdated(c domain.Character) Notification {
	return Notification{
		Type:    NotificationPortraitUpdated,
		Channel: BookChannel(c.BookID),
		Data: map[string]any{
			"character_id": c.ID,
			"portrait_url": c.PortraitURL,
			"status":       c.PortraitStatus,
		},
	}
}

// GenerationFailed tells the owner that a generation gave up. subject is
// "chapter", "cover" or "portrait".
func GenerationFailed(ref domain.UsageRef, subject, subjectID, message string) Notification {
	return Notification{
		Type:    NotificationGenerationFailed,
		Channel: UserChannel(ref.UserID),
		Message: message,
		Data: map[string]any{
			"subject":    subject,
			"subject_id": subjectID,
			"book_id":    ref.BookID,
		},
	}
}

func BudgetAlert(t NotificationType, userID string, spentUSD, budgetUSD float64) Notification {
	return Notification{
		Type:    t,
		Channel: UserChannel(userID),
		Message: fmt.Sprintf("Monthly AI spend at $%.2f of $%.2f", spentUSD, budgetUSD),
		Data: map[string]any{
			"spent_usd":  spentUSD,
			"budget_usd": budgetUSD,
		},
	}
}

// Broadcast sends every notification and joins the failures.
func Broadcast(ctx context.Context, n Notifier, notifications ...Notification) error {
	if n == nil {
		return nil
	}
	var errs []error
	for _, notification := range notifications {
		if err := n.Send(ctx, notification); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type InMemoryNotifier struct {
	mu            sync.Mutex
	notifications []Notification
	handlers      []func(Notification)
}

func NewInMemoryNotifier() *InMemoryNotifier {
	return &InMemoryNotifier{
		notifications: make([]Notification, 0),
		handlers:      make([]func(Notification), 0),
	}
}

func (n *InMemoryNotifier) Send(ctx context.Context, notification Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.notifications = append(n.notifications, notification)

	for _, handler := range n.handlers {
		handler(notification)
	}

	slog.Debug("notification sent (in-memory)",
		"type", notification.Type,
		"channel", notification.Channel,
	)

	return nil
}

func (n *InMemoryNotifier) OnNotification(handler func(Notification)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers = append(n.handlers, handler)
}

func (n *InMemoryNotifier) GetNotifications() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	result := make([]Notification, len(n.notifications))
	copy(result, n.notifications)
	return result
}

// OfType filters the sent notifications by type.
func (n *InMemoryNotifier) OfType(t NotificationType) []Notification {
	var result []Notification
	for _, notification := range n.GetNotifications() {
		if notification.Type == t {
			result = append(result, notification)
		}
	}
	return result
}

func (n *InMemoryNotifier) Clear() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notifications = make([]Notification, 0)
}
