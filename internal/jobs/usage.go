package jobs

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/felipepmaragno/storyforge/internal/budget"
	"github.com/felipepmaragno/storyforge/internal/cost"
	"github.com/felipepmaragno/storyforge/internal/domain"
)

// Recorder writes one ledger entry per AI call. With a usage queue the
// write is deferred to a track_usage job; otherwise, or when enqueueing
// fails, it is stored inline. Stored entries with a cost trigger a budget
// check.
type Recorder struct {
	tracker cost.Tracker
	usage   *Enqueuer
	monitor *budget.Monitor
}

// NewRecorder accepts nil for usage and monitor.
func NewRecorder(tracker cost.Tracker, usage *Enqueuer, monitor *budget.Monitor) *Recorder {
	return &Recorder{tracker: tracker, usage: usage, monitor: monitor}
}

// Record never fails the caller and outlives its context.
func (r *Recorder) Record(ctx context.Context, entry domain.UsageLogEntry) {
	ctx = context.WithoutCancel(ctx)

	if r.usage != nil {
		_, err := r.usage.Usage(ctx, entry)
		if err == nil {
			return
		}
		slog.Warn("failed to enqueue usage, storing inline", "item_type", entry.ItemType, "error", err)
	}

	if r.tracker == nil {
		return
	}
	stored, err := r.tracker.Store(ctx, entry)
	if err != nil {
		slog.Error("failed to store usage entry",
			"user_id", entry.UserID,
			"item_type", entry.ItemType,
			"provider", entry.Provider,
			"error", err,
		)
		return
	}
	r.Stored(ctx, stored)
}

// Stored runs the budget check for an entry already in the ledger.
func (r *Recorder) Stored(ctx context.Context, entry domain.UsageLogEntry) {
	if r.monitor == nil || entry.TotalCost <= 0 {
		return
	}
	if _, err := r.monitor.Check(ctx, entry.UserID); err != nil {
		slog.Warn("budget check failed", "user_id", entry.UserID, "error", err)
	}
}

// CheckBudget returns domain.ErrBudgetExceeded once the user's monthly
// spend reaches the budget. It fails open when the spend cannot be read.
func CheckBudget(ctx context.Context, monitor *budget.Monitor, userID string) error {
	if monitor == nil {
		return nil
	}
	exceeded, err := monitor.IsBudgetExceeded(ctx, userID)
	if err != nil {
		slog.Warn("budget lookup failed", "user_id", userID, "error", err)
		return nil
	}
	if exceeded {
		return fmt.Errorf("user %s: %w", userID, domain.ErrBudgetExceeded)
	}
	return nil
}
