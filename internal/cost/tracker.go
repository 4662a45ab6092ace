package cost

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/felipepmaragno/storyforge/internal/domain"
	"github.com/felipepmaragno/storyforge/internal/metrics"
	"github.com/google/uuid"
)

type UsageFilter struct {
	UserID      string
	BookID      string
	ChapterID   string
	CharacterID string
	ItemType    domain.ItemType
	Since       time.Time
	Limit       int
}

// Matches reports whether e satisfies every set field of f.
func (f UsageFilter) Matches(e domain.UsageLogEntry) bool {
	switch {
	case f.UserID != "" && e.UserID != f.UserID:
		return false
	case f.BookID != "" && e.BookID != f.BookID:
		return false
	case f.ChapterID != "" && e.ChapterID != f.ChapterID:
		return false
	case f.CharacterID != "" && e.CharacterID != f.CharacterID:
		return false
	case f.ItemType != "" && e.ItemType != f.ItemType:
		return false
	case !f.Since.IsZero() && e.CreatedAt.Before(f.Since):
		return false
	}
	return true
}

// Tracker is the append-only usage ledger. Entries are never updated or
// deleted.
type Tracker interface {
	Store(ctx context.Context, entry domain.UsageLogEntry) (domain.UsageLogEntry, error)
	List(ctx context.Context, filter UsageFilter) ([]domain.UsageLogEntry, error)
	TotalCost(ctx context.Context, userID string, since time.Time) (float64, error)
}

// Prepare assigns the id and timestamp of a new entry when missing.
func Prepare(entry domain.UsageLogEntry) domain.UsageLogEntry {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	return entry
}

// Observe exports a stored entry to the usage metrics.
func Observe(entry domain.UsageLogEntry) {
	item := string(entry.ItemType)
	metrics.RecordUsageEntry(item, entry.Error != "")
	metrics.RecordCost(entry.Provider, entry.Model, item, entry.TotalCost)
	if entry.PromptTokens > 0 || entry.CompletionTokens > 0 {
		metrics.RecordTokens(entry.Provider, entry.Model, entry.PromptTokens, entry.CompletionTokens)
	}
	if entry.InputImages > 0 || entry.OutputImages > 0 {
		metrics.RecordImages(entry.Provider, entry.Model, entry.InputImages, entry.OutputImages)
	}
}

type InMemoryTracker struct {
	mu      sync.RWMutex
	entries []domain.UsageLogEntry
	ids     map[string]struct{}
}

func NewInMemoryTracker() *InMemoryTracker {
	return &InMemoryTracker{
		entries: make([]domain.UsageLogEntry, 0),
		ids:     make(map[string]struct{}),
	}
}

// Store appends the entry. A known id is rejected with domain.ErrDuplicate.
func (t *InMemoryTracker) Store(ctx context.Context, entry domain.UsageLogEntry) (domain.UsageLogEntry, error) {
	entry = Prepare(entry)

	t.mu.Lock()
	if _, ok := t.ids[entry.ID]; ok {
		t.mu.Unlock()
		return entry, fmt.Errorf("store usage log %s: %w", entry.ID, domain.ErrDuplicate)
	}
	t.ids[entry.ID] = struct{}{}
	t.entries = append(t.entries, entry)
	t.mu.Unlock()

	Observe(entry)
	return entry, nil
}

// List returns matching entries, newest first.
func (t *InMemoryTracker) List(ctx context.Context, filter UsageFilter) ([]domain.UsageLogEntry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var result []domain.UsageLogEntry
	for _, e := range t.entries {
		if filter.Matches(e) {
			result = append(result, e)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (t *InMemoryTracker) TotalCost(ctx context.Context, userID string, since time.Time) (float64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var total float64
	for _, e := range t.entries {
		if e.UserID == userID && !e.CreatedAt.Before(since) {
			total += e.TotalCost
		}
	}
	return total, nil
}

func (t *InMemoryTracker) Entries() []domain.UsageLogEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]domain.UsageLogEntry, len(t.entries))
	copy(result, t.entries)
	return result
}
