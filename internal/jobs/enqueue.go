// Package jobs runs the background generation work: chapter text, cover
// art, character portraits and the usage ledger writes that follow every
// AI call.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/felipepmaragno/storyforge/internal/domain"
	"github.com/felipepmaragno/storyforge/internal/queue"
	"github.com/google/uuid"
)

const (
	DefaultMaxAttempts = 3
	DefaultRetryFor    = 15 * time.Minute
)

type ChapterPayload struct {
	ChapterID string `json:"chapter_id"`
	Provider  string `json:"provider,omitempty"`
	Model     string `json:"model,omitempty"`
}

type CoverPayload struct {
	BookID   string `json:"book_id"`
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
}

type PortraitPayload struct {
	CharacterID string `json:"character_id"`
	Provider    string `json:"provider,omitempty"`
	Model       string `json:"model,omitempty"`
}

// Enqueuer builds jobs with a shared retry budget and puts them on the queue.
type Enqueuer struct {
	queue       queue.Queue
	maxAttempts int
	retryFor    time.Duration
}

func NewEnqueuer(q queue.Queue, maxAttempts int, retryFor time.Duration) *Enqueuer {
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}
	if retryFor <= 0 {
		retryFor = DefaultRetryFor
	}
	return &Enqueuer{queue: q, maxAttempts: maxAttempts, retryFor: retryFor}
}

func (e *Enqueuer) enqueue(ctx context.Context, kind queue.Kind, ref domain.UsageRef, payload any) (queue.Job, error) {
	job, err := queue.NewJob(kind, ref, payload, e.maxAttempts, e.retryFor)
	if err != nil {
		return queue.Job{}, err
	}
	if err := e.queue.Enqueue(ctx, job); err != nil {
		return queue.Job{}, fmt.Errorf("enqueue %s: %w", kind, err)
	}
	return job, nil
}

func (e *Enqueuer) Chapter(ctx context.Context, ref domain.UsageRef, p ChapterPayload) (queue.Job, error) {
	ref.ChapterID = p.ChapterID
	return e.enqueue(ctx, queue.KindGenerateChapter, ref, p)
}

func (e *Enqueuer) Cover(ctx context.Context, ref domain.UsageRef, p CoverPayload) (queue.Job, error) {
	ref.BookID = p.BookID
	return e.enqueue(ctx, queue.KindGenerateCover, ref, p)
}

func (e *Enqueuer) Portrait(ctx context.Context, ref domain.UsageRef, p PortraitPayload) (queue.Job, error) {
	ref.CharacterID = p.CharacterID
	return e.enqueue(ctx, queue.KindGeneratePortrait, ref, p)
}

// Usage defers a ledger write. The entry id is fixed here so a retried
// job cannot store the same call twice.
func (e *Enqueuer) Usage(ctx context.Context, entry domain.UsageLogEntry) (queue.Job, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	return e.enqueue(ctx, queue.KindTrackUsage, entry.Ref(), entry)
}
