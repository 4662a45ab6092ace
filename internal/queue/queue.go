// Package queue carries background generation jobs between the API and
// the workers. SQS is used in production, the in-memory queue for local
// runs and tests.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/felipepmaragno/storyforge/internal/domain"
	"github.com/google/uuid"
)

type Kind string

const (
	KindGenerateChapter  Kind = "generate_chapter"
	KindGenerateCover    Kind = "generate_cover"
	KindGeneratePortrait Kind = "generate_portrait"
	KindTrackUsage       Kind = "track_usage"
)

// Job is one unit of background work. Attempt starts at 1. A failed job is
// retried while Attempt < MaxAttempts and the clock is before RetryUntil.
type Job struct {
	ID          string          `json:"id"`
	Kind        Kind            `json:"kind"`
	Ref         domain.UsageRef `json:"ref"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`
	RetryUntil  time.Time       `json:"retry_until"`
	NotBefore   time.Time       `json:"not_before,omitempty"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`

	// ReceiptHandle is set by the queue on receive.
	ReceiptHandle string `json:"-"`
}

// NewJob encodes payload and sets the retry budget.
func NewJob(kind Kind, ref domain.UsageRef, payload any, maxAttempts int, retryFor time.Duration) (Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Job{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	now := time.Now().UTC()
	return Job{
		ID:          uuid.NewString(),
		Kind:        kind,
		Ref:         ref,
		Payload:     raw,
		Attempt:     1,
		MaxAttempts: maxAttempts,
		RetryUntil:  now.Add(retryFor),
		EnqueuedAt:  now,
	}, nil
}

func (j Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", j.Kind, err)
	}
	return nil
}

// CanRetry reports whether another attempt fits the budget at now.
func (j Job) CanRetry(now time.Time) bool {
	return j.Attempt < j.MaxAttempts && now.Before(j.RetryUntil)
}

// Next returns the job for the following attempt, delayed by backoff.
func (j Job) Next(now time.Time, backoff time.Duration) Job {
	next := j
	next.Attempt++
	next.NotBefore = now.Add(backoff)
	next.ReceiptHandle = ""
	return next
}

type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	Receive(ctx context.Context, maxJobs int) ([]Job, error)
	Delete(ctx context.Context, job Job) error
}

type InMemoryQueue struct {
	mu   sync.Mutex
	jobs []Job
	now  func() time.Time
}

func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{
		jobs: make([]Job, 0),
		now:  time.Now,
	}
}

func (q *InMemoryQueue) Enqueue(ctx context.Context, job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return nil
}

// Receive pops up to maxJobs jobs whose NotBefore has passed, in FIFO
// order. It does not block.
func (q *InMemoryQueue) Receive(ctx context.Context, maxJobs int) ([]Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	result := make([]Job, 0, maxJobs)
	remaining := q.jobs[:0]
	for _, job := range q.jobs {
		if len(result) < maxJobs && !job.NotBefore.After(now) {
			job.ReceiptHandle = job.ID
			result = append(result, job)
			continue
		}
		remaining = append(remaining, job)
	}
	q.jobs = remaining
	return result, nil
}

func (q *InMemoryQueue) Delete(ctx context.Context, job Job) error {
	return nil
}

func (q *InMemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Jobs returns a copy of the pending jobs.
func (q *InMemoryQueue) Jobs() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	result := make([]Job, len(q.jobs))
	copy(result, q.jobs)
	return result
}
