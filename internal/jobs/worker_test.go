package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/felipepmaragno/storyforge/internal/domain"
	"github.com/felipepmaragno/storyforge/internal/queue"
)

type MockHandler struct {
	HandleFunc func(ctx context.Context, job queue.Job) error
	FailFunc   func(ctx context.Context, job queue.Job, err error)
}

func (m *MockHandler) Handle(ctx context.Context, job queue.Job) error {
	if m.HandleFunc == nil {
		return nil
	}
	return m.HandleFunc(ctx, job)
}

func (m *MockHandler) Fail(ctx context.Context, job queue.Job, err error) {
	if m.FailFunc != nil {
		m.FailFunc(ctx, job, err)
	}
}

func newTestJob(t *testing.T, maxAttempts int) queue.Job {
	t.Helper()
	job, err := queue.NewJob(queue.KindGenerateChapter, domain.UsageRef{UserID: "user-1"}, ChapterPayload{ChapterID: "ch-1"}, maxAttempts, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return job
}

func TestWorker_Process_Success(t *testing.T) {
	q := queue.NewInMemoryQueue()
	failed := false
	w := NewWorker(q, &MockHandler{
		FailFunc: func(ctx context.Context, job queue.Job, err error) { failed = true },
	})

	w.Process(context.Background(), newTestJob(t, 3))

	if failed || q.Len() != 0 {
		t.Errorf("failed = %v, pending = %d", failed, q.Len())
	}
}

func TestWorker_Process_RetriesThenFails(t *testing.T) {
	q := queue.NewInMemoryQueue()
	var failures []error
	w := NewWorker(q, &MockHandler{
		HandleFunc: func(ctx context.Context, job queue.Job) error {
			return errors.New("provider overloaded")
		},
		FailFunc: func(ctx context.Context, job queue.Job, err error) {
			failures = append(failures, err)
		},
	}, WithBackoff(func(int) time.Duration { return time.Minute }))

	now := time.Now()
	w.now = func() time.Time { return now }

	w.Process(context.Background(), newTestJob(t, 2))

	pending := q.Jobs()
	if len(pending) != 1 {
		t.Fatalf("expected a retry, got %d pending", len(pending))
	}
	retry := pending[0]
	if retry.Attempt != 2 || !retry.NotBefore.Equal(now.Add(time.Minute)) {
		t.Errorf("unexpected retry: attempt=%d not_before=%v", retry.Attempt, retry.NotBefore)
	}
	if len(failures) != 0 {
		t.Fatal("Fail must not run while retries remain")
	}

	w.Process(context.Background(), retry)
	if q.Len() != 1 {
		t.Errorf("exhausted job must not be re-enqueued, pending = %d", q.Len())
	}
	if len(failures) != 1 {
		t.Errorf("expected Fail once, got %d", len(failures))
	}
}

func TestWorker_Process_DeadlinePassed(t *testing.T) {
	q := queue.NewInMemoryQueue()
	failed := 0
	w := NewWorker(q, &MockHandler{
		HandleFunc: func(ctx context.Context, job queue.Job) error { return errors.New("timeout") },
		FailFunc:   func(ctx context.Context, job queue.Job, err error) { failed++ },
	})

	job := newTestJob(t, 5)
	w.now = func() time.Time { return job.RetryUntil.Add(time.Second) }
	w.Process(context.Background(), job)

	if failed != 1 || q.Len() != 0 {
		t.Errorf("failed = %d, pending = %d", failed, q.Len())
	}
}

func TestWorker_Process_PermanentError(t *testing.T) {
	q := queue.NewInMemoryQueue()
	var got error
	w := NewWorker(q, &MockHandler{
		HandleFunc: func(ctx context.Context, job queue.Job) error {
			return errors.Join(errors.New("load chapter"), domain.ErrNotFound)
		},
		FailFunc: func(ctx context.Context, job queue.Job, err error) { got = err },
	})

	w.Process(context.Background(), newTestJob(t, 3))

	if !errors.Is(got, domain.ErrNotFound) {
		t.Errorf("expected Fail with ErrNotFound, got %v", got)
	}
	if q.Len() != 0 {
		t.Error("permanent errors must not be retried")
	}
}

func TestWorker_Process_SurvivesShutdown(t *testing.T) {
	q := queue.NewInMemoryQueue()
	ctx, cancel := context.WithCancel(context.Background())
	var handlerErr error
	w := NewWorker(q, &MockHandler{
		HandleFunc: func(jobCtx context.Context, job queue.Job) error {
			cancel()
			handlerErr = jobCtx.Err()
			return nil
		},
	})

	w.Process(ctx, newTestJob(t, 1))
	if handlerErr != nil {
		t.Errorf("in-flight job context cancelled: %v", handlerErr)
	}
}

func TestWorker_Run_DrainsQueue(t *testing.T) {
	q := queue.NewInMemoryQueue()
	for i := 0; i < 5; i++ {
		q.Enqueue(context.Background(), newTestJob(t, 1))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var handled atomic.Int32
	var mu sync.Mutex
	seen := map[string]bool{}
	w := NewWorker(q, &MockHandler{
		HandleFunc: func(_ context.Context, job queue.Job) error {
			mu.Lock()
			seen[job.ID] = true
			mu.Unlock()
			if handled.Add(1) == 5 {
				cancel()
			}
			return nil
		},
	}, WithConcurrency(3), WithPollInterval(5*time.Millisecond))

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}

	if len(seen) != 5 {
		t.Errorf("expected 5 distinct jobs, got %d", len(seen))
	}
}

func TestDefaultBackoff(t *testing.T) {
	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{0, 10 * time.Second},
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{3, 40 * time.Second},
		{6, 5 * time.Minute},
		{80, 5 * time.Minute},
	}
	for _, tt := range tests {
		if got := DefaultBackoff(tt.attempt); got != tt.expected {
			t.Errorf("DefaultBackoff(%d) = %v, want %v", tt.attempt, got, tt.expected)
		}
	}
}
