package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/felipepmaragno/storyforge/internal/metrics"
	"github.com/felipepmaragno/storyforge/internal/queue"
	"github.com/felipepmaragno/storyforge/internal/telemetry"
)

const (
	DefaultConcurrency  = 2
	DefaultPollInterval = time.Second
	DefaultJobTimeout   = 5 * time.Minute
	maxBackoff          = 5 * time.Minute
)

// DefaultBackoff doubles from 10s per attempt, capped at five minutes.
func DefaultBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := 10 * time.Second << (attempt - 1)
	if d <= 0 || d > maxBackoff {
		return maxBackoff
	}
	return d
}

// Worker polls a queue with a fixed number of goroutines. Each goroutine
// runs one job at a time.
type Worker struct {
	queue        queue.Queue
	handler      Handler
	concurrency  int
	pollInterval time.Duration
	jobTimeout   time.Duration
	backoff      func(attempt int) time.Duration
	now          func() time.Time
}

type WorkerOption func(*Worker)

func WithConcurrency(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

func WithPollInterval(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

func WithJobTimeout(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.jobTimeout = d
		}
	}
}

func WithBackoff(f func(attempt int) time.Duration) WorkerOption {
	return func(w *Worker) { w.backoff = f }
}

func NewWorker(q queue.Queue, h Handler, opts ...WorkerOption) *Worker {
	w := &Worker{
		queue:        q,
		handler:      h,
		concurrency:  DefaultConcurrency,
		pollInterval: DefaultPollInterval,
		jobTimeout:   DefaultJobTimeout,
		backoff:      DefaultBackoff,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run blocks until ctx is cancelled and every in-flight job has finished.
func (w *Worker) Run(ctx context.Context) {
	slog.Info("worker started", "concurrency", w.concurrency, "poll_interval", w.pollInterval)

	var wg sync.WaitGroup
	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func(lane int) {
			defer wg.Done()
			w.loop(ctx, lane)
		}(i)
	}
	wg.Wait()

	slog.Info("worker stopped")
}

func (w *Worker) loop(ctx context.Context, lane int) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}
		if w.poll(ctx, lane) > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Worker) poll(ctx context.Context, lane int) int {
	jobs, err := w.queue.Receive(ctx, 1)
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("failed to receive jobs", "lane", lane, "error", err)
		}
		return 0
	}
	for _, job := range jobs {
		w.Process(ctx, job)
	}
	return len(jobs)
}

// Process runs one job to completion. A retryable failure with budget
// left is re-enqueued with backoff; any other failure is handed to
// Handler.Fail. The received message is always deleted.
func (w *Worker) Process(ctx context.Context, job queue.Job) {
	// Shutdown stops polling but lets the current job finish.
	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.jobTimeout)
	defer cancel()

	jobCtx, span := telemetry.StartSpan(jobCtx, "job."+string(job.Kind))
	defer span.End()
	telemetry.AddJobAttributes(span, job.ID, string(job.Kind), job.Attempt)

	logger := slog.With(
		"job_id", job.ID,
		"kind", job.Kind,
		"attempt", job.Attempt,
		"user_id", job.Ref.UserID,
	)
	start := time.Now()

	err := w.handler.Handle(jobCtx, job)

	result := "success"
	if err != nil {
		telemetry.AddErrorAttribute(span, err)
		result = w.settleFailure(jobCtx, logger, job, err)
	} else {
		logger.Debug("job completed", "elapsed", time.Since(start).Seconds())
	}

	if delErr := w.queue.Delete(jobCtx, job); delErr != nil {
		logger.Warn("failed to delete job", "error", delErr)
	}
	metrics.RecordJob(string(job.Kind), result, time.Since(start).Seconds())
}

func (w *Worker) settleFailure(ctx context.Context, logger *slog.Logger, job queue.Job, err error) string {
	now := w.now()
	if Retryable(err) && job.CanRetry(now) {
		next := job.Next(now, w.backoff(job.Attempt))
		enqErr := w.queue.Enqueue(ctx, next)
		if enqErr == nil {
			logger.Warn("job failed, retrying", "error", err, "next_attempt", next.Attempt, "not_before", next.NotBefore)
			return "retry"
		}
		logger.Error("failed to re-enqueue job", "error", enqErr)
	}

	logger.Error("job failed", "error", err)
	w.handler.Fail(ctx, job, err)
	return "failed"
}
