// Package worker runs the background job queue: webhook event processing and
// periodic maintenance, claimed from Postgres with SKIP LOCKED so multiple
// instances can share the queue.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/thoufic67/aiflo/internal/metrics"
	"github.com/thoufic67/aiflo/internal/repository"
)

// JobQueue is the persistence contract for the job queue. Satisfied by
// repository.JobRepo.
type JobQueue interface {
	Enqueue(ctx context.Context, params repository.EnqueueJobParams) (*repository.Job, error)
	ClaimNext(ctx context.Context, now time.Time) (*repository.Job, error)
	MarkCompleted(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, lastError string, retryAt time.Time) error
	MarkFailedPermanent(ctx context.Context, id uuid.UUID, lastError string) error
	RecoverStale(ctx context.Context, cutoff time.Time) (int64, error)
}

// Worker manages concurrent background job processing.
type Worker struct {
	queue    JobQueue
	handlers map[string]JobHandler
	config   Config
	logger   *slog.Logger

	wg     sync.WaitGroup
	stopCh chan struct{}
}

// New creates a Worker. Start it with Start and stop it with Stop.
func New(queue JobQueue, config Config, logger *slog.Logger) (*Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Worker{
		queue:    queue,
		handlers: make(map[string]JobHandler),
		config:   config,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}, nil
}

// Register adds a job handler. Call before Start; the handler's Type must be
// unique.
func (w *Worker) Register(handler JobHandler) {
	jobType := handler.Type()
	if _, exists := w.handlers[jobType]; exists {
		w.logger.Warn("overwriting existing job handler", "job_type", jobType)
	}
	w.handlers[jobType] = handler
}

// Start recovers stale jobs from crashed workers and begins processing with
// the configured concurrency.
func (w *Worker) Start(ctx context.Context) {
	if err := w.recoverStaleJobs(ctx); err != nil {
		w.logger.Error("failed to recover stale jobs", "error", err)
	}

	for i := 0; i < w.config.Concurrency; i++ {
		w.wg.Add(1)
		go w.runWorker(ctx, i+1)
	}

	w.logger.Info("worker started", "concurrency", w.config.Concurrency)
}

// Stop signals all workers to stop and waits up to ShutdownTimeout.
func (w *Worker) Stop() {
	w.logger.Info("stopping worker")
	close(w.stopCh)

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("worker stopped gracefully")
	case <-time.After(w.config.ShutdownTimeout):
		w.logger.Warn("worker shutdown timeout exceeded, some jobs may still be running")
	}
}

func (w *Worker) recoverStaleJobs(ctx context.Context) error {
	cutoff := time.Now().Add(-w.config.StaleJobThreshold)
	count, err := w.queue.RecoverStale(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("recover stale jobs: %w", err)
	}
	if count > 0 {
		w.logger.Warn("recovered stale jobs", "count", count, "threshold", w.config.StaleJobThreshold)
	}
	return nil
}

// runWorker polls for jobs until stopCh closes.
func (w *Worker) runWorker(ctx context.Context, workerID int) {
	defer w.wg.Done()

	logger := w.logger.With("worker_id", workerID)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			// Drain the queue before going back to sleep.
			for w.processNextJob(ctx, logger) {
				select {
				case <-w.stopCh:
					return
				default:
				}
			}
		}
	}
}

// processNextJob claims and executes one job. Returns false when the queue
// was empty.
func (w *Worker) processNextJob(ctx context.Context, logger *slog.Logger) bool {
	job, err := w.queue.ClaimNext(ctx, time.Now())
	if err != nil {
		if !repository.IsNotFound(err) {
			logger.Error("failed to claim job", "error", err)
		}
		return false
	}

	logger = logger.With("job_id", job.ID, "job_type", job.JobType, "attempt", job.Attempts)
	logger.Info("processing job")

	start := time.Now()
	err = w.executeJob(ctx, job)
	metrics.JobDuration.WithLabelValues(job.JobType).Observe(time.Since(start).Seconds())

	if err != nil {
		logger.Error("job failed", "error", err)
		metrics.JobsTotal.WithLabelValues(job.JobType, "failed").Inc()
		w.markJobFailed(ctx, job, err)
		return true
	}

	logger.Info("job completed")
	metrics.JobsTotal.WithLabelValues(job.JobType, "completed").Inc()
	if err := w.queue.MarkCompleted(ctx, job.ID); err != nil {
		logger.Error("failed to mark job as completed", "error", err)
	}
	return true
}

// executeJob runs the handler with the configured timeout.
func (w *Worker) executeJob(ctx context.Context, job *repository.Job) error {
	handler, ok := w.handlers[job.JobType]
	if !ok {
		return NewPermanentError(fmt.Errorf("no handler registered for job type: %s", job.JobType))
	}

	jobCtx, cancel := context.WithTimeout(ctx, w.config.JobTimeout)
	defer cancel()

	return handler.Handle(jobCtx, job.Payload)
}

// markJobFailed records a failure: permanent errors fail immediately, others
// are rescheduled with exponential backoff.
func (w *Worker) markJobFailed(ctx context.Context, job *repository.Job, jobErr error) {
	if IsPermanent(jobErr) {
		w.logger.Warn("job failed permanently, will not retry", "job_id", job.ID, "error", jobErr)
		if err := w.queue.MarkFailedPermanent(ctx, job.ID, jobErr.Error()); err != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", err)
		}
		return
	}

	retryAt := time.Now().Add(retryBackoff(job.Attempts))
	if err := w.queue.MarkFailed(ctx, job.ID, jobErr.Error(), retryAt); err != nil {
		w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", err)
	}
}

// retryBackoff returns the delay before the next attempt: 30s, 60s, 120s, ...
// capped at 15 minutes.
func retryBackoff(attempts int32) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	backoff := time.Duration(math.Pow(2, float64(attempts-1))) * 30 * time.Second
	if backoff > 15*time.Minute {
		backoff = 15 * time.Minute
	}
	return backoff
}
