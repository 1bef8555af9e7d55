package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/thoufic67/aiflo/internal/repository"
)

// Job type constants; they must match the JobHandler.Type values.
const (
	JobTypeProcessWebhookEvent = "process_webhook_event"
	JobTypeCleanupSessions     = "cleanup_sessions"
)

// Priority constants for job scheduling.
const (
	PriorityLow    = 0
	PriorityNormal = 10
	PriorityHigh   = 20
)

// ProcessWebhookEventPayload is the payload for webhook processing jobs.
type ProcessWebhookEventPayload struct {
	EventID uuid.UUID `json:"event_id"`
}

// EnqueueOption customizes job enqueue parameters.
type EnqueueOption func(*repository.EnqueueJobParams)

// WithPriority sets the job priority.
func WithPriority(priority int32) EnqueueOption {
	return func(p *repository.EnqueueJobParams) {
		p.Priority = priority
	}
}

// WithMaxAttempts sets the maximum number of attempts.
func WithMaxAttempts(attempts int32) EnqueueOption {
	return func(p *repository.EnqueueJobParams) {
		p.MaxAttempts = attempts
	}
}

// WithDelay schedules the job to run after a delay.
func WithDelay(delay time.Duration) EnqueueOption {
	return func(p *repository.EnqueueJobParams) {
		p.ScheduledAt = time.Now().Add(delay)
	}
}

// EnqueueJob marshals the payload and enqueues a job of the given type.
func EnqueueJob(ctx context.Context, queue JobQueue, jobType string, payload interface{}, opts ...EnqueueOption) (*repository.Job, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	params := repository.EnqueueJobParams{
		JobType:     jobType,
		Payload:     payloadJSON,
		Priority:    PriorityNormal,
		MaxAttempts: 3,
		ScheduledAt: time.Now(),
	}
	for _, opt := range opts {
		opt(&params)
	}

	job, err := queue.Enqueue(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}
	return job, nil
}

// EnqueueProcessWebhookEvent enqueues processing of a stored gateway event.
// Billing state changes ride on these, so they run at high priority with
// extra attempts.
func EnqueueProcessWebhookEvent(ctx context.Context, queue JobQueue, eventID uuid.UUID, opts ...EnqueueOption) (*repository.Job, error) {
	payload := ProcessWebhookEventPayload{EventID: eventID}
	defaults := []EnqueueOption{WithPriority(PriorityHigh), WithMaxAttempts(5)}
	return EnqueueJob(ctx, queue, JobTypeProcessWebhookEvent, payload, append(defaults, opts...)...)
}

// EnqueueCleanupSessions schedules a session cleanup run.
func EnqueueCleanupSessions(ctx context.Context, queue JobQueue, opts ...EnqueueOption) (*repository.Job, error) {
	return EnqueueJob(ctx, queue, JobTypeCleanupSessions, struct{}{}, append([]EnqueueOption{WithPriority(PriorityLow)}, opts...)...)
}
