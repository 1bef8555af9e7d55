package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// WebhookEvent is a verified payment gateway event persisted before async
// processing. Storing the raw payload lets processing be retried and keeps an
// audit trail of everything the gateway sent.
type WebhookEvent struct {
	ID          uuid.UUID
	EventType   string
	Payload     []byte
	ProcessedAt *time.Time
	CreatedAt   time.Time
}

// WebhookEventRepo persists verified gateway events.
type WebhookEventRepo struct {
	pool *pgxpool.Pool
}

// Create stores a verified event.
func (r *WebhookEventRepo) Create(ctx context.Context, eventType string, payload []byte) (*WebhookEvent, error) {
	ev := &WebhookEvent{
		ID:        uuid.New(),
		EventType: eventType,
		Payload:   payload,
	}
	row := r.pool.QueryRow(ctx, `
		INSERT INTO webhook_events (id, event_type, payload)
		VALUES ($1, $2, $3)
		RETURNING created_at`,
		ev.ID, ev.EventType, ev.Payload)
	if err := row.Scan(&ev.CreatedAt); err != nil {
		return nil, fmt.Errorf("create webhook event: %w", err)
	}
	return ev, nil
}

// Get loads an event by ID.
func (r *WebhookEventRepo) Get(ctx context.Context, id uuid.UUID) (*WebhookEvent, error) {
	var ev WebhookEvent
	row := r.pool.QueryRow(ctx,
		`SELECT id, event_type, payload, processed_at, created_at FROM webhook_events WHERE id = $1`, id)
	err := row.Scan(&ev.ID, &ev.EventType, &ev.Payload, &ev.ProcessedAt, &ev.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan webhook event: %w", err)
	}
	return &ev, nil
}

// MarkProcessed stamps an event as handled. Idempotent.
func (r *WebhookEventRepo) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE webhook_events SET processed_at = now() WHERE id = $1 AND processed_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("mark webhook event processed: %w", err)
	}
	return nil
}
