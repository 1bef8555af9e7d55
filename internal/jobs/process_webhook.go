// Package jobs contains the background job handlers run by the worker.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/thoufic67/aiflo/internal/billing"
	"github.com/thoufic67/aiflo/internal/metrics"
	"github.com/thoufic67/aiflo/internal/repository"
	"github.com/thoufic67/aiflo/internal/service"
	"github.com/thoufic67/aiflo/internal/worker"
)

// WebhookEventStore is the persistence contract for stored gateway events.
// Satisfied by repository.WebhookEventRepo.
type WebhookEventStore interface {
	Get(ctx context.Context, id uuid.UUID) (*repository.WebhookEvent, error)
	MarkProcessed(ctx context.Context, id uuid.UUID) error
}

// ProcessWebhookEventHandler applies stored payment gateway events to user
// subscriptions. The webhook HTTP handler verifies and persists events, then
// enqueues one of these jobs per event so the gateway gets a fast 200 and
// processing can be retried.
type ProcessWebhookEventHandler struct {
	events        WebhookEventStore
	subscriptions *service.SubscriptionService
	logger        *slog.Logger
}

// NewProcessWebhookEventHandler creates the handler.
func NewProcessWebhookEventHandler(events WebhookEventStore, subscriptions *service.SubscriptionService, logger *slog.Logger) *ProcessWebhookEventHandler {
	return &ProcessWebhookEventHandler{
		events:        events,
		subscriptions: subscriptions,
		logger:        logger,
	}
}

// Type implements worker.JobHandler.
func (h *ProcessWebhookEventHandler) Type() string {
	return worker.JobTypeProcessWebhookEvent
}

// Handle loads the stored event, parses it, and applies it. Already-processed
// events are skipped so gateway redeliveries stay idempotent.
func (h *ProcessWebhookEventHandler) Handle(ctx context.Context, payload []byte) error {
	var p worker.ProcessWebhookEventPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return worker.NewPermanentError(fmt.Errorf("unmarshal payload: %w", err))
	}

	stored, err := h.events.Get(ctx, p.EventID)
	if err != nil {
		if repository.IsNotFound(err) {
			return worker.NewPermanentError(fmt.Errorf("webhook event %s not found", p.EventID))
		}
		return fmt.Errorf("load webhook event: %w", err)
	}

	if stored.ProcessedAt != nil {
		h.logger.Debug("webhook event already processed", "event_id", stored.ID)
		return nil
	}

	event, err := billing.ParseEvent(stored.Payload)
	if err != nil {
		var unknown *billing.ErrUnknownEvent
		if errors.As(err, &unknown) {
			// Events outside the subscription lifecycle are acknowledged
			// and skipped.
			h.logger.Info("skipping unhandled webhook event type",
				"event_id", stored.ID, "event_type", unknown.EventType)
			metrics.WebhookEventsTotal.WithLabelValues(unknown.EventType, "skipped").Inc()
			return h.events.MarkProcessed(ctx, stored.ID)
		}
		metrics.WebhookEventsTotal.WithLabelValues(stored.EventType, "invalid").Inc()
		return worker.NewPermanentError(fmt.Errorf("parse webhook event: %w", err))
	}

	if err := h.subscriptions.Apply(ctx, event); err != nil {
		metrics.WebhookEventsTotal.WithLabelValues(event.Type(), "error").Inc()
		// Retryable: the activated event can race the checkout flow that
		// links the subscription to its user.
		return fmt.Errorf("apply %s: %w", event.Type(), err)
	}

	metrics.WebhookEventsTotal.WithLabelValues(event.Type(), "processed").Inc()
	return h.events.MarkProcessed(ctx, stored.ID)
}
