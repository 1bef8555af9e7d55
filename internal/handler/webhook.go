package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/thoufic67/aiflo/internal/billing"
	"github.com/thoufic67/aiflo/internal/metrics"
	"github.com/thoufic67/aiflo/internal/repository"
	"github.com/thoufic67/aiflo/internal/worker"
)

// maxWebhookBody caps webhook payloads.
const maxWebhookBody = 256 << 10 // 256 KB

// webhookSignatureHeader carries the gateway's HMAC-SHA256 signature over
// the raw request body.
const webhookSignatureHeader = "X-Razorpay-Signature"

// WebhookEventCreator persists verified gateway events. Satisfied by
// repository.WebhookEventRepo.
type WebhookEventCreator interface {
	Create(ctx context.Context, eventType string, payload []byte) (*repository.WebhookEvent, error)
}

// WebhookHandler receives payment gateway webhooks.
//
// Routes (public, authenticated by signature):
//   - POST /webhooks/payments
//
// The handler verifies the signature, persists the event, and enqueues a
// background job; no subscription state changes happen on the request path,
// so the gateway always gets a fast acknowledgement.
type WebhookHandler struct {
	gateway billing.Service
	events  WebhookEventCreator
	queue   worker.JobQueue
	logger  *slog.Logger
}

// NewWebhookHandler creates a WebhookHandler.
func NewWebhookHandler(gateway billing.Service, events WebhookEventCreator, queue worker.JobQueue, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		gateway: gateway,
		events:  events,
		queue:   queue,
		logger:  logger,
	}
}

// HandlePaymentWebhook verifies and records one gateway event.
func (h *WebhookHandler) HandlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.logger.Error("failed to read webhook body", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	signature := r.Header.Get(webhookSignatureHeader)
	if !h.gateway.VerifyWebhookSignature(body, signature) {
		h.logger.Warn("webhook signature verification failed", "ip", r.RemoteAddr)
		metrics.WebhookEventsTotal.WithLabelValues("unknown", "rejected").Inc()
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	// Only the event name is needed here; full parsing happens in the job.
	var envelope struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Event == "" {
		h.logger.Warn("webhook payload is not a valid event envelope")
		metrics.WebhookEventsTotal.WithLabelValues("unknown", "invalid").Inc()
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	event, err := h.events.Create(r.Context(), envelope.Event, body)
	if err != nil {
		h.logger.Error("failed to persist webhook event", "error", err, "event_type", envelope.Event)
		// Let the gateway redeliver.
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	if _, err := worker.EnqueueProcessWebhookEvent(r.Context(), h.queue, event.ID); err != nil {
		h.logger.Error("failed to enqueue webhook job", "error", err, "event_id", event.ID)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	metrics.WebhookEventsTotal.WithLabelValues(envelope.Event, "received").Inc()
	h.logger.Info("webhook event accepted", "event_id", event.ID, "event_type", envelope.Event)
	w.WriteHeader(http.StatusOK)
}
