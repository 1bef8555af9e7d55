package handler

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/thoufic67/aiflo/internal/billing"
	"github.com/thoufic67/aiflo/internal/repository"
)

const testWebhookSecret = "whsec_test"

// fakeEventStore records created webhook events.
type fakeEventStore struct {
	created []*repository.WebhookEvent
}

func (s *fakeEventStore) Create(_ context.Context, eventType string, payload []byte) (*repository.WebhookEvent, error) {
	ev := &repository.WebhookEvent{
		ID:        uuid.New(),
		EventType: eventType,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
	s.created = append(s.created, ev)
	return ev, nil
}

// fakeQueue records enqueued jobs.
type fakeQueue struct {
	enqueued []repository.EnqueueJobParams
}

func (q *fakeQueue) Enqueue(_ context.Context, params repository.EnqueueJobParams) (*repository.Job, error) {
	q.enqueued = append(q.enqueued, params)
	return &repository.Job{ID: uuid.New(), JobType: params.JobType, Payload: params.Payload}, nil
}

func (q *fakeQueue) ClaimNext(context.Context, time.Time) (*repository.Job, error) {
	return nil, repository.ErrNotFound
}
func (q *fakeQueue) MarkCompleted(context.Context, uuid.UUID) error              { return nil }
func (q *fakeQueue) MarkFailed(context.Context, uuid.UUID, string, time.Time) error { return nil }
func (q *fakeQueue) MarkFailedPermanent(context.Context, uuid.UUID, string) error   { return nil }
func (q *fakeQueue) RecoverStale(context.Context, time.Time) (int64, error)         { return 0, nil }

func signBody(body string) string {
	mac := hmac.New(sha256.New, []byte(testWebhookSecret))
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil))
}

func newWebhookFixture() (*WebhookHandler, *fakeEventStore, *fakeQueue) {
	gateway := billing.NewGatewayService("https://gateway.test", "key_id", "key_secret", testWebhookSecret, billing.PlanConfig{})
	events := &fakeEventStore{}
	queue := &fakeQueue{}
	return NewWebhookHandler(gateway, events, queue, newTestLogger()), events, queue
}

func TestHandlePaymentWebhookAccepted(t *testing.T) {
	h, events, queue := newWebhookFixture()

	body := `{"event":"subscription.activated","payload":{"subscription":{"entity":{"id":"sub_1","plan_id":"plan_pro","status":"active"}}}}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", strings.NewReader(body))
	req.Header.Set("X-Razorpay-Signature", signBody(body))
	rec := httptest.NewRecorder()

	h.HandlePaymentWebhook(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(events.created) != 1 {
		t.Fatalf("expected 1 persisted event, got %d", len(events.created))
	}
	if events.created[0].EventType != "subscription.activated" {
		t.Fatalf("unexpected event type %q", events.created[0].EventType)
	}
	if len(queue.enqueued) != 1 {
		t.Fatalf("expected 1 enqueued job, got %d", len(queue.enqueued))
	}
	if queue.enqueued[0].JobType != "process_webhook_event" {
		t.Fatalf("unexpected job type %q", queue.enqueued[0].JobType)
	}
}

func TestHandlePaymentWebhookBadSignature(t *testing.T) {
	h, events, queue := newWebhookFixture()

	body := `{"event":"subscription.activated","payload":{}}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", strings.NewReader(body))
	req.Header.Set("X-Razorpay-Signature", "deadbeef")
	rec := httptest.NewRecorder()

	h.HandlePaymentWebhook(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if len(events.created) != 0 {
		t.Fatal("rejected webhook must not be persisted")
	}
	if len(queue.enqueued) != 0 {
		t.Fatal("rejected webhook must not enqueue a job")
	}
}

func TestHandlePaymentWebhookMissingSignature(t *testing.T) {
	h, events, _ := newWebhookFixture()

	body := `{"event":"subscription.charged","payload":{}}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", strings.NewReader(body))
	rec := httptest.NewRecorder()

	h.HandlePaymentWebhook(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if len(events.created) != 0 {
		t.Fatal("unsigned webhook must not be persisted")
	}
}

func TestHandlePaymentWebhookInvalidEnvelope(t *testing.T) {
	h, events, _ := newWebhookFixture()

	body := `{"payload":{}}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", strings.NewReader(body))
	req.Header.Set("X-Razorpay-Signature", signBody(body))
	rec := httptest.NewRecorder()

	h.HandlePaymentWebhook(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if len(events.created) != 0 {
		t.Fatal("invalid envelope must not be persisted")
	}
}
