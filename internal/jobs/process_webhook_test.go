package jobs

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/thoufic67/aiflo/internal/repository"
	"github.com/thoufic67/aiflo/internal/service"
	"github.com/thoufic67/aiflo/internal/worker"
)

type memEventStore struct {
	events map[uuid.UUID]*repository.WebhookEvent
}

func newMemEventStore() *memEventStore {
	return &memEventStore{events: make(map[uuid.UUID]*repository.WebhookEvent)}
}

func (s *memEventStore) add(eventType string, payload []byte) *repository.WebhookEvent {
	ev := &repository.WebhookEvent{
		ID:        uuid.New(),
		EventType: eventType,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
	s.events[ev.ID] = ev
	return ev
}

func (s *memEventStore) Get(_ context.Context, id uuid.UUID) (*repository.WebhookEvent, error) {
	ev, ok := s.events[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return ev, nil
}

func (s *memEventStore) MarkProcessed(_ context.Context, id uuid.UUID) error {
	ev, ok := s.events[id]
	if !ok {
		return repository.ErrNotFound
	}
	now := time.Now()
	ev.ProcessedAt = &now
	return nil
}

func newWebhookHandler(store *memEventStore) *ProcessWebhookEventHandler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	subs := service.NewSubscriptionService(nil, nil, nil, logger)
	return NewProcessWebhookEventHandler(store, subs, logger)
}

func jobPayload(t *testing.T, eventID uuid.UUID) []byte {
	t.Helper()
	b, err := json.Marshal(worker.ProcessWebhookEventPayload{EventID: eventID})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return b
}

func TestHandleMalformedJobPayload(t *testing.T) {
	h := newWebhookHandler(newMemEventStore())

	err := h.Handle(context.Background(), []byte("{not json"))
	if !worker.IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestHandleMissingEvent(t *testing.T) {
	h := newWebhookHandler(newMemEventStore())

	err := h.Handle(context.Background(), jobPayload(t, uuid.New()))
	if !worker.IsPermanent(err) {
		t.Fatalf("expected permanent error for missing event, got %v", err)
	}
}

func TestHandleAlreadyProcessedEventSkipped(t *testing.T) {
	store := newMemEventStore()
	ev := store.add("subscription.activated", []byte(`{}`))
	processed := time.Now().Add(-time.Minute)
	ev.ProcessedAt = &processed

	h := newWebhookHandler(store)
	if err := h.Handle(context.Background(), jobPayload(t, ev.ID)); err != nil {
		t.Fatalf("expected already-processed event to be skipped, got %v", err)
	}
	if !ev.ProcessedAt.Equal(processed) {
		t.Fatal("processed timestamp should not change on redelivery")
	}
}

func TestHandleUnknownEventTypeMarkedProcessed(t *testing.T) {
	store := newMemEventStore()
	ev := store.add("payment.captured", []byte(`{"event":"payment.captured","payload":{}}`))

	h := newWebhookHandler(store)
	if err := h.Handle(context.Background(), jobPayload(t, ev.ID)); err != nil {
		t.Fatalf("unknown event types should be acknowledged, got %v", err)
	}
	if ev.ProcessedAt == nil {
		t.Fatal("unknown event should be marked processed")
	}
}

func TestHandleUnparseableEventPermanent(t *testing.T) {
	store := newMemEventStore()
	ev := store.add("subscription.activated", []byte("not json"))

	h := newWebhookHandler(store)
	err := h.Handle(context.Background(), jobPayload(t, ev.ID))
	if !worker.IsPermanent(err) {
		t.Fatalf("expected permanent error for unparseable event, got %v", err)
	}
}
