package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/thoufic67/aiflo/internal/domain"
	"github.com/thoufic67/aiflo/internal/middleware"
	"github.com/thoufic67/aiflo/internal/repository"
	"github.com/thoufic67/aiflo/internal/service"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memQuotaStore is an in-memory service.QuotaStore.
type memQuotaStore struct {
	records map[string]*domain.QuotaRecord
}

func newMemQuotaStore() *memQuotaStore {
	return &memQuotaStore{records: make(map[string]*domain.QuotaRecord)}
}

func quotaKeyOf(userID uuid.UUID, key domain.QuotaKey) string {
	return userID.String() + "/" + string(key)
}

func (s *memQuotaStore) Get(_ context.Context, userID uuid.UUID, key domain.QuotaKey) (*domain.QuotaRecord, error) {
	rec, ok := s.records[quotaKeyOf(userID, key)]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *memQuotaStore) Create(_ context.Context, rec *domain.QuotaRecord) (*domain.QuotaRecord, error) {
	cp := *rec
	s.records[quotaKeyOf(rec.UserID, rec.QuotaKey)] = &cp
	out := cp
	return &out, nil
}

func (s *memQuotaStore) Reset(_ context.Context, id uuid.UUID, limit int64, lastResetAt, nextResetAt time.Time) (*domain.QuotaRecord, error) {
	for _, rec := range s.records {
		if rec.ID == id {
			rec.UsedCount = 0
			rec.QuotaLimit = limit
			rec.LastResetAt = lastResetAt
			rec.NextResetAt = nextResetAt
			cp := *rec
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *memQuotaStore) Increment(_ context.Context, userID uuid.UUID, key domain.QuotaKey, units int64) error {
	rec, ok := s.records[quotaKeyOf(userID, key)]
	if !ok {
		return repository.ErrNotFound
	}
	rec.UsedCount += units
	return nil
}

func (s *memQuotaStore) ConsumeIfAvailable(_ context.Context, userID uuid.UUID, key domain.QuotaKey, units int64) (*domain.QuotaRecord, bool, error) {
	rec, ok := s.records[quotaKeyOf(userID, key)]
	if !ok {
		return nil, false, repository.ErrNotFound
	}
	if rec.UsedCount+units > rec.QuotaLimit {
		cp := *rec
		return &cp, false, nil
	}
	rec.UsedCount += units
	cp := *rec
	return &cp, true, nil
}

func (s *memQuotaStore) ListByUser(_ context.Context, userID uuid.UUID) ([]*domain.QuotaRecord, error) {
	var out []*domain.QuotaRecord
	for _, rec := range s.records {
		if rec.UserID == userID {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memQuotaStore) ReinitializeForTier(_ context.Context, userID uuid.UUID, records []*domain.QuotaRecord) error {
	for k, rec := range s.records {
		if rec.UserID == userID {
			delete(s.records, k)
		}
	}
	for _, rec := range records {
		cp := *rec
		s.records[quotaKeyOf(rec.UserID, rec.QuotaKey)] = &cp
	}
	return nil
}

func freeUser() *domain.User {
	return &domain.User{
		ID:               uuid.New(),
		Email:            "quota@example.com",
		SubscriptionTier: domain.TierFree,
	}
}

// withUser injects the user the way the auth middleware does.
func withUser(r *http.Request, user *domain.User) *http.Request {
	handlerSeen := r
	mw := middleware.NewAuthMiddleware(stubResolver{user: user}, newTestLogger(), false, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	wrapped := mw.WithUser(http.HandlerFunc(func(w http.ResponseWriter, inner *http.Request) {
		handlerSeen = inner
	}))
	r.Header.Set("Authorization", "Bearer test-token")
	wrapped.ServeHTTP(httptest.NewRecorder(), r)
	return handlerSeen
}

type stubResolver struct {
	user *domain.User
}

func (s stubResolver) GetBySessionToken(_ context.Context, token string) (*domain.User, error) {
	if token == "test-token" && s.user != nil {
		return s.user, nil
	}
	return nil, domain.Unauthorized("test", "invalid session")
}

func newQuotaHandler() (*QuotaHandler, *memQuotaStore) {
	store := newMemQuotaStore()
	quotas := service.NewQuotaManager(store, newTestLogger())
	return NewQuotaHandler(quotas, newTestLogger()), store
}

func TestHandleCheckAllowed(t *testing.T) {
	h, _ := newQuotaHandler()
	user := freeUser()

	req := httptest.NewRequest(http.MethodPost, "/api/quota/check",
		strings.NewReader(`{"quotaKey":"small_messages"}`))
	req = withUser(req, user)
	rec := httptest.NewRecorder()

	h.HandleCheck(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body["allowed"] != true {
		t.Fatalf("expected allowed=true, got %v", body)
	}
}

func TestHandleCheckQuotaExceeded(t *testing.T) {
	h, _ := newQuotaHandler()
	user := freeUser() // free tier has zero large_messages

	req := httptest.NewRequest(http.MethodPost, "/api/quota/check",
		strings.NewReader(`{"quotaKey":"large_messages"}`))
	req = withUser(req, user)
	rec := httptest.NewRecorder()

	h.HandleCheck(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d: %s", rec.Code, rec.Body.String())
	}

	var body quotaExceededBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Allowed {
		t.Fatal("expected allowed=false")
	}
	if body.Error != "QUOTA_EXCEEDED" {
		t.Fatalf("expected QUOTA_EXCEEDED, got %q", body.Error)
	}
	if body.Details.QuotaKey != "large_messages" {
		t.Fatalf("expected quotaKey large_messages, got %q", body.Details.QuotaKey)
	}
	if body.Details.Limit != 0 {
		t.Fatalf("expected limit 0, got %d", body.Details.Limit)
	}
	if body.Details.ResetsAt == "" {
		t.Fatal("expected resetsAt to be set")
	}
}

func TestHandleCheckUnknownKey(t *testing.T) {
	h, _ := newQuotaHandler()

	req := httptest.NewRequest(http.MethodPost, "/api/quota/check",
		strings.NewReader(`{"quotaKey":"bogus"}`))
	req = withUser(req, freeUser())
	rec := httptest.NewRecorder()

	h.HandleCheck(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleStatus(t *testing.T) {
	h, store := newQuotaHandler()
	user := freeUser()

	now := time.Now().UTC()
	for _, key := range domain.QuotaKeys {
		policy, err := domain.PolicyFor(domain.TierFree, key)
		if err != nil {
			t.Fatalf("policy for %s: %v", key, err)
		}
		next, err := domain.ComputeNextReset(policy.ResetFrequency, now)
		if err != nil {
			t.Fatalf("next reset for %s: %v", key, err)
		}
		_, err = store.Create(context.Background(), &domain.QuotaRecord{
			ID:             uuid.New(),
			UserID:         user.ID,
			QuotaKey:       key,
			QuotaLimit:     policy.Limit,
			ResetFrequency: policy.ResetFrequency,
			LastResetAt:    now,
			NextResetAt:    next,
		})
		if err != nil {
			t.Fatalf("seed record for %s: %v", key, err)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/quota/status", nil)
	req = withUser(req, user)
	rec := httptest.NewRecorder()

	h.HandleStatus(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var body struct {
		Subscription struct {
			Tier   string `json:"tier"`
			Status string `json:"status"`
		} `json:"subscription"`
		Quotas map[string]domain.QuotaStatus `json:"quotas"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Subscription.Tier != "free" {
		t.Fatalf("expected tier free, got %q", body.Subscription.Tier)
	}
	if len(body.Quotas) != len(domain.QuotaKeys) {
		t.Fatalf("expected %d quota entries, got %d", len(domain.QuotaKeys), len(body.Quotas))
	}
	small := body.Quotas["small_messages"]
	if small.Limit != 10 || small.Remaining != 10 {
		t.Fatalf("unexpected small_messages status: %+v", small)
	}
}
