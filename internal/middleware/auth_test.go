package middleware

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/thoufic67/aiflo/internal/domain"
)

type fakeSessionResolver struct {
	tokens map[string]*domain.User
}

func (f *fakeSessionResolver) GetBySessionToken(_ context.Context, token string) (*domain.User, error) {
	if user, ok := f.tokens[token]; ok {
		return user, nil
	}
	return nil, domain.Unauthorized("test", "invalid session")
}

func newTestAuth(tokens map[string]*domain.User) *AuthMiddleware {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	unauthorized := func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}
	return NewAuthMiddleware(&fakeSessionResolver{tokens: tokens}, logger, false, unauthorized)
}

func userEcho(t *testing.T, captured **domain.User) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*captured = GetUser(r.Context())
		w.WriteHeader(http.StatusOK)
	})
}

func TestWithUserBearerToken(t *testing.T) {
	user := &domain.User{ID: uuid.New(), Email: "a@example.com"}
	mw := newTestAuth(map[string]*domain.User{"tok123": user})

	var got *domain.User
	req := httptest.NewRequest(http.MethodGet, "/api/quota/status", nil)
	req.Header.Set("Authorization", "Bearer tok123")
	rec := httptest.NewRecorder()

	mw.WithUser(userEcho(t, &got)).ServeHTTP(rec, req)

	if got == nil || got.ID != user.ID {
		t.Errorf("context user = %v, want %v", got, user)
	}
}

func TestWithUserSessionCookie(t *testing.T) {
	user := &domain.User{ID: uuid.New(), Email: "a@example.com"}
	mw := newTestAuth(map[string]*domain.User{"tok123": user})

	var got *domain.User
	req := httptest.NewRequest(http.MethodGet, "/api/quota/status", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "tok123"})
	rec := httptest.NewRecorder()

	mw.WithUser(userEcho(t, &got)).ServeHTTP(rec, req)

	if got == nil || got.ID != user.ID {
		t.Errorf("context user = %v, want %v", got, user)
	}
}

func TestWithUserInvalidCookieCleared(t *testing.T) {
	mw := newTestAuth(nil)

	var got *domain.User
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "stale"})
	rec := httptest.NewRecorder()

	mw.WithUser(userEcho(t, &got)).ServeHTTP(rec, req)

	if got != nil {
		t.Errorf("context user = %v, want nil", got)
	}
	cleared := false
	for _, c := range rec.Result().Cookies() {
		if c.Name == SessionCookieName && c.MaxAge < 0 {
			cleared = true
		}
	}
	if !cleared {
		t.Error("expected stale session cookie to be cleared")
	}
}

func TestRequireUser(t *testing.T) {
	user := &domain.User{ID: uuid.New()}
	mw := newTestAuth(map[string]*domain.User{"tok123": user})
	stack := Stack(mw.WithUser, mw.RequireUser)
	handler := stack(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// Without a token: 401, handler not reached.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/chat", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}

	// With a valid token: 200.
	req := httptest.NewRequest(http.MethodGet, "/api/chat", nil)
	req.Header.Set("Authorization", "Bearer tok123")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}
