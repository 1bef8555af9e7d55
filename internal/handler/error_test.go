package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/thoufic67/aiflo/internal/middleware"
)

// Unauthenticated requests must get the flat {"error":"Unauthorized"} body,
// not the code/message envelope used for other errors.
func TestUnauthorizedResponseBody(t *testing.T) {
	mw := middleware.NewAuthMiddleware(stubResolver{}, newTestLogger(), false, UnauthorizedResponse(newTestLogger()))
	protected := middleware.Stack(mw.WithUser, mw.RequireUser)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler reached without a session")
	}))

	r := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	w := httptest.NewRecorder()
	protected.ServeHTTP(w, r)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if len(body) != 1 || body["error"] != "Unauthorized" {
		t.Errorf("body = %v, want {\"error\":\"Unauthorized\"}", body)
	}
}
