// Package handler contains the HTTP handlers for the Aiflo API.
//
// Handlers decode and validate requests, call services, and encode the
// response. All business rules live in internal/service; all error-to-status
// mapping lives in error.go.
package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/thoufic67/aiflo/internal/domain"
)

// maxBodySize caps JSON request bodies. File uploads have their own limit.
const maxBodySize = 1 << 20 // 1 MB

// respondJSON writes v as the JSON response body.
func respondJSON(w http.ResponseWriter, logger *slog.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("failed to encode response", "error", err)
	}
}

// decodeJSON decodes the request body into dst, rejecting oversized bodies,
// malformed JSON, and unknown fields.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		switch {
		case errors.Is(err, io.EOF):
			return domain.Invalid("", "request body is required")
		case strings.Contains(err.Error(), "unknown field"):
			return domain.Invalid("", "request body contains an "+err.Error())
		default:
			return domain.Invalid("", "invalid JSON in request body")
		}
	}
	return nil
}
