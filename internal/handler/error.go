package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/thoufic67/aiflo/internal/domain"
)

// ErrorResponse writes an error response to the client. It maps domain error
// codes to HTTP status codes; quota errors carry their own response shape so
// clients can render usage and the next reset.
func ErrorResponse(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	var qe *domain.QuotaError
	if errors.As(err, &qe) {
		logError(logger, r, err, domain.EQUOTA, qe.Op, http.StatusTooManyRequests)
		writeQuotaExceeded(w, qe)
		return
	}

	code := domain.ErrorCode(err)
	message := domain.ErrorMessage(err)
	op := domain.ErrorOp(err)
	status := ErrorCodeToHTTPStatus(code)

	logError(logger, r, err, code, op, status)
	writeJSONError(w, status, code, message)
}

// ErrorCodeToHTTPStatus maps domain error codes to HTTP status codes.
func ErrorCodeToHTTPStatus(code string) int {
	switch code {
	case domain.EINVALID:
		return http.StatusBadRequest // 400
	case domain.EUNAUTHORIZED:
		return http.StatusUnauthorized // 401
	case domain.EFORBIDDEN:
		return http.StatusForbidden // 403
	case domain.ENOTFOUND:
		return http.StatusNotFound // 404
	case domain.ECONFLICT:
		return http.StatusConflict // 409
	case domain.ETOOLARGE:
		return http.StatusRequestEntityTooLarge // 413
	case domain.ERATELIMIT, domain.EQUOTA:
		return http.StatusTooManyRequests // 429
	case domain.ECONFIG, domain.EINTERNAL:
		return http.StatusInternalServerError // 500
	default:
		return http.StatusInternalServerError // 500
	}
}

// UnauthorizedResponse is the 401 writer for unauthenticated requests. It is
// injected into the auth middleware; the body is the flat shape clients key
// their login redirect on, not the standard error envelope.
func UnauthorizedResponse(logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger.Info("client error",
			"error", "authentication required",
			"code", domain.EUNAUTHORIZED,
			"path", r.URL.Path,
			"method", r.Method,
			"status", http.StatusUnauthorized,
		)
		writeUnauthorized(w)
	}
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "Unauthorized"})
}

// NotFoundResponse is a convenience wrapper for 404 errors.
func NotFoundResponse(w http.ResponseWriter, r *http.Request, logger *slog.Logger) {
	err := domain.Errorf(domain.ENOTFOUND, "", "The requested resource was not found")
	ErrorResponse(w, r, logger, err)
}

// logError logs with a level based on the status code: 5xx is server-side,
// 4xx is an expected client error.
func logError(logger *slog.Logger, r *http.Request, err error, code, op string, status int) {
	attrs := []any{
		"error", err.Error(),
		"code", code,
		"path", r.URL.Path,
		"method", r.Method,
		"status", status,
	}
	if op != "" {
		attrs = append(attrs, "op", op)
	}

	if status >= 500 {
		logger.Error("server error", attrs...)
	} else {
		logger.Info("client error", attrs...)
	}
}

// writeJSONError writes the standard API error envelope.
func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}

// quotaExceededBody is the 429 shape for exhausted quotas.
type quotaExceededBody struct {
	Allowed bool   `json:"allowed"`
	Error   string `json:"error"`
	Details struct {
		QuotaKey string `json:"quotaKey"`
		Used     int64  `json:"used"`
		Limit    int64  `json:"limit"`
		ResetsAt string `json:"resetsAt"`
	} `json:"details"`
}

func writeQuotaExceeded(w http.ResponseWriter, qe *domain.QuotaError) {
	var body quotaExceededBody
	body.Allowed = false
	body.Error = "QUOTA_EXCEEDED"
	body.Details.QuotaKey = string(qe.Key)
	body.Details.Used = qe.Used
	body.Details.Limit = qe.Limit
	body.Details.ResetsAt = qe.ResetsAt.UTC().Format(time.RFC3339)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(body)
}
