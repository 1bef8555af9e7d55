package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/thoufic67/aiflo/internal/service"
	"github.com/thoufic67/aiflo/internal/worker"
)

// cleanupInterval is how often the session sweep reschedules itself.
const cleanupInterval = 6 * time.Hour

// CleanupSessionsHandler deletes expired sessions and re-enqueues itself so
// the sweep keeps running without an external scheduler.
type CleanupSessionsHandler struct {
	users  *service.UserService
	queue  worker.JobQueue
	logger *slog.Logger
}

// NewCleanupSessionsHandler creates the handler.
func NewCleanupSessionsHandler(users *service.UserService, queue worker.JobQueue, logger *slog.Logger) *CleanupSessionsHandler {
	return &CleanupSessionsHandler{users: users, queue: queue, logger: logger}
}

// Type implements worker.JobHandler.
func (h *CleanupSessionsHandler) Type() string {
	return worker.JobTypeCleanupSessions
}

// Handle sweeps expired sessions. Rescheduling failures are logged rather
// than failing the job: the sweep is also seeded at server start.
func (h *CleanupSessionsHandler) Handle(ctx context.Context, _ []byte) error {
	deleted, err := h.users.CleanupExpiredSessions(ctx)
	if err != nil {
		return fmt.Errorf("cleanup sessions: %w", err)
	}
	if deleted > 0 {
		h.logger.Info("expired sessions removed", "count", deleted)
	}

	if _, err := worker.EnqueueCleanupSessions(ctx, h.queue, worker.WithDelay(cleanupInterval)); err != nil {
		h.logger.Error("failed to reschedule session cleanup", "error", err)
	}
	return nil
}
