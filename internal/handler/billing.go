package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/thoufic67/aiflo/internal/billing"
	"github.com/thoufic67/aiflo/internal/domain"
	"github.com/thoufic67/aiflo/internal/middleware"
	"github.com/thoufic67/aiflo/internal/service"
)

// defaultBillingCycles is the number of recurring charges a new subscription
// is authorized for.
const defaultBillingCycles = 12

// BillingHandler serves subscription management.
//
// Routes (authenticated):
//   - POST /api/billing/subscriptions
//   - POST /api/billing/subscriptions/cancel
//   - POST /api/billing/verify
//
// Tier changes themselves happen through webhook events, never here: the
// gateway is the source of truth for subscription state.
type BillingHandler struct {
	gateway       billing.Service
	subscriptions *service.SubscriptionService
	plans         billing.PlanConfig
	logger        *slog.Logger
}

// NewBillingHandler creates a BillingHandler.
func NewBillingHandler(gateway billing.Service, subscriptions *service.SubscriptionService, plans billing.PlanConfig, logger *slog.Logger) *BillingHandler {
	return &BillingHandler{
		gateway:       gateway,
		subscriptions: subscriptions,
		plans:         plans,
		logger:        logger,
	}
}

type createSubscriptionRequest struct {
	Tier string `json:"tier"`
}

// HandleCreateSubscription creates a gateway subscription for the requested
// tier and links it to the user. The response carries the checkout URL; the
// subscription only becomes active once the gateway's activated webhook
// arrives.
func (h *BillingHandler) HandleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())

	var req createSubscriptionRequest
	if err := decodeJSON(r, &req); err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	planID := h.planIDForTier(domain.SubscriptionTier(req.Tier))
	if planID == "" {
		ErrorResponse(w, r, h.logger, domain.Invalid("", "unknown subscription tier: "+req.Tier))
		return
	}

	sub, err := h.gateway.CreateSubscription(r.Context(), planID, defaultBillingCycles)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	if err := h.subscriptions.Link(r.Context(), user, sub); err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	h.logger.Info("subscription created",
		"user_id", user.ID, "subscription_id", sub.ID, "tier", req.Tier)

	respondJSON(w, h.logger, http.StatusCreated, map[string]any{
		"subscriptionId": sub.ID,
		"status":         sub.Status,
		"checkoutUrl":    sub.ShortURL,
	})
}

type cancelSubscriptionRequest struct {
	AtCycleEnd bool `json:"atCycleEnd"`
}

// HandleCancelSubscription cancels the user's gateway subscription. The tier
// drop happens when the cancelled webhook arrives.
func (h *BillingHandler) HandleCancelSubscription(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())

	if user.SubscriptionID == "" {
		ErrorResponse(w, r, h.logger, domain.Invalid("", "no active subscription to cancel"))
		return
	}

	var req cancelSubscriptionRequest
	if err := decodeJSON(r, &req); err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	if err := h.gateway.CancelSubscription(r.Context(), user.SubscriptionID, req.AtCycleEnd); err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	h.logger.Info("subscription cancellation requested",
		"user_id", user.ID, "subscription_id", user.SubscriptionID, "at_cycle_end", req.AtCycleEnd)

	respondJSON(w, h.logger, http.StatusOK, map[string]any{"ok": true})
}

type verifyPaymentRequest struct {
	PaymentID      string `json:"paymentId"`
	SubscriptionID string `json:"subscriptionId"`
	Signature      string `json:"signature"`
}

// HandleVerifyPayment verifies the signature the gateway's checkout flow
// returns to the client. This is a fast-path confirmation for the UI; the
// authoritative activation still comes via webhook.
func (h *BillingHandler) HandleVerifyPayment(w http.ResponseWriter, r *http.Request) {
	var req verifyPaymentRequest
	if err := decodeJSON(r, &req); err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	if req.PaymentID == "" || req.SubscriptionID == "" || req.Signature == "" {
		ErrorResponse(w, r, h.logger, domain.Invalid("", "paymentId, subscriptionId and signature are required"))
		return
	}

	if !h.gateway.VerifyPaymentSignature(req.PaymentID, req.SubscriptionID, req.Signature) {
		h.logger.Warn("payment signature verification failed",
			"payment_id", req.PaymentID, "subscription_id", req.SubscriptionID)
		ErrorResponse(w, r, h.logger, domain.Invalid("", "payment signature verification failed"))
		return
	}

	respondJSON(w, h.logger, http.StatusOK, map[string]any{
		"verified":   true,
		"verifiedAt": time.Now().UTC(),
	})
}

func (h *BillingHandler) planIDForTier(tier domain.SubscriptionTier) string {
	switch tier {
	case domain.TierBasic:
		return h.plans.BasicPlanID
	case domain.TierPro:
		return h.plans.ProPlanID
	case domain.TierEnterprise:
		return h.plans.EnterprisePlanID
	default:
		return ""
	}
}
