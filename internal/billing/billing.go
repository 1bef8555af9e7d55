// Package billing integrates the payments/subscription gateway.
//
// The gateway exposes a REST API authenticated with basic auth (key ID and
// secret) and notifies subscription lifecycle changes via webhooks signed
// with HMAC-SHA256 over the raw JSON payload.
package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Service defines the interface for billing operations.
type Service interface {
	// CreateSubscription creates a gateway subscription on the given plan.
	// Returns the subscription with its checkout authorization URL.
	CreateSubscription(ctx context.Context, planID string, totalCount int) (*Subscription, error)

	// GetSubscription retrieves a subscription by ID.
	GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error)

	// CancelSubscription cancels a subscription. When atCycleEnd is true the
	// subscription stays active until the current billing cycle ends.
	CancelSubscription(ctx context.Context, subscriptionID string, atCycleEnd bool) error

	// VerifyPaymentSignature checks the signature returned by the checkout
	// flow: HMAC-SHA256 over "<paymentID>|<subscriptionID>" with the key
	// secret.
	VerifyPaymentSignature(paymentID, subscriptionID, signature string) bool

	// VerifyWebhookSignature checks the webhook signature: HMAC-SHA256 over
	// the raw request body with the webhook secret.
	VerifyWebhookSignature(payload []byte, signature string) bool

	// TierForPlanID returns the subscription tier a gateway plan maps to,
	// or "" when the plan is unknown.
	TierForPlanID(planID string) string
}

// Subscription is the gateway's subscription entity.
type Subscription struct {
	ID         string `json:"id"`
	PlanID     string `json:"plan_id"`
	CustomerID string `json:"customer_id"`
	Status     string `json:"status"`
	ShortURL   string `json:"short_url"` // Checkout URL for the subscriber
	CurrentEnd int64  `json:"current_end"`
}

// PlanConfig maps gateway plan IDs to tiers.
type PlanConfig struct {
	BasicPlanID      string
	ProPlanID        string
	EnterprisePlanID string
}

// gatewayService is the concrete HTTP implementation of Service.
type gatewayService struct {
	baseURL       string
	keyID         string
	keySecret     string
	webhookSecret string
	planToTier    map[string]string
	client        *http.Client
}

// NewGatewayService creates the billing service.
//
// keyID/keySecret authenticate REST calls; webhookSecret verifies incoming
// webhook signatures; plans configure which gateway plan IDs map to which
// tiers.
func NewGatewayService(baseURL, keyID, keySecret, webhookSecret string, plans PlanConfig) Service {
	planToTier := make(map[string]string)
	if plans.BasicPlanID != "" {
		planToTier[plans.BasicPlanID] = "basic"
	}
	if plans.ProPlanID != "" {
		planToTier[plans.ProPlanID] = "pro"
	}
	if plans.EnterprisePlanID != "" {
		planToTier[plans.EnterprisePlanID] = "enterprise"
	}

	return &gatewayService{
		baseURL:       baseURL,
		keyID:         keyID,
		keySecret:     keySecret,
		webhookSecret: webhookSecret,
		planToTier:    planToTier,
		client:        &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *gatewayService) CreateSubscription(ctx context.Context, planID string, totalCount int) (*Subscription, error) {
	body := map[string]interface{}{
		"plan_id":         planID,
		"total_count":     totalCount,
		"customer_notify": 1,
	}
	var sub Subscription
	if err := s.do(ctx, http.MethodPost, "/subscriptions", body, &sub); err != nil {
		return nil, fmt.Errorf("gateway create subscription: %w", err)
	}
	return &sub, nil
}

func (s *gatewayService) GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	var sub Subscription
	if err := s.do(ctx, http.MethodGet, "/subscriptions/"+subscriptionID, nil, &sub); err != nil {
		return nil, fmt.Errorf("gateway get subscription: %w", err)
	}
	return &sub, nil
}

func (s *gatewayService) CancelSubscription(ctx context.Context, subscriptionID string, atCycleEnd bool) error {
	body := map[string]interface{}{
		"cancel_at_cycle_end": boolToInt(atCycleEnd),
	}
	if err := s.do(ctx, http.MethodPost, "/subscriptions/"+subscriptionID+"/cancel", body, nil); err != nil {
		return fmt.Errorf("gateway cancel subscription: %w", err)
	}
	return nil
}

func (s *gatewayService) VerifyPaymentSignature(paymentID, subscriptionID, signature string) bool {
	return verifyHMAC([]byte(paymentID+"|"+subscriptionID), signature, s.keySecret)
}

func (s *gatewayService) VerifyWebhookSignature(payload []byte, signature string) bool {
	return verifyHMAC(payload, signature, s.webhookSecret)
}

func (s *gatewayService) TierForPlanID(planID string) string {
	return s.planToTier[planID]
}

func (s *gatewayService) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.SetBasicAuth(s.keyID, s.keySecret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, data)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
