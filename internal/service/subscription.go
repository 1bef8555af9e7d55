package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/thoufic67/aiflo/internal/billing"
	"github.com/thoufic67/aiflo/internal/domain"
	"github.com/thoufic67/aiflo/internal/repository"
)

// =============================================================================
// SubscriptionService
// =============================================================================

// SubscriptionService applies payment gateway subscription lifecycle events
// to user accounts and their quota records.
//
// Events arrive from verified webhooks via the background worker, so every
// method must be idempotent: the gateway redelivers on slow responses.
type SubscriptionService struct {
	users   UserStore
	quotas  *QuotaManager
	gateway billing.Service
	logger  *slog.Logger
}

// NewSubscriptionService creates a SubscriptionService.
func NewSubscriptionService(users UserStore, quotas *QuotaManager, gateway billing.Service, logger *slog.Logger) *SubscriptionService {
	return &SubscriptionService{
		users:   users,
		quotas:  quotas,
		gateway: gateway,
		logger:  logger,
	}
}

// Apply routes one gateway event to its effect. The switch is exhaustive
// over the closed event set; an unhandled type is a programming error.
func (s *SubscriptionService) Apply(ctx context.Context, event billing.Event) error {
	const op = "subscription.apply"

	switch e := event.(type) {
	case billing.SubscriptionActivatedEvent:
		return s.activate(ctx, e.Subscription)
	case billing.SubscriptionChargedEvent:
		return s.charged(ctx, e.Subscription, e.Payment)
	case billing.SubscriptionHaltedEvent:
		return s.setStatus(ctx, e.Subscription, domain.SubscriptionStatusHalted)
	case billing.SubscriptionCancelledEvent:
		return s.cancel(ctx, e.Subscription)
	case billing.SubscriptionPausedEvent:
		return s.setStatus(ctx, e.Subscription, domain.SubscriptionStatusPaused)
	case billing.SubscriptionResumedEvent:
		return s.setStatus(ctx, e.Subscription, domain.SubscriptionStatusActive)
	default:
		return domain.Internal(fmt.Errorf("unhandled event type %T", event), op, "unhandled subscription event")
	}
}

// activate marks the subscription active at the plan's tier and reinitializes
// quota records at the new tier's limits.
func (s *SubscriptionService) activate(ctx context.Context, sub billing.Subscription) error {
	const op = "subscription.activate"

	user, err := s.userFor(ctx, op, sub)
	if err != nil {
		return err
	}

	tier := domain.SubscriptionTier(s.gateway.TierForPlanID(sub.PlanID))
	if !tier.Valid() {
		return domain.Config(op, "gateway plan "+sub.PlanID+" is not mapped to a tier")
	}

	if err := s.users.UpdateSubscription(ctx, user.ID, tier, domain.SubscriptionStatusActive, sub.ID, sub.CustomerID); err != nil {
		return domain.Internal(err, op, "failed to update subscription")
	}
	if err := s.quotas.InitializeForTier(ctx, user.ID, tier); err != nil {
		return err
	}

	s.logger.Info("subscription activated", "user_id", user.ID, "tier", tier, "subscription_id", sub.ID)
	return nil
}

// charged confirms the subscription is in good standing. The recurring charge
// itself does not reset quotas; periods roll over on their own schedule.
func (s *SubscriptionService) charged(ctx context.Context, sub billing.Subscription, payment billing.Payment) error {
	const op = "subscription.charged"

	user, err := s.userFor(ctx, op, sub)
	if err != nil {
		return err
	}

	if user.SubscriptionStatus != domain.SubscriptionStatusActive {
		if err := s.users.UpdateSubscription(ctx, user.ID, user.Tier(), domain.SubscriptionStatusActive, sub.ID, sub.CustomerID); err != nil {
			return domain.Internal(err, op, "failed to update subscription")
		}
	}

	s.logger.Info("subscription charged",
		"user_id", user.ID, "subscription_id", sub.ID,
		"payment_id", payment.ID, "amount", payment.Amount)
	return nil
}

// cancel drops the user to the free tier and reinitializes quota records at
// free-tier limits.
func (s *SubscriptionService) cancel(ctx context.Context, sub billing.Subscription) error {
	const op = "subscription.cancel"

	user, err := s.userFor(ctx, op, sub)
	if err != nil {
		return err
	}

	if err := s.users.UpdateSubscription(ctx, user.ID, domain.TierFree, domain.SubscriptionStatusCancelled, "", user.CustomerID); err != nil {
		return domain.Internal(err, op, "failed to update subscription")
	}
	if err := s.quotas.InitializeForTier(ctx, user.ID, domain.TierFree); err != nil {
		return err
	}

	s.logger.Info("subscription cancelled", "user_id", user.ID, "subscription_id", sub.ID)
	return nil
}

// setStatus updates the subscription status without changing tier or quotas.
// Halted and paused users keep their tier until cancellation; access checks
// look at the status.
func (s *SubscriptionService) setStatus(ctx context.Context, sub billing.Subscription, status domain.SubscriptionStatus) error {
	const op = "subscription.set_status"

	user, err := s.userFor(ctx, op, sub)
	if err != nil {
		return err
	}

	if err := s.users.UpdateSubscription(ctx, user.ID, user.Tier(), status, sub.ID, sub.CustomerID); err != nil {
		return domain.Internal(err, op, "failed to update subscription")
	}

	s.logger.Info("subscription status changed",
		"user_id", user.ID, "subscription_id", sub.ID, "status", status)
	return nil
}

func (s *SubscriptionService) userFor(ctx context.Context, op string, sub billing.Subscription) (*domain.User, error) {
	user, err := s.users.GetBySubscriptionID(ctx, sub.ID)
	if err != nil {
		if repository.IsNotFound(err) {
			return nil, domain.NotFound(op, "user for subscription", sub.ID)
		}
		return nil, domain.Internal(err, op, "failed to resolve subscription owner")
	}
	return user, nil
}

// Link attaches a freshly created gateway subscription to the user before the
// checkout completes, so the later activated webhook can find its owner.
func (s *SubscriptionService) Link(ctx context.Context, user *domain.User, sub *billing.Subscription) error {
	const op = "subscription.link"

	err := s.users.UpdateSubscription(ctx, user.ID, user.Tier(), domain.SubscriptionStatusCreated, sub.ID, sub.CustomerID)
	if err != nil {
		return domain.Internal(err, op, "failed to link subscription")
	}
	return nil
}
