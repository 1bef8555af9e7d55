package billing

import (
	"encoding/json"
	"fmt"
)

// Webhook event types the gateway delivers for subscriptions.
const (
	EventSubscriptionActivated = "subscription.activated"
	EventSubscriptionCharged   = "subscription.charged"
	EventSubscriptionHalted    = "subscription.halted"
	EventSubscriptionCancelled = "subscription.cancelled"
	EventSubscriptionPaused    = "subscription.paused"
	EventSubscriptionResumed   = "subscription.resumed"
)

// Event is a parsed webhook event. The set of implementations is closed:
// every event the gateway can deliver has its own type, so handlers can
// switch exhaustively instead of branching on strings.
type Event interface {
	// Type returns the gateway event name, e.g. "subscription.activated".
	Type() string

	// Entity returns the subscription the event concerns.
	Entity() Subscription

	isEvent()
}

// SubscriptionActivatedEvent fires when a subscription's first payment
// succeeds and the subscription becomes active.
type SubscriptionActivatedEvent struct {
	Subscription Subscription
}

// SubscriptionChargedEvent fires on every successful recurring charge,
// including the first.
type SubscriptionChargedEvent struct {
	Subscription Subscription
	Payment      Payment
}

// SubscriptionHaltedEvent fires when recurring charges have failed
// repeatedly and the gateway stops retrying.
type SubscriptionHaltedEvent struct {
	Subscription Subscription
}

// SubscriptionCancelledEvent fires when a subscription is cancelled, either
// immediately or at cycle end.
type SubscriptionCancelledEvent struct {
	Subscription Subscription
}

// SubscriptionPausedEvent fires when a subscription is paused.
type SubscriptionPausedEvent struct {
	Subscription Subscription
}

// SubscriptionResumedEvent fires when a paused subscription resumes.
type SubscriptionResumedEvent struct {
	Subscription Subscription
}

func (e SubscriptionActivatedEvent) Type() string { return EventSubscriptionActivated }
func (e SubscriptionChargedEvent) Type() string   { return EventSubscriptionCharged }
func (e SubscriptionHaltedEvent) Type() string    { return EventSubscriptionHalted }
func (e SubscriptionCancelledEvent) Type() string { return EventSubscriptionCancelled }
func (e SubscriptionPausedEvent) Type() string    { return EventSubscriptionPaused }
func (e SubscriptionResumedEvent) Type() string   { return EventSubscriptionResumed }

func (e SubscriptionActivatedEvent) Entity() Subscription { return e.Subscription }
func (e SubscriptionChargedEvent) Entity() Subscription   { return e.Subscription }
func (e SubscriptionHaltedEvent) Entity() Subscription    { return e.Subscription }
func (e SubscriptionCancelledEvent) Entity() Subscription { return e.Subscription }
func (e SubscriptionPausedEvent) Entity() Subscription    { return e.Subscription }
func (e SubscriptionResumedEvent) Entity() Subscription   { return e.Subscription }

func (SubscriptionActivatedEvent) isEvent() {}
func (SubscriptionChargedEvent) isEvent()   {}
func (SubscriptionHaltedEvent) isEvent()    {}
func (SubscriptionCancelledEvent) isEvent() {}
func (SubscriptionPausedEvent) isEvent()    {}
func (SubscriptionResumedEvent) isEvent()   {}

// Payment is the gateway's payment entity, attached to charged events.
type Payment struct {
	ID     string `json:"id"`
	Amount int64  `json:"amount"` // Smallest currency unit
	Status string `json:"status"`
}

// ErrUnknownEvent is returned by ParseEvent for event names outside the
// subscription lifecycle set.
type ErrUnknownEvent struct {
	EventType string
}

func (e *ErrUnknownEvent) Error() string {
	return fmt.Sprintf("unknown webhook event type %q", e.EventType)
}

// webhookEnvelope is the gateway's webhook wire format.
type webhookEnvelope struct {
	Event   string `json:"event"`
	Payload struct {
		Subscription struct {
			Entity Subscription `json:"entity"`
		} `json:"subscription"`
		Payment struct {
			Entity Payment `json:"entity"`
		} `json:"payment"`
	} `json:"payload"`
}

// ParseEvent decodes a raw webhook payload into its typed event. Events
// outside the subscription lifecycle return *ErrUnknownEvent so callers can
// acknowledge and skip them.
func ParseEvent(payload []byte) (Event, error) {
	var env webhookEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("decode webhook payload: %w", err)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("webhook payload missing event type")
	}

	switch env.Event {
	case EventSubscriptionActivated, EventSubscriptionCharged, EventSubscriptionHalted,
		EventSubscriptionCancelled, EventSubscriptionPaused, EventSubscriptionResumed:
	default:
		return nil, &ErrUnknownEvent{EventType: env.Event}
	}

	sub := env.Payload.Subscription.Entity
	if sub.ID == "" {
		return nil, fmt.Errorf("webhook event %s missing subscription entity", env.Event)
	}

	switch env.Event {
	case EventSubscriptionActivated:
		return SubscriptionActivatedEvent{Subscription: sub}, nil
	case EventSubscriptionCharged:
		return SubscriptionChargedEvent{Subscription: sub, Payment: env.Payload.Payment.Entity}, nil
	case EventSubscriptionHalted:
		return SubscriptionHaltedEvent{Subscription: sub}, nil
	case EventSubscriptionCancelled:
		return SubscriptionCancelledEvent{Subscription: sub}, nil
	case EventSubscriptionPaused:
		return SubscriptionPausedEvent{Subscription: sub}, nil
	case EventSubscriptionResumed:
		return SubscriptionResumedEvent{Subscription: sub}, nil
	default:
		return nil, &ErrUnknownEvent{EventType: env.Event}
	}
}
