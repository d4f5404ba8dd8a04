package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/letterahq/lettera/internal/billing/infrastructure/gateway"
)

// ErrMalformedWebhook is returned when a verified delivery cannot be decoded.
// The HTTP adapter maps it to 400 so the gateway stops retrying it.
var ErrMalformedWebhook = errors.New("malformed webhook payload")

// DedupeCache suppresses redeliveries by event id. MarkSeen returns false
// when the id was already recorded inside the TTL window; Forget releases an
// id so a redelivery can retry an event whose dispatch failed.
type DedupeCache interface {
	MarkSeen(ctx context.Context, eventID string) (bool, error)
	Forget(ctx context.Context, eventID string) error
}

// WebhookProcessor turns verified gateway deliveries into resolver calls.
//
// The signature check runs before anything else touches the body. The dedupe
// cache is only a fast path: the resolver's state checks stay authoritative,
// so a cache outage degrades to slightly more work, never to double
// processing.
type WebhookProcessor struct {
	verifier *gateway.Verifier
	dedupe   DedupeCache
	resolver *PaymentResolver
	logger   *slog.Logger
}

// NewWebhookProcessor creates a new WebhookProcessor.
func NewWebhookProcessor(verifier *gateway.Verifier, dedupe DedupeCache, resolver *PaymentResolver, logger *slog.Logger) *WebhookProcessor {
	return &WebhookProcessor{
		verifier: verifier,
		dedupe:   dedupe,
		resolver: resolver,
		logger:   logger,
	}
}

type webhookEnvelope struct {
	ID        string          `json:"id"`
	EventType string          `json:"event_type"`
	Resource  json.RawMessage `json:"resource"`
}

type captureResource struct {
	OrderID   string `json:"order_id"`
	CaptureID string `json:"capture_id"`
	Reason    string `json:"reason"`
}

type subscriptionResource struct {
	SubscriptionID string     `json:"subscription_id"`
	PeriodEnd      *time.Time `json:"period_end"`
	CaptureID      string     `json:"capture_id"`
	Reason         string     `json:"reason"`
}

type disputeResource struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`
}

// Process verifies and dispatches one delivery. A nil return acknowledges the
// event; the gateway redelivers on anything else.
func (p *WebhookProcessor) Process(ctx context.Context, timestamp, signature string, body []byte) error {
	if err := p.verifier.Verify(timestamp, body, signature, time.Now().UTC()); err != nil {
		return err
	}

	var envelope webhookEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedWebhook, err)
	}
	if envelope.ID == "" || envelope.EventType == "" {
		return fmt.Errorf("%w: missing id or event_type", ErrMalformedWebhook)
	}

	if fresh := p.markSeen(ctx, envelope.ID); !fresh {
		p.logger.Debug("webhook already processed", "event_id", envelope.ID, "event_type", envelope.EventType)
		return nil
	}

	if err := p.dispatch(ctx, envelope); err != nil {
		// A failed dispatch must not burn the event id: the gateway
		// redelivers on the 5xx and the retry has to reach the resolver.
		p.forget(ctx, envelope.ID)
		return err
	}
	return nil
}

func (p *WebhookProcessor) dispatch(ctx context.Context, envelope webhookEnvelope) error {
	switch envelope.EventType {
	case "payment.capture.completed":
		var resource captureResource
		if err := p.decode(envelope, &resource); err != nil {
			return err
		}
		if err := p.requireRef(envelope, "order_id", resource.OrderID); err != nil {
			return err
		}
		_, err := p.resolver.ResolveCaptureCompleted(ctx, resource.OrderID, resource.CaptureID)
		return err

	case "payment.capture.failed":
		var resource captureResource
		if err := p.decode(envelope, &resource); err != nil {
			return err
		}
		if err := p.requireRef(envelope, "order_id", resource.OrderID); err != nil {
			return err
		}
		return p.resolver.ResolveCaptureFailed(ctx, resource.OrderID, failureReason(resource.Reason))

	case "subscription.activated":
		var resource subscriptionResource
		if err := p.decode(envelope, &resource); err != nil {
			return err
		}
		if err := p.requireRef(envelope, "subscription_id", resource.SubscriptionID); err != nil {
			return err
		}
		return p.resolver.ResolveSubscriptionActivated(ctx, resource.SubscriptionID, resource.PeriodEnd, resource.CaptureID)

	case "subscription.cancelled":
		var resource subscriptionResource
		if err := p.decode(envelope, &resource); err != nil {
			return err
		}
		if err := p.requireRef(envelope, "subscription_id", resource.SubscriptionID); err != nil {
			return err
		}
		return p.resolver.ResolveSubscriptionCancelled(ctx, resource.SubscriptionID, failureReason(resource.Reason))

	case "payment.dispute.created":
		var resource disputeResource
		if err := p.decode(envelope, &resource); err != nil {
			return err
		}
		if err := p.requireRef(envelope, "order_id", resource.OrderID); err != nil {
			return err
		}
		return p.resolver.ResolveDisputeOpened(ctx, resource.OrderID, failureReason(resource.Reason))

	default:
		p.logger.Info("ignoring unhandled webhook event",
			"event_id", envelope.ID,
			"event_type", envelope.EventType,
		)
		return nil
	}
}

func (p *WebhookProcessor) decode(envelope webhookEnvelope, resource any) error {
	if err := json.Unmarshal(envelope.Resource, resource); err != nil {
		return fmt.Errorf("%w: %s resource: %v", ErrMalformedWebhook, envelope.EventType, err)
	}
	return nil
}

// requireRef rejects a delivery whose resource omits the gateway ref it is
// keyed by. Stored payments default the unused ref column to the empty
// string, so an empty ref would match the wrong flow's rows instead of none.
func (p *WebhookProcessor) requireRef(envelope webhookEnvelope, field, value string) error {
	if value != "" {
		return nil
	}
	p.logger.Warn("webhook resource missing gateway ref",
		"event_id", envelope.ID,
		"event_type", envelope.EventType,
		"field", field,
	)
	return fmt.Errorf("%w: %s resource missing %s", ErrMalformedWebhook, envelope.EventType, field)
}

// markSeen asks the dedupe cache whether the event is new. Cache errors count
// as new: processing twice is safe, dropping an event is not.
func (p *WebhookProcessor) markSeen(ctx context.Context, eventID string) bool {
	fresh, err := p.dedupe.MarkSeen(ctx, eventID)
	if err != nil {
		p.logger.Warn("webhook dedupe cache unavailable", "event_id", eventID, "error", err)
		return true
	}
	return fresh
}

// forget releases the dedupe entry best-effort; if the release itself fails
// the redelivery is swallowed until the TTL lapses, which the log makes
// visible.
func (p *WebhookProcessor) forget(ctx context.Context, eventID string) {
	if err := p.dedupe.Forget(ctx, eventID); err != nil {
		p.logger.Warn("failed to release webhook dedupe entry", "event_id", eventID, "error", err)
	}
}

func failureReason(reason string) string {
	if reason == "" {
		return "reported by gateway"
	}
	return reason
}
