package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/letterahq/lettera/internal/billing/domain"
	"github.com/letterahq/lettera/internal/billing/infrastructure/gateway"
)

// ReconcileGateway is the slice of the gateway client the reconciler queries.
type ReconcileGateway interface {
	GetOrder(ctx context.Context, orderRef string) (*gateway.Order, error)
	GetSubscription(ctx context.Context, subscriptionRef string) (*gateway.Subscription, error)
	CaptureOrder(ctx context.Context, orderRef string) (string, error)
}

// Reconciler sweeps payments stuck in pending and settles them against the
// gateway's view. It covers every way a webhook can go missing: delivery
// failures, a confirm request that timed out mid-capture, a buyer who never
// returned from the approval page.
//
// Each payment resolves through the same PaymentResolver the webhook path
// uses, so a late webhook arriving after the sweep sees the target state and
// acknowledges without side effects.
type Reconciler struct {
	payments     domain.Repository
	gateway      ReconcileGateway
	resolver     *PaymentResolver
	pendingAfter time.Duration
	batchSize    int
	logger       *slog.Logger
}

// NewReconciler creates a new Reconciler.
func NewReconciler(
	payments domain.Repository,
	gw ReconcileGateway,
	resolver *PaymentResolver,
	pendingAfter time.Duration,
	batchSize int,
	logger *slog.Logger,
) *Reconciler {
	return &Reconciler{
		payments:     payments,
		gateway:      gw,
		resolver:     resolver,
		pendingAfter: pendingAfter,
		batchSize:    batchSize,
		logger:       logger,
	}
}

// Run settles one batch of stale pending payments. Failures on one payment
// are logged and never block the rest; whatever stays pending is picked up
// again on the next sweep.
func (r *Reconciler) Run(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-r.pendingAfter)
	pending, err := r.payments.FindPendingOlderThan(ctx, cutoff, r.batchSize)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	r.logger.Info("reconciling stale pending payments", "count", len(pending), "cutoff", cutoff)

	for _, payment := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.reconcile(ctx, payment); err != nil {
			r.logger.Error("payment reconciliation failed",
				"payment_id", payment.ID(),
				"order_ref", payment.OrderRef(),
				"subscription_ref", payment.SubscriptionRef(),
				"error", err,
			)
		}
	}
	return nil
}

func (r *Reconciler) reconcile(ctx context.Context, payment *domain.Payment) error {
	if payment.OrderRef() != "" {
		return r.reconcileOrder(ctx, payment)
	}
	if payment.SubscriptionRef() != "" {
		return r.reconcileAgreement(ctx, payment)
	}
	return r.resolver.ResolvePaymentAbandoned(ctx, payment.ID(), "payment carries no gateway reference")
}

func (r *Reconciler) reconcileOrder(ctx context.Context, payment *domain.Payment) error {
	order, err := r.gateway.GetOrder(ctx, payment.OrderRef())
	if err != nil {
		return err
	}

	switch order.Status {
	case gateway.OrderStatusCompleted:
		_, err := r.resolver.ResolveCaptureCompleted(ctx, payment.OrderRef(), order.CaptureRef)
		return err

	case gateway.OrderStatusApproved:
		// The buyer approved but nobody captured; the confirm request was
		// probably lost. Capture now and settle.
		captureRef, err := r.gateway.CaptureOrder(ctx, payment.OrderRef())
		if err != nil {
			var gwErr *gateway.Error
			if errors.As(err, &gwErr) && gwErr.StatusCode < 500 {
				return r.resolver.ResolveCaptureFailed(ctx, payment.OrderRef(), gwErr.Message)
			}
			return err
		}
		_, err = r.resolver.ResolveCaptureCompleted(ctx, payment.OrderRef(), captureRef)
		return err

	case gateway.OrderStatusVoided:
		return r.resolver.ResolvePaymentAbandoned(ctx, payment.ID(), "order voided at gateway")

	case gateway.OrderStatusCreated:
		return r.resolver.ResolvePaymentAbandoned(ctx, payment.ID(), "checkout never approved")

	default:
		r.logger.Warn("order in unexpected gateway state, leaving pending",
			"payment_id", payment.ID(),
			"order_ref", payment.OrderRef(),
			"gateway_status", order.Status,
		)
		return nil
	}
}

func (r *Reconciler) reconcileAgreement(ctx context.Context, payment *domain.Payment) error {
	sub, err := r.gateway.GetSubscription(ctx, payment.SubscriptionRef())
	if err != nil {
		return err
	}

	switch sub.Status {
	case gateway.SubscriptionStatusActive:
		return r.resolver.ResolveSubscriptionActivated(ctx, payment.SubscriptionRef(), sub.NextBillingAt, "")

	case gateway.SubscriptionStatusCancelled, gateway.SubscriptionStatusExpired:
		return r.resolver.ResolvePaymentAbandoned(ctx, payment.ID(), "agreement closed at gateway")

	case gateway.SubscriptionStatusApprovalPending:
		return r.resolver.ResolvePaymentAbandoned(ctx, payment.ID(), "checkout never approved")

	default:
		r.logger.Warn("agreement in unexpected gateway state, leaving pending",
			"payment_id", payment.ID(),
			"subscription_ref", payment.SubscriptionRef(),
			"gateway_status", sub.Status,
		)
		return nil
	}
}
