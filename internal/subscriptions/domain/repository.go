package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository defines the interface for subscription persistence.
//
// Save performs a compare-and-swap on the aggregate version and returns
// ErrConcurrentUpdate when the stored version moved. Usage mutations bypass
// the aggregate on purpose: IncrementUsage and ResetUsageIfDue are single
// conditional updates so concurrent consumers cannot overshoot a limit.
type Repository interface {
	// Save persists a subscription (insert at version zero, CAS update after).
	Save(ctx context.Context, sub *Subscription) error

	// FindByID finds a subscription by its ID.
	FindByID(ctx context.Context, id uuid.UUID) (*Subscription, error)

	// FindLiveByUserID finds the user's active or trialing subscription,
	// nil when none exists.
	FindLiveByUserID(ctx context.Context, userID uuid.UUID) (*Subscription, error)

	// FindBySubscriptionRef finds a subscription by its gateway reference.
	FindBySubscriptionRef(ctx context.Context, ref string) (*Subscription, error)

	// HasAnyForUser reports whether the user ever held a subscription in any
	// state. Trials are only granted to first-time subscribers.
	HasAnyForUser(ctx context.Context, userID uuid.UUID) (bool, error)

	// FindLapsed lists live subscriptions whose period end has passed,
	// for the expiry sweep.
	FindLapsed(ctx context.Context, asOf time.Time, limit int) ([]*Subscription, error)

	// IncrementUsage atomically raises the usage counter while it is below
	// limit (UnlimitedUsage lifts the cap) and the subscription is live.
	// Returns the new count, or ErrQuotaExceeded when nothing was updated.
	IncrementUsage(ctx context.Context, id uuid.UUID, limit int) (int, error)

	// ResetUsageIfDue atomically zeroes the usage counter when its reset
	// instant has passed and schedules the next one. Returns true when the
	// reset was applied by this call.
	ResetUsageIfDue(ctx context.Context, id uuid.UUID, now, nextResetAt time.Time) (bool, error)
}
