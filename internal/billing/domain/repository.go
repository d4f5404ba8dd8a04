package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository defines the interface for payment persistence.
//
// Save performs a compare-and-swap on the aggregate version and returns
// ErrConcurrentUpdate when the stored version moved. Find methods return
// (nil, nil) when no payment matches.
type Repository interface {
	// Save persists a payment (insert at version zero, CAS update after).
	Save(ctx context.Context, payment *Payment) error

	// FindByID finds a payment by its ID.
	FindByID(ctx context.Context, id uuid.UUID) (*Payment, error)

	// FindByOrderRef finds the payment created for a gateway order.
	FindByOrderRef(ctx context.Context, orderRef string) (*Payment, error)

	// FindBySubscriptionRef finds the most recent payment created for a
	// gateway subscription.
	FindBySubscriptionRef(ctx context.Context, subscriptionRef string) (*Payment, error)

	// FindByUserID lists a user's payments, newest first.
	FindByUserID(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*Payment, error)

	// FindPendingOlderThan lists payments still pending past the cutoff,
	// oldest first, for reconciliation.
	FindPendingOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*Payment, error)
}
