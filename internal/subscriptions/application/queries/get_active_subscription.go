package queries

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/letterahq/lettera/internal/subscriptions/domain"
)

// ErrNoActiveSubscription is returned when the user has no live subscription.
var ErrNoActiveSubscription = errors.New("no active subscription")

// ActiveSubscriptionFinder resolves a user's live subscription with lazy
// expiry applied. Satisfied by services.ActiveLookup.
type ActiveSubscriptionFinder interface {
	Find(ctx context.Context, userID uuid.UUID) (*domain.Subscription, error)
}

// GetActiveSubscriptionQuery contains the parameters for reading the caller's
// subscription.
type GetActiveSubscriptionQuery struct {
	UserID uuid.UUID
}

// SubscriptionDTO is the read model of a subscription.
type SubscriptionDTO struct {
	ID                 uuid.UUID  `json:"id"`
	Tier               string     `json:"tier"`
	Interval           string     `json:"interval"`
	Status             string     `json:"status"`
	StartedAt          time.Time  `json:"started_at"`
	CurrentPeriodStart *time.Time `json:"current_period_start,omitempty"`
	CurrentPeriodEnd   *time.Time `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd  bool       `json:"cancel_at_period_end"`
	AutoRenew          bool       `json:"auto_renew"`
}

// GetActiveSubscriptionHandler handles the GetActiveSubscriptionQuery.
type GetActiveSubscriptionHandler struct {
	lookup ActiveSubscriptionFinder
}

// NewGetActiveSubscriptionHandler creates a new GetActiveSubscriptionHandler.
func NewGetActiveSubscriptionHandler(lookup ActiveSubscriptionFinder) *GetActiveSubscriptionHandler {
	return &GetActiveSubscriptionHandler{lookup: lookup}
}

// Handle executes the GetActiveSubscriptionQuery.
func (h *GetActiveSubscriptionHandler) Handle(ctx context.Context, query GetActiveSubscriptionQuery) (*SubscriptionDTO, error) {
	sub, err := h.lookup.Find(ctx, query.UserID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, ErrNoActiveSubscription
	}

	dto := SubscriptionDTO{
		ID:                 sub.ID(),
		Tier:               string(sub.Tier()),
		Interval:           string(sub.Interval()),
		Status:             string(sub.Status()),
		StartedAt:          sub.StartedAt(),
		CurrentPeriodStart: sub.CurrentPeriodStart(),
		CurrentPeriodEnd:   sub.CurrentPeriodEnd(),
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd(),
		AutoRenew:          sub.AutoRenew(),
	}

	return &dto, nil
}
