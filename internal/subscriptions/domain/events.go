package domain

import (
	"time"

	"github.com/google/uuid"
	sharedDomain "github.com/letterahq/lettera/internal/shared/domain"
)

const aggregateType = "Subscription"

// SubscriptionActivated is emitted when a subscription (active or trialing)
// is created for a user.
type SubscriptionActivated struct {
	sharedDomain.BaseEvent
	SubscriptionID uuid.UUID  `json:"subscription_id"`
	UserID         uuid.UUID  `json:"user_id"`
	Tier           string     `json:"tier"`
	Interval       string     `json:"interval"`
	Status         string     `json:"status"`
	PeriodEnd      *time.Time `json:"period_end,omitempty"`
}

// NewSubscriptionActivated creates a SubscriptionActivated event.
func NewSubscriptionActivated(s *Subscription) *SubscriptionActivated {
	return &SubscriptionActivated{
		BaseEvent:      sharedDomain.NewBaseEvent(s.ID(), aggregateType, "subscriptions.subscription.activated"),
		SubscriptionID: s.ID(),
		UserID:         s.UserID(),
		Tier:           string(s.Tier()),
		Interval:       string(s.Interval()),
		Status:         string(s.Status()),
		PeriodEnd:      s.CurrentPeriodEnd(),
	}
}

// SubscriptionCancelled is emitted when a subscription is cancelled, either
// immediately or scheduled for the period end.
type SubscriptionCancelled struct {
	sharedDomain.BaseEvent
	SubscriptionID uuid.UUID `json:"subscription_id"`
	UserID         uuid.UUID `json:"user_id"`
	Immediate      bool      `json:"immediate"`
	Reason         string    `json:"reason,omitempty"`
	EffectiveAt    time.Time `json:"effective_at"`
}

// NewSubscriptionCancelled creates a SubscriptionCancelled event.
func NewSubscriptionCancelled(s *Subscription, immediate bool, reason string, at time.Time) *SubscriptionCancelled {
	effective := at
	if !immediate && s.CurrentPeriodEnd() != nil {
		effective = *s.CurrentPeriodEnd()
	}
	return &SubscriptionCancelled{
		BaseEvent:      sharedDomain.NewBaseEvent(s.ID(), aggregateType, "subscriptions.subscription.cancelled"),
		SubscriptionID: s.ID(),
		UserID:         s.UserID(),
		Immediate:      immediate,
		Reason:         reason,
		EffectiveAt:    effective,
	}
}

// SubscriptionExpired is emitted when a billing period lapses without
// renewal.
type SubscriptionExpired struct {
	sharedDomain.BaseEvent
	SubscriptionID uuid.UUID `json:"subscription_id"`
	UserID         uuid.UUID `json:"user_id"`
	ExpiredAt      time.Time `json:"expired_at"`
}

// NewSubscriptionExpired creates a SubscriptionExpired event.
func NewSubscriptionExpired(s *Subscription, at time.Time) *SubscriptionExpired {
	return &SubscriptionExpired{
		BaseEvent:      sharedDomain.NewBaseEvent(s.ID(), aggregateType, "subscriptions.subscription.expired"),
		SubscriptionID: s.ID(),
		UserID:         s.UserID(),
		ExpiredAt:      at,
	}
}

// SubscriptionRenewed is emitted when a renewal charge extends the billing
// period.
type SubscriptionRenewed struct {
	sharedDomain.BaseEvent
	SubscriptionID uuid.UUID `json:"subscription_id"`
	UserID         uuid.UUID `json:"user_id"`
	PeriodEnd      time.Time `json:"period_end"`
}

// NewSubscriptionRenewed creates a SubscriptionRenewed event.
func NewSubscriptionRenewed(s *Subscription, periodEnd time.Time) *SubscriptionRenewed {
	return &SubscriptionRenewed{
		BaseEvent:      sharedDomain.NewBaseEvent(s.ID(), aggregateType, "subscriptions.subscription.renewed"),
		SubscriptionID: s.ID(),
		UserID:         s.UserID(),
		PeriodEnd:      periodEnd,
	}
}

// QuotaExhausted is emitted when a metered-feature increment is denied
// because the usage limit was reached.
type QuotaExhausted struct {
	sharedDomain.BaseEvent
	SubscriptionID uuid.UUID `json:"subscription_id"`
	UserID         uuid.UUID `json:"user_id"`
	Feature        string    `json:"feature"`
	Used           int       `json:"used"`
	Limit          int       `json:"limit"`
	ResetAt        time.Time `json:"reset_at"`
}

// NewQuotaExhausted creates a QuotaExhausted event.
func NewQuotaExhausted(subscriptionID, userID uuid.UUID, feature Feature, usage Usage) *QuotaExhausted {
	return &QuotaExhausted{
		BaseEvent:      sharedDomain.NewBaseEvent(subscriptionID, aggregateType, "subscriptions.quota.exhausted"),
		SubscriptionID: subscriptionID,
		UserID:         userID,
		Feature:        string(feature),
		Used:           usage.Used,
		Limit:          usage.Limit,
		ResetAt:        usage.ResetAt,
	}
}
