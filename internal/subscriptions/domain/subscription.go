package domain

import (
	"time"

	"github.com/google/uuid"
	sharedDomain "github.com/letterahq/lettera/internal/shared/domain"
)

// Status represents the lifecycle state of a subscription.
type Status string

const (
	StatusActive    Status = "active"
	StatusTrial     Status = "trial"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// IsValid checks if the status is a known lifecycle state.
func (s Status) IsValid() bool {
	switch s {
	case StatusActive, StatusTrial, StatusCancelled, StatusExpired:
		return true
	default:
		return false
	}
}

// IsLive reports whether the status grants entitlements. A user may hold at
// most one live subscription at a time.
func (s Status) IsLive() bool {
	return s == StatusActive || s == StatusTrial
}

// Usage is the quota snapshot returned to metered-feature callers.
type Usage struct {
	Allowed bool
	Used    int
	Limit   int
	ResetAt time.Time
}

// Subscription is the aggregate tracking a user's plan membership, billing
// period and metered usage. Concurrent writers are serialized through the
// aggregate version; the store additionally enforces at most one live
// subscription per user.
type Subscription struct {
	sharedDomain.BaseAggregateRoot
	userID             uuid.UUID
	tier               Tier
	interval           Interval
	status             Status
	startedAt          time.Time
	currentPeriodStart *time.Time
	currentPeriodEnd   *time.Time
	cancelAtPeriodEnd  bool
	autoRenew          bool
	aiUsageCount       int
	aiUsageResetAt     time.Time
	orderRef           string
	subscriptionRef    string
}

// NewSubscription creates an active subscription starting now. Lifetime
// intervals carry no billing period; recurring ones run one interval from now
// and renew automatically until cancelled.
func NewSubscription(userID uuid.UUID, tier Tier, interval Interval, orderRef, subscriptionRef string, now time.Time, resetLoc *time.Location) (*Subscription, error) {
	if userID == uuid.Nil {
		return nil, ErrMissingUser
	}
	if !tier.IsValid() {
		return nil, ErrInvalidTier
	}
	if !interval.IsValid() {
		return nil, ErrInvalidInterval
	}

	sub := &Subscription{
		BaseAggregateRoot: sharedDomain.NewBaseAggregateRoot(),
		userID:            userID,
		tier:              tier,
		interval:          interval,
		status:            StatusActive,
		startedAt:         now,
		autoRenew:         interval.IsRecurring(),
		aiUsageCount:      0,
		aiUsageResetAt:    NextUsageReset(now, resetLoc),
		orderRef:          orderRef,
		subscriptionRef:   subscriptionRef,
	}

	if interval.IsRecurring() {
		start := now
		end := addInterval(now, interval)
		sub.currentPeriodStart = &start
		sub.currentPeriodEnd = &end
	}

	sub.AddDomainEvent(NewSubscriptionActivated(sub))

	return sub, nil
}

// NewTrialSubscription creates a trialing subscription that converts or
// lapses after trialDays. Trials only exist on recurring plans; the gateway
// bills at trial end.
func NewTrialSubscription(userID uuid.UUID, tier Tier, interval Interval, subscriptionRef string, trialDays int, now time.Time, resetLoc *time.Location) (*Subscription, error) {
	if userID == uuid.Nil {
		return nil, ErrMissingUser
	}
	if !tier.IsValid() {
		return nil, ErrInvalidTier
	}
	if !interval.IsRecurring() {
		return nil, ErrTrialUnsupported
	}
	if trialDays <= 0 {
		return nil, ErrInvalidPeriod
	}

	start := now
	end := now.AddDate(0, 0, trialDays)

	sub := &Subscription{
		BaseAggregateRoot:  sharedDomain.NewBaseAggregateRoot(),
		userID:             userID,
		tier:               tier,
		interval:           interval,
		status:             StatusTrial,
		startedAt:          now,
		currentPeriodStart: &start,
		currentPeriodEnd:   &end,
		autoRenew:          true,
		aiUsageCount:       0,
		aiUsageResetAt:     NextUsageReset(now, resetLoc),
		subscriptionRef:    subscriptionRef,
	}

	sub.AddDomainEvent(NewSubscriptionActivated(sub))

	return sub, nil
}

// Getters
func (s *Subscription) UserID() uuid.UUID              { return s.userID }
func (s *Subscription) Tier() Tier                     { return s.tier }
func (s *Subscription) Interval() Interval             { return s.interval }
func (s *Subscription) Status() Status                 { return s.status }
func (s *Subscription) StartedAt() time.Time           { return s.startedAt }
func (s *Subscription) CurrentPeriodStart() *time.Time { return s.currentPeriodStart }
func (s *Subscription) CurrentPeriodEnd() *time.Time   { return s.currentPeriodEnd }
func (s *Subscription) CancelAtPeriodEnd() bool        { return s.cancelAtPeriodEnd }
func (s *Subscription) AutoRenew() bool                { return s.autoRenew }
func (s *Subscription) AIUsageCount() int              { return s.aiUsageCount }
func (s *Subscription) AIUsageResetAt() time.Time      { return s.aiUsageResetAt }
func (s *Subscription) OrderRef() string               { return s.orderRef }
func (s *Subscription) SubscriptionRef() string        { return s.subscriptionRef }

// IsLive reports whether the subscription currently grants entitlements.
func (s *Subscription) IsLive() bool {
	return s.status.IsLive()
}

// Cancel ends the subscription. Immediate cancellation takes effect now;
// otherwise the subscription stays live until the period end and only renewal
// is switched off. Cancelling an already scheduled cancellation again is only
// allowed when upgrading it to an immediate one.
func (s *Subscription) Cancel(immediate bool, reason string, now time.Time) error {
	switch s.status {
	case StatusCancelled:
		return ErrAlreadyCancelled
	case StatusExpired:
		return ErrNotActive
	}
	if s.cancelAtPeriodEnd && !immediate {
		return ErrAlreadyCancelled
	}

	if immediate {
		s.status = StatusCancelled
		end := now
		s.currentPeriodEnd = &end
	} else {
		s.cancelAtPeriodEnd = true
	}
	s.autoRenew = false
	s.Touch()

	s.AddDomainEvent(NewSubscriptionCancelled(s, immediate, reason, now))

	return nil
}

// Renew extends the billing period after a successful renewal charge. The
// usage counter is untouched; resets follow the calendar, not the billing
// cycle.
func (s *Subscription) Renew(newPeriodEnd time.Time) error {
	if s.status != StatusActive {
		return ErrNotActive
	}
	if !s.interval.IsRecurring() {
		return ErrNotRenewable
	}
	if s.currentPeriodEnd != nil && !newPeriodEnd.After(*s.currentPeriodEnd) {
		return ErrInvalidPeriod
	}

	if s.currentPeriodEnd != nil {
		start := *s.currentPeriodEnd
		s.currentPeriodStart = &start
	}
	s.currentPeriodEnd = &newPeriodEnd
	s.Touch()

	s.AddDomainEvent(NewSubscriptionRenewed(s, newPeriodEnd))

	return nil
}

// ConvertTrial upgrades a trial to a paid subscription after its first
// successful charge. The paid period starts now and runs to the period end
// reported by the gateway.
func (s *Subscription) ConvertTrial(newPeriodEnd time.Time, now time.Time) error {
	if s.status != StatusTrial {
		return ErrNotActive
	}
	if !newPeriodEnd.After(now) {
		return ErrInvalidPeriod
	}

	s.status = StatusActive
	start := now
	s.currentPeriodStart = &start
	s.currentPeriodEnd = &newPeriodEnd
	s.Touch()

	s.AddDomainEvent(NewSubscriptionRenewed(s, newPeriodEnd))

	return nil
}

// ExpireIfLapsed finalizes a live subscription whose period has elapsed. A
// scheduled cancellation finalizes as cancelled, anything else as expired.
// Returns true when a transition happened; callers must persist it.
func (s *Subscription) ExpireIfLapsed(now time.Time) bool {
	if !s.status.IsLive() {
		return false
	}
	if s.currentPeriodEnd == nil || now.Before(*s.currentPeriodEnd) {
		return false
	}

	if s.cancelAtPeriodEnd {
		s.status = StatusCancelled
		s.AddDomainEvent(NewSubscriptionCancelled(s, true, "period ended after scheduled cancellation", now))
	} else {
		s.status = StatusExpired
		s.AddDomainEvent(NewSubscriptionExpired(s, now))
	}
	s.autoRenew = false
	s.Touch()

	return true
}

// GenerationUsage derives the AI-generation quota snapshot under the given
// limits. A reset instant in the past counts as already applied.
func (s *Subscription) GenerationUsage(limits FeatureLimits, now time.Time, resetLoc *time.Location) Usage {
	used := s.aiUsageCount
	resetAt := s.aiUsageResetAt
	if !now.Before(resetAt) {
		used = 0
		resetAt = NextUsageReset(now, resetLoc)
	}

	return Usage{
		Allowed: s.status.IsLive() && limits.AllowsGeneration(used),
		Used:    used,
		Limit:   limits.AIGenerationsPerPeriod,
		ResetAt: resetAt,
	}
}

// NextUsageReset returns the first instant of the calendar month after now in
// the given location. Usage windows are calendar months, not rolling periods.
func NextUsageReset(now time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	t := now.In(loc)
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, loc).AddDate(0, 1, 0)
}

func addInterval(start time.Time, interval Interval) time.Time {
	switch interval {
	case IntervalMonthly:
		return start.AddDate(0, 1, 0)
	case IntervalYearly:
		return start.AddDate(1, 0, 0)
	default:
		return start
	}
}

// RehydrateSubscription recreates a subscription from persisted state without
// generating events.
func RehydrateSubscription(
	id uuid.UUID,
	userID uuid.UUID,
	tier Tier,
	interval Interval,
	status Status,
	startedAt time.Time,
	currentPeriodStart *time.Time,
	currentPeriodEnd *time.Time,
	cancelAtPeriodEnd bool,
	autoRenew bool,
	aiUsageCount int,
	aiUsageResetAt time.Time,
	orderRef string,
	subscriptionRef string,
	version int,
	createdAt time.Time,
	updatedAt time.Time,
) *Subscription {
	baseEntity := sharedDomain.RehydrateBaseEntity(id, createdAt, updatedAt)
	baseAggregate := sharedDomain.RehydrateBaseAggregateRoot(baseEntity, version)

	return &Subscription{
		BaseAggregateRoot:  baseAggregate,
		userID:             userID,
		tier:               tier,
		interval:           interval,
		status:             status,
		startedAt:          startedAt,
		currentPeriodStart: currentPeriodStart,
		currentPeriodEnd:   currentPeriodEnd,
		cancelAtPeriodEnd:  cancelAtPeriodEnd,
		autoRenew:          autoRenew,
		aiUsageCount:       aiUsageCount,
		aiUsageResetAt:     aiUsageResetAt,
		orderRef:           orderRef,
		subscriptionRef:    subscriptionRef,
	}
}
