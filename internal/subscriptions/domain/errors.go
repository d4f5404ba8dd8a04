package domain

import "errors"

var (
	ErrPlanNotFound         = errors.New("plan not found in catalog")
	ErrInvalidTier          = errors.New("invalid plan tier")
	ErrInvalidInterval      = errors.New("invalid billing interval")
	ErrDuplicatePlanPrice   = errors.New("duplicate plan price for tier, interval and currency")
	ErrMissingTierLimits    = errors.New("priced tier has no feature limits")
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrMissingUser          = errors.New("subscription requires a user")
	ErrNotOwner             = errors.New("subscription does not belong to the user")
	ErrNotActive            = errors.New("subscription is not active")
	ErrAlreadyCancelled     = errors.New("subscription is already cancelled")
	ErrNotRenewable         = errors.New("lifetime subscriptions do not renew")
	ErrInvalidPeriod        = errors.New("new period end must extend the current period")
	ErrTrialUnsupported     = errors.New("trial requires a recurring interval")
	ErrQuotaExceeded        = errors.New("usage quota exceeded")
	ErrConcurrentUpdate     = errors.New("subscription was modified concurrently")
)
