package domain

import (
	"strings"

	sharedDomain "github.com/letterahq/lettera/internal/shared/domain"
)

// Tier identifies a paid plan level.
type Tier string

const (
	TierBasic   Tier = "basic"
	TierPro     Tier = "pro"
	TierPremium Tier = "premium"
)

// IsValid checks if the tier is a known plan level.
func (t Tier) IsValid() bool {
	switch t {
	case TierBasic, TierPro, TierPremium:
		return true
	default:
		return false
	}
}

// Interval represents the billing cadence of a plan.
type Interval string

const (
	IntervalMonthly  Interval = "monthly"
	IntervalYearly   Interval = "yearly"
	IntervalLifetime Interval = "lifetime"
)

// IsValid checks if the interval is a known billing cadence.
func (i Interval) IsValid() bool {
	switch i {
	case IntervalMonthly, IntervalYearly, IntervalLifetime:
		return true
	default:
		return false
	}
}

// IsRecurring reports whether the interval bills repeatedly.
func (i Interval) IsRecurring() bool {
	return i == IntervalMonthly || i == IntervalYearly
}

// Feature identifies a plan-gated capability.
type Feature string

const (
	FeatureAIGeneration        Feature = "ai_generation"
	FeatureConcurrentDocuments Feature = "concurrent_documents"
)

// UnlimitedUsage marks a metered feature without a cap.
const UnlimitedUsage = -1

// FeatureLimits are the per-tier entitlements.
type FeatureLimits struct {
	AIGenerationsPerPeriod int
	ConcurrentDocuments    int
}

// AllowsGeneration reports whether another AI generation fits under the limit.
func (l FeatureLimits) AllowsGeneration(used int) bool {
	return l.AIGenerationsPerPeriod == UnlimitedUsage || used < l.AIGenerationsPerPeriod
}

// PlanPrice is one (tier, interval, currency) price point.
type PlanPrice struct {
	Tier     Tier
	Interval Interval
	Price    sharedDomain.Money
}

type priceKey struct {
	tier     Tier
	interval Interval
	currency string
}

// Catalog holds the immutable plan configuration: prices per
// (tier, interval, currency) and entitlements per tier. Built once at
// startup and injected by value; lookups never mutate it.
type Catalog struct {
	prices     map[priceKey]sharedDomain.Money
	limits     map[Tier]FeatureLimits
	trialDays  map[Tier]int
	freeLimits FeatureLimits
}

// NewCatalog validates and assembles a plan catalog. Every priced tier must
// carry feature limits, and a (tier, interval, currency) triple may only be
// priced once.
func NewCatalog(prices []PlanPrice, limits map[Tier]FeatureLimits, trialDays map[Tier]int, freeLimits FeatureLimits) (Catalog, error) {
	c := Catalog{
		prices:     make(map[priceKey]sharedDomain.Money, len(prices)),
		limits:     make(map[Tier]FeatureLimits, len(limits)),
		trialDays:  make(map[Tier]int, len(trialDays)),
		freeLimits: freeLimits,
	}

	for _, p := range prices {
		if !p.Tier.IsValid() {
			return Catalog{}, ErrInvalidTier
		}
		if !p.Interval.IsValid() {
			return Catalog{}, ErrInvalidInterval
		}
		key := priceKey{tier: p.Tier, interval: p.Interval, currency: strings.ToUpper(p.Price.Currency())}
		if _, exists := c.prices[key]; exists {
			return Catalog{}, ErrDuplicatePlanPrice
		}
		c.prices[key] = p.Price
	}

	for tier, l := range limits {
		if !tier.IsValid() {
			return Catalog{}, ErrInvalidTier
		}
		c.limits[tier] = l
	}

	for tier, days := range trialDays {
		if !tier.IsValid() {
			return Catalog{}, ErrInvalidTier
		}
		if days > 0 {
			c.trialDays[tier] = days
		}
	}

	for key := range c.prices {
		if _, ok := c.limits[key.tier]; !ok {
			return Catalog{}, ErrMissingTierLimits
		}
	}

	return c, nil
}

// PriceOf returns the price for a (tier, interval, currency) triple.
// Unconfigured triples yield ErrPlanNotFound; callers must treat that as a
// validation failure, not fall back to another price.
func (c Catalog) PriceOf(tier Tier, interval Interval, currency string) (sharedDomain.Money, error) {
	price, ok := c.prices[priceKey{tier: tier, interval: interval, currency: strings.ToUpper(currency)}]
	if !ok {
		return sharedDomain.Money{}, ErrPlanNotFound
	}
	return price, nil
}

// LimitsOf returns the feature limits for a tier. Unknown tiers get the
// free-tier limits.
func (c Catalog) LimitsOf(tier Tier) FeatureLimits {
	if l, ok := c.limits[tier]; ok {
		return l
	}
	return c.freeLimits
}

// FreeLimits returns the entitlements of users without an active subscription.
func (c Catalog) FreeLimits() FeatureLimits {
	return c.freeLimits
}

// TrialDays returns the trial length granted for a tier, 0 when none.
func (c Catalog) TrialDays(tier Tier) int {
	return c.trialDays[tier]
}
