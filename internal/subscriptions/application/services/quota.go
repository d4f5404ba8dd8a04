package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/letterahq/lettera/internal/shared/infrastructure/outbox"
	"github.com/letterahq/lettera/internal/subscriptions/domain"
)

// ErrUnmeteredFeature is returned for features whose usage is not counted.
var ErrUnmeteredFeature = errors.New("feature is not metered")

// UsageReport is the full entitlement picture for a user, shaped for the
// usage endpoint.
type UsageReport struct {
	Tier                string
	Status              string
	Generations         domain.Usage
	ConcurrentDocuments int
}

// QuotaService guards the metered AI-generation quota. The check and the
// commit are separate calls, but the commit is a single conditional update at
// the store, so concurrent consumers can never push the counter past the
// limit.
type QuotaService struct {
	lookup        *ActiveLookup
	subscriptions domain.Repository
	outboxRepo    outbox.Repository
	catalog       domain.Catalog
	resetLoc      *time.Location
}

// NewQuotaService creates a new QuotaService.
func NewQuotaService(
	lookup *ActiveLookup,
	subscriptions domain.Repository,
	outboxRepo outbox.Repository,
	catalog domain.Catalog,
	resetLoc *time.Location,
) *QuotaService {
	return &QuotaService{
		lookup:        lookup,
		subscriptions: subscriptions,
		outboxRepo:    outboxRepo,
		catalog:       catalog,
		resetLoc:      resetLoc,
	}
}

// CheckLimit reports whether the user may consume the metered feature right
// now. A reset instant in the past is applied (atomically, in the store)
// before the snapshot is taken. Users without a live subscription get the
// free-tier limits.
func (s *QuotaService) CheckLimit(ctx context.Context, userID uuid.UUID, feature domain.Feature) (domain.Usage, error) {
	if feature != domain.FeatureAIGeneration {
		return domain.Usage{}, ErrUnmeteredFeature
	}

	now := time.Now().UTC()

	sub, err := s.lookup.Find(ctx, userID)
	if err != nil {
		return domain.Usage{}, err
	}
	if sub == nil {
		return s.freeUsage(now), nil
	}

	if err := s.applyDueReset(ctx, sub, now); err != nil {
		return domain.Usage{}, err
	}

	return sub.GenerationUsage(s.catalog.LimitsOf(sub.Tier()), now, s.resetLoc), nil
}

// Increment commits one unit of usage. It is the atomic counterpart of a
// prior CheckLimit: a single conditional update that fails with
// ErrQuotaExceeded when the allowance no longer holds. The returned Usage
// always carries used/limit/reset so callers can explain a denial.
func (s *QuotaService) Increment(ctx context.Context, userID uuid.UUID, feature domain.Feature) (domain.Usage, error) {
	if feature != domain.FeatureAIGeneration {
		return domain.Usage{}, ErrUnmeteredFeature
	}

	now := time.Now().UTC()

	sub, err := s.lookup.Find(ctx, userID)
	if err != nil {
		return domain.Usage{}, err
	}
	if sub == nil {
		return s.freeUsage(now), domain.ErrQuotaExceeded
	}

	if err := s.applyDueReset(ctx, sub, now); err != nil {
		return domain.Usage{}, err
	}

	limits := s.catalog.LimitsOf(sub.Tier())
	newCount, err := s.subscriptions.IncrementUsage(ctx, sub.ID(), limits.AIGenerationsPerPeriod)
	if err != nil {
		if errors.Is(err, domain.ErrQuotaExceeded) {
			usage := s.deniedUsage(ctx, sub, limits, now)
			s.recordExhaustion(ctx, sub, feature, usage)
			return usage, domain.ErrQuotaExceeded
		}
		return domain.Usage{}, err
	}

	resetAt := sub.AIUsageResetAt()
	if !now.Before(resetAt) {
		resetAt = domain.NextUsageReset(now, s.resetLoc)
	}

	return domain.Usage{
		Allowed: true,
		Used:    newCount,
		Limit:   limits.AIGenerationsPerPeriod,
		ResetAt: resetAt,
	}, nil
}

// Report builds the usage endpoint's view: tier, status and the generation
// quota snapshot.
func (s *QuotaService) Report(ctx context.Context, userID uuid.UUID) (UsageReport, error) {
	now := time.Now().UTC()

	sub, err := s.lookup.Find(ctx, userID)
	if err != nil {
		return UsageReport{}, err
	}
	if sub == nil {
		free := s.catalog.FreeLimits()
		return UsageReport{
			Tier:                "",
			Status:              "",
			Generations:         s.freeUsage(now),
			ConcurrentDocuments: free.ConcurrentDocuments,
		}, nil
	}

	if err := s.applyDueReset(ctx, sub, now); err != nil {
		return UsageReport{}, err
	}

	limits := s.catalog.LimitsOf(sub.Tier())
	return UsageReport{
		Tier:                string(sub.Tier()),
		Status:              string(sub.Status()),
		Generations:         sub.GenerationUsage(limits, now, s.resetLoc),
		ConcurrentDocuments: limits.ConcurrentDocuments,
	}, nil
}

// applyDueReset zeroes the stored counter once the calendar rolled over. The
// update is conditional on the stored reset instant, so concurrent callers
// apply it at most once.
func (s *QuotaService) applyDueReset(ctx context.Context, sub *domain.Subscription, now time.Time) error {
	if now.Before(sub.AIUsageResetAt()) {
		return nil
	}
	_, err := s.subscriptions.ResetUsageIfDue(ctx, sub.ID(), now, domain.NextUsageReset(now, s.resetLoc))
	return err
}

func (s *QuotaService) freeUsage(now time.Time) domain.Usage {
	free := s.catalog.FreeLimits()
	return domain.Usage{
		Allowed: free.AllowsGeneration(0),
		Used:    0,
		Limit:   free.AIGenerationsPerPeriod,
		ResetAt: domain.NextUsageReset(now, s.resetLoc),
	}
}

// deniedUsage re-reads the row so the denial carries the current counter,
// falling back to limit/limit when the re-read fails.
func (s *QuotaService) deniedUsage(ctx context.Context, sub *domain.Subscription, limits domain.FeatureLimits, now time.Time) domain.Usage {
	usage := domain.Usage{
		Allowed: false,
		Used:    limits.AIGenerationsPerPeriod,
		Limit:   limits.AIGenerationsPerPeriod,
		ResetAt: sub.AIUsageResetAt(),
	}

	fresh, err := s.subscriptions.FindByID(ctx, sub.ID())
	if err == nil && fresh != nil {
		view := fresh.GenerationUsage(limits, now, s.resetLoc)
		usage.Used = view.Used
		usage.ResetAt = view.ResetAt
	}
	return usage
}

// recordExhaustion saves the quota-exhausted event best-effort; the denial
// result never depends on it.
func (s *QuotaService) recordExhaustion(ctx context.Context, sub *domain.Subscription, feature domain.Feature, usage domain.Usage) {
	event := domain.NewQuotaExhausted(sub.ID(), sub.UserID(), feature, usage)
	msg, err := outbox.NewMessage(event)
	if err != nil {
		return
	}
	_ = s.outboxRepo.Save(ctx, msg)
}
