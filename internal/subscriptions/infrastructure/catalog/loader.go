// Package catalog loads the plan catalog from YAML into its immutable
// domain form.
package catalog

import (
	_ "embed"
	"fmt"
	"sort"

	sharedDomain "github.com/letterahq/lettera/internal/shared/domain"
	"github.com/letterahq/lettera/internal/shared/infrastructure/security"
	"github.com/letterahq/lettera/internal/subscriptions/domain"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultCatalogYAML []byte

type catalogFile struct {
	Plans      []planEntry            `yaml:"plans"`
	Limits     map[string]limitsEntry `yaml:"limits"`
	TrialDays  map[string]int         `yaml:"trial_days"`
	FreeLimits limitsEntry            `yaml:"free_limits"`
}

type planEntry struct {
	Tier     string           `yaml:"tier"`
	Interval string           `yaml:"interval"`
	Prices   map[string]int64 `yaml:"prices"`
}

type limitsEntry struct {
	AIGenerationsPerPeriod int `yaml:"ai_generations_per_period"`
	ConcurrentDocuments    int `yaml:"concurrent_documents"`
}

// Load builds the plan catalog from the file at path, falling back to the
// embedded default when path is empty. The path is validated before reading.
func Load(path string) (domain.Catalog, error) {
	data := defaultCatalogYAML
	if path != "" {
		b, err := security.SafeReadFile(path)
		if err != nil {
			return domain.Catalog{}, fmt.Errorf("read plan catalog: %w", err)
		}
		data = b
	}
	return parse(data)
}

func parse(data []byte) (domain.Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return domain.Catalog{}, fmt.Errorf("parse plan catalog: %w", err)
	}

	var prices []domain.PlanPrice
	for _, p := range file.Plans {
		// Deterministic order so validation errors are stable.
		currencies := make([]string, 0, len(p.Prices))
		for currency := range p.Prices {
			currencies = append(currencies, currency)
		}
		sort.Strings(currencies)

		for _, currency := range currencies {
			money, err := sharedDomain.NewMoney(p.Prices[currency], currency)
			if err != nil {
				return domain.Catalog{}, fmt.Errorf("plan %s/%s %s: %w", p.Tier, p.Interval, currency, err)
			}
			prices = append(prices, domain.PlanPrice{
				Tier:     domain.Tier(p.Tier),
				Interval: domain.Interval(p.Interval),
				Price:    money,
			})
		}
	}

	limits := make(map[domain.Tier]domain.FeatureLimits, len(file.Limits))
	for tier, l := range file.Limits {
		limits[domain.Tier(tier)] = domain.FeatureLimits{
			AIGenerationsPerPeriod: l.AIGenerationsPerPeriod,
			ConcurrentDocuments:    l.ConcurrentDocuments,
		}
	}

	trialDays := make(map[domain.Tier]int, len(file.TrialDays))
	for tier, days := range file.TrialDays {
		trialDays[domain.Tier(tier)] = days
	}

	freeLimits := domain.FeatureLimits{
		AIGenerationsPerPeriod: file.FreeLimits.AIGenerationsPerPeriod,
		ConcurrentDocuments:    file.FreeLimits.ConcurrentDocuments,
	}

	catalog, err := domain.NewCatalog(prices, limits, trialDays, freeLimits)
	if err != nil {
		return domain.Catalog{}, fmt.Errorf("build plan catalog: %w", err)
	}
	return catalog, nil
}
