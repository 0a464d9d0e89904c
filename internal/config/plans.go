package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/alexjbarnes/mirrorsync/internal/models"
)

const (
	mib = 1 << 20
	gib = 1 << 30
)

// DefaultPlan is the tier used when an account has no plan record.
const DefaultPlan = "free"

// DefaultPlans returns the built-in plan tiers.
func DefaultPlans() map[string]models.PlanTier {
	return map[string]models.PlanTier{
		"free":  {Name: "free", DeviceLimit: 3, MonthlyBytes: 100 * mib, StorageBytes: 500 * mib},
		"trial": {Name: "trial", DeviceLimit: 5, MonthlyBytes: 1 * gib, StorageBytes: 5 * gib, TrialDays: 14},
		"pro":   {Name: "pro", DeviceLimit: 10, MonthlyBytes: 20 * gib, StorageBytes: 100 * gib},
	}
}

type plansFile struct {
	Plans []models.PlanTier `yaml:"plans"`
}

// LoadPlans returns the built-in tiers overlaid with the tiers in path.
// An empty path returns the defaults.
func LoadPlans(path string) (map[string]models.PlanTier, error) {
	plans := DefaultPlans()
	if path == "" {
		return plans, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plans file: %w", err)
	}

	var f plansFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing plans file: %w", err)
	}

	for i, p := range f.Plans {
		if p.Name == "" {
			return nil, fmt.Errorf("plan %d has no name", i+1)
		}

		if p.DeviceLimit < 0 || p.MonthlyBytes < 0 || p.StorageBytes < 0 {
			return nil, fmt.Errorf("plan %q has a negative limit", p.Name)
		}

		plans[p.Name] = p
	}

	return plans, nil
}
