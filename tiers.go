package admission_control

import (
	"fmt"
	"sort"
)

// Plan names shipped with DefaultTiers.
const (
	PlanFree       = "free"
	PlanBasic      = "basic"
	PlanPremium    = "premium"
	PlanEnterprise = "enterprise"
)

// Tier is the immutable quota of a plan.
type Tier struct {
	Name              string `yaml:"-"`
	RequestsPerMinute int64  `yaml:"requestsPerMinute"`
	BurstCapacity     int64  `yaml:"burstCapacity"`
}

// RefillRate is the steady-state rate in tokens per second.
func (t Tier) RefillRate() float64 {
	return float64(t.RequestsPerMinute) / 60.0
}

// Validate checks that the tier can admit at least one request.
func (t Tier) Validate() error {
	if t.RequestsPerMinute <= 0 {
		return fmt.Errorf("tier %q: requestsPerMinute must be > 0", t.Name)
	}
	if t.BurstCapacity <= 0 {
		return fmt.Errorf("tier %q: burstCapacity must be > 0", t.Name)
	}
	return nil
}

// TierTable maps plan names to tiers.
type TierTable map[string]Tier

// DefaultTiers returns the stock plan table.
func DefaultTiers() TierTable {
	return TierTable{
		PlanFree:       {Name: PlanFree, RequestsPerMinute: 60, BurstCapacity: 100},
		PlanBasic:      {Name: PlanBasic, RequestsPerMinute: 300, BurstCapacity: 500},
		PlanPremium:    {Name: PlanPremium, RequestsPerMinute: 1200, BurstCapacity: 2000},
		PlanEnterprise: {Name: PlanEnterprise, RequestsPerMinute: 6000, BurstCapacity: 10000},
	}
}

// Lookup returns the tier for plan.
func (t TierTable) Lookup(plan string) (Tier, bool) {
	tier, ok := t[plan]
	if ok && tier.Name == "" {
		tier.Name = plan
	}
	return tier, ok
}

// Validate checks every tier in the table.
func (t TierTable) Validate() error {
	if len(t) == 0 {
		return fmt.Errorf("tier table is empty")
	}
	for _, plan := range t.Plans() {
		tier, _ := t.Lookup(plan)
		if err := tier.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Plans returns the plan names in a stable order.
func (t TierTable) Plans() []string {
	plans := make([]string, 0, len(t))
	for plan := range t {
		plans = append(plans, plan)
	}
	sort.Strings(plans)
	return plans
}
