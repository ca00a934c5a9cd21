package creditledger

import "fmt"

// Tier is a subscription tier name.
type Tier string

const (
	TierFree         Tier = "free"
	TierStarter      Tier = "starter"
	TierCreator      Tier = "creator"
	TierProfessional Tier = "professional"
)

// TierPlan is the monthly allowance and one-time bonus for a tier.
type TierPlan struct {
	MonthlyQuota int64 `yaml:"monthly_quota" toml:"monthly_quota"`
	Bonus        int64 `yaml:"bonus" toml:"bonus"`
	Paid         bool  `yaml:"paid" toml:"paid"`
}

// TierTable maps tier names to plans.
type TierTable map[Tier]TierPlan

// DefaultTiers returns the built-in tier table.
func DefaultTiers() TierTable {
	return TierTable{
		TierFree:         {MonthlyQuota: 0, Bonus: 0},
		TierStarter:      {MonthlyQuota: 100, Bonus: 20, Paid: true},
		TierCreator:      {MonthlyQuota: 300, Bonus: 100, Paid: true},
		TierProfessional: {MonthlyQuota: 1000, Bonus: 0, Paid: true},
	}
}

// Lookup returns the plan for tier.
func (t TierTable) Lookup(tier Tier) (TierPlan, error) {
	p, ok := t[tier]
	if !ok {
		return TierPlan{}, fmt.Errorf("%w: %q", ErrUnknownTier, tier)
	}
	return p, nil
}

// Validate checks that no plan carries negative amounts and that unpaid
// tiers do not grant a bonus.
func (t TierTable) Validate() error {
	for name, p := range t {
		if name == "" {
			return fmt.Errorf("creditledger: tiers: empty tier name")
		}
		if p.MonthlyQuota < 0 || p.Bonus < 0 {
			return fmt.Errorf("creditledger: tiers: %s: negative amount", name)
		}
		if !p.Paid && p.Bonus > 0 {
			return fmt.Errorf("creditledger: tiers: %s: bonus requires a paid tier", name)
		}
	}
	return nil
}
