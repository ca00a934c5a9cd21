package creditledger

import (
	"fmt"
	"time"
)

// Account holds one user's credit balances.
type Account struct {
	UserID          string    `json:"user_id"`
	Tier            Tier      `json:"tier"`
	MonthlyQuota    int64     `json:"monthly_quota"`
	MonthlyUsed     int64     `json:"monthly_used"`
	ReservedMonthly int64     `json:"reserved_monthly"`
	BonusTotal      int64     `json:"bonus_total"`
	BonusUsed       int64     `json:"bonus_used"`
	ReservedBonus   int64     `json:"reserved_bonus"`
	BonusGranted    bool      `json:"bonus_granted"`
	CycleStart      time.Time `json:"cycle_start,omitempty"`
	CycleEnd        time.Time `json:"cycle_end,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// AvailableMonthly returns monthly credits not yet used or held.
func (a Account) AvailableMonthly() int64 {
	return a.MonthlyQuota - a.MonthlyUsed - a.ReservedMonthly
}

// AvailableBonus returns bonus credits not yet used or held.
func (a Account) AvailableBonus() int64 {
	return a.BonusTotal - a.BonusUsed - a.ReservedBonus
}

// Available returns the total spendable credits across both pools.
func (a Account) Available() int64 {
	return a.AvailableMonthly() + a.AvailableBonus()
}

// Validate checks the balance invariants:
//
//	0 <= MonthlyUsed + ReservedMonthly <= MonthlyQuota
//	0 <= BonusUsed + ReservedBonus <= BonusTotal
func (a Account) Validate() error {
	if a.MonthlyUsed < 0 || a.ReservedMonthly < 0 || a.BonusUsed < 0 || a.ReservedBonus < 0 {
		return fmt.Errorf("%w: negative counter for %s", ErrInvariantViolation, a.UserID)
	}
	if a.MonthlyUsed+a.ReservedMonthly > a.MonthlyQuota {
		return fmt.Errorf("%w: monthly used=%d reserved=%d quota=%d",
			ErrInvariantViolation, a.MonthlyUsed, a.ReservedMonthly, a.MonthlyQuota)
	}
	if a.BonusUsed+a.ReservedBonus > a.BonusTotal {
		return fmt.Errorf("%w: bonus used=%d reserved=%d total=%d",
			ErrInvariantViolation, a.BonusUsed, a.ReservedBonus, a.BonusTotal)
	}
	return nil
}

// split divides amount across the pools, monthly first.
// The caller must have checked Available() >= amount.
func (a Account) split(amount int64) (monthly, bonus int64) {
	monthly = min(amount, max(a.AvailableMonthly(), 0))
	return monthly, amount - monthly
}

// hold moves amount from available to reserved in pool p.
func (a *Account) hold(p Pool, amount int64) {
	if p == PoolMonthly {
		a.ReservedMonthly += amount
	} else {
		a.ReservedBonus += amount
	}
}

// unhold returns a reserved amount to availability in pool p.
func (a *Account) unhold(p Pool, amount int64) {
	if p == PoolMonthly {
		a.ReservedMonthly -= amount
	} else {
		a.ReservedBonus -= amount
	}
}

// use adds amount to the used counter of pool p.
func (a *Account) use(p Pool, amount int64) {
	if p == PoolMonthly {
		a.MonthlyUsed += amount
	} else {
		a.BonusUsed += amount
	}
}

// unuse decrements the used counter of pool p by at most its current value
// and reports how much was actually returned.
func (a *Account) unuse(p Pool, amount int64) int64 {
	used := &a.BonusUsed
	if p == PoolMonthly {
		used = &a.MonthlyUsed
	}
	n := min(amount, *used)
	*used -= n
	return n
}

func (a Account) fill(r *Result) {
	r.RemainingMonthly = a.AvailableMonthly()
	r.RemainingBonus = a.AvailableBonus()
}
