package creditledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReservationStatus_Transitions(t *testing.T) {
	tests := []struct {
		from ReservationStatus
		to   ReservationStatus
		want bool
	}{
		{StatusReserved, StatusCommitted, true},
		{StatusReserved, StatusReleased, true},
		{StatusReserved, StatusRefunded, false},
		{StatusCommitted, StatusRefunded, true},
		{StatusCommitted, StatusReleased, false},
		{StatusCommitted, StatusReserved, false},
		{StatusReleased, StatusCommitted, false},
		{StatusReleased, StatusRefunded, false},
		{StatusRefunded, StatusCommitted, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransition(tt.to))
		})
	}
}

func TestReservationStatus_Terminal(t *testing.T) {
	assert.False(t, StatusReserved.Terminal())
	assert.False(t, StatusCommitted.Terminal())
	assert.True(t, StatusReleased.Terminal())
	assert.True(t, StatusRefunded.Terminal())

	assert.True(t, StatusRefunded.Valid())
	assert.False(t, ReservationStatus("pending").Valid())
}

func TestReservation_Transition(t *testing.T) {
	r := Reservation{Status: StatusReserved}
	require.NoError(t, r.transition(StatusCommitted))
	assert.Equal(t, StatusCommitted, r.Status)

	assert.ErrorIs(t, r.transition(StatusReleased), ErrInvalidReservationState)
	assert.Equal(t, StatusCommitted, r.Status)
}

func TestAccount_SplitDrawsMonthlyFirst(t *testing.T) {
	a := Account{MonthlyQuota: 10, MonthlyUsed: 4, ReservedMonthly: 2, BonusTotal: 20}

	m, b := a.split(3)
	assert.Equal(t, int64(3), m)
	assert.Zero(t, b)

	m, b = a.split(9)
	assert.Equal(t, int64(4), m)
	assert.Equal(t, int64(5), b)

	// Quota already below usage after a downgrade.
	a = Account{MonthlyQuota: 1, MonthlyUsed: 3, BonusTotal: 5}
	m, b = a.split(2)
	assert.Zero(t, m)
	assert.Equal(t, int64(2), b)
}

func TestAccount_UnuseClamps(t *testing.T) {
	a := Account{MonthlyQuota: 10, MonthlyUsed: 2, BonusTotal: 5, BonusUsed: 5}

	assert.Equal(t, int64(2), a.unuse(PoolMonthly, 6))
	assert.Zero(t, a.MonthlyUsed)
	assert.Equal(t, int64(3), a.unuse(PoolBonus, 3))
	assert.Equal(t, int64(2), a.BonusUsed)
}

func TestAccount_Validate(t *testing.T) {
	tests := []struct {
		name    string
		account Account
		wantErr bool
	}{
		{"empty", Account{}, false},
		{"full monthly", Account{MonthlyQuota: 5, MonthlyUsed: 3, ReservedMonthly: 2}, false},
		{"monthly overdrawn", Account{MonthlyQuota: 5, MonthlyUsed: 4, ReservedMonthly: 2}, true},
		{"bonus overdrawn", Account{BonusTotal: 5, BonusUsed: 6}, true},
		{"negative reserved", Account{MonthlyQuota: 5, ReservedMonthly: -1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.account.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvariantViolation)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTierTable_Lookup(t *testing.T) {
	tiers := DefaultTiers()
	p, err := tiers.Lookup(TierCreator)
	require.NoError(t, err)
	assert.Equal(t, TierPlan{MonthlyQuota: 300, Bonus: 100, Paid: true}, p)

	_, err = tiers.Lookup("enterprise")
	assert.ErrorIs(t, err, ErrUnknownTier)
	assert.NoError(t, tiers.Validate())
}
