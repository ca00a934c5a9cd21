package creditledger_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cl "github.com/ineyio/creditledger"
	"github.com/ineyio/creditledger/store/memory"
)

type recordingMeter struct {
	mu         sync.Mutex
	ops        []cl.OperationEvent
	reconciles []cl.ReconcileEvent
}

func (m *recordingMeter) OnOperation(e cl.OperationEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, e)
}

func (m *recordingMeter) OnReconcile(e cl.ReconcileEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconciles = append(m.reconciles, e)
}

func newTestEngine(t *testing.T, opts ...cl.Option) (*cl.Engine, *memory.Store) {
	t.Helper()
	s := memory.New()
	e, err := cl.NewEngine(s, opts...)
	require.NoError(t, err)
	return e, s
}

func TestNewEngine_RequiresStore(t *testing.T) {
	_, err := cl.NewEngine(nil)
	assert.Error(t, err)
}

func TestNewEngine_RejectsInvalidTiers(t *testing.T) {
	_, err := cl.NewEngine(memory.New(), cl.WithTiers(cl.TierTable{"free": {Bonus: 5}}))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "bonus requires a paid tier")
}

func TestEngine_CustomTiers(t *testing.T) {
	tiers := cl.DefaultTiers()
	tiers["studio"] = cl.TierPlan{MonthlyQuota: 5000, Bonus: 500, Paid: true}
	e, _ := newTestEngine(t, cl.WithTiers(tiers))
	ctx := context.Background()
	require.NoError(t, e.EnsureAccount(ctx, cl.Account{UserID: "u1"}))

	res, err := e.ApplySubscriptionState(ctx, cl.SubscriptionEvent{UserID: "u1", Tier: "studio", EventID: "evt_1"})
	require.NoError(t, err)
	assert.Equal(t, int64(5000), res.RemainingMonthly)
	assert.Equal(t, int64(500), res.RemainingBonus)
}

// Store that only implements the required interface.
type bareStore struct{ cl.Store }

func TestEngine_OptionalCapabilities(t *testing.T) {
	e, err := cl.NewEngine(bareStore{memory.New()})
	require.NoError(t, err)

	err = e.EnsureAccount(context.Background(), cl.Account{UserID: "u1"})
	assert.ErrorIs(t, err, cl.ErrNotSupported)
	_, err = e.SweepStuck(context.Background(), time.Minute, 10)
	assert.ErrorIs(t, err, cl.ErrNotSupported)
}

func TestEnsureAccount_Validates(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	assert.ErrorIs(t, e.EnsureAccount(ctx, cl.Account{}), cl.ErrInvalidRequest)
	err := e.EnsureAccount(ctx, cl.Account{UserID: "u1", MonthlyQuota: 1, MonthlyUsed: 2})
	assert.ErrorIs(t, err, cl.ErrInvariantViolation)

	require.NoError(t, e.EnsureAccount(ctx, cl.Account{UserID: "u1", MonthlyQuota: 10}))
	require.NoError(t, e.EnsureAccount(ctx, cl.Account{UserID: "u1", MonthlyQuota: 50}))
	a, _, err := e.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), a.MonthlyQuota)
	assert.Equal(t, cl.TierFree, a.Tier)
}

func TestOperations_RequireTokenAndUser(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Reserve(ctx, "u1", "", 1, nil)
	assert.ErrorIs(t, err, cl.ErrInvalidRequest)
	_, err = e.Consume(ctx, "", 1, "req-1")
	assert.ErrorIs(t, err, cl.ErrInvalidRequest)
	_, err = e.ForceRefund(ctx, "u1", "", "x", nil)
	assert.ErrorIs(t, err, cl.ErrInvalidRequest)
}

func TestMeter_ReceivesEveryOperation(t *testing.T) {
	m := &recordingMeter{}
	e, _ := newTestEngine(t, cl.WithMeter(m))
	ctx := context.Background()
	require.NoError(t, e.EnsureAccount(ctx, cl.Account{UserID: "u1", MonthlyQuota: 3}))

	_, err := e.Reserve(ctx, "u1", "req-1", 2, nil)
	require.NoError(t, err)
	_, err = e.Consume(ctx, "u1", 5, "req-2")
	require.Error(t, err)

	require.Len(t, m.ops, 2)
	assert.Equal(t, cl.OpReserve, m.ops[0].Op)
	assert.Equal(t, int64(2), m.ops[0].Amount)
	assert.True(t, m.ops[0].Result.OK)
	assert.NoError(t, m.ops[0].Error)

	assert.Equal(t, cl.OpConsume, m.ops[1].Op)
	assert.Equal(t, "insufficient_credits", m.ops[1].Result.Reason)
	assert.ErrorIs(t, m.ops[1].Error, cl.ErrInsufficientCredits)
}

func TestForceRefund_ClampsAfterCycleReset(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.EnsureAccount(ctx, cl.Account{UserID: "u1"}))
	_, err := e.ApplySubscriptionState(ctx, cl.SubscriptionEvent{UserID: "u1", Tier: cl.TierStarter, EventID: "evt_1"})
	require.NoError(t, err)

	_, err = e.Consume(ctx, "u1", 40, "req-1")
	require.NoError(t, err)
	// Renewal zeroes monthly usage before the refund arrives.
	_, err = e.ApplySubscriptionState(ctx, cl.SubscriptionEvent{UserID: "u1", Tier: cl.TierStarter, EventID: "evt_2"})
	require.NoError(t, err)

	res, err := e.ForceRefund(ctx, "u1", "req-1", "late failure", nil)
	require.NoError(t, err)
	assert.True(t, res.Refunded)
	assert.Equal(t, int64(100), res.RemainingMonthly)

	entries, err := e.History(ctx, "req-1")
	require.NoError(t, err)
	var refund *cl.LedgerEntry
	for i := range entries {
		if entries[i].Type == cl.TxRefund {
			refund = &entries[i]
		}
	}
	require.NotNil(t, refund)
	assert.Equal(t, int64(40), refund.Amount)
	assert.Equal(t, true, refund.Metadata["clamped"])
	assert.EqualValues(t, 0, refund.Metadata["returned_to_balance"])

	// Still only refunded once.
	res, err = e.ForceRefund(ctx, "u1", "req-1", "late failure", nil)
	require.NoError(t, err)
	assert.Equal(t, cl.ReasonNothingToRefund, res.Reason)
}

func TestForceRefund_PoolsHandledIndependently(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// Monthly portion already turned into usage, bonus portion still held.
	require.NoError(t, s.EnsureAccount(ctx, cl.Account{
		UserID: "u1", MonthlyQuota: 10, MonthlyUsed: 3, BonusTotal: 5, ReservedBonus: 2,
	}))
	err := s.Atomically(ctx, "u1", func(ctx context.Context, tx cl.Tx) error {
		if err := tx.SaveReservation(ctx, cl.Reservation{
			RequestToken: "req-1", UserID: "u1", MonthlyAmount: 3, BonusAmount: 2,
			Status: cl.StatusReserved, CreatedAt: now, UpdatedAt: now,
		}); err != nil {
			return err
		}
		for _, en := range []cl.LedgerEntry{
			{ID: "e1", Type: cl.TxReservation, Pool: cl.PoolMonthly, Amount: -3},
			{ID: "e2", Type: cl.TxReservation, Pool: cl.PoolBonus, Amount: -2},
			{ID: "e3", Type: cl.TxUsage, Pool: cl.PoolMonthly, Amount: -3},
		} {
			en.UserID, en.RequestToken, en.CreatedAt = "u1", "req-1", now
			if err := tx.AppendEntry(ctx, en); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	res, err := e.ForceRefund(ctx, "u1", "req-1", "partial failure", nil)
	require.NoError(t, err)
	assert.True(t, res.Refunded)
	assert.True(t, res.Released)

	a, _, err := e.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, a.MonthlyUsed)
	assert.Zero(t, a.ReservedBonus)
	assert.Equal(t, int64(15), a.Available())

	res, err = e.ForceRefund(ctx, "u1", "req-1", "partial failure", nil)
	require.NoError(t, err)
	assert.Equal(t, cl.ReasonNothingToRefund, res.Reason)
	assert.True(t, res.AlreadyRefunded)
	assert.True(t, res.AlreadyReleased)
}

func TestSubscription_QuotaCoversHeldCredits(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.EnsureAccount(ctx, cl.Account{UserID: "u1"}))
	_, err := e.ApplySubscriptionState(ctx, cl.SubscriptionEvent{UserID: "u1", Tier: cl.TierCreator, EventID: "evt_1"})
	require.NoError(t, err)
	_, err = e.Reserve(ctx, "u1", "req-1", 250, nil)
	require.NoError(t, err)

	// Downgrade while a reservation is in flight.
	_, err = e.ApplySubscriptionState(ctx, cl.SubscriptionEvent{UserID: "u1", Tier: cl.TierStarter, EventID: "evt_2"})
	require.NoError(t, err)
	a, _, err := e.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(250), a.MonthlyQuota)

	_, err = e.Commit(ctx, "u1", "req-1")
	require.NoError(t, err)
}

func TestSubscription_RequiresDedupKey(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.EnsureAccount(ctx, cl.Account{UserID: "u1"}))

	_, err := e.ApplySubscriptionState(ctx, cl.SubscriptionEvent{UserID: "u1", Tier: cl.TierStarter})
	assert.ErrorIs(t, err, cl.ErrInvalidRequest)
	_, err = e.ApplySubscriptionState(ctx, cl.SubscriptionEvent{UserID: "u1", Tier: cl.TierStarter, InvoiceID: "in_1"})
	assert.ErrorIs(t, err, cl.ErrInvalidRequest)
}

func TestFreeTier_NeverGrantsBonus(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.EnsureAccount(ctx, cl.Account{UserID: "u1"}))

	_, err := e.ApplySubscriptionState(ctx, cl.SubscriptionEvent{UserID: "u1", Tier: cl.TierFree, EventID: "evt_1"})
	require.NoError(t, err)
	a, _, err := e.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, a.BonusTotal)
	assert.False(t, a.BonusGranted)
}
