// Package storetest is a conformance suite for creditledger.Store backends.
// Each backend's tests call Run with a constructor returning a fresh, empty store.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cl "github.com/ineyio/creditledger"
)

// Factory returns an empty store. Stores must implement cl.AccountProvisioner.
type Factory func(t *testing.T) cl.Store

// Run runs the suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s cl.Store)
	}{
		{"ReserveRelease_RestoresBalances", testReserveRelease},
		{"ReserveCommitForceRefund_NetZero", testReserveCommitForceRefund},
		{"Release_Idempotent", testReleaseIdempotent},
		{"ForceRefund_Idempotent", testForceRefundIdempotent},
		{"Consume_ConcurrentExactCapacity", testConcurrentConsume},
		{"Consume_Idempotent", testConsumeIdempotent},
		{"Reserve_Idempotent", testReserveIdempotent},
		{"Reserve_InsufficientCredits", testReserveInsufficient},
		{"Reserve_DrawsMonthlyFirst", testReserveDrawOrder},
		{"Commit_Errors", testCommitErrors},
		{"Token_BelongsToOneAccount", testTokenConflict},
		{"MissingAccount", testMissingAccount},
		{"Subscription_BonusOncePerTier", testSubscription},
		{"Subscription_InvoiceDedup", testSubscriptionInvoiceDedup},
		{"CreditPack_AppliedOnce", testCreditPack},
		{"Scenario_14_15_14_15", testScenario},
		{"Invariants_HoldUnderMixedLoad", testInvariants},
		{"SweepStuck", testSweepStuck},
		{"Reconcile_CommittedAttempt", testReconcile},
		{"Reconcile_ConcurrentCallsShareResult", testReconcileConcurrent},
		{"Reconcile_ManualAudit", testReconcileManualAudit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

func newEngine(t *testing.T, s cl.Store, opts ...cl.Option) *cl.Engine {
	t.Helper()
	e, err := cl.NewEngine(s, opts...)
	require.NoError(t, err)
	return e
}

func openAccount(t *testing.T, e *cl.Engine, userID string, monthly, bonus int64) {
	t.Helper()
	err := e.EnsureAccount(context.Background(), cl.Account{
		UserID:       userID,
		Tier:         cl.TierFree,
		MonthlyQuota: monthly,
		BonusTotal:   bonus,
	})
	require.NoError(t, err)
}

func account(t *testing.T, e *cl.Engine, userID string) cl.Account {
	t.Helper()
	a, _, err := e.Balance(context.Background(), userID)
	require.NoError(t, err)
	require.NoError(t, a.Validate())
	return a
}

// counters strips an account down to its balance fields.
func counters(a cl.Account) [6]int64 {
	return [6]int64{a.MonthlyQuota, a.MonthlyUsed, a.ReservedMonthly, a.BonusTotal, a.BonusUsed, a.ReservedBonus}
}

func testReserveRelease(t *testing.T, s cl.Store) {
	e := newEngine(t, s)
	ctx := context.Background()
	openAccount(t, e, "u1", 10, 5)
	before := account(t, e, "u1")

	_, err := e.Reserve(ctx, "u1", "req-1", 12, nil)
	require.NoError(t, err)
	held := account(t, e, "u1")
	assert.Equal(t, int64(10), held.ReservedMonthly)
	assert.Equal(t, int64(2), held.ReservedBonus)

	res, err := e.Release(ctx, "u1", "req-1", "cancelled")
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, counters(before), counters(account(t, e, "u1")))
}

func testReserveCommitForceRefund(t *testing.T, s cl.Store) {
	e := newEngine(t, s)
	ctx := context.Background()
	openAccount(t, e, "u1", 10, 5)
	before := account(t, e, "u1")

	_, err := e.Reserve(ctx, "u1", "req-1", 12, nil)
	require.NoError(t, err)
	_, err = e.Commit(ctx, "u1", "req-1")
	require.NoError(t, err)
	used := account(t, e, "u1")
	assert.Equal(t, int64(10), used.MonthlyUsed)
	assert.Equal(t, int64(2), used.BonusUsed)
	assert.Zero(t, used.ReservedMonthly+used.ReservedBonus)

	res, err := e.ForceRefund(ctx, "u1", "req-1", "pipeline_failed", nil)
	require.NoError(t, err)
	assert.True(t, res.Refunded)
	assert.Equal(t, counters(before), counters(account(t, e, "u1")))

	entries, err := e.History(ctx, "req-1")
	require.NoError(t, err)
	var refunds int64
	for _, en := range entries {
		if en.Type == cl.TxRefund {
			refunds += en.Amount
		}
	}
	assert.Equal(t, int64(12), refunds)
}

func testReleaseIdempotent(t *testing.T, s cl.Store) {
	e := newEngine(t, s)
	ctx := context.Background()
	openAccount(t, e, "u1", 10, 0)

	_, err := e.Reserve(ctx, "u1", "req-1", 3, nil)
	require.NoError(t, err)

	first, err := e.Release(ctx, "u1", "req-1", "timeout")
	require.NoError(t, err)
	assert.True(t, first.OK)
	assert.False(t, first.AlreadyReleased)
	after := account(t, e, "u1")

	second, err := e.Release(ctx, "u1", "req-1", "timeout")
	require.NoError(t, err)
	assert.True(t, second.OK)
	assert.True(t, second.AlreadyReleased)
	assert.Equal(t, counters(after), counters(account(t, e, "u1")))

	// Released reservations cannot be committed.
	_, err = e.Commit(ctx, "u1", "req-1")
	assert.ErrorIs(t, err, cl.ErrInvalidReservationState)
}

func testForceRefundIdempotent(t *testing.T, s cl.Store) {
	e := newEngine(t, s)
	ctx := context.Background()
	openAccount(t, e, "u1", 10, 5)

	t.Run("committed", func(t *testing.T) {
		_, err := e.Reserve(ctx, "u1", "req-c", 4, nil)
		require.NoError(t, err)
		_, err = e.Commit(ctx, "u1", "req-c")
		require.NoError(t, err)

		first, err := e.ForceRefund(ctx, "u1", "req-c", "failed", nil)
		require.NoError(t, err)
		assert.True(t, first.Refunded)
		after := account(t, e, "u1")

		second, err := e.ForceRefund(ctx, "u1", "req-c", "failed", nil)
		require.NoError(t, err)
		assert.True(t, second.OK)
		assert.Equal(t, cl.ReasonNothingToRefund, second.Reason)
		assert.True(t, second.AlreadyRefunded)
		assert.Equal(t, counters(after), counters(account(t, e, "u1")))

		// Refunded reservations cannot be committed again.
		_, err = e.Commit(ctx, "u1", "req-c")
		assert.ErrorIs(t, err, cl.ErrInvalidReservationState)
	})

	t.Run("reserved", func(t *testing.T) {
		_, err := e.Reserve(ctx, "u1", "req-r", 4, nil)
		require.NoError(t, err)

		first, err := e.ForceRefund(ctx, "u1", "req-r", "failed", nil)
		require.NoError(t, err)
		assert.True(t, first.Released)
		after := account(t, e, "u1")

		second, err := e.ForceRefund(ctx, "u1", "req-r", "failed", nil)
		require.NoError(t, err)
		assert.Equal(t, cl.ReasonNothingToRefund, second.Reason)
		assert.True(t, second.AlreadyReleased)
		assert.Equal(t, counters(after), counters(account(t, e, "u1")))
	})

	t.Run("consumed", func(t *testing.T) {
		_, err := e.Consume(ctx, "u1", 2, "req-d")
		require.NoError(t, err)
		before := account(t, e, "u1")

		first, err := e.ForceRefund(ctx, "u1", "req-d", "failed", nil)
		require.NoError(t, err)
		assert.True(t, first.Refunded)
		assert.Equal(t, before.MonthlyUsed-2, account(t, e, "u1").MonthlyUsed)

		second, err := e.ForceRefund(ctx, "u1", "req-d", "failed", nil)
		require.NoError(t, err)
		assert.Equal(t, cl.ReasonNothingToRefund, second.Reason)
	})

	t.Run("unknown token", func(t *testing.T) {
		res, err := e.ForceRefund(ctx, "u1", "req-never", "failed", nil)
		require.NoError(t, err)
		assert.True(t, res.OK)
		assert.Equal(t, cl.ReasonNothingToRefund, res.Reason)
		assert.False(t, res.AlreadyRefunded)
		assert.False(t, res.AlreadyReleased)
	})
}

func testConcurrentConsume(t *testing.T, s cl.Store) {
	e := newEngine(t, s)
	ctx := context.Background()
	openAccount(t, e, "u1", 5, 0)

	var wg sync.WaitGroup
	var okCount, insufficient atomic.Int64
	for i := range 6 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := e.Consume(ctx, "u1", 1, fmt.Sprintf("req-%d", i))
			switch {
			case err == nil:
				okCount.Add(1)
			case assert.ErrorIs(t, err, cl.ErrInsufficientCredits):
				insufficient.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(5), okCount.Load())
	assert.Equal(t, int64(1), insufficient.Load())
	assert.Equal(t, int64(5), account(t, e, "u1").MonthlyUsed)
}

func testConsumeIdempotent(t *testing.T, s cl.Store) {
	e := newEngine(t, s)
	ctx := context.Background()
	openAccount(t, e, "u1", 10, 0)

	_, err := e.Consume(ctx, "u1", 3, "req-1")
	require.NoError(t, err)
	res, err := e.Consume(ctx, "u1", 3, "req-1")
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, int64(7), res.RemainingMonthly)
	assert.Equal(t, int64(3), account(t, e, "u1").MonthlyUsed)

	// A consumed token cannot be reserved.
	_, err = e.Reserve(ctx, "u1", "req-1", 1, nil)
	assert.ErrorIs(t, err, cl.ErrInvalidReservationState)

	// Credits held by reservations are not available to consume.
	_, err = e.Reserve(ctx, "u1", "req-2", 6, nil)
	require.NoError(t, err)
	res, err = e.Consume(ctx, "u1", 2, "req-3")
	assert.ErrorIs(t, err, cl.ErrInsufficientCredits)
	assert.Equal(t, "insufficient_credits", res.Reason)
}

func testReserveIdempotent(t *testing.T, s cl.Store) {
	e := newEngine(t, s)
	ctx := context.Background()
	openAccount(t, e, "u1", 10, 0)

	first, err := e.Reserve(ctx, "u1", "req-1", 4, nil)
	require.NoError(t, err)
	second, err := e.Reserve(ctx, "u1", "req-1", 4, nil)
	require.NoError(t, err)
	assert.Equal(t, first.RemainingMonthly, second.RemainingMonthly)
	assert.Equal(t, int64(4), account(t, e, "u1").ReservedMonthly)

	_, err = e.Commit(ctx, "u1", "req-1")
	require.NoError(t, err)
	res, err := e.Commit(ctx, "u1", "req-1")
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, int64(4), account(t, e, "u1").MonthlyUsed)
}

func testReserveInsufficient(t *testing.T, s cl.Store) {
	e := newEngine(t, s)
	ctx := context.Background()
	openAccount(t, e, "u1", 3, 1)
	before := account(t, e, "u1")

	res, err := e.Reserve(ctx, "u1", "req-1", 5, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, cl.ErrInsufficientCredits)
	assert.True(t, cl.IsRejection(err))
	assert.False(t, res.OK)
	assert.Equal(t, "insufficient_credits", res.Reason)
	assert.Equal(t, counters(before), counters(account(t, e, "u1")))

	entries, err := e.History(ctx, "req-1")
	require.NoError(t, err)
	assert.Empty(t, entries)

	// The token was not burnt by the failed attempt.
	_, err = e.Reserve(ctx, "u1", "req-1", 4, nil)
	assert.NoError(t, err)

	_, err = e.Reserve(ctx, "u1", "req-2", 0, nil)
	assert.ErrorIs(t, err, cl.ErrInvalidAmount)
}

func testReserveDrawOrder(t *testing.T, s cl.Store) {
	e := newEngine(t, s)
	ctx := context.Background()
	openAccount(t, e, "u1", 10, 5)

	_, err := e.Reserve(ctx, "u1", "req-1", 12, cl.Metadata{"kind": "video"})
	require.NoError(t, err)

	entries, err := e.History(ctx, "req-1")
	require.NoError(t, err)
	byPool := map[cl.Pool]int64{}
	for _, en := range entries {
		assert.Equal(t, cl.TxReservation, en.Type)
		byPool[en.Pool] += en.Amount
	}
	assert.Equal(t, int64(-10), byPool[cl.PoolMonthly])
	assert.Equal(t, int64(-2), byPool[cl.PoolBonus])
}

func testCommitErrors(t *testing.T, s cl.Store) {
	e := newEngine(t, s)
	ctx := context.Background()
	openAccount(t, e, "u1", 10, 0)

	res, err := e.Commit(ctx, "u1", "req-missing")
	assert.ErrorIs(t, err, cl.ErrMissingReservation)
	assert.Equal(t, "missing_reservation", res.Reason)

	_, err = e.Release(ctx, "u1", "req-missing", "x")
	assert.ErrorIs(t, err, cl.ErrMissingReservation)

	var le *cl.LedgerError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, cl.OpRelease, le.Op)
	assert.Equal(t, "req-missing", le.RequestToken)
}

func testTokenConflict(t *testing.T, s cl.Store) {
	e := newEngine(t, s)
	ctx := context.Background()
	openAccount(t, e, "u1", 10, 0)
	openAccount(t, e, "u2", 10, 0)

	_, err := e.Reserve(ctx, "u1", "req-1", 2, nil)
	require.NoError(t, err)

	_, err = e.Reserve(ctx, "u2", "req-1", 2, nil)
	assert.ErrorIs(t, err, cl.ErrTokenConflict)
	_, err = e.Commit(ctx, "u2", "req-1")
	assert.ErrorIs(t, err, cl.ErrTokenConflict)
	_, err = e.ForceRefund(ctx, "u2", "req-1", "x", nil)
	assert.ErrorIs(t, err, cl.ErrTokenConflict)

	assert.Zero(t, account(t, e, "u2").ReservedMonthly)
	assert.Equal(t, int64(2), account(t, e, "u1").ReservedMonthly)
}

func testMissingAccount(t *testing.T, s cl.Store) {
	e := newEngine(t, s)
	res, err := e.Reserve(context.Background(), "ghost", "req-1", 1, nil)
	assert.ErrorIs(t, err, cl.ErrMissingCreditAccount)
	assert.Equal(t, "missing_credit_account", res.Reason)

	_, _, err = e.Balance(context.Background(), "ghost")
	assert.ErrorIs(t, err, cl.ErrMissingCreditAccount)
}

func testSubscription(t *testing.T, s cl.Store) {
	e := newEngine(t, s)
	ctx := context.Background()
	openAccount(t, e, "u1", 0, 0)

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ev := cl.SubscriptionEvent{
		UserID:     "u1",
		Tier:       cl.TierStarter,
		CycleStart: start,
		CycleEnd:   start.AddDate(0, 1, 0),
		EventID:    "evt_1",
	}
	res, err := e.ApplySubscriptionState(ctx, ev)
	require.NoError(t, err)
	assert.False(t, res.AlreadyApplied)
	a := account(t, e, "u1")
	assert.Equal(t, cl.TierStarter, a.Tier)
	assert.Equal(t, int64(100), a.MonthlyQuota)
	assert.Equal(t, int64(20), a.BonusTotal)
	assert.True(t, a.BonusGranted)

	_, err = e.Consume(ctx, "u1", 30, "req-1")
	require.NoError(t, err)

	// Replay changes nothing.
	res, err = e.ApplySubscriptionState(ctx, ev)
	require.NoError(t, err)
	assert.True(t, res.AlreadyApplied)
	assert.Equal(t, int64(30), account(t, e, "u1").MonthlyUsed)

	// Renewal resets usage but grants no second bonus.
	ev.EventID = "evt_2"
	ev.CycleStart, ev.CycleEnd = ev.CycleEnd, ev.CycleEnd.AddDate(0, 1, 0)
	_, err = e.ApplySubscriptionState(ctx, ev)
	require.NoError(t, err)
	a = account(t, e, "u1")
	assert.Zero(t, a.MonthlyUsed)
	assert.Equal(t, int64(20), a.BonusTotal)

	// Upgrading to a new paid tier grants that tier's bonus.
	ev.EventID = "evt_3"
	ev.Tier = cl.TierCreator
	_, err = e.ApplySubscriptionState(ctx, ev)
	require.NoError(t, err)
	a = account(t, e, "u1")
	assert.Equal(t, int64(300), a.MonthlyQuota)
	assert.Equal(t, int64(120), a.BonusTotal)

	_, err = e.ApplySubscriptionState(ctx, cl.SubscriptionEvent{UserID: "u1", Tier: "platinum", EventID: "evt_4"})
	assert.ErrorIs(t, err, cl.ErrUnknownTier)
}

func testSubscriptionInvoiceDedup(t *testing.T, s cl.Store) {
	e := newEngine(t, s)
	ctx := context.Background()
	openAccount(t, e, "u1", 0, 0)

	ev := cl.SubscriptionEvent{UserID: "u1", Tier: cl.TierProfessional, InvoiceID: "in_1", SubscriptionID: "sub_1"}
	_, err := e.ApplySubscriptionState(ctx, ev)
	require.NoError(t, err)
	_, err = e.Consume(ctx, "u1", 10, "req-1")
	require.NoError(t, err)

	ev.EventID = "evt_redelivered"
	res, err := e.ApplySubscriptionState(ctx, ev)
	require.NoError(t, err)
	assert.True(t, res.AlreadyApplied)
	assert.Equal(t, int64(10), account(t, e, "u1").MonthlyUsed)
	assert.Zero(t, account(t, e, "u1").BonusTotal)
}

func testCreditPack(t *testing.T, s cl.Store) {
	e := newEngine(t, s)
	ctx := context.Background()
	openAccount(t, e, "u1", 0, 0)

	p := cl.CreditPackPurchase{
		UserID:            "u1",
		Credits:           50,
		EventID:           "evt_1",
		CheckoutSessionID: "cs_1",
		PaymentIntentID:   "pi_1",
	}
	res, err := e.ApplyCreditPackPurchase(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, int64(50), res.RemainingBonus)

	p.EventID = "evt_2"
	res, err = e.ApplyCreditPackPurchase(ctx, p)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.True(t, res.AlreadyApplied)
	assert.Equal(t, int64(50), account(t, e, "u1").BonusTotal)

	p.Credits = 0
	p.CheckoutSessionID = "cs_2"
	_, err = e.ApplyCreditPackPurchase(ctx, p)
	assert.ErrorIs(t, err, cl.ErrInvalidAmount)
}

func testScenario(t *testing.T, s cl.Store) {
	e := newEngine(t, s)
	ctx := context.Background()
	openAccount(t, e, "u1", 10, 5)

	res, err := e.Reserve(ctx, "u1", "req-1", 1, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(14), res.Available())

	res, err = e.Release(ctx, "u1", "req-1", "cancelled")
	require.NoError(t, err)
	assert.Equal(t, int64(15), res.Available())

	_, err = e.Reserve(ctx, "u1", "req-2", 1, nil)
	require.NoError(t, err)
	res, err = e.Commit(ctx, "u1", "req-2")
	require.NoError(t, err)
	assert.Equal(t, int64(14), res.Available())
	a := account(t, e, "u1")
	assert.Equal(t, int64(1), a.MonthlyUsed)
	assert.Zero(t, a.ReservedMonthly)

	res, err = e.ForceRefund(ctx, "u1", "req-2", "bad_result", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(15), res.Available())
}

func testInvariants(t *testing.T, s cl.Store) {
	e := newEngine(t, s)
	ctx := context.Background()
	openAccount(t, e, "u1", 20, 10)

	var wg sync.WaitGroup
	for i := range 12 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			token := fmt.Sprintf("req-%d", i)
			switch i % 4 {
			case 0:
				_, _ = e.Consume(ctx, "u1", 3, token)
			case 1:
				if _, err := e.Reserve(ctx, "u1", token, 4, nil); err == nil {
					_, _ = e.Release(ctx, "u1", token, "done")
				}
			case 2:
				if _, err := e.Reserve(ctx, "u1", token, 5, nil); err == nil {
					_, _ = e.Commit(ctx, "u1", token)
					_, _ = e.ForceRefund(ctx, "u1", token, "failed", nil)
				}
			case 3:
				_, _ = e.ApplyCreditPackPurchase(ctx, cl.CreditPackPurchase{
					UserID: "u1", Credits: 2, CheckoutSessionID: token,
				})
			}
		}(i)
	}
	wg.Wait()

	// account validates the invariants.
	a := account(t, e, "u1")
	assert.Zero(t, a.ReservedMonthly+a.ReservedBonus)
}

func testSweepStuck(t *testing.T, s cl.Store) {
	if _, ok := s.(cl.ReservationLister); !ok {
		t.Skip("store cannot list reservations")
	}
	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)
	old := newEngine(t, s, cl.WithClock(func() time.Time { return past }))
	e := newEngine(t, s)
	openAccount(t, e, "u1", 10, 0)

	_, err := old.Reserve(ctx, "u1", "req-old", 4, nil)
	require.NoError(t, err)
	_, err = e.Reserve(ctx, "u1", "req-new", 3, nil)
	require.NoError(t, err)

	rep, err := e.SweepStuck(ctx, 15*time.Minute, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Scanned)
	assert.Equal(t, 1, rep.Released)
	assert.Zero(t, rep.Failed)
	assert.Equal(t, int64(3), account(t, e, "u1").ReservedMonthly)

	rep, err = e.SweepStuck(ctx, 15*time.Minute, 10)
	require.NoError(t, err)
	assert.Zero(t, rep.Scanned)
}

func attempts(t *testing.T, s cl.Store) cl.AttemptStore {
	t.Helper()
	a, ok := s.(cl.AttemptStore)
	if !ok {
		t.Skip("store does not record attempts")
	}
	return a
}

func testReconcile(t *testing.T, s cl.Store) {
	as := attempts(t, s)
	e := newEngine(t, s)
	c := cl.NewCoordinator(e, as)
	ctx := context.Background()
	openAccount(t, e, "u1", 10, 5)

	require.NoError(t, c.Start(ctx, "u1", "req-1", 12))
	_, err := e.Reserve(ctx, "u1", "req-1", 12, nil)
	require.NoError(t, err)
	_, err = e.Commit(ctx, "u1", "req-1")
	require.NoError(t, err)

	md := cl.Metadata{"mean_luma": 0.0}
	out, err := c.Reconcile(ctx, cl.ReconcileRequest{
		UserID: "u1", RequestToken: "req-1", Reason: "blank image", ErrorStage: "client", Metadata: md,
	})
	require.NoError(t, err)
	assert.True(t, out.OK)
	assert.True(t, out.BalanceChanged)
	assert.Equal(t, int64(10), out.RemainingMonthly)
	assert.Equal(t, int64(5), out.RemainingBonus)

	a, ok, err := as.Attempt(ctx, "req-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, cl.AttemptFailed, a.Status)
	assert.Equal(t, "client", a.ErrorStage)
	assert.Equal(t, "blank image", a.ErrorMessage)

	// A repeat report changes nothing and is not an error.
	out, err = c.Reconcile(ctx, cl.ReconcileRequest{UserID: "u1", RequestToken: "req-1", Reason: "blank image"})
	require.NoError(t, err)
	assert.True(t, out.OK)
	assert.False(t, out.BalanceChanged)
	assert.Equal(t, cl.FallbackAlreadyCompensated, out.Fallback)
}

func testReconcileConcurrent(t *testing.T, s cl.Store) {
	as := attempts(t, s)
	e := newEngine(t, s)
	c := cl.NewCoordinator(e, as)
	ctx := context.Background()
	openAccount(t, e, "u1", 10, 0)
	before := account(t, e, "u1")

	require.NoError(t, c.Start(ctx, "u1", "req-1", 6))
	_, err := e.Reserve(ctx, "u1", "req-1", 6, nil)
	require.NoError(t, err)

	const callers = 5
	var wg sync.WaitGroup
	results := make([]cl.ReconcileResult, callers)
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = c.Reconcile(ctx, cl.ReconcileRequest{UserID: "u1", RequestToken: "req-1", Reason: "timeout"})
		}()
	}
	wg.Wait()

	changed := 0
	for i := range callers {
		require.NoError(t, errs[i])
		assert.True(t, results[i].OK)
		assert.Equal(t, int64(10), results[i].RemainingMonthly)
		assert.Zero(t, results[i].RemainingBonus)
		if results[i].BalanceChanged {
			changed++
		}
	}
	assert.GreaterOrEqual(t, changed, 1)

	entries, err := e.History(ctx, "req-1")
	require.NoError(t, err)
	var compensations []cl.LedgerEntry
	for _, en := range entries {
		if en.Type == cl.TxRelease || en.Type == cl.TxRefund {
			compensations = append(compensations, en)
		}
	}
	require.Len(t, compensations, 1)
	assert.Equal(t, cl.TxRelease, compensations[0].Type)
	assert.Equal(t, int64(6), compensations[0].Amount)

	after := account(t, e, "u1")
	assert.Equal(t, before.MonthlyQuota, after.MonthlyQuota)
	assert.Equal(t, before.MonthlyUsed, after.MonthlyUsed)
	assert.Equal(t, before.ReservedMonthly, after.ReservedMonthly)
	assert.Equal(t, before.Available(), after.Available())
}

func testReconcileManualAudit(t *testing.T, s cl.Store) {
	as := attempts(t, s)
	e := newEngine(t, s)
	c := cl.NewCoordinator(e, as)
	ctx := context.Background()
	openAccount(t, e, "u1", 10, 0)

	// The attempt claims a charge the ledger never recorded.
	require.NoError(t, c.Start(ctx, "u1", "req-1", 5))

	out, err := c.Reconcile(ctx, cl.ReconcileRequest{UserID: "u1", RequestToken: "req-1", Reason: "crash"})
	assert.ErrorIs(t, err, cl.ErrManualAuditRequired)
	assert.False(t, out.OK)
	assert.Equal(t, cl.ReasonNothingToRefund, out.Compensation.Reason)
}
