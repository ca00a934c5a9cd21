package creditledger_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cl "github.com/ineyio/creditledger"
	"github.com/ineyio/creditledger/store/memory"
)

// flakyAudit fails every audit write.
type flakyAudit struct {
	*memory.Store
}

func (flakyAudit) AppendAudit(context.Context, cl.AuditRecord) error {
	return errors.New("audit table unavailable")
}

// conflictingStore reports a concurrent update conflict for the next
// failures units.
type conflictingStore struct {
	*memory.Store
	failures atomic.Int32
}

func (s *conflictingStore) Atomically(ctx context.Context, userID string, fn func(context.Context, cl.Tx) error) error {
	if s.failures.Add(-1) >= 0 {
		return cl.ErrConflict
	}
	return s.Store.Atomically(ctx, userID, fn)
}

// gatedAttempts blocks the first attempt lookup until release is closed.
type gatedAttempts struct {
	*memory.Store
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
}

func (g *gatedAttempts) Attempt(ctx context.Context, token string) (cl.GenerationAttempt, bool, error) {
	if g.calls.Add(1) == 1 {
		close(g.entered)
		<-g.release
	}
	return g.Store.Attempt(ctx, token)
}

func TestReconcile_RejectsTokenOfAnotherUser(t *testing.T) {
	m := &recordingMeter{}
	e, s := newTestEngine(t, cl.WithMeter(m))
	c := cl.NewCoordinator(e, s)
	ctx := context.Background()
	require.NoError(t, e.EnsureAccount(ctx, cl.Account{UserID: "owner", MonthlyQuota: 10}))
	require.NoError(t, e.EnsureAccount(ctx, cl.Account{UserID: "reporter", MonthlyQuota: 7}))

	require.NoError(t, c.Start(ctx, "owner", "req-1", 4))
	_, err := e.Reserve(ctx, "owner", "req-1", 4, nil)
	require.NoError(t, err)
	_, err = e.Commit(ctx, "owner", "req-1")
	require.NoError(t, err)
	require.NoError(t, c.Succeed(ctx, "req-1"))

	out, err := c.Reconcile(ctx, cl.ReconcileRequest{UserID: "reporter", RequestToken: "req-1", Reason: "blank image"})
	require.Error(t, err)
	assert.ErrorIs(t, err, cl.ErrTokenConflict)
	assert.False(t, out.OK)
	assert.False(t, out.BalanceChanged)

	// The owner's balance and attempt are untouched.
	a, _, err := e.Balance(ctx, "owner")
	require.NoError(t, err)
	assert.Equal(t, int64(4), a.MonthlyUsed)
	attempt, _, err := s.Attempt(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, cl.AttemptSucceeded, attempt.Status)
	assert.Empty(t, attempt.ErrorMessage)
	assert.Empty(t, s.Audits("req-1"))

	entries, err := e.History(ctx, "req-1")
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	require.Len(t, m.reconciles, 1)
	assert.ErrorIs(t, m.reconciles[0].Error, cl.ErrTokenConflict)
}

func TestReconcile_RejectsLedgerTokenOfAnotherUser(t *testing.T) {
	e, s := newTestEngine(t)
	c := cl.NewCoordinator(e, s)
	ctx := context.Background()
	require.NoError(t, e.EnsureAccount(ctx, cl.Account{UserID: "owner", MonthlyQuota: 10}))
	require.NoError(t, e.EnsureAccount(ctx, cl.Account{UserID: "reporter", MonthlyQuota: 7}))

	// Spent directly, no attempt recorded.
	_, err := e.Consume(ctx, "owner", 3, "req-1")
	require.NoError(t, err)

	_, err = c.Reconcile(ctx, cl.ReconcileRequest{UserID: "reporter", RequestToken: "req-1", Reason: "blank"})
	assert.ErrorIs(t, err, cl.ErrTokenConflict)

	_, ok, err := s.Attempt(ctx, "req-1")
	require.NoError(t, err)
	assert.False(t, ok)
	a, _, err := e.Balance(ctx, "owner")
	require.NoError(t, err)
	assert.Equal(t, int64(3), a.MonthlyUsed)
}

func TestReconcile_CallsForOtherUsersAreNotShared(t *testing.T) {
	s := memory.New()
	e, err := cl.NewEngine(s)
	require.NoError(t, err)
	gate := &gatedAttempts{Store: s, entered: make(chan struct{}), release: make(chan struct{})}
	c := cl.NewCoordinator(e, gate)
	ctx := context.Background()
	require.NoError(t, e.EnsureAccount(ctx, cl.Account{UserID: "owner", MonthlyQuota: 10}))
	require.NoError(t, e.EnsureAccount(ctx, cl.Account{UserID: "reporter", MonthlyQuota: 7}))
	require.NoError(t, c.Start(ctx, "owner", "req-1", 4))
	_, err = e.Consume(ctx, "owner", 4, "req-1")
	require.NoError(t, err)

	type outcome struct {
		out cl.ReconcileResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		out, err := c.Reconcile(ctx, cl.ReconcileRequest{UserID: "owner", RequestToken: "req-1", Reason: "crash"})
		done <- outcome{out, err}
	}()
	<-gate.entered

	// The owner's run is still in flight.
	_, err = c.Reconcile(ctx, cl.ReconcileRequest{UserID: "reporter", RequestToken: "req-1", Reason: "crash"})
	assert.ErrorIs(t, err, cl.ErrTokenConflict)

	close(gate.release)
	res := <-done
	require.NoError(t, res.err)
	assert.True(t, res.out.BalanceChanged)
	assert.Equal(t, int64(10), res.out.RemainingMonthly)
}

func TestReconcile_RetriesConflicts(t *testing.T) {
	s := &conflictingStore{Store: memory.New()}
	e, err := cl.NewEngine(s)
	require.NoError(t, err)
	c := cl.NewCoordinator(e, s.Store)
	ctx := context.Background()
	require.NoError(t, e.EnsureAccount(ctx, cl.Account{UserID: "u1", MonthlyQuota: 10}))
	require.NoError(t, c.Start(ctx, "u1", "req-1", 3))
	_, err = e.Consume(ctx, "u1", 3, "req-1")
	require.NoError(t, err)

	s.failures.Store(2)
	out, err := c.Reconcile(ctx, cl.ReconcileRequest{UserID: "u1", RequestToken: "req-1", Reason: "timeout"})
	require.NoError(t, err)
	assert.True(t, out.OK)
	assert.True(t, out.BalanceChanged)
	assert.Equal(t, cl.FallbackRetried, out.Fallback)
	assert.Equal(t, int64(10), out.RemainingMonthly)
}

func TestReconcile_PersistentConflictNeedsManualAudit(t *testing.T) {
	s := &conflictingStore{Store: memory.New()}
	e, err := cl.NewEngine(s)
	require.NoError(t, err)
	c := cl.NewCoordinator(e, s.Store)
	ctx := context.Background()
	require.NoError(t, e.EnsureAccount(ctx, cl.Account{UserID: "u1", MonthlyQuota: 10}))
	require.NoError(t, c.Start(ctx, "u1", "req-1", 3))
	_, err = e.Consume(ctx, "u1", 3, "req-1")
	require.NoError(t, err)

	s.failures.Store(100)
	out, err := c.Reconcile(ctx, cl.ReconcileRequest{UserID: "u1", RequestToken: "req-1", Reason: "timeout"})
	assert.ErrorIs(t, err, cl.ErrManualAuditRequired)
	assert.False(t, out.OK)
	assert.Equal(t, int32(97), s.failures.Load())

	audits := s.Audits("req-1")
	require.Len(t, audits, 1)
	assert.Equal(t, "manual_audit_required", audits[0].Outcome)
	attempt, _, err := s.Attempt(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, cl.AttemptFailed, attempt.Status)
}

func TestReconcile_UnchargedAttemptWithNothingToRefund(t *testing.T) {
	e, s := newTestEngine(t)
	c := cl.NewCoordinator(e, s)
	ctx := context.Background()
	require.NoError(t, e.EnsureAccount(ctx, cl.Account{UserID: "u1", MonthlyQuota: 10}))

	// Failed before any credits moved.
	require.NoError(t, c.Start(ctx, "u1", "req-1", 0))
	out, err := c.Reconcile(ctx, cl.ReconcileRequest{UserID: "u1", RequestToken: "req-1", Reason: "validation"})
	require.NoError(t, err)
	assert.True(t, out.OK)
	assert.False(t, out.BalanceChanged)
	assert.Equal(t, cl.ReasonNothingToRefund, out.Compensation.Reason)

	audits := s.Audits("req-1")
	require.Len(t, audits, 1)
	assert.Equal(t, "nothing_to_refund", audits[0].Outcome)
}

func TestReconcile_AuditFailureDoesNotFail(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	s := memory.New()
	e, err := cl.NewEngine(s, cl.WithLogger(logger))
	require.NoError(t, err)
	c := cl.NewCoordinator(e, flakyAudit{s})
	ctx := context.Background()
	require.NoError(t, e.EnsureAccount(ctx, cl.Account{UserID: "u1", MonthlyQuota: 10}))
	_, err = e.Consume(ctx, "u1", 3, "req-1")
	require.NoError(t, err)

	out, err := c.Reconcile(ctx, cl.ReconcileRequest{UserID: "u1", RequestToken: "req-1", Reason: "blank"})
	require.NoError(t, err)
	assert.True(t, out.BalanceChanged)
	assert.Equal(t, int64(10), out.RemainingMonthly)
	assert.Contains(t, buf.String(), "audit write failed")
}

func TestReconcile_RecordsAttemptMetadata(t *testing.T) {
	e, s := newTestEngine(t)
	c := cl.NewCoordinator(e, s, cl.WithCoordinatorLogger(slog.Default()))
	ctx := context.Background()
	require.NoError(t, e.EnsureAccount(ctx, cl.Account{UserID: "u1", MonthlyQuota: 10}))

	_, err := c.Reconcile(ctx, cl.ReconcileRequest{
		UserID:       "u1",
		RequestToken: "req-1",
		Reason:       "image is blank",
		ErrorStage:   "client_validation",
		Metadata:     cl.Metadata{"mean_luma": 0.01},
	})
	require.NoError(t, err)

	a, ok, err := s.Attempt(ctx, "req-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, cl.AttemptFailed, a.Status)
	assert.Equal(t, "u1", a.UserID)
	assert.Equal(t, "client_validation", a.ErrorStage)
	assert.Equal(t, 0.01, a.Metadata["mean_luma"])
}

func TestReconcile_RequiresToken(t *testing.T) {
	e, s := newTestEngine(t)
	_, err := cl.NewCoordinator(e, s).Reconcile(context.Background(), cl.ReconcileRequest{UserID: "u1"})
	assert.ErrorIs(t, err, cl.ErrInvalidRequest)
}

func TestSucceed(t *testing.T) {
	e, s := newTestEngine(t)
	c := cl.NewCoordinator(e, s)
	ctx := context.Background()

	assert.Error(t, c.Succeed(ctx, "req-unknown"))
	require.NoError(t, c.Start(ctx, "u1", "req-1", 2))
	require.NoError(t, c.Succeed(ctx, "req-1"))

	a, _, err := s.Attempt(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, cl.AttemptSucceeded, a.Status)
	assert.Equal(t, int64(2), a.CreditsAmount)
}
