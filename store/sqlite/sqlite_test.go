package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cl "github.com/ineyio/creditledger"
	"github.com/ineyio/creditledger/store/sqlite"
	"github.com/ineyio/creditledger/store/storetest"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) cl.Store { return newTestStore(t) })
}

func TestMigrateIsRepeatable(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))
}

func TestMetadataRoundTrip(t *testing.T) {
	s := newTestStore(t)
	e, err := cl.NewEngine(s)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, e.EnsureAccount(ctx, cl.Account{UserID: "u1", MonthlyQuota: 10}))

	_, err = e.Reserve(ctx, "u1", "req-1", 2, cl.Metadata{"model": "flux", "steps": 30})
	require.NoError(t, err)

	entries, err := e.History(ctx, "req-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "flux", entries[0].Metadata["model"])
	// JSON numbers decode as float64.
	assert.Equal(t, float64(30), entries[0].Metadata["steps"])
}

func TestAuditOutcomes(t *testing.T) {
	s := newTestStore(t)
	e, err := cl.NewEngine(s)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, e.EnsureAccount(ctx, cl.Account{UserID: "u1", MonthlyQuota: 10}))

	c := cl.NewCoordinator(e, s)
	require.NoError(t, c.Start(ctx, "u1", "req-1", 3))
	_, err = e.Consume(ctx, "u1", 3, "req-1")
	require.NoError(t, err)

	_, err = c.Reconcile(ctx, cl.ReconcileRequest{UserID: "u1", RequestToken: "req-1", Reason: "blank"})
	require.NoError(t, err)
	_, err = c.Reconcile(ctx, cl.ReconcileRequest{UserID: "u1", RequestToken: "req-1", Reason: "blank"})
	require.NoError(t, err)

	outcomes, err := s.AuditOutcomes(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"refunded", "nothing_to_refund"}, outcomes)
}
