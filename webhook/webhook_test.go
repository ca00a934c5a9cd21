package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/ineyio/creditledger"
	"github.com/ineyio/creditledger/store/memory"
)

const secret = "whsec_test"

func event(t *testing.T, id, typ string, object map[string]any) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"id":     id,
		"object": "event",
		"type":   typ,
		"data":   map[string]any{"object": object},
	})
	require.NoError(t, err)
	return b
}

func deliver(t *testing.T, h http.Handler, payload []byte, key string) *httptest.ResponseRecorder {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    key,
		Timestamp: time.Now(),
	})
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(string(payload)))
	req.Header.Set("Stripe-Signature", signed.Header)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func setup(t *testing.T) (*creditledger.Engine, *Handler) {
	t.Helper()
	store := memory.New()
	e, err := creditledger.NewEngine(store)
	require.NoError(t, err)
	require.NoError(t, e.EnsureAccount(context.Background(), creditledger.Account{UserID: "u1"}))
	return e, NewHandler(e, secret)
}

func checkoutSession(credits string) map[string]any {
	return map[string]any{
		"id":             "cs_1",
		"object":         "checkout.session",
		"mode":           "payment",
		"payment_status": "paid",
		"payment_intent": "pi_1",
		"metadata":       map[string]any{"user_id": "u1", "credits": credits},
	}
}

func TestCheckoutCompletedGrantsPackOnce(t *testing.T) {
	e, h := setup(t)
	payload := event(t, "evt_1", "checkout.session.completed", checkoutSession("50"))

	rec := deliver(t, h, payload, secret)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = deliver(t, h, payload, secret)
	require.Equal(t, http.StatusOK, rec.Code)

	acct, res, err := e.Balance(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), acct.BonusTotal)
	assert.Equal(t, int64(50), res.RemainingBonus)
}

func TestInvoicePaidStartsCycle(t *testing.T) {
	e, h := setup(t)
	invoice := map[string]any{
		"id":           "in_1",
		"object":       "invoice",
		"period_start": 1700000000,
		"period_end":   1702592000,
		"parent": map[string]any{
			"type": "subscription_details",
			"subscription_details": map[string]any{
				"subscription": "sub_1",
				"metadata":     map[string]any{"user_id": "u1", "tier": "starter"},
			},
		},
	}

	rec := deliver(t, h, event(t, "evt_2", "invoice.paid", invoice), secret)
	require.Equal(t, http.StatusOK, rec.Code)
	// Same invoice redelivered under a different event id.
	rec = deliver(t, h, event(t, "evt_3", "invoice.paid", invoice), secret)
	require.Equal(t, http.StatusOK, rec.Code)

	acct, _, err := e.Balance(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, creditledger.TierStarter, acct.Tier)
	assert.Equal(t, int64(100), acct.MonthlyQuota)
	assert.Equal(t, int64(20), acct.BonusTotal)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), acct.CycleStart)
}

func TestInvalidSignature(t *testing.T) {
	_, h := setup(t)
	rec := deliver(t, h, event(t, "evt_1", "checkout.session.completed", checkoutSession("50")), "whsec_other")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMalformedMetadata(t *testing.T) {
	_, h := setup(t)
	rec := deliver(t, h, event(t, "evt_1", "checkout.session.completed", checkoutSession("lots")), secret)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnpaidSessionIgnored(t *testing.T) {
	e, h := setup(t)
	sess := checkoutSession("50")
	sess["payment_status"] = "unpaid"

	rec := deliver(t, h, event(t, "evt_1", "checkout.session.completed", sess), secret)
	require.Equal(t, http.StatusOK, rec.Code)

	acct, _, err := e.Balance(context.Background(), "u1")
	require.NoError(t, err)
	assert.Zero(t, acct.BonusTotal)
}

func TestMissingAccountIsRedelivered(t *testing.T) {
	e, err := creditledger.NewEngine(memory.New())
	require.NoError(t, err)
	h := NewHandler(e, secret)

	rec := deliver(t, h, event(t, "evt_1", "checkout.session.completed", checkoutSession("50")), secret)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestUnknownTierAcknowledged(t *testing.T) {
	_, h := setup(t)
	invoice := map[string]any{
		"id":       "in_9",
		"object":   "invoice",
		"metadata": map[string]any{"user_id": "u1", "tier": "platinum"},
	}
	rec := deliver(t, h, event(t, "evt_9", "invoice.paid", invoice), secret)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUnconfiguredSecret(t *testing.T) {
	e, _ := setup(t)
	rec := deliver(t, NewHandler(e, ""), []byte(`{}`), secret)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
