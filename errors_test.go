package creditledger_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	cl "github.com/ineyio/creditledger"
)

func TestReasonCode(t *testing.T) {
	wrapped := &cl.LedgerError{Op: "reserve", UserID: "u1", RequestToken: "req-1", Err: cl.ErrInsufficientCredits}

	assert.Equal(t, "", cl.ReasonCode(nil))
	assert.Equal(t, "insufficient_credits", cl.ReasonCode(wrapped))
	assert.Equal(t, "unknown_tier", cl.ReasonCode(fmt.Errorf("%w: %q", cl.ErrUnknownTier, "gold")))
	assert.Equal(t, "conflict", cl.ReasonCode(cl.ErrConflict))
	assert.Equal(t, "internal_error", cl.ReasonCode(errors.New("connection reset")))
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		err       error
		rejection bool
		retryable bool
	}{
		{cl.ErrInsufficientCredits, true, false},
		{cl.ErrMissingReservation, true, false},
		{cl.ErrMissingCreditAccount, true, false},
		{cl.ErrInvalidReservationState, true, false},
		{cl.ErrTokenConflict, true, false},
		{cl.ErrInvalidAmount, true, false},
		{cl.ErrUnknownTier, true, false},
		{cl.ErrConflict, false, true},
		{cl.ErrInvariantViolation, false, false},
		{cl.ErrManualAuditRequired, false, false},
		{errors.New("io timeout"), false, false},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			err := &cl.LedgerError{Op: "commit", Err: tt.err}
			assert.Equal(t, tt.rejection, cl.IsRejection(err))
			assert.Equal(t, tt.retryable, cl.IsRetryable(err))
		})
	}
}

func TestLedgerError(t *testing.T) {
	err := &cl.LedgerError{Op: "commit", UserID: "u1", RequestToken: "req-1", Err: cl.ErrMissingReservation}

	assert.Equal(t, "creditledger: op=commit user=u1 token=req-1: creditledger: missing reservation", err.Error())
	assert.ErrorIs(t, err, cl.ErrMissingReservation)

	var le *cl.LedgerError
	assert.True(t, errors.As(fmt.Errorf("outer: %w", err), &le))
	assert.Equal(t, "commit", le.Op)
}
