package creditledger

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrInsufficientCredits     = errors.New("creditledger: insufficient credits")
	ErrMissingReservation      = errors.New("creditledger: missing reservation")
	ErrMissingCreditAccount    = errors.New("creditledger: missing credit account")
	ErrInvalidReservationState = errors.New("creditledger: invalid reservation state")
	ErrTokenConflict           = errors.New("creditledger: request token belongs to another account")
	ErrInvalidAmount           = errors.New("creditledger: invalid amount")
	ErrInvalidRequest          = errors.New("creditledger: invalid request")
	ErrUnknownTier             = errors.New("creditledger: unknown tier")
	ErrInvariantViolation      = errors.New("creditledger: balance invariant violated")
	ErrManualAuditRequired     = errors.New("creditledger: compensation failed, manual audit required")
	ErrConflict                = errors.New("creditledger: concurrent update conflict")
)

// LedgerError wraps an error with operation context.
type LedgerError struct {
	Op           string
	UserID       string
	RequestToken string
	Err          error
}

func (e *LedgerError) Error() string {
	return fmt.Sprintf("creditledger: op=%s user=%s token=%s: %v",
		e.Op, e.UserID, e.RequestToken, e.Err)
}

func (e *LedgerError) Unwrap() error {
	return e.Err
}

var reasonCodes = []struct {
	err  error
	code string
}{
	{ErrInsufficientCredits, "insufficient_credits"},
	{ErrMissingReservation, "missing_reservation"},
	{ErrMissingCreditAccount, "missing_credit_account"},
	{ErrInvalidReservationState, "invalid_reservation_state"},
	{ErrTokenConflict, "token_conflict"},
	{ErrInvalidAmount, "invalid_amount"},
	{ErrInvalidRequest, "invalid_request"},
	{ErrUnknownTier, "unknown_tier"},
	{ErrInvariantViolation, "invariant_violation"},
	{ErrManualAuditRequired, "manual_audit_required"},
	{ErrConflict, "conflict"},
}

// ReasonCode maps an error to the stable reason code reported in Result.Reason.
// Errors that are not ledger sentinels map to "internal_error".
func ReasonCode(err error) string {
	if err == nil {
		return ""
	}
	for _, rc := range reasonCodes {
		if errors.Is(err, rc.err) {
			return rc.code
		}
	}
	return "internal_error"
}

// IsRejection returns true if the ledger refused the operation for a business
// reason. Rejections leave balances untouched and must not be retried blindly.
func IsRejection(err error) bool {
	return errors.Is(err, ErrInsufficientCredits) ||
		errors.Is(err, ErrMissingReservation) ||
		errors.Is(err, ErrMissingCreditAccount) ||
		errors.Is(err, ErrInvalidReservationState) ||
		errors.Is(err, ErrTokenConflict) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrUnknownTier)
}

// IsRetryable returns true if the operation can be retried with the same token.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict)
}
