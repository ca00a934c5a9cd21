package creditledger

import "time"

// Pool identifies which credit balance an amount is drawn from or returned to.
type Pool string

const (
	PoolMonthly Pool = "monthly"
	PoolBonus   Pool = "bonus"
)

// Pools lists the pools in draw order: monthly credits are spent before bonus credits.
var Pools = []Pool{PoolMonthly, PoolBonus}

// TransactionType is the business reason for a ledger entry.
type TransactionType string

const (
	TxReservation       TransactionType = "reservation"
	TxUsage             TransactionType = "usage"
	TxRelease           TransactionType = "release"
	TxRefund            TransactionType = "refund"
	TxBonus             TransactionType = "bonus"
	TxSubscriptionGrant TransactionType = "subscription_grant"
	TxCreditPackGrant   TransactionType = "credit_pack_grant"
)

// Metadata carries caller-supplied diagnostics (error stage, image statistics, ...).
// It is persisted verbatim as JSON.
type Metadata map[string]any

// Reservation is a hold on credits identified by a caller-supplied request token.
type Reservation struct {
	RequestToken  string            `json:"request_token"`
	UserID        string            `json:"user_id"`
	MonthlyAmount int64             `json:"monthly_amount"`
	BonusAmount   int64             `json:"bonus_amount"`
	Status        ReservationStatus `json:"status"`
	Reason        string            `json:"reason,omitempty"`
	Metadata      Metadata          `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Amount returns the total reserved across both pools.
func (r Reservation) Amount() int64 {
	return r.MonthlyAmount + r.BonusAmount
}

// PoolAmount returns the portion of the reservation drawn from pool.
func (r Reservation) PoolAmount(p Pool) int64 {
	if p == PoolMonthly {
		return r.MonthlyAmount
	}
	return r.BonusAmount
}

// LedgerEntry is an immutable record of one balance effect on one pool.
// Debits (reservation, usage) carry negative amounts; credits carry positive ones.
type LedgerEntry struct {
	ID                string          `json:"id"`
	UserID            string          `json:"user_id"`
	RequestToken      string          `json:"request_token,omitempty"`
	Type              TransactionType `json:"transaction_type"`
	Pool              Pool            `json:"pool"`
	Amount            int64           `json:"amount"`
	Reason            string          `json:"reason,omitempty"`
	Metadata          Metadata        `json:"metadata,omitempty"`
	EventID           string          `json:"event_id,omitempty"`
	InvoiceID         string          `json:"invoice_id,omitempty"`
	SubscriptionID    string          `json:"subscription_id,omitempty"`
	CheckoutSessionID string          `json:"checkout_session_id,omitempty"`
	PaymentIntentID   string          `json:"payment_intent_id,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

// AttemptStatus is the lifecycle state of a paid generation attempt.
type AttemptStatus string

const (
	AttemptStarted   AttemptStatus = "started"
	AttemptSucceeded AttemptStatus = "succeeded"
	AttemptFailed    AttemptStatus = "failed"
)

// GenerationAttempt tracks the external paid operation a reservation pays for.
// It is owned by the generation pipeline; the Coordinator only marks failures.
type GenerationAttempt struct {
	RequestToken  string        `json:"request_token"`
	UserID        string        `json:"user_id"`
	Status        AttemptStatus `json:"status"`
	ErrorStage    string        `json:"error_stage,omitempty"`
	ErrorMessage  string        `json:"error_message,omitempty"`
	CreditsAmount int64         `json:"credits_amount"`
	Metadata      Metadata      `json:"metadata,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// AuditRecord is a best-effort trail of a reconciliation run.
type AuditRecord struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	RequestToken string    `json:"request_token"`
	Reason       string    `json:"reason"`
	Outcome      string    `json:"outcome"`
	Metadata     Metadata  `json:"metadata,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Result is the structured outcome every engine procedure returns.
type Result struct {
	OK               bool   `json:"ok"`
	Reason           string `json:"reason,omitempty"`
	RemainingMonthly int64  `json:"remaining_monthly"`
	RemainingBonus   int64  `json:"remaining_bonus"`

	AlreadyReleased bool `json:"already_released,omitempty"`
	AlreadyRefunded bool `json:"already_refunded,omitempty"`
	AlreadyApplied  bool `json:"already_applied,omitempty"`

	// Refunded and Released report what ForceRefund actually did.
	Refunded bool `json:"refunded,omitempty"`
	Released bool `json:"released,omitempty"`
}

// Available returns the total credits the caller may still spend.
func (r Result) Available() int64 {
	return r.RemainingMonthly + r.RemainingBonus
}

// Reason codes carried in Result.Reason.
const (
	ReasonNothingToRefund = "nothing_to_refund"
)
