package creditledger

import "time"

// Meter observes ledger operations for monitoring/logging.
type Meter interface {
	// OnOperation is called after every engine procedure.
	OnOperation(event OperationEvent)

	// OnReconcile is called after every reconciliation run.
	OnReconcile(event ReconcileEvent)
}

// Operation names reported in OperationEvent.Op.
const (
	OpReserve           = "reserve"
	OpCommit            = "commit"
	OpRelease           = "release"
	OpConsume           = "consume"
	OpForceRefund       = "force_refund"
	OpApplySubscription = "apply_subscription_state"
	OpApplyCreditPack   = "apply_credit_pack_purchase"
)

// OperationEvent describes the outcome of one engine procedure.
type OperationEvent struct {
	Op           string
	UserID       string
	RequestToken string
	Amount       int64
	Result       Result
	Duration     time.Duration
	Error        error
}

// ReconcileEvent describes the outcome of a reconciliation run.
type ReconcileEvent struct {
	UserID         string
	RequestToken   string
	BalanceChanged bool
	Fallback       string
	Shared         bool
	Duration       time.Duration
	Error          error
}

type noopMeter struct{}

func (noopMeter) OnOperation(OperationEvent) {}
func (noopMeter) OnReconcile(ReconcileEvent) {}
