package creditledger

import (
	"context"
	"time"
)

// Store persists accounts, reservations and the ledger.
//
// Every balance change runs inside Atomically. A backend must guarantee that
// two units for the same user never interleave, that units for different
// users do not block each other, and that a unit whose fn returns an error
// leaves no trace. Backends may run fn more than once when they detect a
// concurrent conflict, so fn must not have side effects outside tx.
type Store interface {
	// Atomically runs fn as one atomic unit scoped to userID's account.
	Atomically(ctx context.Context, userID string, fn func(ctx context.Context, tx Tx) error) error

	// Account returns a snapshot of the account outside any unit.
	Account(ctx context.Context, userID string) (Account, error)

	// Entries returns the ledger entries recorded for a request token,
	// oldest first.
	Entries(ctx context.Context, token string) ([]LedgerEntry, error)
}

// Tx is the view of the store inside one atomic unit.
type Tx interface {
	// Account loads the unit's account. It returns ErrMissingCreditAccount
	// if the account does not exist.
	Account(ctx context.Context) (Account, error)
	SaveAccount(ctx context.Context, a Account) error

	// Reservation loads a reservation by token regardless of owner.
	Reservation(ctx context.Context, token string) (Reservation, bool, error)
	SaveReservation(ctx context.Context, r Reservation) error

	// Entries returns the entries recorded for token, oldest first.
	Entries(ctx context.Context, token string) ([]LedgerEntry, error)
	AppendEntry(ctx context.Context, e LedgerEntry) error

	// ClaimKey records a globally unique idempotency key. It returns false
	// if the key was already claimed.
	ClaimKey(ctx context.Context, key string) (bool, error)
}

// AccountProvisioner is implemented by stores that can create accounts.
type AccountProvisioner interface {
	// EnsureAccount creates the account if it does not exist. An existing
	// account is left untouched.
	EnsureAccount(ctx context.Context, a Account) error
}

// ReservationLister is implemented by stores that can find reservations by
// status and age.
type ReservationLister interface {
	ListReservations(ctx context.Context, status ReservationStatus, createdBefore time.Time, limit int) ([]Reservation, error)
}

// AttemptStore persists generation attempts and reconciliation audit records.
type AttemptStore interface {
	Attempt(ctx context.Context, token string) (GenerationAttempt, bool, error)
	SaveAttempt(ctx context.Context, a GenerationAttempt) error
	AppendAudit(ctx context.Context, r AuditRecord) error
}
