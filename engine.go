package creditledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// ErrNotSupported is returned when the configured store lacks an optional capability.
var ErrNotSupported = errors.New("creditledger: operation not supported by store")

// Engine runs the ledger procedures against a Store.
type Engine struct {
	store  Store
	tiers  TierTable
	meter  Meter
	logger *slog.Logger
	now    func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithMeter sets the meter.
func WithMeter(m Meter) Option {
	return func(e *Engine) { e.meter = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithTiers replaces the tier table.
func WithTiers(t TierTable) Option {
	return func(e *Engine) { e.tiers = t }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an Engine. DefaultTiers, a no-op meter and slog.Default()
// are used unless overridden via options.
func NewEngine(store Store, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("creditledger: store is required")
	}
	e := &Engine{store: store}
	for _, opt := range opts {
		opt(e)
	}
	if e.tiers == nil {
		e.tiers = DefaultTiers()
	}
	if err := e.tiers.Validate(); err != nil {
		return nil, err
	}
	if e.meter == nil {
		e.meter = noopMeter{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	return e, nil
}

// Store returns the underlying store.
func (e *Engine) Store() Store { return e.store }

// Tiers returns the tier table in use.
func (e *Engine) Tiers() TierTable { return e.tiers }

type unitFunc func(ctx context.Context, tx Tx, res *Result) error

// run executes fn as one atomic unit, reports it to the meter and shapes the
// returned Result and error.
func (e *Engine) run(ctx context.Context, op, userID, token string, amount int64, fn unitFunc) (Result, error) {
	start := time.Now()

	var res Result
	err := e.store.Atomically(ctx, userID, func(ctx context.Context, tx Tx) error {
		res = Result{}
		return fn(ctx, tx, &res)
	})
	if err != nil {
		res = Result{Reason: ReasonCode(err)}
		err = &LedgerError{Op: op, UserID: userID, RequestToken: token, Err: err}
	} else {
		res.OK = true
	}

	e.meter.OnOperation(OperationEvent{
		Op:           op,
		UserID:       userID,
		RequestToken: token,
		Amount:       amount,
		Result:       res,
		Duration:     time.Since(start),
		Error:        err,
	})
	return res, err
}

func (e *Engine) entry(userID, token string, t TransactionType, p Pool, amount int64) LedgerEntry {
	return LedgerEntry{
		ID:           uuid.NewString(),
		UserID:       userID,
		RequestToken: token,
		Type:         t,
		Pool:         p,
		Amount:       amount,
		CreatedAt:    e.now(),
	}
}

// appendPerPool appends one entry per non-zero pool amount.
func (e *Engine) appendPerPool(ctx context.Context, tx Tx, base LedgerEntry, monthly, bonus int64) error {
	for _, p := range Pools {
		amt := monthly
		if p == PoolBonus {
			amt = bonus
		}
		if amt == 0 {
			continue
		}
		en := base
		en.ID = uuid.NewString()
		en.Pool = p
		en.Amount = amt
		if err := tx.AppendEntry(ctx, en); err != nil {
			return err
		}
	}
	return nil
}

func saveAccount(ctx context.Context, tx Tx, a Account, now time.Time) error {
	if err := a.Validate(); err != nil {
		return err
	}
	a.UpdatedAt = now
	return tx.SaveAccount(ctx, a)
}

// ownedReservation loads the reservation for token and checks it belongs to userID.
func ownedReservation(ctx context.Context, tx Tx, userID, token string) (Reservation, bool, error) {
	r, ok, err := tx.Reservation(ctx, token)
	if err != nil || !ok {
		return r, ok, err
	}
	if r.UserID != userID {
		return Reservation{}, false, ErrTokenConflict
	}
	return r, true, nil
}

// ownedEntries loads the entries for token and checks none belong to another user.
func ownedEntries(ctx context.Context, tx Tx, userID, token string) ([]LedgerEntry, error) {
	entries, err := tx.Entries(ctx, token)
	if err != nil {
		return nil, err
	}
	for _, en := range entries {
		if en.UserID != userID {
			return nil, ErrTokenConflict
		}
	}
	return entries, nil
}

func validateToken(userID, token string) error {
	if userID == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidRequest)
	}
	if token == "" {
		return fmt.Errorf("%w: request token is required", ErrInvalidRequest)
	}
	return nil
}

// Reserve holds amount credits for token, drawing from the monthly pool first.
// Repeating the call with the same token returns the current balance without
// holding more.
func (e *Engine) Reserve(ctx context.Context, userID, token string, amount int64, md Metadata) (Result, error) {
	return e.run(ctx, OpReserve, userID, token, amount, func(ctx context.Context, tx Tx, res *Result) error {
		if err := validateToken(userID, token); err != nil {
			return err
		}
		if amount <= 0 {
			return ErrInvalidAmount
		}
		acct, err := tx.Account(ctx)
		if err != nil {
			return err
		}
		if _, ok, err := ownedReservation(ctx, tx, userID, token); err != nil {
			return err
		} else if ok {
			acct.fill(res)
			return nil
		}
		entries, err := ownedEntries(ctx, tx, userID, token)
		if err != nil {
			return err
		}
		if len(entries) > 0 {
			// Token already spent through Consume.
			return ErrInvalidReservationState
		}
		if acct.Available() < amount {
			return ErrInsufficientCredits
		}
		if ok, err := tx.ClaimKey(ctx, tokenKey(token)); err != nil {
			return err
		} else if !ok {
			return ErrTokenConflict
		}

		now := e.now()
		monthly, bonus := acct.split(amount)
		acct.hold(PoolMonthly, monthly)
		acct.hold(PoolBonus, bonus)
		if err := saveAccount(ctx, tx, acct, now); err != nil {
			return err
		}
		r := Reservation{
			RequestToken:  token,
			UserID:        userID,
			MonthlyAmount: monthly,
			BonusAmount:   bonus,
			Status:        StatusReserved,
			Metadata:      md,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := tx.SaveReservation(ctx, r); err != nil {
			return err
		}
		base := e.entry(userID, token, TxReservation, "", 0)
		base.Metadata = md
		if err := e.appendPerPool(ctx, tx, base, -monthly, -bonus); err != nil {
			return err
		}
		acct.fill(res)
		return nil
	})
}

// Commit turns a held reservation into usage.
func (e *Engine) Commit(ctx context.Context, userID, token string) (Result, error) {
	return e.run(ctx, OpCommit, userID, token, 0, func(ctx context.Context, tx Tx, res *Result) error {
		if err := validateToken(userID, token); err != nil {
			return err
		}
		acct, err := tx.Account(ctx)
		if err != nil {
			return err
		}
		r, ok, err := ownedReservation(ctx, tx, userID, token)
		if err != nil {
			return err
		}
		if !ok {
			return ErrMissingReservation
		}
		if r.Status == StatusCommitted {
			acct.fill(res)
			return nil
		}
		if err := r.transition(StatusCommitted); err != nil {
			return err
		}

		now := e.now()
		for _, p := range Pools {
			acct.unhold(p, r.PoolAmount(p))
			acct.use(p, r.PoolAmount(p))
		}
		if err := saveAccount(ctx, tx, acct, now); err != nil {
			return err
		}
		r.UpdatedAt = now
		if err := tx.SaveReservation(ctx, r); err != nil {
			return err
		}
		base := e.entry(userID, token, TxUsage, "", 0)
		if err := e.appendPerPool(ctx, tx, base, -r.MonthlyAmount, -r.BonusAmount); err != nil {
			return err
		}
		acct.fill(res)
		return nil
	})
}

// Release returns a held reservation to availability.
func (e *Engine) Release(ctx context.Context, userID, token, reason string) (Result, error) {
	return e.run(ctx, OpRelease, userID, token, 0, func(ctx context.Context, tx Tx, res *Result) error {
		if err := validateToken(userID, token); err != nil {
			return err
		}
		acct, err := tx.Account(ctx)
		if err != nil {
			return err
		}
		r, ok, err := ownedReservation(ctx, tx, userID, token)
		if err != nil {
			return err
		}
		if !ok {
			return ErrMissingReservation
		}
		if r.Status == StatusReleased {
			res.AlreadyReleased = true
			acct.fill(res)
			return nil
		}
		if err := e.release(ctx, tx, &acct, &r, reason, nil, Pools); err != nil {
			return err
		}
		if err := saveAccount(ctx, tx, acct, e.now()); err != nil {
			return err
		}
		acct.fill(res)
		return nil
	})
}

// release returns the given pools of a held reservation and marks it released.
// The caller saves the account.
func (e *Engine) release(ctx context.Context, tx Tx, acct *Account, r *Reservation, reason string, md Metadata, pools []Pool) error {
	if err := r.transition(StatusReleased); err != nil {
		return err
	}
	var monthly, bonus int64
	for _, p := range pools {
		amt := r.PoolAmount(p)
		acct.unhold(p, amt)
		if p == PoolMonthly {
			monthly = amt
		} else {
			bonus = amt
		}
	}
	now := e.now()
	r.Reason = reason
	r.UpdatedAt = now
	if err := tx.SaveReservation(ctx, *r); err != nil {
		return err
	}
	base := e.entry(r.UserID, r.RequestToken, TxRelease, "", 0)
	base.Reason = reason
	base.Metadata = md
	return e.appendPerPool(ctx, tx, base, monthly, bonus)
}

// Consume debits amount immediately without a reservation. Credits held by
// outstanding reservations are not available to it. Repeating the call with
// the same token is a no-op.
func (e *Engine) Consume(ctx context.Context, userID string, amount int64, token string) (Result, error) {
	return e.run(ctx, OpConsume, userID, token, amount, func(ctx context.Context, tx Tx, res *Result) error {
		if err := validateToken(userID, token); err != nil {
			return err
		}
		if amount <= 0 {
			return ErrInvalidAmount
		}
		acct, err := tx.Account(ctx)
		if err != nil {
			return err
		}
		if _, ok, err := ownedReservation(ctx, tx, userID, token); err != nil {
			return err
		} else if ok {
			return ErrInvalidReservationState
		}
		entries, err := ownedEntries(ctx, tx, userID, token)
		if err != nil {
			return err
		}
		for _, en := range entries {
			if en.Type == TxUsage {
				acct.fill(res)
				return nil
			}
		}
		if acct.Available() < amount {
			return ErrInsufficientCredits
		}
		if ok, err := tx.ClaimKey(ctx, tokenKey(token)); err != nil {
			return err
		} else if !ok {
			return ErrTokenConflict
		}

		monthly, bonus := acct.split(amount)
		acct.use(PoolMonthly, monthly)
		acct.use(PoolBonus, bonus)
		if err := saveAccount(ctx, tx, acct, e.now()); err != nil {
			return err
		}
		base := e.entry(userID, token, TxUsage, "", 0)
		if err := e.appendPerPool(ctx, tx, base, -monthly, -bonus); err != nil {
			return err
		}
		acct.fill(res)
		return nil
	})
}

// EnsureAccount creates an account if the store supports provisioning.
func (e *Engine) EnsureAccount(ctx context.Context, a Account) error {
	p, ok := e.store.(AccountProvisioner)
	if !ok {
		return ErrNotSupported
	}
	if a.UserID == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidRequest)
	}
	if a.Tier == "" {
		a.Tier = TierFree
	}
	if err := a.Validate(); err != nil {
		return err
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = e.now()
	}
	return p.EnsureAccount(ctx, a)
}

// Balance returns the account with its available amounts.
func (e *Engine) Balance(ctx context.Context, userID string) (Account, Result, error) {
	acct, err := e.store.Account(ctx, userID)
	if err != nil {
		return Account{}, Result{Reason: ReasonCode(err)},
			&LedgerError{Op: "balance", UserID: userID, Err: err}
	}
	res := Result{OK: true}
	acct.fill(&res)
	return acct, res, nil
}

// History returns the ledger entries recorded for token.
func (e *Engine) History(ctx context.Context, token string) ([]LedgerEntry, error) {
	entries, err := e.store.Entries(ctx, token)
	if err != nil {
		return nil, &LedgerError{Op: "history", RequestToken: token, Err: err}
	}
	return entries, nil
}

// SweepReport summarizes a stuck-reservation sweep.
type SweepReport struct {
	Scanned  int
	Released int
	Failed   int
}

// SweepStuck force-refunds reservations left reserved for longer than olderThan.
func (e *Engine) SweepStuck(ctx context.Context, olderThan time.Duration, limit int) (SweepReport, error) {
	lister, ok := e.store.(ReservationLister)
	if !ok {
		return SweepReport{}, ErrNotSupported
	}
	stuck, err := lister.ListReservations(ctx, StatusReserved, e.now().Add(-olderThan), limit)
	if err != nil {
		return SweepReport{}, fmt.Errorf("creditledger: list stuck reservations: %w", err)
	}

	var rep SweepReport
	for _, r := range stuck {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		rep.Scanned++
		res, err := e.ForceRefund(ctx, r.UserID, r.RequestToken, "stuck_reservation",
			Metadata{"reserved_at": r.CreatedAt.Format(time.RFC3339)})
		if err != nil {
			rep.Failed++
			e.logger.Error("sweep: force refund failed",
				"user", r.UserID, "token", r.RequestToken, "error", err)
			continue
		}
		if res.Released || res.Refunded {
			rep.Released++
			e.logger.Warn("sweep: released stuck reservation",
				"user", r.UserID, "token", r.RequestToken, "amount", r.Amount())
		}
	}
	return rep, nil
}

func tokenKey(token string) string { return "token:" + token }
