// Package sqlite provides an embedded SQLite-backed Store for creditledger.
//
// The pool is limited to a single connection, so every atomic unit runs as
// the only writer. This is the default durable backend of the creditledger CLI.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ineyio/creditledger"
)

// Store is a SQLite-backed creditledger.Store.
type Store struct {
	db *sql.DB
}

var (
	_ creditledger.Store              = (*Store)(nil)
	_ creditledger.AccountProvisioner = (*Store)(nil)
	_ creditledger.ReservationLister  = (*Store)(nil)
	_ creditledger.AttemptStore       = (*Store)(nil)
)

// Open opens the database at dsn and applies migrations.
// Use "file::memory:" for a throwaway database.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("creditledger/sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

var migrations = []string{
	`PRAGMA journal_mode = WAL`,
	`PRAGMA busy_timeout = 5000`,
	`CREATE TABLE IF NOT EXISTS accounts (
		user_id TEXT PRIMARY KEY,
		tier TEXT NOT NULL DEFAULT 'free',
		monthly_quota INTEGER NOT NULL DEFAULT 0,
		monthly_used INTEGER NOT NULL DEFAULT 0,
		reserved_monthly INTEGER NOT NULL DEFAULT 0,
		bonus_total INTEGER NOT NULL DEFAULT 0,
		bonus_used INTEGER NOT NULL DEFAULT 0,
		reserved_bonus INTEGER NOT NULL DEFAULT 0,
		bonus_granted INTEGER NOT NULL DEFAULT 0,
		cycle_start INTEGER NOT NULL DEFAULT 0,
		cycle_end INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL DEFAULT 0,
		CHECK (monthly_used >= 0 AND reserved_monthly >= 0 AND monthly_used + reserved_monthly <= monthly_quota),
		CHECK (bonus_used >= 0 AND reserved_bonus >= 0 AND bonus_used + reserved_bonus <= bonus_total)
	)`,
	`CREATE TABLE IF NOT EXISTS reservations (
		request_token TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		monthly_amount INTEGER NOT NULL,
		bonus_amount INTEGER NOT NULL,
		status TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		metadata TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_reservations_status_created ON reservations(status, created_at)`,
	`CREATE TABLE IF NOT EXISTS ledger_entries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		request_token TEXT NOT NULL DEFAULT '',
		transaction_type TEXT NOT NULL,
		pool TEXT NOT NULL,
		amount INTEGER NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		metadata TEXT,
		event_id TEXT NOT NULL DEFAULT '',
		invoice_id TEXT NOT NULL DEFAULT '',
		subscription_id TEXT NOT NULL DEFAULT '',
		checkout_session_id TEXT NOT NULL DEFAULT '',
		payment_intent_id TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_entries_token ON ledger_entries(request_token)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_entries_user ON ledger_entries(user_id, seq)`,
	`CREATE TABLE IF NOT EXISTS idempotency_keys (
		key TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS generation_attempts (
		request_token TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		status TEXT NOT NULL,
		error_stage TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		credits_amount INTEGER NOT NULL DEFAULT 0,
		metadata TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS reconciliation_audit (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		request_token TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		outcome TEXT NOT NULL,
		metadata TEXT,
		created_at INTEGER NOT NULL
	)`,
}

// Migrate applies the schema. It is safe to run repeatedly.
func (s *Store) Migrate(ctx context.Context) error {
	for i, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("creditledger/sqlite: migration %d: %w", i, err)
		}
	}
	return nil
}

// Atomically runs fn in a transaction on the single connection.
func (s *Store) Atomically(ctx context.Context, userID string, fn func(ctx context.Context, tx creditledger.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("creditledger/sqlite: begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(ctx, &sqliteTx{tx: tx, userID: userID}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("creditledger/sqlite: commit: %w", err)
	}
	return nil
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const accountColumns = `user_id, tier, monthly_quota, monthly_used, reserved_monthly,
	bonus_total, bonus_used, reserved_bonus, bonus_granted, cycle_start, cycle_end, updated_at`

func readAccount(ctx context.Context, q queryer, userID string) (creditledger.Account, error) {
	var (
		a                               creditledger.Account
		tier                            string
		cycleStart, cycleEnd, updatedAt int64
	)
	err := q.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE user_id = ?`, userID,
	).Scan(&a.UserID, &tier, &a.MonthlyQuota, &a.MonthlyUsed, &a.ReservedMonthly,
		&a.BonusTotal, &a.BonusUsed, &a.ReservedBonus, &a.BonusGranted,
		&cycleStart, &cycleEnd, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return creditledger.Account{}, creditledger.ErrMissingCreditAccount
	}
	if err != nil {
		return creditledger.Account{}, fmt.Errorf("creditledger/sqlite: account: %w", err)
	}
	a.Tier = creditledger.Tier(tier)
	a.CycleStart = fromNanos(cycleStart)
	a.CycleEnd = fromNanos(cycleEnd)
	a.UpdatedAt = fromNanos(updatedAt)
	return a, nil
}

// Account returns a snapshot of an account.
func (s *Store) Account(ctx context.Context, userID string) (creditledger.Account, error) {
	return readAccount(ctx, s.db, userID)
}

// Entries returns the entries for a token, oldest first.
func (s *Store) Entries(ctx context.Context, token string) ([]creditledger.LedgerEntry, error) {
	return readEntries(ctx, s.db, `request_token = ?`, token)
}

// UserEntries returns every entry recorded for a user, oldest first.
func (s *Store) UserEntries(ctx context.Context, userID string) ([]creditledger.LedgerEntry, error) {
	return readEntries(ctx, s.db, `user_id = ?`, userID)
}

const entryColumns = `id, user_id, request_token, transaction_type, pool, amount, reason, metadata,
	event_id, invoice_id, subscription_id, checkout_session_id, payment_intent_id, created_at`

func readEntries(ctx context.Context, q queryer, where, arg string) ([]creditledger.LedgerEntry, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE `+where+` ORDER BY seq`, arg)
	if err != nil {
		return nil, fmt.Errorf("creditledger/sqlite: entries: %w", err)
	}
	defer rows.Close()

	var out []creditledger.LedgerEntry
	for rows.Next() {
		var (
			e         creditledger.LedgerEntry
			typ, pool string
			md        sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.RequestToken, &typ, &pool, &e.Amount, &e.Reason,
			&md, &e.EventID, &e.InvoiceID, &e.SubscriptionID, &e.CheckoutSessionID,
			&e.PaymentIntentID, &createdAt); err != nil {
			return nil, fmt.Errorf("creditledger/sqlite: scan entry: %w", err)
		}
		e.Type = creditledger.TransactionType(typ)
		e.Pool = creditledger.Pool(pool)
		e.CreatedAt = fromNanos(createdAt)
		if e.Metadata, err = decodeMetadata(md); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("creditledger/sqlite: entries: %w", err)
	}
	return out, nil
}

const reservationColumns = `request_token, user_id, monthly_amount, bonus_amount, status, reason,
	metadata, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanReservation(row scanner) (creditledger.Reservation, error) {
	var (
		r                    creditledger.Reservation
		status               string
		md                   sql.NullString
		createdAt, updatedAt int64
	)
	if err := row.Scan(&r.RequestToken, &r.UserID, &r.MonthlyAmount, &r.BonusAmount, &status,
		&r.Reason, &md, &createdAt, &updatedAt); err != nil {
		return r, err
	}
	r.Status = creditledger.ReservationStatus(status)
	r.CreatedAt = fromNanos(createdAt)
	r.UpdatedAt = fromNanos(updatedAt)
	var err error
	r.Metadata, err = decodeMetadata(md)
	return r, err
}

// ListReservations returns reservations in status created before createdBefore, oldest first.
func (s *Store) ListReservations(ctx context.Context, status creditledger.ReservationStatus, createdBefore time.Time, limit int) ([]creditledger.Reservation, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+reservationColumns+` FROM reservations
			WHERE status = ? AND created_at < ? ORDER BY created_at LIMIT ?`,
		string(status), createdBefore.UnixNano(), limit)
	if err != nil {
		return nil, fmt.Errorf("creditledger/sqlite: list reservations: %w", err)
	}
	defer rows.Close()

	var out []creditledger.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("creditledger/sqlite: scan reservation: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("creditledger/sqlite: list reservations: %w", err)
	}
	return out, nil
}

// EnsureAccount creates the account if it does not exist.
func (s *Store) EnsureAccount(ctx context.Context, a creditledger.Account) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (`+accountColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (user_id) DO NOTHING`,
		a.UserID, string(a.Tier), a.MonthlyQuota, a.MonthlyUsed, a.ReservedMonthly,
		a.BonusTotal, a.BonusUsed, a.ReservedBonus, a.BonusGranted,
		toNanos(a.CycleStart), toNanos(a.CycleEnd), toNanos(a.UpdatedAt))
	if err != nil {
		return fmt.Errorf("creditledger/sqlite: ensure account: %w", err)
	}
	return nil
}

// Attempt returns the generation attempt for token.
func (s *Store) Attempt(ctx context.Context, token string) (creditledger.GenerationAttempt, bool, error) {
	var (
		a                    creditledger.GenerationAttempt
		status               string
		md                   sql.NullString
		createdAt, updatedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT request_token, user_id, status, error_stage, error_message, credits_amount,
			metadata, created_at, updated_at FROM generation_attempts WHERE request_token = ?`, token,
	).Scan(&a.RequestToken, &a.UserID, &status, &a.ErrorStage, &a.ErrorMessage, &a.CreditsAmount,
		&md, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return creditledger.GenerationAttempt{}, false, nil
	}
	if err != nil {
		return creditledger.GenerationAttempt{}, false, fmt.Errorf("creditledger/sqlite: attempt: %w", err)
	}
	a.Status = creditledger.AttemptStatus(status)
	a.CreatedAt = fromNanos(createdAt)
	a.UpdatedAt = fromNanos(updatedAt)
	if a.Metadata, err = decodeMetadata(md); err != nil {
		return creditledger.GenerationAttempt{}, false, err
	}
	return a, true, nil
}

// SaveAttempt upserts a generation attempt.
func (s *Store) SaveAttempt(ctx context.Context, a creditledger.GenerationAttempt) error {
	md, err := encodeMetadata(a.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO generation_attempts (request_token, user_id, status, error_stage, error_message,
			credits_amount, metadata, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (request_token) DO UPDATE SET
				status = excluded.status, error_stage = excluded.error_stage,
				error_message = excluded.error_message, metadata = excluded.metadata,
				updated_at = excluded.updated_at`,
		a.RequestToken, a.UserID, string(a.Status), a.ErrorStage, a.ErrorMessage,
		a.CreditsAmount, md, toNanos(a.CreatedAt), toNanos(a.UpdatedAt))
	if err != nil {
		return fmt.Errorf("creditledger/sqlite: save attempt: %w", err)
	}
	return nil
}

// AppendAudit appends a reconciliation audit record.
func (s *Store) AppendAudit(ctx context.Context, r creditledger.AuditRecord) error {
	md, err := encodeMetadata(r.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO reconciliation_audit (id, user_id, request_token, reason, outcome, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.UserID, r.RequestToken, r.Reason, r.Outcome, md, toNanos(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("creditledger/sqlite: append audit: %w", err)
	}
	return nil
}

// AuditOutcomes returns the audit outcomes recorded for token, oldest first.
func (s *Store) AuditOutcomes(ctx context.Context, token string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT outcome FROM reconciliation_audit WHERE request_token = ? ORDER BY created_at`, token)
	if err != nil {
		return nil, fmt.Errorf("creditledger/sqlite: audit: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var o string
		if err := rows.Scan(&o); err != nil {
			return nil, fmt.Errorf("creditledger/sqlite: audit: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

type sqliteTx struct {
	tx     *sql.Tx
	userID string
}

func (t *sqliteTx) Account(ctx context.Context) (creditledger.Account, error) {
	return readAccount(ctx, t.tx, t.userID)
}

func (t *sqliteTx) SaveAccount(ctx context.Context, a creditledger.Account) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE accounts SET tier = ?, monthly_quota = ?, monthly_used = ?, reserved_monthly = ?,
			bonus_total = ?, bonus_used = ?, reserved_bonus = ?, bonus_granted = ?,
			cycle_start = ?, cycle_end = ?, updated_at = ?
			WHERE user_id = ?`,
		string(a.Tier), a.MonthlyQuota, a.MonthlyUsed, a.ReservedMonthly,
		a.BonusTotal, a.BonusUsed, a.ReservedBonus, a.BonusGranted,
		toNanos(a.CycleStart), toNanos(a.CycleEnd), toNanos(a.UpdatedAt), a.UserID)
	if err != nil {
		return fmt.Errorf("creditledger/sqlite: save account: %w", err)
	}
	return nil
}

func (t *sqliteTx) Reservation(ctx context.Context, token string) (creditledger.Reservation, bool, error) {
	r, err := scanReservation(t.tx.QueryRowContext(ctx,
		`SELECT `+reservationColumns+` FROM reservations WHERE request_token = ?`, token))
	if errors.Is(err, sql.ErrNoRows) {
		return creditledger.Reservation{}, false, nil
	}
	if err != nil {
		return creditledger.Reservation{}, false, fmt.Errorf("creditledger/sqlite: reservation: %w", err)
	}
	return r, true, nil
}

func (t *sqliteTx) SaveReservation(ctx context.Context, r creditledger.Reservation) error {
	md, err := encodeMetadata(r.Metadata)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO reservations (`+reservationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (request_token) DO UPDATE SET
				status = excluded.status, reason = excluded.reason,
				metadata = excluded.metadata, updated_at = excluded.updated_at`,
		r.RequestToken, r.UserID, r.MonthlyAmount, r.BonusAmount, string(r.Status), r.Reason,
		md, toNanos(r.CreatedAt), toNanos(r.UpdatedAt))
	if err != nil {
		return fmt.Errorf("creditledger/sqlite: save reservation: %w", err)
	}
	return nil
}

func (t *sqliteTx) Entries(ctx context.Context, token string) ([]creditledger.LedgerEntry, error) {
	return readEntries(ctx, t.tx, `request_token = ?`, token)
}

func (t *sqliteTx) AppendEntry(ctx context.Context, e creditledger.LedgerEntry) error {
	md, err := encodeMetadata(e.Metadata)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO ledger_entries (`+entryColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.UserID, e.RequestToken, string(e.Type), string(e.Pool), e.Amount, e.Reason,
		md, e.EventID, e.InvoiceID, e.SubscriptionID, e.CheckoutSessionID,
		e.PaymentIntentID, toNanos(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("creditledger/sqlite: append entry: %w", err)
	}
	return nil
}

func (t *sqliteTx) ClaimKey(ctx context.Context, key string) (bool, error) {
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO idempotency_keys (key, created_at) VALUES (?, ?) ON CONFLICT DO NOTHING`,
		key, time.Now().UnixNano())
	if err != nil {
		return false, fmt.Errorf("creditledger/sqlite: claim key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("creditledger/sqlite: claim key: %w", err)
	}
	return n == 1, nil
}

func encodeMetadata(md creditledger.Metadata) (sql.NullString, error) {
	if len(md) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(md)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("creditledger/sqlite: encode metadata: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeMetadata(s sql.NullString) (creditledger.Metadata, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var md creditledger.Metadata
	if err := json.Unmarshal([]byte(s.String), &md); err != nil {
		return nil, fmt.Errorf("creditledger/sqlite: decode metadata: %w", err)
	}
	return md, nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
