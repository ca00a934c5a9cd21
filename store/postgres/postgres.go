// Package postgres provides a PostgreSQL-backed Store for creditledger.
//
// Each atomic unit is a transaction that locks the account row with
// SELECT ... FOR UPDATE, so units for one account serialize in the database
// while other accounts proceed in parallel. Idempotency keys live in a table
// with a primary key, which makes a claim visible to every account's unit.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ineyio/creditledger"
)

// Store is a PostgreSQL-backed creditledger.Store.
type Store struct {
	pool        *pgxpool.Pool
	tablePrefix string
	maxRetries  int
}

var (
	_ creditledger.Store              = (*Store)(nil)
	_ creditledger.AccountProvisioner = (*Store)(nil)
	_ creditledger.ReservationLister  = (*Store)(nil)
	_ creditledger.AttemptStore       = (*Store)(nil)
)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "creditledger_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// WithMaxRetries sets how often a unit is re-run after a serialization
// failure or deadlock (default 5).
func WithMaxRetries(n int) Option {
	return func(s *Store) { s.maxRetries = n }
}

// New creates a new PostgreSQL-backed Store.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:        pool,
		tablePrefix: "creditledger_",
		maxRetries:  5,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) accountsTable() string     { return s.tablePrefix + "accounts" }
func (s *Store) reservationsTable() string { return s.tablePrefix + "reservations" }
func (s *Store) entriesTable() string      { return s.tablePrefix + "ledger_entries" }
func (s *Store) idempotencyTable() string  { return s.tablePrefix + "idempotency" }
func (s *Store) attemptsTable() string     { return s.tablePrefix + "generation_attempts" }
func (s *Store) auditTable() string        { return s.tablePrefix + "reconciliation_audit" }

// EnsureSchema creates the required tables if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			user_id TEXT PRIMARY KEY,
			tier TEXT NOT NULL DEFAULT 'free',
			monthly_quota BIGINT NOT NULL DEFAULT 0,
			monthly_used BIGINT NOT NULL DEFAULT 0,
			reserved_monthly BIGINT NOT NULL DEFAULT 0,
			bonus_total BIGINT NOT NULL DEFAULT 0,
			bonus_used BIGINT NOT NULL DEFAULT 0,
			reserved_bonus BIGINT NOT NULL DEFAULT 0,
			bonus_granted BOOLEAN NOT NULL DEFAULT false,
			cycle_start TIMESTAMPTZ,
			cycle_end TIMESTAMPTZ,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			CHECK (monthly_used >= 0 AND reserved_monthly >= 0 AND monthly_used + reserved_monthly <= monthly_quota),
			CHECK (bonus_used >= 0 AND reserved_bonus >= 0 AND bonus_used + reserved_bonus <= bonus_total)
		);
		CREATE TABLE IF NOT EXISTS %[2]s (
			request_token TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			monthly_amount BIGINT NOT NULL,
			bonus_amount BIGINT NOT NULL,
			status TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS %[2]s_status_created_idx ON %[2]s (status, created_at);
		CREATE TABLE IF NOT EXISTS %[3]s (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			user_id TEXT NOT NULL,
			request_token TEXT NOT NULL DEFAULT '',
			transaction_type TEXT NOT NULL,
			pool TEXT NOT NULL,
			amount BIGINT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			metadata JSONB,
			event_id TEXT NOT NULL DEFAULT '',
			invoice_id TEXT NOT NULL DEFAULT '',
			subscription_id TEXT NOT NULL DEFAULT '',
			checkout_session_id TEXT NOT NULL DEFAULT '',
			payment_intent_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS %[3]s_token_idx ON %[3]s (request_token);
		CREATE INDEX IF NOT EXISTS %[3]s_user_idx ON %[3]s (user_id, created_at);
		CREATE TABLE IF NOT EXISTS %[4]s (
			key TEXT PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS %[5]s (
			request_token TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			status TEXT NOT NULL,
			error_stage TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			credits_amount BIGINT NOT NULL DEFAULT 0,
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS %[6]s (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			request_token TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			outcome TEXT NOT NULL,
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL
		);
	`, s.accountsTable(), s.reservationsTable(), s.entriesTable(),
		s.idempotencyTable(), s.attemptsTable(), s.auditTable())
	_, err := s.pool.Exec(ctx, q)
	if err != nil {
		return fmt.Errorf("creditledger/postgres: ensure schema: %w", err)
	}
	return nil
}

// DropSchema removes every table created by EnsureSchema.
func (s *Store) DropSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s, %s, %s, %s, %s, %s`,
		s.accountsTable(), s.reservationsTable(), s.entriesTable(),
		s.idempotencyTable(), s.attemptsTable(), s.auditTable()))
	if err != nil {
		return fmt.Errorf("creditledger/postgres: drop schema: %w", err)
	}
	return nil
}

// Atomically runs fn in a transaction, retrying on serialization failures and deadlocks.
func (s *Store) Atomically(ctx context.Context, userID string, fn func(ctx context.Context, tx creditledger.Tx) error) error {
	var err error
	for range s.maxRetries {
		err = s.attempt(ctx, userID, fn)
		if !retryable(err) {
			return err
		}
	}
	return fmt.Errorf("creditledger/postgres: %w: %w", creditledger.ErrConflict, err)
}

func (s *Store) attempt(ctx context.Context, userID string, fn func(ctx context.Context, tx creditledger.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("creditledger/postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, &pgTx{s: s, tx: tx, userID: userID}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("creditledger/postgres: commit: %w", err)
	}
	return nil
}

func retryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	// serialization_failure, deadlock_detected
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const accountColumns = `user_id, tier, monthly_quota, monthly_used, reserved_monthly,
	bonus_total, bonus_used, reserved_bonus, bonus_granted, cycle_start, cycle_end, updated_at`

func (s *Store) readAccount(ctx context.Context, q querier, userID string, lock bool) (creditledger.Account, error) {
	sql := fmt.Sprintf(`SELECT %s FROM %s WHERE user_id = $1`, accountColumns, s.accountsTable())
	if lock {
		sql += ` FOR UPDATE`
	}
	var (
		a                    creditledger.Account
		tier                 string
		cycleStart, cycleEnd *time.Time
	)
	err := q.QueryRow(ctx, sql, userID).Scan(&a.UserID, &tier, &a.MonthlyQuota, &a.MonthlyUsed,
		&a.ReservedMonthly, &a.BonusTotal, &a.BonusUsed, &a.ReservedBonus, &a.BonusGranted,
		&cycleStart, &cycleEnd, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return creditledger.Account{}, creditledger.ErrMissingCreditAccount
	}
	if err != nil {
		return creditledger.Account{}, fmt.Errorf("creditledger/postgres: account: %w", err)
	}
	a.Tier = creditledger.Tier(tier)
	a.CycleStart = deref(cycleStart)
	a.CycleEnd = deref(cycleEnd)
	return a, nil
}

// Account returns a snapshot of an account.
func (s *Store) Account(ctx context.Context, userID string) (creditledger.Account, error) {
	return s.readAccount(ctx, s.pool, userID, false)
}

// Entries returns the entries for a token, oldest first.
func (s *Store) Entries(ctx context.Context, token string) ([]creditledger.LedgerEntry, error) {
	return s.readEntries(ctx, s.pool, `request_token = $1`, token)
}

// UserEntries returns every entry recorded for a user, oldest first.
func (s *Store) UserEntries(ctx context.Context, userID string) ([]creditledger.LedgerEntry, error) {
	return s.readEntries(ctx, s.pool, `user_id = $1`, userID)
}

const entryColumns = `id, user_id, request_token, transaction_type, pool, amount, reason, metadata,
	event_id, invoice_id, subscription_id, checkout_session_id, payment_intent_id, created_at`

func (s *Store) readEntries(ctx context.Context, q querier, where string, arg string) ([]creditledger.LedgerEntry, error) {
	rows, err := q.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE %s ORDER BY seq`, entryColumns, s.entriesTable(), where),
		arg,
	)
	if err != nil {
		return nil, fmt.Errorf("creditledger/postgres: entries: %w", err)
	}
	defer rows.Close()

	var out []creditledger.LedgerEntry
	for rows.Next() {
		var (
			e         creditledger.LedgerEntry
			typ, pool string
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.RequestToken, &typ, &pool, &e.Amount, &e.Reason,
			&e.Metadata, &e.EventID, &e.InvoiceID, &e.SubscriptionID, &e.CheckoutSessionID,
			&e.PaymentIntentID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("creditledger/postgres: scan entry: %w", err)
		}
		e.Type = creditledger.TransactionType(typ)
		e.Pool = creditledger.Pool(pool)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("creditledger/postgres: entries: %w", err)
	}
	return out, nil
}

const reservationColumns = `request_token, user_id, monthly_amount, bonus_amount, status, reason,
	metadata, created_at, updated_at`

func scanReservation(row pgx.Row) (creditledger.Reservation, error) {
	var (
		r      creditledger.Reservation
		status string
	)
	err := row.Scan(&r.RequestToken, &r.UserID, &r.MonthlyAmount, &r.BonusAmount, &status,
		&r.Reason, &r.Metadata, &r.CreatedAt, &r.UpdatedAt)
	r.Status = creditledger.ReservationStatus(status)
	return r, err
}

// ListReservations returns reservations in status created before createdBefore, oldest first.
func (s *Store) ListReservations(ctx context.Context, status creditledger.ReservationStatus, createdBefore time.Time, limit int) ([]creditledger.Reservation, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE status = $1 AND created_at < $2 ORDER BY created_at LIMIT $3`,
			reservationColumns, s.reservationsTable()),
		string(status), createdBefore, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("creditledger/postgres: list reservations: %w", err)
	}
	defer rows.Close()

	var out []creditledger.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("creditledger/postgres: scan reservation: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("creditledger/postgres: list reservations: %w", err)
	}
	return out, nil
}

// EnsureAccount creates the account if it does not exist.
func (s *Store) EnsureAccount(ctx context.Context, a creditledger.Account) error {
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (%s) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (user_id) DO NOTHING`, s.accountsTable(), accountColumns),
		a.UserID, string(a.Tier), a.MonthlyQuota, a.MonthlyUsed, a.ReservedMonthly,
		a.BonusTotal, a.BonusUsed, a.ReservedBonus, a.BonusGranted,
		nullTime(a.CycleStart), nullTime(a.CycleEnd), a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("creditledger/postgres: ensure account: %w", err)
	}
	return nil
}

// Attempt returns the generation attempt for token.
func (s *Store) Attempt(ctx context.Context, token string) (creditledger.GenerationAttempt, bool, error) {
	var (
		a      creditledger.GenerationAttempt
		status string
	)
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT request_token, user_id, status, error_stage, error_message, credits_amount,
			metadata, created_at, updated_at FROM %s WHERE request_token = $1`, s.attemptsTable()),
		token,
	).Scan(&a.RequestToken, &a.UserID, &status, &a.ErrorStage, &a.ErrorMessage, &a.CreditsAmount,
		&a.Metadata, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return creditledger.GenerationAttempt{}, false, nil
	}
	if err != nil {
		return creditledger.GenerationAttempt{}, false, fmt.Errorf("creditledger/postgres: attempt: %w", err)
	}
	a.Status = creditledger.AttemptStatus(status)
	return a, true, nil
}

// SaveAttempt upserts a generation attempt.
func (s *Store) SaveAttempt(ctx context.Context, a creditledger.GenerationAttempt) error {
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (request_token, user_id, status, error_stage, error_message,
			credits_amount, metadata, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (request_token) DO UPDATE SET
				status = EXCLUDED.status, error_stage = EXCLUDED.error_stage,
				error_message = EXCLUDED.error_message, metadata = EXCLUDED.metadata,
				updated_at = EXCLUDED.updated_at`, s.attemptsTable()),
		a.RequestToken, a.UserID, string(a.Status), a.ErrorStage, a.ErrorMessage,
		a.CreditsAmount, a.Metadata, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("creditledger/postgres: save attempt: %w", err)
	}
	return nil
}

// AppendAudit appends a reconciliation audit record.
func (s *Store) AppendAudit(ctx context.Context, r creditledger.AuditRecord) error {
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, user_id, request_token, reason, outcome, metadata, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`, s.auditTable()),
		r.ID, r.UserID, r.RequestToken, r.Reason, r.Outcome, r.Metadata, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("creditledger/postgres: append audit: %w", err)
	}
	return nil
}

type pgTx struct {
	s      *Store
	tx     pgx.Tx
	userID string
}

func (t *pgTx) Account(ctx context.Context) (creditledger.Account, error) {
	return t.s.readAccount(ctx, t.tx, t.userID, true)
}

func (t *pgTx) SaveAccount(ctx context.Context, a creditledger.Account) error {
	_, err := t.tx.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET tier = $2, monthly_quota = $3, monthly_used = $4,
			reserved_monthly = $5, bonus_total = $6, bonus_used = $7, reserved_bonus = $8,
			bonus_granted = $9, cycle_start = $10, cycle_end = $11, updated_at = $12
			WHERE user_id = $1`, t.s.accountsTable()),
		a.UserID, string(a.Tier), a.MonthlyQuota, a.MonthlyUsed, a.ReservedMonthly,
		a.BonusTotal, a.BonusUsed, a.ReservedBonus, a.BonusGranted,
		nullTime(a.CycleStart), nullTime(a.CycleEnd), a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("creditledger/postgres: save account: %w", err)
	}
	return nil
}

func (t *pgTx) Reservation(ctx context.Context, token string) (creditledger.Reservation, bool, error) {
	r, err := scanReservation(t.tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE request_token = $1 FOR UPDATE`,
			reservationColumns, t.s.reservationsTable()),
		token,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return creditledger.Reservation{}, false, nil
	}
	if err != nil {
		return creditledger.Reservation{}, false, fmt.Errorf("creditledger/postgres: reservation: %w", err)
	}
	return r, true, nil
}

func (t *pgTx) SaveReservation(ctx context.Context, r creditledger.Reservation) error {
	_, err := t.tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (%s) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (request_token) DO UPDATE SET
				status = EXCLUDED.status, reason = EXCLUDED.reason,
				metadata = EXCLUDED.metadata, updated_at = EXCLUDED.updated_at`,
			t.s.reservationsTable(), reservationColumns),
		r.RequestToken, r.UserID, r.MonthlyAmount, r.BonusAmount, string(r.Status), r.Reason,
		r.Metadata, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("creditledger/postgres: save reservation: %w", err)
	}
	return nil
}

func (t *pgTx) Entries(ctx context.Context, token string) ([]creditledger.LedgerEntry, error) {
	return t.s.readEntries(ctx, t.tx, `request_token = $1`, token)
}

func (t *pgTx) AppendEntry(ctx context.Context, e creditledger.LedgerEntry) error {
	_, err := t.tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (%s) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			t.s.entriesTable(), entryColumns),
		e.ID, e.UserID, e.RequestToken, string(e.Type), string(e.Pool), e.Amount, e.Reason,
		e.Metadata, e.EventID, e.InvoiceID, e.SubscriptionID, e.CheckoutSessionID,
		e.PaymentIntentID, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("creditledger/postgres: append entry: %w", err)
	}
	return nil
}

func (t *pgTx) ClaimKey(ctx context.Context, key string) (bool, error) {
	var inserted bool
	err := t.tx.QueryRow(ctx,
		fmt.Sprintf(`INSERT INTO %s (key) VALUES ($1) ON CONFLICT DO NOTHING RETURNING true`, t.s.idempotencyTable()),
		key,
	).Scan(&inserted)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("creditledger/postgres: claim key: %w", err)
	}
	return inserted, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func deref(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
