// Package redis provides a Redis-backed Store for creditledger.
//
// Accounts are Redis hashes. Each atomic unit runs under WATCH on the account
// key plus every reservation, ledger and idempotency key it reads, and applies
// its writes in a single MULTI/EXEC. A unit that loses a race is re-run.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/creditledger"
)

// Client is the subset of *goredis.Client and *goredis.ClusterClient the store needs.
type Client interface {
	goredis.Cmdable
	Watch(ctx context.Context, fn func(*goredis.Tx) error, keys ...string) error
}

// Store is a Redis-backed creditledger.Store.
type Store struct {
	client     Client
	keyPrefix  string
	maxRetries int
}

var (
	_ creditledger.Store              = (*Store)(nil)
	_ creditledger.AccountProvisioner = (*Store)(nil)
	_ creditledger.ReservationLister  = (*Store)(nil)
	_ creditledger.AttemptStore       = (*Store)(nil)
)

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the Redis key prefix (default "creditledger:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// WithMaxRetries sets how often a unit is re-run after losing a WATCH race (default 50).
func WithMaxRetries(n int) Option {
	return func(s *Store) { s.maxRetries = n }
}

// New creates a new Redis-backed Store.
// The client must be a connected *goredis.Client or *goredis.ClusterClient.
func New(client Client, opts ...Option) *Store {
	s := &Store{
		client:     client,
		keyPrefix:  "creditledger:",
		maxRetries: 50,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) accountKey(userID string) string     { return s.keyPrefix + "account:" + userID }
func (s *Store) reservationKey(token string) string  { return s.keyPrefix + "reservation:" + token }
func (s *Store) entriesKey(token string) string      { return s.keyPrefix + "entries:" + token }
func (s *Store) userEntriesKey(userID string) string { return s.keyPrefix + "user_entries:" + userID }
func (s *Store) idemKey(key string) string           { return s.keyPrefix + "idem:" + key }
func (s *Store) attemptKey(token string) string      { return s.keyPrefix + "attempt:" + token }
func (s *Store) auditKey(token string) string        { return s.keyPrefix + "audit:" + token }
func (s *Store) stuckKey() string                    { return s.keyPrefix + "reserved" }

// ensureAccountScript creates the account hash only if it does not exist.
// KEYS[1] = account hash key
// ARGV    = field/value pairs
//
// Returns 1 if created, 0 if the account already existed.
var ensureAccountScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
    return 0
end
redis.call("HSET", KEYS[1], unpack(ARGV))
return 1
`)

// EnsureAccount creates the account if it does not exist.
func (s *Store) EnsureAccount(ctx context.Context, a creditledger.Account) error {
	_, err := ensureAccountScript.Run(ctx, s.client, []string{s.accountKey(a.UserID)}, accountFields(a)...).Int64()
	if err != nil {
		return fmt.Errorf("creditledger/redis: ensure account: %w", err)
	}
	return nil
}

// Atomically runs fn under WATCH and commits its writes with MULTI/EXEC.
func (s *Store) Atomically(ctx context.Context, userID string, fn func(ctx context.Context, tx creditledger.Tx) error) error {
	for range s.maxRetries {
		err := s.client.Watch(ctx, func(rtx *goredis.Tx) error {
			t := &redisTx{s: s, rtx: rtx, userID: userID, claimed: make(map[string]bool)}
			if err := fn(ctx, t); err != nil {
				return err
			}
			return t.flush(ctx)
		}, s.accountKey(userID))
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("creditledger/redis: %s: %w", userID, creditledger.ErrConflict)
}

// Account returns a snapshot of an account.
func (s *Store) Account(ctx context.Context, userID string) (creditledger.Account, error) {
	return readAccount(ctx, s.client, s.accountKey(userID))
}

// Entries returns the entries for a token, oldest first.
func (s *Store) Entries(ctx context.Context, token string) ([]creditledger.LedgerEntry, error) {
	return readEntries(ctx, s.client, s.entriesKey(token))
}

// ListReservations returns reservations in status created before createdBefore, oldest first.
// Only StatusReserved is indexed.
func (s *Store) ListReservations(ctx context.Context, status creditledger.ReservationStatus, createdBefore time.Time, limit int) ([]creditledger.Reservation, error) {
	if status != creditledger.StatusReserved {
		return nil, fmt.Errorf("creditledger/redis: list reservations: status %q: %w", status, creditledger.ErrNotSupported)
	}
	tokens, err := s.client.ZRangeByScore(ctx, s.stuckKey(), &goredis.ZRangeBy{
		Min:   "-inf",
		Max:   "(" + strconv.FormatInt(createdBefore.UnixNano(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("creditledger/redis: list reservations: %w", err)
	}

	out := make([]creditledger.Reservation, 0, len(tokens))
	for _, token := range tokens {
		r, ok, err := readJSON[creditledger.Reservation](ctx, s.client, s.reservationKey(token))
		if err != nil {
			return nil, fmt.Errorf("creditledger/redis: list reservations: %w", err)
		}
		if ok && r.Status == status {
			out = append(out, r)
		}
	}
	return out, nil
}

// Attempt returns the generation attempt for token.
func (s *Store) Attempt(ctx context.Context, token string) (creditledger.GenerationAttempt, bool, error) {
	a, ok, err := readJSON[creditledger.GenerationAttempt](ctx, s.client, s.attemptKey(token))
	if err != nil {
		return a, false, fmt.Errorf("creditledger/redis: attempt: %w", err)
	}
	return a, ok, nil
}

// SaveAttempt upserts a generation attempt.
func (s *Store) SaveAttempt(ctx context.Context, a creditledger.GenerationAttempt) error {
	b, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("creditledger/redis: encode attempt: %w", err)
	}
	if err := s.client.Set(ctx, s.attemptKey(a.RequestToken), b, 0).Err(); err != nil {
		return fmt.Errorf("creditledger/redis: save attempt: %w", err)
	}
	return nil
}

// AppendAudit appends a reconciliation audit record.
func (s *Store) AppendAudit(ctx context.Context, r creditledger.AuditRecord) error {
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("creditledger/redis: encode audit: %w", err)
	}
	if err := s.client.RPush(ctx, s.auditKey(r.RequestToken), b).Err(); err != nil {
		return fmt.Errorf("creditledger/redis: append audit: %w", err)
	}
	return nil
}

type redisTx struct {
	s      *Store
	rtx    *goredis.Tx
	userID string

	account      *creditledger.Account
	reservations []creditledger.Reservation
	entries      []creditledger.LedgerEntry
	claimed      map[string]bool
}

func (t *redisTx) Account(ctx context.Context) (creditledger.Account, error) {
	if t.account != nil {
		return *t.account, nil
	}
	return readAccount(ctx, t.rtx, t.s.accountKey(t.userID))
}

func (t *redisTx) SaveAccount(_ context.Context, a creditledger.Account) error {
	t.account = &a
	return nil
}

func (t *redisTx) Reservation(ctx context.Context, token string) (creditledger.Reservation, bool, error) {
	for i := len(t.reservations) - 1; i >= 0; i-- {
		if t.reservations[i].RequestToken == token {
			return t.reservations[i], true, nil
		}
	}
	key := t.s.reservationKey(token)
	if err := t.rtx.Watch(ctx, key).Err(); err != nil {
		return creditledger.Reservation{}, false, fmt.Errorf("creditledger/redis: watch reservation: %w", err)
	}
	r, ok, err := readJSON[creditledger.Reservation](ctx, t.rtx, key)
	if err != nil {
		return r, false, fmt.Errorf("creditledger/redis: reservation: %w", err)
	}
	return r, ok, nil
}

func (t *redisTx) SaveReservation(_ context.Context, r creditledger.Reservation) error {
	t.reservations = append(t.reservations, r)
	return nil
}

func (t *redisTx) Entries(ctx context.Context, token string) ([]creditledger.LedgerEntry, error) {
	key := t.s.entriesKey(token)
	if err := t.rtx.Watch(ctx, key).Err(); err != nil {
		return nil, fmt.Errorf("creditledger/redis: watch entries: %w", err)
	}
	out, err := readEntries(ctx, t.rtx, key)
	if err != nil {
		return nil, err
	}
	for _, e := range t.entries {
		if e.RequestToken == token {
			out = append(out, e)
		}
	}
	return out, nil
}

func (t *redisTx) AppendEntry(_ context.Context, e creditledger.LedgerEntry) error {
	t.entries = append(t.entries, e)
	return nil
}

func (t *redisTx) ClaimKey(ctx context.Context, key string) (bool, error) {
	if t.claimed[key] {
		return false, nil
	}
	rk := t.s.idemKey(key)
	if err := t.rtx.Watch(ctx, rk).Err(); err != nil {
		return false, fmt.Errorf("creditledger/redis: watch key: %w", err)
	}
	n, err := t.rtx.Exists(ctx, rk).Result()
	if err != nil {
		return false, fmt.Errorf("creditledger/redis: claim key: %w", err)
	}
	if n > 0 {
		return false, nil
	}
	t.claimed[key] = true
	return true, nil
}

// flush applies the buffered writes in one MULTI/EXEC. EXEC fails with
// TxFailedErr if any watched key changed since it was read.
func (t *redisTx) flush(ctx context.Context) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := t.rtx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		if t.account != nil {
			pipe.HSet(ctx, t.s.accountKey(t.userID), accountFields(*t.account)...)
		}
		for _, r := range t.reservations {
			b, err := json.Marshal(r)
			if err != nil {
				return fmt.Errorf("encode reservation: %w", err)
			}
			pipe.Set(ctx, t.s.reservationKey(r.RequestToken), b, 0)
			if r.Status == creditledger.StatusReserved {
				pipe.ZAdd(ctx, t.s.stuckKey(), goredis.Z{Score: float64(r.CreatedAt.UnixNano()), Member: r.RequestToken})
			} else {
				pipe.ZRem(ctx, t.s.stuckKey(), r.RequestToken)
			}
		}
		for _, e := range t.entries {
			b, err := json.Marshal(e)
			if err != nil {
				return fmt.Errorf("encode entry: %w", err)
			}
			if e.RequestToken != "" {
				pipe.RPush(ctx, t.s.entriesKey(e.RequestToken), b)
			}
			pipe.RPush(ctx, t.s.userEntriesKey(e.UserID), b)
		}
		for k := range t.claimed {
			pipe.Set(ctx, t.s.idemKey(k), now, 0)
		}
		return nil
	})
	if err != nil && !errors.Is(err, goredis.TxFailedErr) {
		return fmt.Errorf("creditledger/redis: exec: %w", err)
	}
	return err
}

// reader is satisfied by both the client and a WATCH transaction.
type reader interface {
	HGetAll(ctx context.Context, key string) *goredis.MapStringStringCmd
	LRange(ctx context.Context, key string, start, stop int64) *goredis.StringSliceCmd
	Get(ctx context.Context, key string) *goredis.StringCmd
}

func accountFields(a creditledger.Account) []any {
	return []any{
		"user_id", a.UserID,
		"tier", string(a.Tier),
		"monthly_quota", a.MonthlyQuota,
		"monthly_used", a.MonthlyUsed,
		"reserved_monthly", a.ReservedMonthly,
		"bonus_total", a.BonusTotal,
		"bonus_used", a.BonusUsed,
		"reserved_bonus", a.ReservedBonus,
		"bonus_granted", strconv.FormatBool(a.BonusGranted),
		"cycle_start", formatTime(a.CycleStart),
		"cycle_end", formatTime(a.CycleEnd),
		"updated_at", formatTime(a.UpdatedAt),
	}
}

func readAccount(ctx context.Context, c reader, key string) (creditledger.Account, error) {
	h, err := c.HGetAll(ctx, key).Result()
	if err != nil {
		return creditledger.Account{}, fmt.Errorf("creditledger/redis: account: %w", err)
	}
	if len(h) == 0 {
		return creditledger.Account{}, creditledger.ErrMissingCreditAccount
	}

	var a creditledger.Account
	a.UserID = h["user_id"]
	a.Tier = creditledger.Tier(h["tier"])
	ints := []struct {
		field string
		dst   *int64
	}{
		{"monthly_quota", &a.MonthlyQuota},
		{"monthly_used", &a.MonthlyUsed},
		{"reserved_monthly", &a.ReservedMonthly},
		{"bonus_total", &a.BonusTotal},
		{"bonus_used", &a.BonusUsed},
		{"reserved_bonus", &a.ReservedBonus},
	}
	for _, f := range ints {
		v, err := strconv.ParseInt(h[f.field], 10, 64)
		if err != nil {
			return creditledger.Account{}, fmt.Errorf("creditledger/redis: account field %s: %w", f.field, err)
		}
		*f.dst = v
	}
	a.BonusGranted = h["bonus_granted"] == "true"
	a.CycleStart = parseTime(h["cycle_start"])
	a.CycleEnd = parseTime(h["cycle_end"])
	a.UpdatedAt = parseTime(h["updated_at"])
	return a, nil
}

func readEntries(ctx context.Context, c reader, key string) ([]creditledger.LedgerEntry, error) {
	raw, err := c.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("creditledger/redis: entries: %w", err)
	}
	out := make([]creditledger.LedgerEntry, 0, len(raw))
	for _, r := range raw {
		var e creditledger.LedgerEntry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			return nil, fmt.Errorf("creditledger/redis: decode entry: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}

func readJSON[T any](ctx context.Context, c reader, key string) (T, bool, error) {
	var v T
	b, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return v, false, nil
	}
	if err != nil {
		return v, false, err
	}
	if err := json.Unmarshal(b, &v); err != nil {
		return v, false, err
	}
	return v, true, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
