// Package memory provides an in-memory Store for creditledger.
//
// Units for the same account are serialized by a per-account mutex; writes are
// buffered and applied only when the unit succeeds. State is lost on restart,
// so the store is meant for tests and single-process tools.
package memory

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/ineyio/creditledger"
)

// Store is an in-memory creditledger.Store.
type Store struct {
	mu           sync.RWMutex
	locks        map[string]*sync.Mutex
	accounts     map[string]creditledger.Account
	reservations map[string]creditledger.Reservation
	entries      map[string][]creditledger.LedgerEntry // by request token
	untokened    []creditledger.LedgerEntry
	keys         map[string]bool // claimed idempotency keys
	attempts     map[string]creditledger.GenerationAttempt
	audits       []creditledger.AuditRecord
}

var (
	_ creditledger.Store              = (*Store)(nil)
	_ creditledger.AccountProvisioner = (*Store)(nil)
	_ creditledger.ReservationLister  = (*Store)(nil)
	_ creditledger.AttemptStore       = (*Store)(nil)
)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		locks:        make(map[string]*sync.Mutex),
		accounts:     make(map[string]creditledger.Account),
		reservations: make(map[string]creditledger.Reservation),
		entries:      make(map[string][]creditledger.LedgerEntry),
		keys:         make(map[string]bool),
		attempts:     make(map[string]creditledger.GenerationAttempt),
	}
}

func (s *Store) lockFor(userID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[userID] = l
	}
	return l
}

// Atomically runs fn while holding userID's lock.
func (s *Store) Atomically(ctx context.Context, userID string, fn func(ctx context.Context, tx creditledger.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l := s.lockFor(userID)
	l.Lock()
	defer l.Unlock()

	tx := &memTx{
		s:            s,
		userID:       userID,
		reservations: make(map[string]creditledger.Reservation),
	}
	if err := fn(ctx, tx); err != nil {
		tx.rollback()
		return err
	}
	tx.commit()
	return nil
}

// Account returns a snapshot of an account.
func (s *Store) Account(_ context.Context, userID string) (creditledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[userID]
	if !ok {
		return creditledger.Account{}, creditledger.ErrMissingCreditAccount
	}
	return a, nil
}

// Entries returns the entries for a token, oldest first.
func (s *Store) Entries(_ context.Context, token string) ([]creditledger.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.Clone(s.entries[token]), nil
}

// UserEntries returns every entry recorded for a user, oldest first.
func (s *Store) UserEntries(userID string) []creditledger.LedgerEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []creditledger.LedgerEntry
	for _, list := range s.entries {
		for _, e := range list {
			if e.UserID == userID {
				out = append(out, e)
			}
		}
	}
	for _, e := range s.untokened {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// EnsureAccount creates the account if it does not exist.
func (s *Store) EnsureAccount(_ context.Context, a creditledger.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[a.UserID]; !ok {
		s.accounts[a.UserID] = a
	}
	return nil
}

// ListReservations returns reservations in status created before createdBefore, oldest first.
func (s *Store) ListReservations(_ context.Context, status creditledger.ReservationStatus, createdBefore time.Time, limit int) ([]creditledger.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []creditledger.Reservation
	for _, r := range s.reservations {
		if r.Status == status && r.CreatedAt.Before(createdBefore) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Attempt returns the generation attempt for token.
func (s *Store) Attempt(_ context.Context, token string) (creditledger.GenerationAttempt, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.attempts[token]
	return a, ok, nil
}

// SaveAttempt upserts a generation attempt.
func (s *Store) SaveAttempt(_ context.Context, a creditledger.GenerationAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a.Metadata = maps.Clone(a.Metadata)
	s.attempts[a.RequestToken] = a
	return nil
}

// AppendAudit appends a reconciliation audit record.
func (s *Store) AppendAudit(_ context.Context, r creditledger.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.audits = append(s.audits, r)
	return nil
}

// Audits returns the audit records for token.
func (s *Store) Audits(token string) []creditledger.AuditRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []creditledger.AuditRecord
	for _, r := range s.audits {
		if r.RequestToken == token {
			out = append(out, r)
		}
	}
	return out
}

type memTx struct {
	s      *Store
	userID string

	account      *creditledger.Account
	reservations map[string]creditledger.Reservation
	entries      []creditledger.LedgerEntry
	claimed      []string
}

func (t *memTx) Account(_ context.Context) (creditledger.Account, error) {
	if t.account != nil {
		return *t.account, nil
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()

	a, ok := t.s.accounts[t.userID]
	if !ok {
		return creditledger.Account{}, creditledger.ErrMissingCreditAccount
	}
	return a, nil
}

func (t *memTx) SaveAccount(_ context.Context, a creditledger.Account) error {
	t.account = &a
	return nil
}

func (t *memTx) Reservation(_ context.Context, token string) (creditledger.Reservation, bool, error) {
	if r, ok := t.reservations[token]; ok {
		return r, true, nil
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()

	r, ok := t.s.reservations[token]
	return r, ok, nil
}

func (t *memTx) SaveReservation(_ context.Context, r creditledger.Reservation) error {
	r.Metadata = maps.Clone(r.Metadata)
	t.reservations[r.RequestToken] = r
	return nil
}

func (t *memTx) Entries(_ context.Context, token string) ([]creditledger.LedgerEntry, error) {
	t.s.mu.RLock()
	out := slices.Clone(t.s.entries[token])
	t.s.mu.RUnlock()

	for _, e := range t.entries {
		if e.RequestToken == token {
			out = append(out, e)
		}
	}
	return out, nil
}

func (t *memTx) AppendEntry(_ context.Context, e creditledger.LedgerEntry) error {
	e.Metadata = maps.Clone(e.Metadata)
	t.entries = append(t.entries, e)
	return nil
}

// ClaimKey takes the key immediately so that units for other accounts see
// it; rollback gives it back.
func (t *memTx) ClaimKey(_ context.Context, key string) (bool, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	if t.s.keys[key] {
		return false, nil
	}
	t.s.keys[key] = true
	t.claimed = append(t.claimed, key)
	return true, nil
}

func (t *memTx) commit() {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	if t.account != nil {
		t.s.accounts[t.userID] = *t.account
	}
	for token, r := range t.reservations {
		t.s.reservations[token] = r
	}
	for _, e := range t.entries {
		if e.RequestToken == "" {
			t.s.untokened = append(t.s.untokened, e)
			continue
		}
		t.s.entries[e.RequestToken] = append(t.s.entries[e.RequestToken], e)
	}
}

func (t *memTx) rollback() {
	if len(t.claimed) == 0 {
		return
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	for _, k := range t.claimed {
		delete(t.s.keys, k)
	}
}
