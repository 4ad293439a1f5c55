package billing

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"
)

// MemoryLedgerStore is an in-memory LedgerStore for development and tests.
type MemoryLedgerStore struct {
	accounts map[string]*Account
	entries  map[string][]LedgerEntry // account ID -> entries, newest last
	byReq    map[string]LedgerEntry   // request ID -> settled entry

	locks  map[string]*sync.Mutex // per-account serialization for ApplyEntry
	lockMu sync.Mutex             // protects locks
	mu     sync.RWMutex           // protects accounts/entries/byReq
}

// NewMemoryLedgerStore creates an empty in-memory ledger store.
func NewMemoryLedgerStore() *MemoryLedgerStore {
	return &MemoryLedgerStore{
		accounts: make(map[string]*Account),
		entries:  make(map[string][]LedgerEntry),
		byReq:    make(map[string]LedgerEntry),
		locks:    make(map[string]*sync.Mutex),
	}
}

func (s *MemoryLedgerStore) accountLock(accountID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	if _, ok := s.locks[accountID]; !ok {
		s.locks[accountID] = &sync.Mutex{}
	}
	return s.locks[accountID]
}

func (s *MemoryLedgerStore) CreateAccount(_ context.Context, accountID, tier string) error {
	if accountID == "" {
		return fmt.Errorf("account id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[accountID]; ok {
		return fmt.Errorf("account already exists: %s", accountID)
	}
	s.accounts[accountID] = &Account{
		ID:        accountID,
		Tier:      tier,
		CreatedAt: time.Now(),
	}
	return nil
}

func (s *MemoryLedgerStore) GetBalance(_ context.Context, accountID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[accountID]
	if !ok {
		return 0, ErrAccountNotFound
	}
	return acct.Balance, nil
}

func (s *MemoryLedgerStore) ApplyEntry(_ context.Context, accountID string, amount int64, kind EntryKind, requestID string) (LedgerEntry, error) {
	// Per-account lock makes read-check-write atomic, so two concurrent
	// debits cannot both pass the balance check.
	lock := s.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[accountID]
	if !ok {
		return LedgerEntry{}, ErrAccountNotFound
	}

	newBalance := acct.Balance + amount
	if newBalance < 0 {
		return LedgerEntry{}, ErrInsufficientBalance
	}

	entry := LedgerEntry{
		ID:           newID(),
		AccountID:    accountID,
		Amount:       amount,
		Kind:         kind,
		RequestID:    requestID,
		BalanceAfter: newBalance,
		CreatedAt:    time.Now(),
	}

	acct.Balance = newBalance
	s.entries[accountID] = append(s.entries[accountID], entry)
	if requestID != "" {
		s.byReq[requestID] = entry
	}
	return entry, nil
}

func (s *MemoryLedgerStore) Entries(_ context.Context, accountID string, limit int) ([]LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.accounts[accountID]; !ok {
		return nil, ErrAccountNotFound
	}

	all := s.entries[accountID]
	if limit <= 0 || limit > len(all) {
		limit = len(all)
	}

	// Newest first.
	out := make([]LedgerEntry, 0, limit)
	for i := len(all) - 1; i >= len(all)-limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

func (s *MemoryLedgerStore) EntryForRequest(_ context.Context, requestID string) (LedgerEntry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.byReq[requestID]
	return entry, ok, nil
}

func newID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return fmt.Sprintf("%x", b)
}
