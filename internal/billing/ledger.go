// Package billing implements the token ledger and AI-usage billing
// coordinator: every metered AI feature debits a per-account token balance
// through an append-only ledger, and the balance can never go negative.
package billing

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrAccountNotFound is returned when the account does not exist.
	ErrAccountNotFound = errors.New("billing: account not found")
	// ErrInsufficientBalance is returned by ApplyEntry when the entry would
	// drive the balance negative. Nothing is written.
	ErrInsufficientBalance = errors.New("billing: insufficient balance")
)

// EntryKind is the business reason for a ledger entry. Open enumeration:
// unrecognized kinds are stored as-is.
type EntryKind string

const (
	KindEarned       EntryKind = "earned"
	KindSpent        EntryKind = "spent"
	KindReferral     EntryKind = "referral"
	KindDonation     EntryKind = "donation"
	KindSubscription EntryKind = "subscription"
	KindLionsClub    EntryKind = "lions_club_bonus"
	KindOther        EntryKind = "other"
)

// Account holds a user's current token balance. The balance is denormalized:
// it always equals the sum of the account's committed ledger entries.
type Account struct {
	ID        string    `json:"id"`
	Balance   int64     `json:"balance"`
	Tier      string    `json:"tier,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// LedgerEntry is an immutable record of one balance change. Positive amounts
// are credits, negative amounts are debits. Corrections are new offsetting
// entries, never updates.
type LedgerEntry struct {
	ID           string    `json:"id"`
	AccountID    string    `json:"account_id"`
	Amount       int64     `json:"amount"`
	Kind         EntryKind `json:"kind"`
	RequestID    string    `json:"request_id,omitempty"`
	BalanceAfter int64     `json:"balance_after"`
	CreatedAt    time.Time `json:"created_at"`
}

// LedgerStore persists accounts and their ledger entries. ApplyEntry is the
// only way a balance changes; there is no separate balance update.
type LedgerStore interface {
	// CreateAccount registers an account with a zero balance.
	CreateAccount(ctx context.Context, accountID, tier string) error

	// GetBalance returns the current balance, never negative.
	GetBalance(ctx context.Context, accountID string) (int64, error)

	// ApplyEntry atomically reads the balance, rejects the entry with
	// ErrInsufficientBalance if balance+amount < 0, and otherwise writes the
	// new balance and appends the entry in the same transaction. requestID
	// links a debit to the billable request that produced it ("" for manual
	// credits).
	ApplyEntry(ctx context.Context, accountID string, amount int64, kind EntryKind, requestID string) (LedgerEntry, error)

	// Entries returns the most recent entries for an account, newest first.
	Entries(ctx context.Context, accountID string, limit int) ([]LedgerEntry, error)

	// EntryForRequest returns the entry referencing the request, if any.
	// Used by the reconciliation sweep.
	EntryForRequest(ctx context.Context, requestID string) (LedgerEntry, bool, error)
}
