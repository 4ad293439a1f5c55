package billing

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestMemoryLedgerStore_CreditAndDebit(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryLedgerStore()

	if err := store.CreateAccount(ctx, "acct-1", "free"); err != nil {
		t.Fatalf("CreateAccount() error = %v", err)
	}

	entry, err := store.ApplyEntry(ctx, "acct-1", 10, KindEarned, "")
	if err != nil {
		t.Fatalf("ApplyEntry() credit error = %v", err)
	}
	if entry.BalanceAfter != 10 {
		t.Errorf("BalanceAfter = %d, want 10", entry.BalanceAfter)
	}

	entry, err = store.ApplyEntry(ctx, "acct-1", -3, KindSpent, "req-1")
	if err != nil {
		t.Fatalf("ApplyEntry() debit error = %v", err)
	}
	if entry.BalanceAfter != 7 {
		t.Errorf("BalanceAfter = %d, want 7", entry.BalanceAfter)
	}

	balance, err := store.GetBalance(ctx, "acct-1")
	if err != nil {
		t.Fatalf("GetBalance() error = %v", err)
	}
	if balance != 7 {
		t.Errorf("GetBalance() = %d, want 7", balance)
	}
}

func TestMemoryLedgerStore_InsufficientBalanceWritesNothing(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryLedgerStore()
	_ = store.CreateAccount(ctx, "acct-1", "")
	_, _ = store.ApplyEntry(ctx, "acct-1", 5, KindEarned, "")

	_, err := store.ApplyEntry(ctx, "acct-1", -6, KindSpent, "req-1")
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("ApplyEntry() error = %v, want ErrInsufficientBalance", err)
	}

	balance, _ := store.GetBalance(ctx, "acct-1")
	if balance != 5 {
		t.Errorf("balance after rejected debit = %d, want 5", balance)
	}
	entries, _ := store.Entries(ctx, "acct-1", 0)
	if len(entries) != 1 {
		t.Errorf("entries after rejected debit = %d, want 1", len(entries))
	}
	if _, ok, _ := store.EntryForRequest(ctx, "req-1"); ok {
		t.Error("rejected debit should not leave an entry for the request")
	}
}

func TestMemoryLedgerStore_AccountNotFound(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryLedgerStore()

	if _, err := store.GetBalance(ctx, "ghost"); !errors.Is(err, ErrAccountNotFound) {
		t.Errorf("GetBalance() error = %v, want ErrAccountNotFound", err)
	}
	if _, err := store.ApplyEntry(ctx, "ghost", 5, KindEarned, ""); !errors.Is(err, ErrAccountNotFound) {
		t.Errorf("ApplyEntry() error = %v, want ErrAccountNotFound", err)
	}
	if _, err := store.Entries(ctx, "ghost", 0); !errors.Is(err, ErrAccountNotFound) {
		t.Errorf("Entries() error = %v, want ErrAccountNotFound", err)
	}
}

func TestMemoryLedgerStore_BalanceEqualsEntrySum(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryLedgerStore()
	_ = store.CreateAccount(ctx, "acct-1", "")

	amounts := []int64{20, -5, 3, -7, 100, -50}
	for _, amount := range amounts {
		kind := KindEarned
		if amount < 0 {
			kind = KindSpent
		}
		if _, err := store.ApplyEntry(ctx, "acct-1", amount, kind, ""); err != nil {
			t.Fatalf("ApplyEntry(%d) error = %v", amount, err)
		}
	}

	entries, err := store.Entries(ctx, "acct-1", 0)
	if err != nil {
		t.Fatalf("Entries() error = %v", err)
	}
	var sum int64
	for _, e := range entries {
		sum += e.Amount
	}

	balance, _ := store.GetBalance(ctx, "acct-1")
	if balance != sum {
		t.Errorf("balance = %d, entry sum = %d; must be equal", balance, sum)
	}
}

func TestMemoryLedgerStore_ConcurrentDebitsNeverGoNegative(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryLedgerStore()
	_ = store.CreateAccount(ctx, "acct-1", "")
	_, _ = store.ApplyEntry(ctx, "acct-1", 10, KindEarned, "")

	// 20 goroutines each try to debit 2 from a balance of 10: exactly 5
	// can succeed.
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.ApplyEntry(ctx, "acct-1", -2, KindSpent, ""); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if succeeded != 5 {
		t.Errorf("successful debits = %d, want 5", succeeded)
	}
	balance, _ := store.GetBalance(ctx, "acct-1")
	if balance != 0 {
		t.Errorf("final balance = %d, want 0", balance)
	}
}

func TestMemoryLedgerStore_EntriesNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryLedgerStore()
	_ = store.CreateAccount(ctx, "acct-1", "")
	_, _ = store.ApplyEntry(ctx, "acct-1", 1, KindEarned, "")
	_, _ = store.ApplyEntry(ctx, "acct-1", 2, KindReferral, "")
	_, _ = store.ApplyEntry(ctx, "acct-1", 3, KindDonation, "")

	entries, _ := store.Entries(ctx, "acct-1", 2)
	if len(entries) != 2 {
		t.Fatalf("Entries(limit=2) returned %d entries", len(entries))
	}
	if entries[0].Amount != 3 || entries[1].Amount != 2 {
		t.Errorf("entries not newest first: got %d, %d", entries[0].Amount, entries[1].Amount)
	}
}
