package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const dbTimeout = 5 * time.Second

// PostgresLedgerStore is a PostgreSQL-backed LedgerStore. ApplyEntry locks
// the account row for the duration of the read-modify-write, which is the
// sole serialization point for balance changes.
type PostgresLedgerStore struct {
	pool *pgxpool.Pool
}

// NewPostgresLedgerStore creates a PostgreSQL-backed ledger store.
func NewPostgresLedgerStore(pool *pgxpool.Pool) (*PostgresLedgerStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is nil")
	}
	return &PostgresLedgerStore{pool: pool}, nil
}

func (s *PostgresLedgerStore) CreateAccount(ctx context.Context, accountID, tier string) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	if accountID == "" {
		return fmt.Errorf("account id is required")
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (id, balance, tier)
		 VALUES ($1, 0, $2)`,
		accountID,
		nullIfEmpty(tier),
	)
	if err != nil {
		return fmt.Errorf("create account: %w", err)
	}
	return nil
}

func (s *PostgresLedgerStore) GetBalance(ctx context.Context, accountID string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	var balance int64
	err := s.pool.QueryRow(ctx,
		`SELECT balance FROM accounts WHERE id = $1`,
		accountID,
	).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrAccountNotFound
		}
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return balance, nil
}

func (s *PostgresLedgerStore) ApplyEntry(ctx context.Context, accountID string, amount int64, kind EntryKind, requestID string) (LedgerEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return LedgerEntry{}, fmt.Errorf("begin apply entry: %w", err)
	}
	defer tx.Rollback(ctx)

	// Write-intent lock on the account row. A concurrent ApplyEntry for the
	// same account blocks here and observes the committed balance.
	var balance int64
	err = tx.QueryRow(ctx,
		`SELECT balance FROM accounts WHERE id = $1 FOR UPDATE`,
		accountID,
	).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return LedgerEntry{}, ErrAccountNotFound
		}
		return LedgerEntry{}, fmt.Errorf("lock account: %w", err)
	}

	newBalance := balance + amount
	if newBalance < 0 {
		return LedgerEntry{}, ErrInsufficientBalance
	}

	if _, err := tx.Exec(ctx,
		`UPDATE accounts SET balance = $2 WHERE id = $1`,
		accountID,
		newBalance,
	); err != nil {
		return LedgerEntry{}, fmt.Errorf("update balance: %w", err)
	}

	entry := LedgerEntry{
		AccountID:    accountID,
		Amount:       amount,
		Kind:         kind,
		RequestID:    requestID,
		BalanceAfter: newBalance,
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO ledger_entries (account_id, amount, kind, request_id, balance_after)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id::text, created_at`,
		accountID,
		amount,
		string(kind),
		nullIfEmpty(requestID),
		newBalance,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return LedgerEntry{}, fmt.Errorf("insert ledger entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return LedgerEntry{}, fmt.Errorf("commit apply entry: %w", err)
	}
	return entry, nil
}

func (s *PostgresLedgerStore) Entries(ctx context.Context, accountID string, limit int) ([]LedgerEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	if _, err := s.GetBalance(ctx, accountID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id::text, account_id, amount, kind, request_id, balance_after, created_at
		 FROM ledger_entries
		 WHERE account_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2`,
		accountID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	var entries []LedgerEntry
	for rows.Next() {
		var entry LedgerEntry
		var kind string
		var requestID *string
		if err := rows.Scan(
			&entry.ID,
			&entry.AccountID,
			&entry.Amount,
			&kind,
			&requestID,
			&entry.BalanceAfter,
			&entry.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entry.Kind = EntryKind(kind)
		if requestID != nil {
			entry.RequestID = *requestID
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return entries, nil
}

func (s *PostgresLedgerStore) EntryForRequest(ctx context.Context, requestID string) (LedgerEntry, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	var entry LedgerEntry
	var kind string
	err := s.pool.QueryRow(ctx,
		`SELECT id::text, account_id, amount, kind, balance_after, created_at
		 FROM ledger_entries
		 WHERE request_id = $1
		 LIMIT 1`,
		requestID,
	).Scan(&entry.ID, &entry.AccountID, &entry.Amount, &kind, &entry.BalanceAfter, &entry.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return LedgerEntry{}, false, nil
		}
		return LedgerEntry{}, false, fmt.Errorf("entry for request: %w", err)
	}
	entry.Kind = EntryKind(kind)
	entry.RequestID = requestID
	return entry, true, nil
}

func nullIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}
