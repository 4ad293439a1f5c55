package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRequestStore is a PostgreSQL-backed RequestStore.
type PostgresRequestStore struct {
	pool *pgxpool.Pool
}

// NewPostgresRequestStore creates a PostgreSQL-backed request store.
func NewPostgresRequestStore(pool *pgxpool.Pool) (*PostgresRequestStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is nil")
	}
	return &PostgresRequestStore{pool: pool}, nil
}

func (s *PostgresRequestStore) Create(ctx context.Context, accountID string, kind RequestKind, estimated int64, metadata map[string]any) (BillableRequest, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	if accountID == "" {
		return BillableRequest{}, fmt.Errorf("account id is required")
	}
	if err := ValidateMetadata(metadata); err != nil {
		return BillableRequest{}, err
	}

	if metadata == nil {
		metadata = map[string]any{}
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return BillableRequest{}, fmt.Errorf("marshal metadata: %w", err)
	}

	req := BillableRequest{
		AccountID:     accountID,
		Kind:          kind,
		Status:        StatusPending,
		EstimatedCost: estimated,
		Metadata:      metadata,
	}
	err = s.pool.QueryRow(ctx,
		`INSERT INTO billable_requests (account_id, kind, status, estimated_cost, metadata)
		 VALUES ($1, $2, $3, $4, $5::jsonb)
		 RETURNING id::text, created_at, updated_at`,
		accountID,
		string(kind),
		string(StatusPending),
		estimated,
		string(metaJSON),
	).Scan(&req.ID, &req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		return BillableRequest{}, fmt.Errorf("create billable request: %w", err)
	}
	return req, nil
}

func (s *PostgresRequestStore) Get(ctx context.Context, requestID string) (BillableRequest, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	return s.scanRequest(s.pool.QueryRow(ctx,
		`SELECT id::text, account_id, kind, status, estimated_cost, actual_cost, metadata, created_at, updated_at
		 FROM billable_requests
		 WHERE id = $1::uuid`,
		requestID,
	))
}

// Transition moves a request through the state machine. The current status
// is read under a row lock so concurrent transitions serialize and illegal
// moves are rejected with ErrInvalidTransition.
func (s *PostgresRequestStore) Transition(ctx context.Context, requestID string, status Status, extra *TransitionExtra) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin transition: %w", err)
	}
	defer tx.Rollback(ctx)

	var current string
	err = tx.QueryRow(ctx,
		`SELECT status FROM billable_requests WHERE id = $1::uuid FOR UPDATE`,
		requestID,
	).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("request not found: %s", requestID)
		}
		return fmt.Errorf("lock request: %w", err)
	}

	if !CanTransition(Status(current), status) {
		return fmt.Errorf("%w: %s -> %s (request %s)", ErrInvalidTransition, current, status, requestID)
	}

	var actualCost any
	if extra != nil && extra.ActualCost != 0 {
		actualCost = extra.ActualCost
	}
	var failureReason any
	if extra != nil && extra.FailureReason != "" {
		failureReason = extra.FailureReason
	}

	_, err = tx.Exec(ctx,
		`UPDATE billable_requests
		 SET status = $2,
		     actual_cost = COALESCE($3, actual_cost),
		     metadata = CASE
		       WHEN $4::text IS NULL THEN metadata
		       ELSE jsonb_set(COALESCE(metadata, '{}'::jsonb), '{failure_reason}', to_jsonb($4::text), true)
		     END,
		     updated_at = NOW()
		 WHERE id = $1::uuid`,
		requestID,
		string(status),
		actualCost,
		failureReason,
	)
	if err != nil {
		return fmt.Errorf("update request status: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transition: %w", err)
	}
	return nil
}

func (s *PostgresRequestStore) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]BillableRequest, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id::text, account_id, kind, status, estimated_cost, actual_cost, metadata, created_at, updated_at
		 FROM billable_requests
		 WHERE status = $1 AND updated_at < $2
		 ORDER BY updated_at ASC
		 LIMIT $3`,
		string(StatusProcessing),
		cutoff,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query stale requests: %w", err)
	}
	defer rows.Close()

	var out []BillableRequest
	for rows.Next() {
		req, err := s.scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale requests: %w", err)
	}
	return out, nil
}

func (s *PostgresRequestStore) scanRequest(row pgx.Row) (BillableRequest, error) {
	var req BillableRequest
	var kind, status string
	var actualCost *int64
	var metaBytes []byte

	err := row.Scan(
		&req.ID,
		&req.AccountID,
		&kind,
		&status,
		&req.EstimatedCost,
		&actualCost,
		&metaBytes,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return BillableRequest{}, fmt.Errorf("request not found")
		}
		return BillableRequest{}, fmt.Errorf("scan request: %w", err)
	}

	req.Kind = RequestKind(kind)
	req.Status = Status(status)
	if actualCost != nil {
		req.ActualCost = *actualCost
	}
	if len(metaBytes) > 0 {
		var meta map[string]any
		if err := json.Unmarshal(metaBytes, &meta); err == nil && len(meta) > 0 {
			req.Metadata = meta
			if reason, ok := meta["failure_reason"].(string); ok {
				req.FailureReason = reason
			}
		}
	}
	return req, nil
}
