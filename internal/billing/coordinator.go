package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var (
	// ErrInsufficientTokens means the account cannot afford the work. The
	// caller should prompt for a top-up. No AI call was made.
	ErrInsufficientTokens = errors.New("billing: insufficient tokens")
	// ErrAIProvider wraps a failure of the AI call itself. Nothing was
	// billed; the caller decides retry policy.
	ErrAIProvider = errors.New("billing: ai provider failed")
	// ErrBillingRace means the pre-check passed but a concurrent operation
	// consumed the balance before settlement. The produced result was
	// discarded unbilled; the whole charge is safe to retry.
	ErrBillingRace = errors.New("billing: balance consumed concurrently")
)

const (
	defaultWorkTimeout = 60 * time.Second

	reasonBillingRace = "billing_race"
)

// PerformFunc is the caller-supplied AI operation. It is invoked at most
// once per Charge call and must honor ctx cancellation.
type PerformFunc func(ctx context.Context) (Result, error)

// CoordinatorConfig holds dependencies for the billing coordinator.
type CoordinatorConfig struct {
	Ledger   LedgerStore
	Requests RequestStore
	Meter    *Meter
	// WorkTimeout bounds the AI call so a hung provider cannot leave a
	// processing request open indefinitely (default 60s).
	WorkTimeout time.Duration
}

// Coordinator orchestrates check/track/perform/settle around a caller
// supplied unit of AI work. All its dependencies are injected; it holds no
// global state.
type Coordinator struct {
	ledger      LedgerStore
	requests    RequestStore
	meter       *Meter
	workTimeout time.Duration
}

// NewCoordinator creates a billing coordinator.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("ledger store is required")
	}
	if cfg.Requests == nil {
		return nil, fmt.Errorf("request store is required")
	}
	if cfg.Meter == nil {
		return nil, fmt.Errorf("meter is required")
	}
	timeout := cfg.WorkTimeout
	if timeout == 0 {
		timeout = defaultWorkTimeout
	}
	return &Coordinator{
		ledger:      cfg.Ledger,
		requests:    cfg.Requests,
		meter:       cfg.Meter,
		workTimeout: timeout,
	}, nil
}

// Charge runs one unit of metered AI work against an account:
// affordability pre-check, billable request tracking, the AI call, and the
// authoritative debit. On success the request is completed and the result
// returned; every failure path leaves the balance exactly as the committed
// ledger says.
//
// The pre-check is an optimization and can be stale under concurrency; the
// settle-time ApplyEntry is the authoritative balance check and fails
// closed (ErrBillingRace).
func (c *Coordinator) Charge(ctx context.Context, accountID string, work WorkDescriptor, metadata map[string]any, perform PerformFunc) (Result, error) {
	estimated := c.meter.EstimateCost(work)

	balance, err := c.ledger.GetBalance(ctx, accountID)
	if err != nil {
		return Result{}, err
	}
	if balance < estimated {
		slog.Info("charge rejected before AI call",
			"account_id", accountID,
			"kind", string(work.Kind),
			"balance", balance,
			"estimated", estimated,
		)
		return Result{}, fmt.Errorf("%w: balance %d, need %d", ErrInsufficientTokens, balance, estimated)
	}

	req, err := c.requests.Create(ctx, accountID, work.Kind, estimated, metadata)
	if err != nil {
		return Result{}, fmt.Errorf("create billable request: %w", err)
	}
	if err := c.requests.Transition(ctx, req.ID, StatusProcessing, nil); err != nil {
		// Fail the pending row so it cannot linger: the sweep only looks at
		// processing requests.
		c.fail(ctx, req.ID, err.Error())
		return Result{}, fmt.Errorf("start billable request: %w", err)
	}

	result, err := c.performWithTimeout(ctx, perform)
	if err != nil {
		c.fail(ctx, req.ID, err.Error())
		return Result{}, fmt.Errorf("%w: %v", ErrAIProvider, err)
	}

	actual := c.meter.ActualCost(work, result)
	if _, err := c.ledger.ApplyEntry(ctx, accountID, -actual, KindSpent, req.ID); err != nil {
		if errors.Is(err, ErrInsufficientBalance) {
			// Balance moved between pre-check and settle. The result is
			// discarded rather than returned unbilled.
			c.fail(ctx, req.ID, reasonBillingRace)
			slog.Warn("billing race, discarding AI result",
				"account_id", accountID,
				"request_id", req.ID,
				"actual_cost", actual,
			)
			return Result{}, ErrBillingRace
		}
		// Settlement failed for another reason; the request stays
		// processing for the reconciliation sweep to resolve.
		return Result{}, fmt.Errorf("settle debit: %w", err)
	}

	if err := c.requests.Transition(ctx, req.ID, StatusCompleted, &TransitionExtra{ActualCost: actual}); err != nil {
		// Debit committed; the sweep completes the bookkeeping later.
		slog.Error("debit committed but request not marked completed",
			"request_id", req.ID,
			"error", err,
		)
	}

	slog.Debug("charge settled",
		"account_id", accountID,
		"request_id", req.ID,
		"kind", string(work.Kind),
		"estimated", estimated,
		"actual", actual,
	)
	return result, nil
}

func (c *Coordinator) performWithTimeout(ctx context.Context, perform PerformFunc) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.workTimeout)
	defer cancel()
	return perform(ctx)
}

func (c *Coordinator) fail(ctx context.Context, requestID, reason string) {
	if err := c.requests.Transition(ctx, requestID, StatusFailed, &TransitionExtra{FailureReason: reason}); err != nil {
		slog.Error("failed to mark request failed", "request_id", requestID, "error", err)
	}
}
