package billing

import (
	"context"
	"log/slog"
	"time"
)

const (
	defaultSweepInterval  = time.Minute
	defaultStaleThreshold = 5 * time.Minute
	sweepLockKey          = "billing:reconcile:leader"
	sweepBatchSize        = 100

	reasonAbandoned = "abandoned_after_crash"
)

// Locker is a cross-process lease so only one sweeper runs at a time.
// Implemented by platform/cache; a nil Locker disables leasing.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key string) error
}

// ReconcilerConfig holds dependencies for the reconciliation sweeper.
type ReconcilerConfig struct {
	Ledger   LedgerStore
	Requests RequestStore
	Locker   Locker
	// Interval between sweeps (default 1m).
	Interval time.Duration
	// StaleThreshold is how long a request may sit in processing before the
	// sweep resolves it (default 5m). It must exceed the coordinator's work
	// timeout or in-flight calls get swept.
	StaleThreshold time.Duration
}

// Reconciler resolves billable requests stranded in processing by a crash
// between AI completion and billing commit: if a ledger entry references the
// request the debit committed and only the terminal transition was lost;
// otherwise nothing was billed and the request is failed.
type Reconciler struct {
	ledger   LedgerStore
	requests RequestStore
	locker   Locker
	interval time.Duration
	stale    time.Duration
}

// NewReconciler creates a reconciliation sweeper.
func NewReconciler(cfg ReconcilerConfig) *Reconciler {
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultSweepInterval
	}
	stale := cfg.StaleThreshold
	if stale == 0 {
		stale = defaultStaleThreshold
	}
	return &Reconciler{
		ledger:   cfg.Ledger,
		requests: cfg.Requests,
		locker:   cfg.Locker,
		interval: interval,
		stale:    stale,
	}
}

// Run sweeps on a ticker until ctx is done.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	slog.Info("reconciliation sweeper started",
		"interval", r.interval.String(),
		"stale_threshold", r.stale.String(),
	)

	for {
		select {
		case <-ctx.Done():
			slog.Info("reconciliation sweeper stopped")
			return
		case <-ticker.C:
			if n, err := r.Sweep(ctx); err != nil {
				slog.Error("reconciliation sweep failed", "error", err)
			} else if n > 0 {
				slog.Info("reconciliation sweep resolved requests", "count", n)
			}
		}
	}
}

// Sweep resolves one batch of stale processing requests and returns how many
// it touched.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	if r.locker != nil {
		ok, err := r.locker.TryLock(ctx, sweepLockKey, r.interval)
		if err != nil {
			slog.Warn("sweep lease unavailable, skipping", "error", err)
			return 0, nil
		}
		if !ok {
			return 0, nil
		}
		defer func() {
			if err := r.locker.Unlock(ctx, sweepLockKey); err != nil {
				slog.Warn("sweep lease release failed", "error", err)
			}
		}()
	}

	cutoff := time.Now().Add(-r.stale)
	stale, err := r.requests.ListStale(ctx, cutoff, sweepBatchSize)
	if err != nil {
		return 0, err
	}

	resolved := 0
	for _, req := range stale {
		entry, billed, err := r.ledger.EntryForRequest(ctx, req.ID)
		if err != nil {
			slog.Error("sweep: entry lookup failed", "request_id", req.ID, "error", err)
			continue
		}

		if billed {
			// Debit committed, terminal transition lost.
			err = r.requests.Transition(ctx, req.ID, StatusCompleted, &TransitionExtra{ActualCost: -entry.Amount})
		} else {
			// Nothing billed; balance is untouched.
			err = r.requests.Transition(ctx, req.ID, StatusFailed, &TransitionExtra{FailureReason: reasonAbandoned})
		}
		if err != nil {
			slog.Error("sweep: resolve failed", "request_id", req.ID, "error", err)
			continue
		}

		slog.Info("sweep resolved stale request",
			"request_id", req.ID,
			"account_id", req.AccountID,
			"billed", billed,
		)
		resolved++
	}
	return resolved, nil
}
