/*
reconciler.go - Periodic sweep for redemptions left mid-saga

PURPOSE:
  A crash or provider outage between debit and commit leaves a
  redemption open with points debited and no code. A failed remote
  deactivation leaves it in compensation_failed. Neither resolves on its
  own; the reconciler finds them and reports them.

DESIGN:
  - Runs in the caller's goroutine until ctx is cancelled
  - Sweeps immediately on start, then every Interval
  - Lists redemptions in a NeedsAttention state not updated for StaleAfter
  - Logs each one and publishes the count as a gauge
  - Never refunds or deactivates by itself: the refund amount belongs
    to the caller of CancelRedeem

CONFIGURATION:
  - Interval:   How often to sweep (default: 1 minute)
  - StaleAfter: Minimum age before a saga is reported (default: 5 minutes)

USAGE:
  r := redemption.NewReconciler(store, logger, observer)
  g.Go(func() error { return r.Run(ctx) })

SEE ALSO:
  - coordinator.go: CancelRedeem (manual resolution)
  - api/handlers.go: GET /api/reconciliation/stuck
*/
package redemption

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/points-redemption/ledger"
)

var attentionStates = []ledger.RedemptionState{
	ledger.StateRequested,
	ledger.StateDebited,
	ledger.StateIssued,
	ledger.StateCompensating,
	ledger.StateCompensationFailed,
}

// Reconciler reports stuck redemptions.
type Reconciler struct {
	Store      ledger.Store
	Interval   time.Duration
	StaleAfter time.Duration
	Logger     *slog.Logger
	Observer   Observer
	Now        func() time.Time

	mu        sync.Mutex
	lastRun   time.Time
	lastStuck []ledger.Redemption
}

// NewReconciler creates a reconciler with default timing.
func NewReconciler(store ledger.Store, logger *slog.Logger, observer Observer) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	if observer == nil {
		observer = nopObserver{}
	}
	return &Reconciler{
		Store:      store,
		Interval:   time.Minute,
		StaleAfter: 5 * time.Minute,
		Logger:     logger.With("component", "reconciler"),
		Observer:   observer,
		Now:        func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps until ctx is done. It returns nil on cancellation.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	r.Logger.Info("started", "interval", r.Interval, "stale_after", r.StaleAfter)

	// Run immediately on start
	r.sweepAndLog(ctx)

	for {
		select {
		case <-ticker.C:
			r.sweepAndLog(ctx)
		case <-ctx.Done():
			r.Logger.Info("stopped")
			return nil
		}
	}
}

func (r *Reconciler) sweepAndLog(ctx context.Context) {
	if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
		r.Logger.Error("sweep failed", "error", err)
	}
}

// Sweep lists stuck redemptions once, oldest first.
func (r *Reconciler) Sweep(ctx context.Context) ([]ledger.Redemption, error) {
	now := r.Now()
	stuck, err := r.Store.StaleRedemptions(ctx, attentionStates, now.Add(-r.StaleAfter))
	if err != nil {
		return nil, err
	}

	for _, red := range stuck {
		level := slog.LevelWarn
		if red.State == ledger.StateCompensationFailed {
			level = slog.LevelError
		}
		r.Logger.Log(ctx, level, "redemption needs attention",
			"redemption_id", red.ID,
			"user_id", red.UserID,
			"state", red.State,
			"points", red.Points,
			"threshold", red.Threshold,
			"reward_id", red.Reward.RewardID,
			"age", now.Sub(red.UpdatedAt).Round(time.Second),
			"error", red.Error,
		)
	}
	r.Observer.SetStuckSagas(len(stuck))

	r.mu.Lock()
	r.lastRun = now
	r.lastStuck = stuck
	r.mu.Unlock()

	if len(stuck) > 0 {
		r.Logger.Info("sweep completed", "stuck", len(stuck))
	}
	return stuck, nil
}

// Last returns the time and result of the most recent sweep.
func (r *Reconciler) Last() (time.Time, []ledger.Redemption) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastRun, append([]ledger.Redemption(nil), r.lastStuck...)
}
