/*
Package redemption coordinates point redemptions across the local ledger
and the remote reward provider using a saga with compensating actions.

PURPOSE:
  A redemption touches two systems that share no transaction: the local
  ledger (balance, action log) and the commerce platform that issues the
  code. The Coordinator orders the steps so that the local debit always
  happens before the remote issue, and records every step on a
  ledger.Redemption so that an interrupted saga is visible afterwards.

FLOW (Redeem):
  1. validate input, look up user
  2. [user lock + tx] reject with active_reward_exists if a code is
     active or a saga is open (stricter than a bare debit: a user whose
     issue failed must CancelRedeem before redeeming again), then debit,
     record "redeem-<kind>", save redemption as debited
  3. [no lock] provider.Issue on a detached context with a timeout
  4a. failure: redemption stays debited with the error text; the points
      stay debited until the caller runs CancelRedeem
  4b. success: [user lock + tx] set active reward, redemption committed

COMPENSATION (CancelRedeem):
  [user lock + tx] credit, record "refund-redeem", clear the active
  reward, redemption -> compensating. Then [no lock] best-effort
  Deactivate -> refunded or compensation_failed. The refund never waits
  on the provider. A code issued after the cancel is deactivated by the
  Redeem that issued it; if that fails the saga becomes
  compensation_failed with the late reward id.

LOCKING:
  Per-user mutexes are held only for the local transaction segments.
  Remote calls never run under a lock, so one slow provider call cannot
  starve other operations on the same user.

CANCELLATION:
  Once the first local transaction commits, the rest of the operation
  runs on context.WithoutCancel(ctx): a client disconnect does not abort
  an issue or commit that already has a local debit behind it.

SEE ALSO:
  - milestone.go: referral milestone redemption
  - reconciler.go: sweep for sagas left open
  - ledger/states.go: state machine
*/
package redemption

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/warp/points-redemption/ledger"
	"github.com/warp/points-redemption/provider"
	"github.com/warp/points-redemption/rewards"
)

// DefaultProviderTimeout bounds every remote call.
const DefaultProviderTimeout = 10 * time.Second

// Config holds Coordinator dependencies.
type Config struct {
	Store    ledger.Store
	Provider provider.Provider
	Catalog  *rewards.Catalog

	// Optional
	ProviderTimeout time.Duration
	Logger          *slog.Logger
	Observer        Observer
	Now             func() time.Time
	NewID           func() ledger.RedemptionID
}

// Coordinator runs redemptions. Safe for concurrent use.
type Coordinator struct {
	store    ledger.Store
	provider provider.Provider
	catalog  *rewards.Catalog
	timeout  time.Duration
	logger   *slog.Logger
	observer Observer
	now      func() time.Time
	newID    func() ledger.RedemptionID
	locks    *userLocks
}

// New builds a Coordinator. Store and Provider are required; Catalog
// defaults to rewards.DefaultMilestones.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, errors.New("redemption: store is required")
	}
	if cfg.Provider == nil {
		return nil, errors.New("redemption: provider is required")
	}
	c := &Coordinator{
		store:    cfg.Store,
		provider: cfg.Provider,
		catalog:  cfg.Catalog,
		timeout:  cfg.ProviderTimeout,
		logger:   cfg.Logger,
		observer: cfg.Observer,
		now:      cfg.Now,
		newID:    cfg.NewID,
		locks:    newUserLocks(),
	}
	if c.catalog == nil {
		c.catalog = rewards.MustCatalog(rewards.DefaultMilestones())
	}
	if c.timeout <= 0 {
		c.timeout = DefaultProviderTimeout
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "redemption")
	if c.observer == nil {
		c.observer = nopObserver{}
	}
	if c.now == nil {
		c.now = func() time.Time { return time.Now().UTC() }
	}
	if c.newID == nil {
		c.newID = func() ledger.RedemptionID { return ledger.RedemptionID("red_" + uuid.NewString()) }
	}
	return c, nil
}

// Catalog returns the configured milestone catalog.
func (c *Coordinator) Catalog() *rewards.Catalog { return c.catalog }

// =============================================================================
// REQUESTS / RESULTS
// =============================================================================

type RedeemRequest struct {
	Email  string
	Points int64
	Reward rewards.Reward
}

type RedeemResult struct {
	Code         string
	NewBalance   int64
	RedemptionID ledger.RedemptionID
}

// =============================================================================
// REDEEM
// =============================================================================

// Redeem debits points and issues a reward code.
func (c *Coordinator) Redeem(ctx context.Context, req RedeemRequest) (res RedeemResult, err error) {
	defer func() { c.observer.ObserveOperation("redeem", outcome(err)) }()

	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" {
		return RedeemResult{}, validationError(CodeInvalidRequest, "email is required")
	}
	if req.Points <= 0 {
		return RedeemResult{}, validationError(CodeInvalidRequest, "points must be positive, got %d", req.Points)
	}
	if req.Reward.Spec == nil || !req.Reward.Kind.Valid() {
		return RedeemResult{}, validationError(CodeInvalidReward, "reward kind and value are required")
	}

	user, err := c.store.GetUser(ctx, req.Email)
	if err != nil {
		return RedeemResult{}, fromStore(err)
	}

	now := c.now()
	rec := ledger.Redemption{
		ID:        c.newID(),
		UserID:    user.ID,
		Kind:      string(req.Reward.Kind),
		Points:    req.Points,
		State:     ledger.StateRequested,
		CreatedAt: now,
		UpdatedAt: now,
	}

	// Step 1: local debit
	err = c.withUser(ctx, user.ID, func(tx ledger.Tx) error {
		u, err := tx.User(ctx)
		if err != nil {
			return err
		}
		if u.HasActiveReward() {
			return validationError(CodeActiveRewardExists, "user already holds reward code %s", u.ActiveReward.Code)
		}
		if open, err := c.openPointRedemption(ctx, tx); err != nil {
			return err
		} else if open != nil {
			return validationError(CodeActiveRewardExists, "redemption %s is still in progress", open.ID)
		}

		if _, err := tx.TryDebit(ctx, req.Points); err != nil {
			return err
		}
		if err := tx.RecordAction(ctx, req.Reward.Action(), -req.Points); err != nil {
			return err
		}
		if rec, err = rec.Transition(ledger.StateDebited, c.now()); err != nil {
			return err
		}
		return tx.SaveRedemption(ctx, rec)
	})
	if err != nil {
		return RedeemResult{}, fromStore(err)
	}
	// Points are debited: finish the saga even if the caller goes away.
	ctx = context.WithoutCancel(ctx)

	// Step 2: remote issue, no lock held
	code, issueErr := c.issue(ctx, req.Reward.Spec)
	if issueErr != nil {
		c.logger.Warn("reward issue failed; points remain debited until cancelled",
			"user_id", user.ID,
			"redemption_id", rec.ID,
			"points", req.Points,
			"error", issueErr,
		)
		c.recordFailure(ctx, user.ID, rec.ID, issueErr)
		return RedeemResult{}, providerError(issueErr)
	}

	// Step 3: commit the code locally
	var balance int64
	cancelled := false
	err = c.withUser(ctx, user.ID, func(tx ledger.Tx) error {
		current, err := tx.Redemption(ctx, rec.ID)
		if err != nil {
			return err
		}
		if current.State != ledger.StateDebited {
			// Cancelled while the provider call was in flight.
			cancelled = true
			return nil
		}
		current, err = current.Transition(ledger.StateIssued, c.now())
		if err != nil {
			return err
		}
		current.Reward = code
		current.Error = ""
		if err := tx.SetActiveReward(ctx, code); err != nil {
			return err
		}
		if current, err = current.Transition(ledger.StateCommitted, c.now()); err != nil {
			return err
		}
		if err := tx.SaveRedemption(ctx, current); err != nil {
			return err
		}
		u, err := tx.User(ctx)
		if err != nil {
			return err
		}
		balance = u.Points
		return nil
	})
	if err != nil {
		c.logger.Error("reward issued but not committed",
			"user_id", user.ID,
			"redemption_id", rec.ID,
			"reward_id", code.RewardID,
			"error", err,
		)
		return RedeemResult{}, fromStore(err)
	}
	if cancelled {
		c.logger.Warn("redemption cancelled during issue; deactivating late code",
			"user_id", user.ID,
			"redemption_id", rec.ID,
			"reward_id", code.RewardID,
		)
		if derr := c.deactivate(ctx, code.RewardID); derr != nil {
			c.observer.CompensationFailed()
			c.logger.Warn("late code deactivation failed",
				"user_id", user.ID,
				"reward_id", code.RewardID,
				"error", derr,
			)
			c.recordLateCode(ctx, user.ID, rec.ID, code, derr)
		}
		return RedeemResult{}, &Error{
			Kind:    KindConflict,
			Code:    CodeRedemptionCancelled,
			Message: "redemption was cancelled before the code was committed",
		}
	}

	c.logger.Info("redemption committed",
		"user_id", user.ID,
		"redemption_id", rec.ID,
		"kind", rec.Kind,
		"points", req.Points,
		"reward_id", code.RewardID,
	)
	return RedeemResult{Code: code.Code, NewBalance: balance, RedemptionID: rec.ID}, nil
}

// recordFailure stores the provider error on a debited redemption. The
// state stays debited so the reconciler reports it.
func (c *Coordinator) recordFailure(ctx context.Context, id ledger.UserID, rid ledger.RedemptionID, cause error) {
	err := c.withUser(ctx, id, func(tx ledger.Tx) error {
		r, err := tx.Redemption(ctx, rid)
		if err != nil {
			return err
		}
		if r.State != ledger.StateDebited {
			return nil
		}
		r.Error = cause.Error()
		r.UpdatedAt = c.now()
		return tx.SaveRedemption(ctx, r)
	})
	if err != nil {
		c.logger.Error("failed to record issue failure", "redemption_id", rid, "error", err)
	}
}

// recordLateCode marks a cancelled redemption compensation_failed when
// the code issued after the cancel is still live remotely, so the
// reconciler reports it with its reward id.
func (c *Coordinator) recordLateCode(ctx context.Context, id ledger.UserID, rid ledger.RedemptionID, code ledger.RewardCode, cause error) {
	err := c.withUser(ctx, id, func(tx ledger.Tx) error {
		r, err := tx.Redemption(ctx, rid)
		if err != nil {
			return err
		}
		if r.State != ledger.StateCompensationFailed {
			if r, err = r.Transition(ledger.StateCompensationFailed, c.now()); err != nil {
				return err
			}
		}
		r.Reward = code
		r.Error = "late code not deactivated: " + cause.Error()
		r.UpdatedAt = c.now()
		return tx.SaveRedemption(ctx, r)
	})
	if err != nil {
		c.logger.Error("failed to record late code",
			"redemption_id", rid,
			"reward_id", code.RewardID,
			"error", err,
		)
	}
}

// =============================================================================
// MARK USED
// =============================================================================

// MarkUsed clears the user's active code if it equals code, then
// deactivates it remotely. Remote failure is logged only.
func (c *Coordinator) MarkUsed(ctx context.Context, email, code string) (err error) {
	defer func() { c.observer.ObserveOperation("mark_used", outcome(err)) }()

	email, code = strings.TrimSpace(email), strings.TrimSpace(code)
	if email == "" || code == "" {
		return validationError(CodeInvalidRequest, "email and code are required")
	}
	user, err := c.store.GetUser(ctx, email)
	if err != nil {
		return fromStore(err)
	}

	var cleared ledger.RewardCode
	err = c.withUser(ctx, user.ID, func(tx ledger.Tx) error {
		u, err := tx.User(ctx)
		if err != nil {
			return err
		}
		if !u.HasActiveReward() || u.ActiveReward.Code != code {
			return notFoundError(CodeRewardNotFound, "no active reward code %s", code)
		}
		cleared = *u.ActiveReward
		return tx.ClearActiveReward(ctx)
	})
	if err != nil {
		return fromStore(err)
	}
	ctx = context.WithoutCancel(ctx)

	if derr := c.deactivate(ctx, cleared.RewardID); derr != nil {
		c.logger.Warn("deactivate after use failed",
			"user_id", user.ID,
			"reward_id", cleared.RewardID,
			"error", derr,
		)
	}
	c.logger.Info("reward marked used", "user_id", user.ID, "reward_id", cleared.RewardID)
	return nil
}

// =============================================================================
// CANCEL REDEEM (compensation)
// =============================================================================

// CancelRedeem credits points back, clears any active code and
// deactivates it. The refund amount is caller-supplied; a mismatch with
// the recorded debit is logged. Deactivation failures never propagate.
func (c *Coordinator) CancelRedeem(ctx context.Context, email string, points int64) (balance int64, err error) {
	defer func() { c.observer.ObserveOperation("cancel_redeem", outcome(err)) }()

	email = strings.TrimSpace(email)
	if email == "" {
		return 0, validationError(CodeInvalidRequest, "email is required")
	}
	if points <= 0 {
		return 0, validationError(CodeInvalidRequest, "points must be positive, got %d", points)
	}
	user, err := c.store.GetUser(ctx, email)
	if err != nil {
		return 0, fromStore(err)
	}

	var (
		reward     ledger.RewardCode
		compensate *ledger.Redemption
	)
	err = c.withUser(ctx, user.ID, func(tx ledger.Tx) error {
		u, err := tx.User(ctx)
		if err != nil {
			return err
		}
		if balance, err = tx.Credit(ctx, points); err != nil {
			return err
		}
		if err := tx.RecordAction(ctx, ledger.ActionRefund, points); err != nil {
			return err
		}

		var target *ledger.Redemption
		if u.HasActiveReward() {
			reward = *u.ActiveReward
			if err := tx.ClearActiveReward(ctx); err != nil {
				return err
			}
			r, err := tx.RedemptionByRewardID(ctx, reward.RewardID)
			switch {
			case err == nil:
				target = &r
			case !errors.Is(err, ledger.ErrRedemptionNotFound):
				return err
			}
		}
		if target == nil {
			if target, err = c.openPointRedemption(ctx, tx); err != nil {
				return err
			}
		}
		if target == nil || !target.State.CanTransition(ledger.StateCompensating) {
			return nil
		}

		next, err := target.Transition(ledger.StateCompensating, c.now())
		if err != nil {
			return err
		}
		if err := tx.SaveRedemption(ctx, next); err != nil {
			return err
		}
		compensate = &next
		return nil
	})
	if err != nil {
		return 0, fromStore(err)
	}
	ctx = context.WithoutCancel(ctx)

	if compensate != nil && compensate.Points != points {
		c.logger.Warn("refund amount differs from recorded debit",
			"user_id", user.ID,
			"redemption_id", compensate.ID,
			"debited", compensate.Points,
			"refunded", points,
		)
	}

	// Remote half of the compensation, no lock held
	var derr error
	if reward.Valid() {
		derr = c.deactivate(ctx, reward.RewardID)
		if derr != nil {
			c.observer.CompensationFailed()
			c.logger.Warn("compensation deactivate failed; code may remain redeemable",
				"user_id", user.ID,
				"reward_id", reward.RewardID,
				"error", derr,
			)
		}
	}
	if compensate != nil {
		c.finishCompensation(ctx, user.ID, compensate.ID, derr)
	}

	c.logger.Info("redemption cancelled",
		"user_id", user.ID,
		"points", points,
		"new_balance", balance,
		"reward_id", reward.RewardID,
	)
	return balance, nil
}

func (c *Coordinator) finishCompensation(ctx context.Context, id ledger.UserID, rid ledger.RedemptionID, derr error) {
	to := ledger.StateRefunded
	if derr != nil {
		to = ledger.StateCompensationFailed
	}
	err := c.withUser(ctx, id, func(tx ledger.Tx) error {
		r, err := tx.Redemption(ctx, rid)
		if err != nil {
			return err
		}
		if r.State == ledger.StateCompensationFailed && to == ledger.StateRefunded {
			// A late code already failed to deactivate; keep that outcome.
			return nil
		}
		next, err := r.Transition(to, c.now())
		if err != nil {
			return err
		}
		if derr != nil {
			next.Error = derr.Error()
		}
		return tx.SaveRedemption(ctx, next)
	})
	if err != nil {
		c.logger.Error("failed to record compensation outcome",
			"redemption_id", rid,
			"state", to,
			"error", err,
		)
	}
}

// =============================================================================
// HELPERS
// =============================================================================

// withUser runs fn in a store transaction while holding id's lock.
func (c *Coordinator) withUser(ctx context.Context, id ledger.UserID, fn func(tx ledger.Tx) error) error {
	unlock := c.locks.lock(id)
	defer unlock()
	return c.store.WithUserTx(ctx, id, fn)
}

// openPointRedemption returns the newest open non-milestone redemption.
func (c *Coordinator) openPointRedemption(ctx context.Context, tx ledger.Tx) (*ledger.Redemption, error) {
	open, err := tx.OpenRedemptions(ctx)
	if err != nil {
		return nil, err
	}
	for i := range open {
		if !open[i].IsMilestone() {
			return &open[i], nil
		}
	}
	return nil, nil
}

// remoteContext detaches from the caller's cancellation and applies the
// provider timeout.
func (c *Coordinator) remoteContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
}

func (c *Coordinator) issue(ctx context.Context, spec provider.RewardSpec) (ledger.RewardCode, error) {
	rctx, cancel := c.remoteContext(ctx)
	defer cancel()

	start := time.Now()
	code, err := c.provider.Issue(rctx, spec)
	c.observer.ObserveProviderCall("issue", time.Since(start), err)
	if err == nil && !code.Valid() {
		err = &provider.Error{Kind: provider.KindTransient, Op: "issue", Message: "provider returned an incomplete code"}
	}
	return code, err
}

func (c *Coordinator) deactivate(ctx context.Context, rewardID string) error {
	rctx, cancel := c.remoteContext(ctx)
	defer cancel()

	start := time.Now()
	err := c.provider.Deactivate(rctx, rewardID)
	c.observer.ObserveProviderCall("deactivate", time.Since(start), err)
	return err
}
