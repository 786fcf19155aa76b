package redemption

import (
	"context"
	"fmt"
	"strings"

	"github.com/warp/points-redemption/ledger"
	"github.com/warp/points-redemption/rewards"
)

// MilestoneResult is returned by RedeemMilestone.
type MilestoneResult struct {
	RewardName string
	Code       string
	Threshold  int
}

// RedeemMilestone issues the free item for a referral threshold. Each
// threshold is redeemable once per user; an issued threshold always
// rejects, whatever the current referral count. No points are debited.
//
// The threshold is reserved by a requested redemption before the remote
// call, so two concurrent requests cannot both reach the provider.
func (c *Coordinator) RedeemMilestone(ctx context.Context, email string, threshold int) (res MilestoneResult, err error) {
	defer func() { c.observer.ObserveOperation("redeem_milestone", outcome(err)) }()

	email = strings.TrimSpace(email)
	if email == "" {
		return MilestoneResult{}, validationError(CodeInvalidRequest, "email is required")
	}
	milestone, err := c.catalog.Lookup(threshold)
	if err != nil {
		return MilestoneResult{}, validationError(CodeUnknownMilestone, "threshold %d is not a configured milestone", threshold)
	}
	user, err := c.store.GetUser(ctx, email)
	if err != nil {
		return MilestoneResult{}, fromStore(err)
	}

	now := c.now()
	rec := ledger.Redemption{
		ID:        c.newID(),
		UserID:    user.ID,
		Kind:      string(rewards.KindMilestone),
		Threshold: threshold,
		State:     ledger.StateRequested,
		CreatedAt: now,
		UpdatedAt: now,
	}

	// Step 1: reserve the threshold
	err = c.withUser(ctx, user.ID, func(tx ledger.Tx) error {
		u, err := tx.User(ctx)
		if err != nil {
			return err
		}
		if u.MilestoneRedemptions.Redeemed(threshold) {
			return alreadyRedeemed(threshold)
		}
		open, err := tx.OpenRedemptions(ctx)
		if err != nil {
			return err
		}
		for _, r := range open {
			if r.IsMilestone() && r.Threshold == threshold {
				return alreadyRedeemed(threshold)
			}
		}
		if u.ReferralCount < int64(threshold) {
			return validationError(CodeMilestoneNotReached,
				"milestone %d requires %d referrals, user has %d", threshold, threshold, u.ReferralCount)
		}
		return tx.SaveRedemption(ctx, rec)
	})
	if err != nil {
		return MilestoneResult{}, fromStore(err)
	}
	ctx = context.WithoutCancel(ctx)

	// Step 2: remote issue, no lock held
	code, issueErr := c.issue(ctx, milestone.Spec())
	if issueErr != nil {
		c.logger.Warn("milestone issue failed",
			"user_id", user.ID,
			"threshold", threshold,
			"redemption_id", rec.ID,
			"error", issueErr,
		)
		c.failMilestone(ctx, user.ID, rec.ID, issueErr)
		return MilestoneResult{}, providerError(issueErr)
	}

	// Step 3: store the code under its threshold
	err = c.withUser(ctx, user.ID, func(tx ledger.Tx) error {
		u, err := tx.User(ctx)
		if err != nil {
			return err
		}
		current, err := tx.Redemption(ctx, rec.ID)
		if err != nil {
			return err
		}
		if current, err = current.Transition(ledger.StateIssued, c.now()); err != nil {
			return err
		}
		current.Reward = code
		if err := tx.SetMilestoneRedemptions(ctx, u.MilestoneRedemptions.With(threshold, code.Code)); err != nil {
			return err
		}
		if err := tx.RecordAction(ctx, ledger.ActionRedeemMilestone, 0); err != nil {
			return err
		}
		if current, err = current.Transition(ledger.StateCommitted, c.now()); err != nil {
			return err
		}
		return tx.SaveRedemption(ctx, current)
	})
	if err != nil {
		c.logger.Error("milestone code issued but not committed",
			"user_id", user.ID,
			"threshold", threshold,
			"reward_id", code.RewardID,
			"error", err,
		)
		return MilestoneResult{}, fromStore(err)
	}

	c.logger.Info("milestone redeemed",
		"user_id", user.ID,
		"threshold", threshold,
		"reward_id", code.RewardID,
	)
	return MilestoneResult{RewardName: milestone.RewardName, Code: code.Code, Threshold: threshold}, nil
}

// failMilestone releases the reservation so the threshold can be retried.
func (c *Coordinator) failMilestone(ctx context.Context, id ledger.UserID, rid ledger.RedemptionID, cause error) {
	err := c.withUser(ctx, id, func(tx ledger.Tx) error {
		r, err := tx.Redemption(ctx, rid)
		if err != nil {
			return err
		}
		next, err := r.Transition(ledger.StateFailed, c.now())
		if err != nil {
			return err
		}
		next.Error = cause.Error()
		return tx.SaveRedemption(ctx, next)
	})
	if err != nil {
		c.logger.Error("failed to release milestone reservation", "redemption_id", rid, "error", err)
	}
}

func alreadyRedeemed(threshold int) *Error {
	return &Error{
		Kind:    KindConflict,
		Code:    CodeMilestoneRedeemed,
		Message: fmt.Sprintf("milestone %d already redeemed", threshold),
		Err:     ErrMilestoneAlreadyRedeemed,
	}
}
