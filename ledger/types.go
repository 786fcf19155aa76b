/*
Package ledger provides the points ledger: user balances, the append-only
action log, and the redemption saga records that tie a local debit to a
remotely issued reward code.

PURPOSE:
  The ledger is the locally-owned half of every redemption. Points are
  debited and credited here, every balance change leaves an immutable
  Entry behind, and the reward code a user currently holds is recorded
  on the User row so that compensation knows what to deactivate.

KEY CONCEPTS IN THIS FILE (types.go):
  - User: balance, referral count, active reward, milestone redemptions
  - RewardCode: (code, remote id) pair, present or absent as one value
  - MilestoneRedemptions: threshold -> issued code
  - Entry: one immutable point-affecting action
  - Redemption: saga record for a single redeem / milestone request

INVARIANTS:
  1. Points never go negative (debits fail closed)
  2. sum(Entry.Delta for U) == U.Points - opening balance at quiescence
  3. ActiveReward is a single optional value: code and id never diverge

SEE ALSO:
  - store.go: persistence interfaces
  - ledger.go: higher-level debit/credit helpers
  - states.go: redemption state machine
*/
package ledger

import (
	"sort"
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type RedemptionID string

// =============================================================================
// USER
// =============================================================================

// User is a loyalty account. Users are created outside this subsystem and
// never deleted by it.
type User struct {
	ID                   UserID
	Email                string
	Points               int64
	ReferralCount        int64
	ActiveReward         *RewardCode
	MilestoneRedemptions MilestoneRedemptions
	CreatedAt            time.Time
}

// HasActiveReward reports whether the user currently holds an issued code.
func (u User) HasActiveReward() bool {
	return u.ActiveReward != nil && !u.ActiveReward.IsZero()
}

// RewardCode is the artifact returned by the reward provider: the
// customer-facing code and the opaque remote identifier used to deactivate it.
type RewardCode struct {
	Code     string `json:"code"`
	RewardID string `json:"reward_id"`
}

func (c RewardCode) IsZero() bool { return c.Code == "" && c.RewardID == "" }

// Valid reports whether both halves of the pair are present.
func (c RewardCode) Valid() bool { return c.Code != "" && c.RewardID != "" }

// =============================================================================
// MILESTONE REDEMPTIONS
// =============================================================================

// MilestoneRedemptions maps a referral-count threshold to the code issued
// for it. Keys are unique; a threshold present here is never redeemed again.
type MilestoneRedemptions map[int]string

// Redeemed reports whether a code was already issued for threshold.
func (m MilestoneRedemptions) Redeemed(threshold int) bool {
	_, ok := m[threshold]
	return ok
}

// With returns a copy of m with threshold set to code.
func (m MilestoneRedemptions) With(threshold int, code string) MilestoneRedemptions {
	out := make(MilestoneRedemptions, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	out[threshold] = code
	return out
}

// Thresholds returns the redeemed thresholds in ascending order.
func (m MilestoneRedemptions) Thresholds() []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}

// =============================================================================
// ACTIONS (append-only log)
// =============================================================================

// ActionKind labels a ledger entry.
type ActionKind string

const (
	ActionRedeemDiscount   ActionKind = "redeem-discount"
	ActionRedeemGiftCard   ActionKind = "redeem-gift_card"
	ActionRedeemPercentage ActionKind = "redeem-percentage"
	ActionRedeemMilestone  ActionKind = "redeem-milestone"
	ActionRefund           ActionKind = "refund-redeem"
	ActionAdjustment       ActionKind = "adjustment"
)

// RedeemAction returns the action kind recorded for a redemption of the
// given reward kind ("discount" -> "redeem-discount").
func RedeemAction(rewardKind string) ActionKind {
	return ActionKind("redeem-" + rewardKind)
}

// Entry is an immutable ledger record. Never mutated, never deleted.
type Entry struct {
	ID        int64
	UserID    UserID
	Kind      ActionKind
	Delta     int64
	CreatedAt time.Time
}

// Sum returns the net delta of entries.
func Sum(entries []Entry) int64 {
	var total int64
	for _, e := range entries {
		total += e.Delta
	}
	return total
}

// =============================================================================
// REDEMPTION (saga record)
// =============================================================================

// Redemption tracks one redeem or milestone request through the state
// machine in states.go. Points is the amount actually debited (zero for
// milestones); Threshold is set for milestone redemptions only.
type Redemption struct {
	ID        RedemptionID
	UserID    UserID
	Kind      string
	Points    int64
	Threshold int
	State     RedemptionState
	Reward    RewardCode
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsMilestone reports whether the redemption was driven by a referral
// threshold rather than a point debit.
func (r Redemption) IsMilestone() bool { return r.Threshold > 0 }
