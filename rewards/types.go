/*
Package rewards defines the reward catalog offered to loyalty members and
converts boundary input into typed provider.RewardSpec values.

PURPOSE:
  Requests arrive as a (reward_kind, reward_value) string pair. They are
  parsed once, here, into a closed RewardSpec variant; nothing past the
  API layer inspects the raw strings again.

REWARD KINDS:
  discount:   fixed amount ("10CAD", "$5") or "dynamic" (points / 100)
  gift_card:  fixed amount or "dynamic", issued as a monetary code
  percentage: "15%" off the order

MILESTONES:
  Referral thresholds that unlock a free item, independent of balance.
  See policies.go for the catalog.

EXAMPLE FLOW:
  1. Member has 50 points, requests discount "10CAD" for 30 points
  2. Parse -> Reward{Kind: discount, Spec: FixedAmount{10, CAD}}
  3. Coordinator records action "redeem-discount" with delta -30

SEE ALSO:
  - factory.go: Parse
  - policies.go: milestone catalog
  - provider/spec.go: RewardSpec variants
*/
package rewards

import (
	"github.com/warp/points-redemption/ledger"
	"github.com/warp/points-redemption/provider"
)

// =============================================================================
// REWARD KIND
// =============================================================================

// Kind is the reward family a member asks for.
type Kind string

const (
	KindDiscount   Kind = "discount"
	KindGiftCard   Kind = "gift_card"
	KindPercentage Kind = "percentage"
	KindMilestone  Kind = "milestone"
)

// Kinds lists the kinds redeemable with points.
var Kinds = []Kind{KindDiscount, KindGiftCard, KindPercentage}

func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Action returns the ledger action kind recorded for this reward kind.
func (k Kind) Action() ledger.ActionKind {
	return ledger.RedeemAction(string(k))
}

// =============================================================================
// REWARD
// =============================================================================

// Reward is a parsed redemption request body.
type Reward struct {
	Kind Kind
	Spec provider.RewardSpec
}

// Action is the ledger action for the reward's kind.
func (r Reward) Action() ledger.ActionKind {
	return r.Kind.Action()
}

// IsZero reports whether the reward was never parsed.
func (r Reward) IsZero() bool {
	return r.Kind == "" && r.Spec == nil
}
