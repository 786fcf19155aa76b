/*
Package provider issues and deactivates single-use reward codes in the
external commerce platform.

PURPOSE:
  The coordinator debits points locally and asks a Provider for a code.
  Everything platform-specific (GraphQL shapes, code prefixes, error
  classification) lives here so that the coordinator only sees
  Issue / Deactivate and a typed *Error.

KEY CONCEPTS IN THIS FILE (spec.go):
  - RewardSpec: closed set of reward variants, parsed once at the edge
  - Family: monetary vs free item, decides prefix and combinability
  - Dynamic: amount derived from points at PointsPerUnit points per unit

EXAMPLE:
  spec := provider.FixedAmount{Amount: decimal.NewFromInt(10), Currency: "CAD"}
  code, err := p.Issue(ctx, spec)

SEE ALSO:
  - provider.go: Provider interface and errors
  - shopify.go: GraphQL implementation
  - memory.go: in-process implementation
*/
package provider

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// PointsPerUnit is the number of points worth one currency unit for
// Dynamic rewards (100 points = 1.00).
const PointsPerUnit = 100

// Family groups reward variants by how the code behaves at checkout.
type Family string

const (
	FamilyMonetary Family = "monetary"
	FamilyFreeItem Family = "free_item"
)

// Prefix returns the customer-facing code prefix for the family.
func (f Family) Prefix() string {
	if f == FamilyFreeItem {
		return "MILESTONE-"
	}
	return "LOYALTY-"
}

// Combinable reports whether codes in this family stack with other
// order, product and shipping discounts.
func (f Family) Combinable() bool {
	return f == FamilyMonetary
}

// ErrInvalidSpec is returned by Validate for an unusable reward.
var ErrInvalidSpec = errors.New("invalid reward spec")

// =============================================================================
// REWARD SPEC (sealed)
// =============================================================================

// RewardSpec is one of FixedAmount, Percentage, FreeItem or Dynamic.
type RewardSpec interface {
	Family() Family
	// Title is the merchant-facing discount title.
	Title() string
	Validate() error

	isRewardSpec()
}

// FixedAmount is a fixed monetary discount, e.g. 10 CAD.
type FixedAmount struct {
	Amount   decimal.Decimal
	Currency string
}

// Percentage is a percentage off the order, 0 < Percent <= 100.
type Percentage struct {
	Percent decimal.Decimal
}

// FreeItem grants one unit of the referenced product for free.
type FreeItem struct {
	ItemRef string
}

// Dynamic is a monetary discount worth Points / PointsPerUnit.
type Dynamic struct {
	Points int64
}

func (FixedAmount) isRewardSpec() {}
func (Percentage) isRewardSpec()  {}
func (FreeItem) isRewardSpec()    {}
func (Dynamic) isRewardSpec()     {}

func (FixedAmount) Family() Family { return FamilyMonetary }
func (Percentage) Family() Family  { return FamilyMonetary }
func (FreeItem) Family() Family    { return FamilyFreeItem }
func (Dynamic) Family() Family     { return FamilyMonetary }

func (s FixedAmount) Title() string {
	if s.Currency == "" {
		return fmt.Sprintf("Loyalty reward %s off", s.Amount.StringFixed(2))
	}
	return fmt.Sprintf("Loyalty reward %s %s off", s.Amount.StringFixed(2), strings.ToUpper(s.Currency))
}

func (s Percentage) Title() string {
	return fmt.Sprintf("Loyalty reward %s%% off", s.Percent.String())
}

func (s FreeItem) Title() string {
	return "Milestone reward: free item"
}

func (s Dynamic) Title() string {
	return fmt.Sprintf("Loyalty reward %s off (%d points)", s.Amount().StringFixed(2), s.Points)
}

// Amount converts points into currency, rounded to two decimals.
func (s Dynamic) Amount() decimal.Decimal {
	return decimal.NewFromInt(s.Points).Div(decimal.NewFromInt(PointsPerUnit)).Round(2)
}

// Fraction returns the percentage as a 0..1 value.
func (s Percentage) Fraction() decimal.Decimal {
	return s.Percent.Div(decimal.NewFromInt(100))
}

func (s FixedAmount) Validate() error {
	if !s.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive, got %s", ErrInvalidSpec, s.Amount)
	}
	if s.Currency != "" && len(s.Currency) != 3 {
		return fmt.Errorf("%w: currency must be a 3-letter code, got %q", ErrInvalidSpec, s.Currency)
	}
	return nil
}

func (s Percentage) Validate() error {
	if !s.Percent.IsPositive() || s.Percent.GreaterThan(decimal.NewFromInt(100)) {
		return fmt.Errorf("%w: percentage must be in (0, 100], got %s", ErrInvalidSpec, s.Percent)
	}
	return nil
}

func (s FreeItem) Validate() error {
	if strings.TrimSpace(s.ItemRef) == "" {
		return fmt.Errorf("%w: free item requires an item reference", ErrInvalidSpec)
	}
	return nil
}

func (s Dynamic) Validate() error {
	if s.Points <= 0 {
		return fmt.Errorf("%w: dynamic reward requires positive points, got %d", ErrInvalidSpec, s.Points)
	}
	if !s.Amount().IsPositive() {
		return fmt.Errorf("%w: %d points is worth less than 0.01", ErrInvalidSpec, s.Points)
	}
	return nil
}
