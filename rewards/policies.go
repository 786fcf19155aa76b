/*
policies.go - Milestone reward catalog

PURPOSE:
  Milestones are referral-count thresholds that each unlock one free item.
  The catalog is configuration; DefaultMilestones is used when none is
  configured.

DEFAULT CATALOG:
  10 referrals:  free item "Referral Tier 1"
  25 referrals:  free item "Referral Tier 2"
  50 referrals:  free item "Referral Tier 3"

RULES:
  - Thresholds are positive and unique
  - A member redeems each threshold at most once
  - Redeeming never debits points
*/
package rewards

import (
	"errors"
	"fmt"
	"sort"

	"github.com/warp/points-redemption/provider"
)

// Milestone is one catalog entry.
type Milestone struct {
	Threshold  int    `json:"threshold" yaml:"threshold"`
	RewardName string `json:"reward_name" yaml:"reward_name"`
	ItemRef    string `json:"item_ref" yaml:"item_ref"`
}

// Spec returns the free item reward for this milestone.
func (m Milestone) Spec() provider.FreeItem {
	return provider.FreeItem{ItemRef: m.ItemRef}
}

// ErrUnknownMilestone is returned by Lookup for an unconfigured threshold.
var ErrUnknownMilestone = errors.New("unknown milestone threshold")

// Catalog is an immutable set of milestones keyed by threshold.
type Catalog struct {
	byThreshold map[int]Milestone
	ordered     []Milestone
}

// NewCatalog validates milestones and builds a catalog.
func NewCatalog(milestones []Milestone) (*Catalog, error) {
	c := &Catalog{byThreshold: make(map[int]Milestone, len(milestones))}
	for _, m := range milestones {
		if m.Threshold <= 0 {
			return nil, fmt.Errorf("milestone %q: threshold must be positive, got %d", m.RewardName, m.Threshold)
		}
		if _, dup := c.byThreshold[m.Threshold]; dup {
			return nil, fmt.Errorf("duplicate milestone threshold %d", m.Threshold)
		}
		if m.ItemRef == "" {
			return nil, fmt.Errorf("milestone %d: item_ref is required", m.Threshold)
		}
		if m.RewardName == "" {
			m.RewardName = fmt.Sprintf("Milestone %d", m.Threshold)
		}
		c.byThreshold[m.Threshold] = m
		c.ordered = append(c.ordered, m)
	}
	sort.Slice(c.ordered, func(i, j int) bool { return c.ordered[i].Threshold < c.ordered[j].Threshold })
	return c, nil
}

// MustCatalog is NewCatalog for static input; it panics on error.
func MustCatalog(milestones []Milestone) *Catalog {
	c, err := NewCatalog(milestones)
	if err != nil {
		panic(err)
	}
	return c
}

// Lookup returns the milestone for threshold or ErrUnknownMilestone.
func (c *Catalog) Lookup(threshold int) (Milestone, error) {
	m, ok := c.byThreshold[threshold]
	if !ok {
		return Milestone{}, fmt.Errorf("%w: %d", ErrUnknownMilestone, threshold)
	}
	return m, nil
}

// All returns the milestones in ascending threshold order.
func (c *Catalog) All() []Milestone {
	return append([]Milestone(nil), c.ordered...)
}

// DefaultMilestones is the built-in catalog.
func DefaultMilestones() []Milestone {
	return []Milestone{
		{Threshold: 10, RewardName: "Referral Tier 1", ItemRef: "gid://shopify/ProductVariant/1001"},
		{Threshold: 25, RewardName: "Referral Tier 2", ItemRef: "gid://shopify/ProductVariant/1002"},
		{Threshold: 50, RewardName: "Referral Tier 3", ItemRef: "gid://shopify/ProductVariant/1003"},
	}
}
