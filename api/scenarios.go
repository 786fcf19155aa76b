/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the ledger with demo
	members so the redemption flows can be exercised by hand.

AVAILABLE SCENARIOS:

	starter:     One member with 50 points, no referrals
	referrals:   Members at, below and above the referral milestones
	mixed:       Several members, one already holding an active code

HOW SCENARIOS WORK:
 1. Reset the store (clear all data)
 2. Create users with opening balances and referral counts
 3. Optionally run redemptions through the coordinator

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "referrals"}

NOTE:

	Scenarios reset the store. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Handler struct
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/warp/points-redemption/ledger"
	"github.com/warp/points-redemption/redemption"
	"github.com/warp/points-redemption/rewards"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "starter",
		Name:        "Starter",
		Description: "One member with 50 points and no referrals",
	},
	{
		ID:          "referrals",
		Name:        "Referral Milestones",
		Description: "Members below, at and above each referral milestone",
	},
	{
		ID:          "mixed",
		Name:        "Mixed Activity",
		Description: "Several members, one already holding an active reward code",
	},
}

type seedUser struct {
	id        string
	email     string
	points    int64
	referrals int64
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the store and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decode(w, r, &req) {
		return
	}

	var load func(context.Context) error
	switch req.ScenarioID {
	case "starter":
		load = h.loadStarterScenario
	case "referrals":
		load = h.loadReferralsScenario
	case "mixed":
		load = h.loadMixedScenario
	default:
		writeError(w, http.StatusBadRequest, redemption.CodeInvalidRequest, fmt.Sprintf("unknown scenario %q", req.ScenarioID))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	h.currentScenario = ""
	if err := h.Store.Reset(ctx); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if err := load(ctx); err != nil {
		h.writeDomainError(w, r, fmt.Errorf("loading scenario %s: %w", req.ScenarioID, err))
		return
	}
	h.currentScenario = req.ScenarioID

	h.Logger.Info("scenario loaded", "scenario", req.ScenarioID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.Store.Reset(r.Context()); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.currentScenario = ""
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadStarterScenario(ctx context.Context) error {
	return h.seed(ctx, []seedUser{
		{id: "usr-alice", email: "alice@example.com", points: 50},
	})
}

func (h *Handler) loadReferralsScenario(ctx context.Context) error {
	return h.seed(ctx, []seedUser{
		{id: "usr-bob", email: "bob@example.com", points: 0, referrals: 9},
		{id: "usr-carol", email: "carol@example.com", points: 20, referrals: 12},
		{id: "usr-dave", email: "dave@example.com", points: 80, referrals: 55},
	})
}

func (h *Handler) loadMixedScenario(ctx context.Context) error {
	if err := h.seed(ctx, []seedUser{
		{id: "usr-alice", email: "alice@example.com", points: 50},
		{id: "usr-erin", email: "erin@example.com", points: 250, referrals: 3},
		{id: "usr-frank", email: "frank@example.com", points: 5},
	}); err != nil {
		return err
	}

	// Erin already holds a $1.00 code.
	reward, err := rewards.Parse(string(rewards.KindDiscount), "dynamic", 100)
	if err != nil {
		return err
	}
	_, err = h.Coordinator.Redeem(ctx, redemption.RedeemRequest{
		Email:  "erin@example.com",
		Points: 100,
		Reward: reward,
	})
	return err
}

func (h *Handler) seed(ctx context.Context, users []seedUser) error {
	for _, s := range users {
		u := ledger.User{
			ID:            ledger.UserID(s.id),
			Email:         s.email,
			Points:        s.points,
			ReferralCount: s.referrals,
		}
		if err := h.Store.SaveUser(ctx, u); err != nil {
			return fmt.Errorf("seeding %s: %w", s.email, err)
		}
	}
	return nil
}
