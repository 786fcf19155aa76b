/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger and saga records from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Operation results

TYPES:
  Redemption:
    RedeemRequest, RedeemResponse
    MarkUsedRequest, CancelRequest, CancelResponse
    RedemptionDTO

  Milestones:
    MilestoneRedeemRequest, MilestoneRedeemResponse, MilestoneDTO

  Users:
    UserDTO, ActionDTO, AdjustmentRequest

  Reconciliation:
    StuckResponse

VALIDATION:
  Validation is done in handlers and the coordinator, not in DTOs.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/points-redemption/ledger"
)

// =============================================================================
// REDEMPTION
// =============================================================================

// RedeemRequest is the body of POST /api/redemptions.
type RedeemRequest struct {
	Email       string `json:"email"`
	Points      int64  `json:"points"`
	RewardKind  string `json:"reward_kind"`
	RewardValue string `json:"reward_value"`
}

type RedeemResponse struct {
	Code         string `json:"code"`
	NewBalance   int64  `json:"new_balance"`
	RedemptionID string `json:"redemption_id,omitempty"`
}

// MarkUsedRequest is the body of POST /api/redemptions/used.
type MarkUsedRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

type OKResponse struct {
	OK bool `json:"ok"`
}

// CancelRequest is the body of POST /api/redemptions/cancel.
type CancelRequest struct {
	Email  string `json:"email"`
	Points int64  `json:"points"`
}

type CancelResponse struct {
	NewBalance int64 `json:"new_balance"`
}

// RedemptionDTO is one saga record.
type RedemptionDTO struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Kind      string    `json:"kind"`
	Points    int64     `json:"points"`
	Threshold int       `json:"threshold,omitempty"`
	State     string    `json:"state"`
	Code      string    `json:"code,omitempty"`
	RewardID  string    `json:"reward_id,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// =============================================================================
// MILESTONES
// =============================================================================

// MilestoneRedeemRequest is the body of POST /api/milestones/redeem.
type MilestoneRedeemRequest struct {
	Email     string `json:"email"`
	Threshold int    `json:"threshold"`
}

type MilestoneRedeemResponse struct {
	RewardName string `json:"reward_name"`
	Code       string `json:"code"`
}

type MilestoneDTO struct {
	Threshold  int    `json:"threshold"`
	RewardName string `json:"reward_name"`
	ItemRef    string `json:"item_ref"`
}

// =============================================================================
// USERS
// =============================================================================

type UserDTO struct {
	ID                   string         `json:"id"`
	Email                string         `json:"email"`
	Points               int64          `json:"points"`
	ReferralCount        int64          `json:"referral_count"`
	ActiveRewardCode     string         `json:"active_reward_code,omitempty"`
	ActiveRewardID       string         `json:"active_reward_id,omitempty"`
	MilestoneRedemptions map[int]string `json:"milestone_redemptions"`
	CreatedAt            time.Time      `json:"created_at"`
}

type ActionDTO struct {
	ID        int64     `json:"id"`
	Kind      string    `json:"kind"`
	Delta     int64     `json:"delta"`
	Balance   int64     `json:"balance_after"`
	CreatedAt time.Time `json:"created_at"`
}

// AdjustmentRequest is the body of POST /api/admin/adjustments.
type AdjustmentRequest struct {
	Email string `json:"email"`
	Delta int64  `json:"delta"`
}

type CreateUserRequest struct {
	Email         string `json:"email"`
	Points        int64  `json:"points"`
	ReferralCount int64  `json:"referral_count"`
}

// =============================================================================
// RECONCILIATION
// =============================================================================

type StuckResponse struct {
	LastSweep   *time.Time      `json:"last_sweep,omitempty"`
	Redemptions []RedemptionDTO `json:"redemptions"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toUserDTO(u ledger.User) UserDTO {
	dto := UserDTO{
		ID:                   string(u.ID),
		Email:                u.Email,
		Points:               u.Points,
		ReferralCount:        u.ReferralCount,
		MilestoneRedemptions: map[int]string{},
		CreatedAt:            u.CreatedAt,
	}
	if u.HasActiveReward() {
		dto.ActiveRewardCode = u.ActiveReward.Code
		dto.ActiveRewardID = u.ActiveReward.RewardID
	}
	for k, v := range u.MilestoneRedemptions {
		dto.MilestoneRedemptions[k] = v
	}
	return dto
}

func toRedemptionDTO(r ledger.Redemption) RedemptionDTO {
	return RedemptionDTO{
		ID:        string(r.ID),
		UserID:    string(r.UserID),
		Kind:      r.Kind,
		Points:    r.Points,
		Threshold: r.Threshold,
		State:     string(r.State),
		Code:      r.Reward.Code,
		RewardID:  r.Reward.RewardID,
		Error:     r.Error,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

func toRedemptionDTOs(list []ledger.Redemption) []RedemptionDTO {
	out := make([]RedemptionDTO, len(list))
	for i, r := range list {
		out[i] = toRedemptionDTO(r)
	}
	return out
}

// toActionDTOs replays entries backwards from the current balance so each
// row carries the balance right after it was applied.
func toActionDTOs(entries []ledger.Entry, balance int64) []ActionDTO {
	out := make([]ActionDTO, len(entries))
	running := balance
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		out[i] = ActionDTO{
			ID:        e.ID,
			Kind:      string(e.Kind),
			Delta:     e.Delta,
			Balance:   running,
			CreatedAt: e.CreatedAt,
		}
		running -= e.Delta
	}
	return out
}
