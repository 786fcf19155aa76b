/*
handlers.go - HTTP API handlers for the points redemption engine

PURPOSE:
  Exposes the redemption coordinator and the points ledger via REST API.
  Handles HTTP request/response and JSON serialization, and parses
  reward_kind / reward_value into a typed reward once, at this boundary.

ENDPOINTS:
  Redemptions:
    POST   /api/redemptions             Redeem points for a reward code
    POST   /api/redemptions/used        Mark the active code as used
    POST   /api/redemptions/cancel      Refund points, deactivate the code

  Milestones:
    GET    /api/milestones              Milestone catalog
    POST   /api/milestones/redeem       Redeem a referral milestone

  Users:
    GET    /api/users                   List users
    POST   /api/users                   Create user (seeding)
    GET    /api/users/{email}           User details
    GET    /api/users/{email}/actions   Action log with running balance
    GET    /api/users/{email}/redemptions Saga records

  Admin:
    POST   /api/admin/adjustments       Manual balance adjustment

  Reconciliation:
    GET    /api/reconciliation/stuck    Redemptions needing attention

ERROR HANDLING:
  Errors are returned as {"error": {"code", "message"}}:
  - 400: Validation errors, active reward held, milestone not reached
  - 404: User or reward not found
  - 409: Conflict (milestone already redeemed, cancelled mid-flight)
  - 422: Insufficient balance
  - 502: Reward provider failure
  - 500: Persistence and internal errors

SECURITY NOTE:
  No authentication or authorization. Callers are trusted.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/warp/points-redemption/ledger"
	"github.com/warp/points-redemption/redemption"
	"github.com/warp/points-redemption/rewards"
)

const maxBodyBytes = 1 << 20

// Handler holds API dependencies.
type Handler struct {
	Coordinator *redemption.Coordinator
	Store       ledger.Store
	Ledger      *ledger.Ledger
	Reconciler  *redemption.Reconciler
	Logger      *slog.Logger

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new API handler. reconciler may be nil.
func NewHandler(coord *redemption.Coordinator, store ledger.Store, reconciler *redemption.Reconciler, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Coordinator: coord,
		Store:       store,
		Ledger:      ledger.New(store),
		Reconciler:  reconciler,
		Logger:      logger.With("component", "api"),
	}
}

// =============================================================================
// REDEMPTION ENDPOINTS
// =============================================================================

// Redeem debits points and issues a reward code.
// POST /api/redemptions
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	var req RedeemRequest
	if !decode(w, r, &req) {
		return
	}

	// Request fields first so a bad amount is not reported as a bad reward.
	if strings.TrimSpace(req.Email) == "" {
		writeError(w, http.StatusBadRequest, redemption.CodeInvalidRequest, "email is required")
		return
	}
	if req.Points <= 0 {
		writeError(w, http.StatusBadRequest, redemption.CodeInvalidRequest, "points must be positive")
		return
	}

	reward, err := rewards.Parse(req.RewardKind, req.RewardValue, req.Points)
	if err != nil {
		writeError(w, http.StatusBadRequest, redemption.CodeInvalidReward, err.Error())
		return
	}

	res, err := h.Coordinator.Redeem(r.Context(), redemption.RedeemRequest{
		Email:  req.Email,
		Points: req.Points,
		Reward: reward,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, RedeemResponse{
		Code:         res.Code,
		NewBalance:   res.NewBalance,
		RedemptionID: string(res.RedemptionID),
	})
}

// MarkUsed clears the active reward once the code has been consumed.
// POST /api/redemptions/used
func (h *Handler) MarkUsed(w http.ResponseWriter, r *http.Request) {
	var req MarkUsedRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.Coordinator.MarkUsed(r.Context(), req.Email, req.Code); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, OKResponse{OK: true})
}

// CancelRedeem refunds points and deactivates the active code.
// POST /api/redemptions/cancel
func (h *Handler) CancelRedeem(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if !decode(w, r, &req) {
		return
	}
	balance, err := h.Coordinator.CancelRedeem(r.Context(), req.Email, req.Points)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CancelResponse{NewBalance: balance})
}

// =============================================================================
// MILESTONE ENDPOINTS
// =============================================================================

// ListMilestones returns the configured catalog.
// GET /api/milestones
func (h *Handler) ListMilestones(w http.ResponseWriter, r *http.Request) {
	all := h.Coordinator.Catalog().All()
	dtos := make([]MilestoneDTO, len(all))
	for i, m := range all {
		dtos[i] = MilestoneDTO{Threshold: m.Threshold, RewardName: m.RewardName, ItemRef: m.ItemRef}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// RedeemMilestone issues the free item for a referral threshold.
// POST /api/milestones/redeem
func (h *Handler) RedeemMilestone(w http.ResponseWriter, r *http.Request) {
	var req MilestoneRedeemRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Coordinator.RedeemMilestone(r.Context(), req.Email, req.Threshold)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, MilestoneRedeemResponse{RewardName: res.RewardName, Code: res.Code})
}

// =============================================================================
// USER ENDPOINTS
// =============================================================================

// ListUsers returns all users.
// GET /api/users
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.Store.ListUsers(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	dtos := make([]UserDTO, len(users))
	for i, u := range users {
		dtos[i] = toUserDTO(u)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateUser provisions a user. Users normally arrive from the loyalty
// program; this exists for seeding.
// POST /api/users
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if !decode(w, r, &req) {
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" {
		writeError(w, http.StatusBadRequest, redemption.CodeInvalidRequest, "email is required")
		return
	}
	if req.Points < 0 || req.ReferralCount < 0 {
		writeError(w, http.StatusBadRequest, redemption.CodeInvalidRequest, "points and referral_count must not be negative")
		return
	}

	u := ledger.User{
		ID:            ledger.UserID("usr_" + uuid.NewString()),
		Email:         req.Email,
		Points:        req.Points,
		ReferralCount: req.ReferralCount,
	}
	if err := h.Store.SaveUser(r.Context(), u); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	created, err := h.Store.GetUser(r.Context(), req.Email)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toUserDTO(created))
}

// GetUser returns a user by email.
// GET /api/users/{email}
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	u, ok := h.userFromPath(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toUserDTO(u))
}

// GetActions returns the user's action log in insertion order.
// GET /api/users/{email}/actions
func (h *Handler) GetActions(w http.ResponseWriter, r *http.Request) {
	u, ok := h.userFromPath(w, r)
	if !ok {
		return
	}
	// Balance and log from one transaction; the replay starts from u.Points.
	u, entries, err := h.Ledger.History(r.Context(), u.ID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toActionDTOs(entries, u.Points))
}

// GetRedemptions returns the user's saga records, newest first.
// GET /api/users/{email}/redemptions
func (h *Handler) GetRedemptions(w http.ResponseWriter, r *http.Request) {
	u, ok := h.userFromPath(w, r)
	if !ok {
		return
	}
	list, err := h.Store.Redemptions(r.Context(), u.ID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRedemptionDTOs(list))
}

func (h *Handler) userFromPath(w http.ResponseWriter, r *http.Request) (ledger.User, bool) {
	email, err := url.PathUnescape(chi.URLParam(r, "email"))
	if err != nil || strings.TrimSpace(email) == "" {
		writeError(w, http.StatusBadRequest, redemption.CodeInvalidRequest, "invalid email")
		return ledger.User{}, false
	}
	u, err := h.Store.GetUser(r.Context(), email)
	if err != nil {
		h.writeDomainError(w, r, err)
		return ledger.User{}, false
	}
	return u, true
}

// =============================================================================
// ADMIN ENDPOINTS
// =============================================================================

// CreateAdjustment applies a signed manual correction to a balance.
// POST /api/admin/adjustments
func (h *Handler) CreateAdjustment(w http.ResponseWriter, r *http.Request) {
	var req AdjustmentRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Delta == 0 {
		writeError(w, http.StatusBadRequest, redemption.CodeInvalidRequest, "delta must be non-zero")
		return
	}
	u, err := h.Store.GetUser(r.Context(), strings.TrimSpace(req.Email))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	balance, err := h.Ledger.Adjust(r.Context(), u.ID, req.Delta)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.Logger.Info("balance adjusted", "user_id", u.ID, "delta", req.Delta, "new_balance", balance)
	writeJSON(w, http.StatusOK, CancelResponse{NewBalance: balance})
}

// =============================================================================
// RECONCILIATION ENDPOINTS
// =============================================================================

// ListStuck runs a sweep and returns redemptions needing attention.
// GET /api/reconciliation/stuck
func (h *Handler) ListStuck(w http.ResponseWriter, r *http.Request) {
	if h.Reconciler == nil {
		writeJSON(w, http.StatusOK, StuckResponse{Redemptions: []RedemptionDTO{}})
		return
	}
	stuck, err := h.Reconciler.Sweep(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	last, _ := h.Reconciler.Last()
	writeJSON(w, http.StatusOK, StuckResponse{LastSweep: &last, Redemptions: toRedemptionDTOs(stuck)})
}

// =============================================================================
// HELPERS
// =============================================================================

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, redemption.CodeInvalidRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: ErrorBody{Code: code, Message: message}})
}

// writeDomainError maps coordinator and ledger errors onto HTTP statuses.
// Internal details are logged, never returned.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message := classify(err)
	if status >= http.StatusInternalServerError {
		h.Logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"code", code,
			"error", err,
		)
	}
	writeError(w, status, code, message)
}

func classify(err error) (status int, code, message string) {
	var rerr *redemption.Error
	if errors.As(err, &rerr) {
		message = rerr.Message
		switch rerr.Kind {
		case redemption.KindValidation:
			return http.StatusBadRequest, rerr.Code, message
		case redemption.KindNotFound:
			return http.StatusNotFound, rerr.Code, message
		case redemption.KindInsufficientBalance:
			return http.StatusUnprocessableEntity, rerr.Code, message
		case redemption.KindConflict:
			return http.StatusConflict, rerr.Code, message
		case redemption.KindProvider:
			return http.StatusBadGateway, rerr.Code, message
		default:
			return http.StatusInternalServerError, rerr.Code, "internal error"
		}
	}

	var ib *ledger.InsufficientBalanceError
	switch {
	case errors.As(err, &ib):
		return http.StatusUnprocessableEntity, redemption.CodeInsufficientBalance, ib.Error()
	case errors.Is(err, ledger.ErrUserNotFound):
		return http.StatusNotFound, redemption.CodeUserNotFound, "user not found"
	case errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, ledger.ErrBalanceOverflow):
		return http.StatusBadRequest, redemption.CodeInvalidRequest, err.Error()
	case errors.Is(err, ledger.ErrDuplicateUser):
		return http.StatusConflict, "duplicate_user", "a user with this email already exists"
	default:
		return http.StatusInternalServerError, redemption.CodePersistenceError, "internal error"
	}
}
