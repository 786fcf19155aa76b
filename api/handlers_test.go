/*
handlers_test.go - HTTP tests for API handlers

Tests for:
- Redemption, mark-used and cancel flows through the router
- Error mapping to status codes and {"error": {...}} bodies
- Milestones, read endpoints, adjustments, reconciliation, scenarios
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/points-redemption/ledger"
	"github.com/warp/points-redemption/ledger/store"
	"github.com/warp/points-redemption/provider"
	"github.com/warp/points-redemption/redemption"
)

type testServer struct {
	router     http.Handler
	store      ledger.Store
	provider   *provider.Memory
	reconciler *redemption.Reconciler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := store.NewMemory()
	p := provider.NewMemory()
	reg := prometheus.NewRegistry()
	obs, err := redemption.NewPrometheusObserver(reg)
	require.NoError(t, err)

	coord, err := redemption.New(redemption.Config{
		Store:           s,
		Provider:        p,
		ProviderTimeout: time.Second,
		Logger:          logger,
		Observer:        obs,
	})
	require.NoError(t, err)

	rec := redemption.NewReconciler(s, logger, obs)
	h := NewHandler(coord, s, rec, logger)
	router := NewRouter(h, RouterOptions{Gatherer: reg, Scenarios: true})
	return &testServer{router: router, store: s, provider: p, reconciler: rec}
}

func (ts *testServer) seed(t *testing.T, email string, points, referrals int64) {
	t.Helper()
	require.NoError(t, ts.store.SaveUser(context.Background(), ledger.User{
		ID:            ledger.UserID("usr-" + email),
		Email:         email,
		Points:        points,
		ReferralCount: referrals,
	}))
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func requireAPIError(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	require.Equal(t, status, rec.Code, rec.Body.String())
	body := decodeBody[ErrorResponse](t, rec)
	assert.Equal(t, code, body.Error.Code)
	assert.NotEmpty(t, body.Error.Message)
}

// =============================================================================
// REDEMPTIONS
// =============================================================================

func TestRedeem_Success(t *testing.T) {
	// GIVEN: A member with 50 points
	// WHEN: Redeeming 30 points for a 10 CAD discount
	// THEN: A LOYALTY- code is returned, balance is 20 and the action log
	//       shows one -30 entry
	ts := newTestServer(t)
	ts.seed(t, "alice@example.com", 50, 0)

	rec := ts.do(t, http.MethodPost, "/api/redemptions", RedeemRequest{
		Email: "alice@example.com", Points: 30, RewardKind: "discount", RewardValue: "10CAD",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decodeBody[RedeemResponse](t, rec)
	assert.True(t, strings.HasPrefix(res.Code, "LOYALTY-"), res.Code)
	assert.Equal(t, int64(20), res.NewBalance)

	user := decodeBody[UserDTO](t, ts.do(t, http.MethodGet, "/api/users/alice@example.com", nil))
	assert.Equal(t, int64(20), user.Points)
	assert.Equal(t, res.Code, user.ActiveRewardCode)
	assert.NotEmpty(t, user.ActiveRewardID)

	actions := decodeBody[[]ActionDTO](t, ts.do(t, http.MethodGet, "/api/users/alice@example.com/actions", nil))
	require.Len(t, actions, 1)
	assert.Equal(t, "redeem-discount", actions[0].Kind)
	assert.Equal(t, int64(-30), actions[0].Delta)
	assert.Equal(t, int64(20), actions[0].Balance)

	reds := decodeBody[[]RedemptionDTO](t, ts.do(t, http.MethodGet, "/api/users/alice@example.com/redemptions", nil))
	require.Len(t, reds, 1)
	assert.Equal(t, string(ledger.StateCommitted), reds[0].State)
}

func TestRedeem_Errors(t *testing.T) {
	tests := []struct {
		name   string
		body   any
		status int
		code   string
	}{
		{
			name:   "insufficient balance",
			body:   RedeemRequest{Email: "poor@example.com", Points: 10, RewardKind: "discount", RewardValue: "dynamic"},
			status: http.StatusUnprocessableEntity,
			code:   redemption.CodeInsufficientBalance,
		},
		{
			name:   "unknown reward kind",
			body:   RedeemRequest{Email: "poor@example.com", Points: 1, RewardKind: "crypto", RewardValue: "1"},
			status: http.StatusBadRequest,
			code:   redemption.CodeInvalidReward,
		},
		{
			name:   "non-positive points",
			body:   RedeemRequest{Email: "poor@example.com", Points: 0, RewardKind: "discount", RewardValue: "5CAD"},
			status: http.StatusBadRequest,
			code:   redemption.CodeInvalidRequest,
		},
		{
			name:   "zero points with dynamic value",
			body:   RedeemRequest{Email: "poor@example.com", Points: 0, RewardKind: "discount", RewardValue: "dynamic"},
			status: http.StatusBadRequest,
			code:   redemption.CodeInvalidRequest,
		},
		{
			name:   "missing email checked before reward",
			body:   RedeemRequest{Points: 1, RewardKind: "crypto", RewardValue: "1"},
			status: http.StatusBadRequest,
			code:   redemption.CodeInvalidRequest,
		},
		{
			name:   "unknown user",
			body:   RedeemRequest{Email: "ghost@example.com", Points: 1, RewardKind: "discount", RewardValue: "dynamic"},
			status: http.StatusNotFound,
			code:   redemption.CodeUserNotFound,
		},
		{
			name:   "malformed body",
			body:   "{not json",
			status: http.StatusBadRequest,
			code:   redemption.CodeInvalidRequest,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(t)
			ts.seed(t, "poor@example.com", 5, 0)

			rec := ts.do(t, http.MethodPost, "/api/redemptions", tc.body)
			requireAPIError(t, rec, tc.status, tc.code)

			user, err := ts.store.GetUser(context.Background(), "poor@example.com")
			require.NoError(t, err)
			assert.Equal(t, int64(5), user.Points, "failed redemptions leave the balance untouched")
		})
	}
}

func TestRedeem_ActiveRewardBlocksSecond(t *testing.T) {
	ts := newTestServer(t)
	ts.seed(t, "alice@example.com", 50, 0)

	body := RedeemRequest{Email: "alice@example.com", Points: 10, RewardKind: "gift_card", RewardValue: "$5"}
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/redemptions", body).Code)

	rec := ts.do(t, http.MethodPost, "/api/redemptions", body)
	requireAPIError(t, rec, http.StatusBadRequest, redemption.CodeActiveRewardExists)
}

func TestRedeem_ProviderFailure(t *testing.T) {
	// GIVEN: The reward provider is down
	// WHEN: Redeeming
	// THEN: 502 with provider_error; the saga shows up as stuck once stale
	ts := newTestServer(t)
	ts.seed(t, "alice@example.com", 50, 0)
	ts.provider.SetIssueError(&provider.Error{Kind: provider.KindTransient, Op: "issue", Message: "503"})

	rec := ts.do(t, http.MethodPost, "/api/redemptions", RedeemRequest{
		Email: "alice@example.com", Points: 30, RewardKind: "discount", RewardValue: "dynamic",
	})
	requireAPIError(t, rec, http.StatusBadGateway, redemption.CodeProviderError)

	ts.reconciler.Now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
	stuck := decodeBody[StuckResponse](t, ts.do(t, http.MethodGet, "/api/reconciliation/stuck", nil))
	require.Len(t, stuck.Redemptions, 1)
	assert.Equal(t, string(ledger.StateDebited), stuck.Redemptions[0].State)
	assert.NotEmpty(t, stuck.Redemptions[0].Error)
	require.NotNil(t, stuck.LastSweep)
}

func TestRedeem_RateLimited(t *testing.T) {
	ts := newTestServer(t)
	ts.seed(t, "alice@example.com", 50, 0)
	ts.provider.SetIssueError(&provider.Error{Kind: provider.KindRateLimited, Op: "issue"})

	rec := ts.do(t, http.MethodPost, "/api/redemptions", RedeemRequest{
		Email: "alice@example.com", Points: 30, RewardKind: "percentage", RewardValue: "15%",
	})
	requireAPIError(t, rec, http.StatusBadGateway, redemption.CodeProviderRateLimited)
}

func TestCancelRedeem_RefundsAndDeactivates(t *testing.T) {
	// GIVEN: 50 points, 30 redeemed
	// WHEN: Cancelling with 30 points
	// THEN: Balance is back to 50, active reward cleared, code deactivated
	ts := newTestServer(t)
	ts.seed(t, "alice@example.com", 50, 0)

	res := decodeBody[RedeemResponse](t, ts.do(t, http.MethodPost, "/api/redemptions", RedeemRequest{
		Email: "alice@example.com", Points: 30, RewardKind: "discount", RewardValue: "10CAD",
	}))
	user := decodeBody[UserDTO](t, ts.do(t, http.MethodGet, "/api/users/alice@example.com", nil))
	rewardID := user.ActiveRewardID

	rec := ts.do(t, http.MethodPost, "/api/redemptions/cancel", CancelRequest{Email: "alice@example.com", Points: 30})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, int64(50), decodeBody[CancelResponse](t, rec).NewBalance)

	user = decodeBody[UserDTO](t, ts.do(t, http.MethodGet, "/api/users/alice@example.com", nil))
	assert.Empty(t, user.ActiveRewardCode)

	issued, ok := ts.provider.Code(rewardID)
	require.True(t, ok)
	assert.Equal(t, res.Code, issued.Code)
	assert.False(t, issued.Active)
}

func TestMarkUsed(t *testing.T) {
	ts := newTestServer(t)
	ts.seed(t, "alice@example.com", 50, 0)
	res := decodeBody[RedeemResponse](t, ts.do(t, http.MethodPost, "/api/redemptions", RedeemRequest{
		Email: "alice@example.com", Points: 20, RewardKind: "discount", RewardValue: "dynamic",
	}))

	rec := ts.do(t, http.MethodPost, "/api/redemptions/used", MarkUsedRequest{Email: "alice@example.com", Code: "LOYALTY-NOPE"})
	requireAPIError(t, rec, http.StatusNotFound, redemption.CodeRewardNotFound)

	rec = ts.do(t, http.MethodPost, "/api/redemptions/used", MarkUsedRequest{Email: "alice@example.com", Code: res.Code})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decodeBody[OKResponse](t, rec).OK)

	user := decodeBody[UserDTO](t, ts.do(t, http.MethodGet, "/api/users/alice@example.com", nil))
	assert.Empty(t, user.ActiveRewardCode)
	assert.Equal(t, int64(30), user.Points, "marking used never refunds")
}

// =============================================================================
// MILESTONES
// =============================================================================

func TestMilestones(t *testing.T) {
	// GIVEN: A member with 12 referrals
	// WHEN: Redeeming milestone 10 twice, then milestone 25
	// THEN: First succeeds, second conflicts, third is not reached
	ts := newTestServer(t)
	ts.seed(t, "bob@example.com", 0, 12)

	catalog := decodeBody[[]MilestoneDTO](t, ts.do(t, http.MethodGet, "/api/milestones", nil))
	require.Len(t, catalog, 3)
	assert.Equal(t, 10, catalog[0].Threshold)

	rec := ts.do(t, http.MethodPost, "/api/milestones/redeem", MilestoneRedeemRequest{Email: "bob@example.com", Threshold: 10})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decodeBody[MilestoneRedeemResponse](t, rec)
	assert.Equal(t, "Referral Tier 1", res.RewardName)
	assert.True(t, strings.HasPrefix(res.Code, "MILESTONE-"), res.Code)

	rec = ts.do(t, http.MethodPost, "/api/milestones/redeem", MilestoneRedeemRequest{Email: "bob@example.com", Threshold: 10})
	requireAPIError(t, rec, http.StatusConflict, redemption.CodeMilestoneRedeemed)

	rec = ts.do(t, http.MethodPost, "/api/milestones/redeem", MilestoneRedeemRequest{Email: "bob@example.com", Threshold: 25})
	requireAPIError(t, rec, http.StatusBadRequest, redemption.CodeMilestoneNotReached)

	rec = ts.do(t, http.MethodPost, "/api/milestones/redeem", MilestoneRedeemRequest{Email: "bob@example.com", Threshold: 7})
	requireAPIError(t, rec, http.StatusBadRequest, redemption.CodeUnknownMilestone)

	user := decodeBody[UserDTO](t, ts.do(t, http.MethodGet, "/api/users/bob@example.com", nil))
	assert.Equal(t, map[int]string{10: res.Code}, user.MilestoneRedemptions)
	assert.Equal(t, int64(0), user.Points)
}

// =============================================================================
// USERS / ADMIN
// =============================================================================

func TestUsers_CreateListAndNotFound(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/users", CreateUserRequest{Email: "new@example.com", Points: 15})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody[UserDTO](t, rec)
	assert.True(t, strings.HasPrefix(created.ID, "usr_"))

	rec = ts.do(t, http.MethodPost, "/api/users", CreateUserRequest{Email: "new@example.com"})
	requireAPIError(t, rec, http.StatusConflict, "duplicate_user")

	users := decodeBody[[]UserDTO](t, ts.do(t, http.MethodGet, "/api/users", nil))
	require.Len(t, users, 1)
	assert.Equal(t, int64(15), users[0].Points)

	requireAPIError(t, ts.do(t, http.MethodGet, "/api/users/ghost@example.com", nil), http.StatusNotFound, redemption.CodeUserNotFound)
	requireAPIError(t, ts.do(t, http.MethodGet, "/api/users/ghost@example.com/actions", nil), http.StatusNotFound, redemption.CodeUserNotFound)
}

func TestCreateAdjustment(t *testing.T) {
	ts := newTestServer(t)
	ts.seed(t, "alice@example.com", 50, 0)

	rec := ts.do(t, http.MethodPost, "/api/admin/adjustments", AdjustmentRequest{Email: "alice@example.com", Delta: 10})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, int64(60), decodeBody[CancelResponse](t, rec).NewBalance)

	rec = ts.do(t, http.MethodPost, "/api/admin/adjustments", AdjustmentRequest{Email: "alice@example.com", Delta: -100})
	requireAPIError(t, rec, http.StatusUnprocessableEntity, redemption.CodeInsufficientBalance)

	rec = ts.do(t, http.MethodPost, "/api/admin/adjustments", AdjustmentRequest{Email: "alice@example.com", Delta: 0})
	requireAPIError(t, rec, http.StatusBadRequest, redemption.CodeInvalidRequest)

	rec = ts.do(t, http.MethodPost, "/api/admin/adjustments", AdjustmentRequest{Email: "alice@example.com", Delta: math.MaxInt64})
	requireAPIError(t, rec, http.StatusBadRequest, redemption.CodeInvalidRequest)
	user := decodeBody[UserDTO](t, ts.do(t, http.MethodGet, "/api/users/alice@example.com", nil))
	assert.Equal(t, int64(60), user.Points, "overflowing credit leaves the balance")

	actions := decodeBody[[]ActionDTO](t, ts.do(t, http.MethodGet, "/api/users/alice@example.com/actions", nil))
	require.Len(t, actions, 1)
	assert.Equal(t, string(ledger.ActionAdjustment), actions[0].Kind)
}

// =============================================================================
// SCENARIOS / OPS
// =============================================================================

func TestScenarios_Load(t *testing.T) {
	ts := newTestServer(t)
	ts.seed(t, "stale@example.com", 1, 0)

	rec := ts.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "mixed"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	users := decodeBody[[]UserDTO](t, ts.do(t, http.MethodGet, "/api/users", nil))
	require.Len(t, users, 3, "load resets existing data")

	erin := decodeBody[UserDTO](t, ts.do(t, http.MethodGet, "/api/users/erin@example.com", nil))
	assert.Equal(t, int64(150), erin.Points)
	assert.NotEmpty(t, erin.ActiveRewardCode)

	current := decodeBody[ScenarioDTO](t, ts.do(t, http.MethodGet, "/api/scenarios/current", nil))
	assert.Equal(t, "mixed", current.ID)

	rec = ts.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "nope"})
	requireAPIError(t, rec, http.StatusBadRequest, redemption.CodeInvalidRequest)
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t)
	ts.seed(t, "alice@example.com", 50, 0)
	ts.do(t, http.MethodPost, "/api/redemptions", RedeemRequest{
		Email: "alice@example.com", Points: 10, RewardKind: "discount", RewardValue: "dynamic",
	})

	rec := ts.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `redemption_operations_total{operation="redeem",outcome="ok"} 1`)
}
