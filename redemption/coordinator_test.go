package redemption_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/points-redemption/ledger"
	"github.com/warp/points-redemption/ledger/store"
	"github.com/warp/points-redemption/provider"
	"github.com/warp/points-redemption/redemption"
	"github.com/warp/points-redemption/rewards"
	"github.com/warp/points-redemption/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type harness struct {
	coord    *redemption.Coordinator
	store    ledger.Store
	provider *provider.Memory
	ledger   *ledger.Ledger
}

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// forEachStore runs fn once against the memory store and once against SQLite.
func forEachStore(t *testing.T, fn func(t *testing.T, h *harness)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, newHarness(t, store.NewMemory()))
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := sqlite.New(":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		fn(t, newHarness(t, s))
	})
}

func newHarness(t *testing.T, s ledger.Store, opts ...func(*redemption.Config)) *harness {
	t.Helper()
	p := provider.NewMemory()
	cfg := redemption.Config{
		Store:           s,
		Provider:        p,
		ProviderTimeout: time.Second,
		Logger:          discardLogger,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	c, err := redemption.New(cfg)
	require.NoError(t, err)
	return &harness{coord: c, store: s, provider: p, ledger: ledger.New(s)}
}

func (h *harness) seedUser(t *testing.T, email string, points, referrals int64) ledger.User {
	t.Helper()
	u := ledger.User{
		ID:            ledger.UserID("usr-" + email),
		Email:         email,
		Points:        points,
		ReferralCount: referrals,
	}
	require.NoError(t, h.store.SaveUser(context.Background(), u))
	return u
}

func (h *harness) user(t *testing.T, email string) ledger.User {
	t.Helper()
	u, err := h.store.GetUser(context.Background(), email)
	require.NoError(t, err)
	return u
}

func (h *harness) assertNoDrift(t *testing.T, u ledger.User) {
	t.Helper()
	drift, err := h.ledger.Drift(context.Background(), u.ID, u.Points)
	require.NoError(t, err)
	assert.Zero(t, drift, "balance must equal opening balance plus action log")
}

func (h *harness) latestRedemption(t *testing.T, id ledger.UserID) ledger.Redemption {
	t.Helper()
	list, err := h.store.Redemptions(context.Background(), id)
	require.NoError(t, err)
	require.NotEmpty(t, list)
	return list[0]
}

func reward(t *testing.T, kind, value string, points int64) rewards.Reward {
	t.Helper()
	r, err := rewards.Parse(kind, value, points)
	require.NoError(t, err)
	return r
}

func requireKind(t *testing.T, err error, kind redemption.Kind, code string) {
	t.Helper()
	require.Error(t, err)
	var rerr *redemption.Error
	require.True(t, errors.As(err, &rerr), "expected *redemption.Error, got %T: %v", err, err)
	assert.Equal(t, kind, rerr.Kind)
	if code != "" {
		assert.Equal(t, code, rerr.Code)
	}
}

// =============================================================================
// REDEEM / CANCEL SCENARIOS
// =============================================================================

func TestRedeem_ThenCancel_RestoresBalance(t *testing.T) {
	// GIVEN: User with 50 points
	// WHEN: Redeeming 30 for a 10CAD discount, then cancelling 30
	// THEN: Balance 20 with a code, then 50 with no code

	forEachStore(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		opening := h.seedUser(t, "a@example.com", 50, 0)

		res, err := h.coord.Redeem(ctx, redemption.RedeemRequest{
			Email:  "a@example.com",
			Points: 30,
			Reward: reward(t, "discount", "10CAD", 30),
		})
		require.NoError(t, err)
		assert.NotEmpty(t, res.Code)
		assert.Equal(t, int64(20), res.NewBalance)

		u := h.user(t, "a@example.com")
		assert.Equal(t, int64(20), u.Points)
		require.True(t, u.HasActiveReward())
		assert.Equal(t, res.Code, u.ActiveReward.Code)

		rec := h.latestRedemption(t, u.ID)
		assert.Equal(t, ledger.StateCommitted, rec.State)
		assert.Equal(t, int64(30), rec.Points)

		balance, err := h.coord.CancelRedeem(ctx, "a@example.com", 30)
		require.NoError(t, err)
		assert.Equal(t, int64(50), balance)

		u = h.user(t, "a@example.com")
		assert.Equal(t, int64(50), u.Points)
		assert.False(t, u.HasActiveReward())

		rec = h.latestRedemption(t, u.ID)
		assert.Equal(t, ledger.StateRefunded, rec.State)

		issued, ok := h.provider.Code(rec.Reward.RewardID)
		require.True(t, ok)
		assert.False(t, issued.Active, "cancelled code must be deactivated")

		entries, err := h.store.Actions(ctx, u.ID)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, ledger.ActionRedeemDiscount, entries[0].Kind)
		assert.Equal(t, int64(-30), entries[0].Delta)
		assert.Equal(t, ledger.ActionRefund, entries[1].Kind)
		assert.Equal(t, int64(30), entries[1].Delta)

		h.assertNoDrift(t, opening)
	})
}

func TestRedeem_InsufficientBalance_NoProviderCall(t *testing.T) {
	// GIVEN: User with 5 points
	// WHEN: Redeeming 10
	// THEN: InsufficientBalance, balance 5, provider never called

	forEachStore(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		h.seedUser(t, "a@example.com", 5, 0)

		_, err := h.coord.Redeem(ctx, redemption.RedeemRequest{
			Email:  "a@example.com",
			Points: 10,
			Reward: reward(t, "discount", "dynamic", 10),
		})
		requireKind(t, err, redemption.KindInsufficientBalance, redemption.CodeInsufficientBalance)
		assert.ErrorIs(t, err, redemption.ErrInsufficientBalance)
		assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)

		u := h.user(t, "a@example.com")
		assert.Equal(t, int64(5), u.Points)

		issue, deactivate := h.provider.Calls()
		assert.Zero(t, issue)
		assert.Zero(t, deactivate)

		entries, err := h.store.Actions(ctx, u.ID)
		require.NoError(t, err)
		assert.Empty(t, entries)

		redemptions, err := h.store.Redemptions(ctx, u.ID)
		require.NoError(t, err)
		assert.Empty(t, redemptions)
	})
}

func TestRedeem_Validation(t *testing.T) {
	h := newHarness(t, store.NewMemory())
	h.seedUser(t, "a@example.com", 50, 0)
	ctx := context.Background()

	tests := []struct {
		name string
		req  redemption.RedeemRequest
		code string
	}{
		{"zero points", redemption.RedeemRequest{Email: "a@example.com", Points: 0, Reward: reward(t, "discount", "10CAD", 0)}, redemption.CodeInvalidRequest},
		{"negative points", redemption.RedeemRequest{Email: "a@example.com", Points: -5, Reward: reward(t, "discount", "10CAD", 0)}, redemption.CodeInvalidRequest},
		{"missing email", redemption.RedeemRequest{Email: "  ", Points: 10, Reward: reward(t, "discount", "10CAD", 10)}, redemption.CodeInvalidRequest},
		{"missing reward", redemption.RedeemRequest{Email: "a@example.com", Points: 10}, redemption.CodeInvalidReward},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.coord.Redeem(ctx, tc.req)
			requireKind(t, err, redemption.KindValidation, tc.code)
			assert.True(t, redemption.IsClientError(err))
		})
	}

	assert.Equal(t, int64(50), h.user(t, "a@example.com").Points)
	issue, _ := h.provider.Calls()
	assert.Zero(t, issue)
}

func TestRedeem_UnknownUser(t *testing.T) {
	h := newHarness(t, store.NewMemory())

	_, err := h.coord.Redeem(context.Background(), redemption.RedeemRequest{
		Email:  "nobody@example.com",
		Points: 10,
		Reward: reward(t, "gift_card", "$5", 10),
	})
	requireKind(t, err, redemption.KindNotFound, redemption.CodeUserNotFound)
	assert.ErrorIs(t, err, ledger.ErrUserNotFound)
}

func TestRedeem_ProviderFailure_LeavesDebit(t *testing.T) {
	// GIVEN: A provider that fails to issue
	// WHEN: Redeeming 30 of 50 points
	// THEN: ProviderError; points stay debited; the redemption stays
	//       debited with the error; a new redeem is blocked until cancel

	forEachStore(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		opening := h.seedUser(t, "a@example.com", 50, 0)
		h.provider.SetIssueError(&provider.Error{Kind: provider.KindTransient, Op: "issue", Message: "connection reset"})

		req := redemption.RedeemRequest{Email: "a@example.com", Points: 30, Reward: reward(t, "discount", "10CAD", 30)}
		_, err := h.coord.Redeem(ctx, req)
		requireKind(t, err, redemption.KindProvider, redemption.CodeProviderError)
		assert.ErrorIs(t, err, redemption.ErrProvider)
		assert.True(t, provider.IsRetryable(err))

		u := h.user(t, "a@example.com")
		assert.Equal(t, int64(20), u.Points)
		assert.False(t, u.HasActiveReward())

		rec := h.latestRedemption(t, u.ID)
		assert.Equal(t, ledger.StateDebited, rec.State)
		assert.Contains(t, rec.Error, "connection reset")

		h.provider.SetIssueError(nil)
		_, err = h.coord.Redeem(ctx, req)
		requireKind(t, err, redemption.KindValidation, redemption.CodeActiveRewardExists)

		balance, err := h.coord.CancelRedeem(ctx, "a@example.com", 30)
		require.NoError(t, err)
		assert.Equal(t, int64(50), balance)

		rec = h.latestRedemption(t, u.ID)
		assert.Equal(t, ledger.StateRefunded, rec.State)
		_, deactivate := h.provider.Calls()
		assert.Zero(t, deactivate, "no code was issued, nothing to deactivate")

		res, err := h.coord.Redeem(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, int64(20), res.NewBalance)

		h.assertNoDrift(t, opening)
	})
}

func TestRedeem_RateLimited_Code(t *testing.T) {
	h := newHarness(t, store.NewMemory())
	h.seedUser(t, "a@example.com", 50, 0)
	h.provider.SetIssueError(&provider.Error{Kind: provider.KindRateLimited, Op: "issue"})

	_, err := h.coord.Redeem(context.Background(), redemption.RedeemRequest{
		Email: "a@example.com", Points: 10, Reward: reward(t, "discount", "dynamic", 10),
	})
	requireKind(t, err, redemption.KindProvider, redemption.CodeProviderRateLimited)
}

func TestRedeem_ActiveRewardBlocksSecondRedeem(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		h.seedUser(t, "a@example.com", 100, 0)
		req := redemption.RedeemRequest{Email: "a@example.com", Points: 30, Reward: reward(t, "percentage", "15%", 30)}

		_, err := h.coord.Redeem(ctx, req)
		require.NoError(t, err)

		_, err = h.coord.Redeem(ctx, req)
		requireKind(t, err, redemption.KindValidation, redemption.CodeActiveRewardExists)

		assert.Equal(t, int64(70), h.user(t, "a@example.com").Points)
		issue, _ := h.provider.Calls()
		assert.Equal(t, 1, issue)
	})
}

func TestRedeem_DynamicReward_IssuesPointValue(t *testing.T) {
	h := newHarness(t, store.NewMemory())
	h.seedUser(t, "a@example.com", 2000, 0)

	_, err := h.coord.Redeem(context.Background(), redemption.RedeemRequest{
		Email: "a@example.com", Points: 1234, Reward: reward(t, "discount", "dynamic", 1234),
	})
	require.NoError(t, err)

	issued := h.provider.Issued()
	require.Len(t, issued, 1)
	spec, ok := issued[0].Spec.(provider.Dynamic)
	require.True(t, ok)
	assert.Equal(t, "12.34", spec.Amount().StringFixed(2))
	assert.Regexp(t, `^LOYALTY-[0-9A-F]{10}$`, issued[0].Code)
}

// =============================================================================
// MARK USED
// =============================================================================

func TestMarkUsed_TwiceReturnsNotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		h.seedUser(t, "a@example.com", 50, 0)

		res, err := h.coord.Redeem(ctx, redemption.RedeemRequest{
			Email: "a@example.com", Points: 30, Reward: reward(t, "discount", "10CAD", 30),
		})
		require.NoError(t, err)

		require.NoError(t, h.coord.MarkUsed(ctx, "a@example.com", res.Code))
		u := h.user(t, "a@example.com")
		assert.False(t, u.HasActiveReward())
		assert.Equal(t, int64(20), u.Points, "using a code does not refund")

		err = h.coord.MarkUsed(ctx, "a@example.com", res.Code)
		requireKind(t, err, redemption.KindNotFound, redemption.CodeRewardNotFound)

		_, deactivate := h.provider.Calls()
		assert.Equal(t, 1, deactivate)
	})
}

func TestMarkUsed_WrongCode(t *testing.T) {
	h := newHarness(t, store.NewMemory())
	h.seedUser(t, "a@example.com", 50, 0)
	ctx := context.Background()

	res, err := h.coord.Redeem(ctx, redemption.RedeemRequest{
		Email: "a@example.com", Points: 30, Reward: reward(t, "discount", "10CAD", 30),
	})
	require.NoError(t, err)

	err = h.coord.MarkUsed(ctx, "a@example.com", "LOYALTY-0000000000")
	requireKind(t, err, redemption.KindNotFound, redemption.CodeRewardNotFound)

	u := h.user(t, "a@example.com")
	require.True(t, u.HasActiveReward())
	assert.Equal(t, res.Code, u.ActiveReward.Code)
}

func TestMarkUsed_DeactivateFailure_StillClears(t *testing.T) {
	h := newHarness(t, store.NewMemory())
	h.seedUser(t, "a@example.com", 50, 0)
	ctx := context.Background()

	res, err := h.coord.Redeem(ctx, redemption.RedeemRequest{
		Email: "a@example.com", Points: 30, Reward: reward(t, "discount", "10CAD", 30),
	})
	require.NoError(t, err)

	h.provider.SetDeactivateError(&provider.Error{Kind: provider.KindTransient, Op: "deactivate"})
	require.NoError(t, h.coord.MarkUsed(ctx, "a@example.com", res.Code))
	assert.False(t, h.user(t, "a@example.com").HasActiveReward())
}

// =============================================================================
// CANCEL REDEEM
// =============================================================================

func TestCancelRedeem_DeactivateFailure_RefundStillApplied(t *testing.T) {
	// GIVEN: A committed redemption and a provider that cannot deactivate
	// WHEN: Cancelling
	// THEN: Points are refunded, the code is cleared locally, the
	//       redemption ends in compensation_failed, no error is returned

	forEachStore(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		opening := h.seedUser(t, "a@example.com", 50, 0)
		_, err := h.coord.Redeem(ctx, redemption.RedeemRequest{
			Email: "a@example.com", Points: 30, Reward: reward(t, "discount", "10CAD", 30),
		})
		require.NoError(t, err)

		h.provider.SetDeactivateError(&provider.Error{Kind: provider.KindRateLimited, Op: "deactivate"})
		balance, err := h.coord.CancelRedeem(ctx, "a@example.com", 30)
		require.NoError(t, err)
		assert.Equal(t, int64(50), balance)

		u := h.user(t, "a@example.com")
		assert.False(t, u.HasActiveReward())
		rec := h.latestRedemption(t, u.ID)
		assert.Equal(t, ledger.StateCompensationFailed, rec.State)
		assert.NotEmpty(t, rec.Error)

		h.assertNoDrift(t, opening)
	})
}

func TestCancelRedeem_WithoutRedemption_CreditsUnconditionally(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		opening := h.seedUser(t, "a@example.com", 10, 0)

		balance, err := h.coord.CancelRedeem(ctx, "a@example.com", 15)
		require.NoError(t, err)
		assert.Equal(t, int64(25), balance)

		_, deactivate := h.provider.Calls()
		assert.Zero(t, deactivate)
		h.assertNoDrift(t, opening)
	})
}

func TestCancelRedeem_Validation(t *testing.T) {
	h := newHarness(t, store.NewMemory())
	h.seedUser(t, "a@example.com", 10, 0)
	ctx := context.Background()

	_, err := h.coord.CancelRedeem(ctx, "a@example.com", 0)
	requireKind(t, err, redemption.KindValidation, redemption.CodeInvalidRequest)

	_, err = h.coord.CancelRedeem(ctx, "", 10)
	requireKind(t, err, redemption.KindValidation, redemption.CodeInvalidRequest)

	_, err = h.coord.CancelRedeem(ctx, "nobody@example.com", 10)
	requireKind(t, err, redemption.KindNotFound, redemption.CodeUserNotFound)
}

func TestCancelRedeem_OverflowingRefund_IsValidation(t *testing.T) {
	// GIVEN: User with 50 points
	// WHEN: Cancelling with math.MaxInt64 points
	// THEN: Validation error, balance unchanged, no refund logged

	forEachStore(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		opening := h.seedUser(t, "a@example.com", 50, 0)

		_, err := h.coord.CancelRedeem(ctx, "a@example.com", math.MaxInt64)
		requireKind(t, err, redemption.KindValidation, redemption.CodeInvalidRequest)
		assert.ErrorIs(t, err, ledger.ErrBalanceOverflow)

		assert.Equal(t, int64(50), h.user(t, "a@example.com").Points)
		entries, err := h.store.Actions(ctx, opening.ID)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestRedeem_ConcurrentSameUser_BalanceNeverNegative(t *testing.T) {
	// GIVEN: User with 50 points
	// WHEN: 10 concurrent redeems of 20 points each
	// THEN: Exactly one succeeds; the rest are rejected; log stays consistent

	forEachStore(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		opening := h.seedUser(t, "a@example.com", 50, 0)

		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			succeeded int
			unexpect  []error
		)
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := h.coord.Redeem(ctx, redemption.RedeemRequest{
					Email: "a@example.com", Points: 20, Reward: reward(t, "discount", "5CAD", 20),
				})
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					succeeded++
				case !redemption.IsClientError(err):
					unexpect = append(unexpect, err)
				}
			}()
		}
		wg.Wait()

		assert.Empty(t, unexpect)
		assert.Equal(t, 1, succeeded)
		u := h.user(t, "a@example.com")
		assert.Equal(t, int64(30), u.Points)
		h.assertNoDrift(t, opening)
	})
}

func TestRedeem_ConcurrentDifferentUsers_AllSucceed(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		const n = 8
		for i := 0; i < n; i++ {
			h.seedUser(t, fmt.Sprintf("u%d@example.com", i), 40, 0)
		}

		var wg sync.WaitGroup
		errs := make([]error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = h.coord.Redeem(ctx, redemption.RedeemRequest{
					Email:  fmt.Sprintf("u%d@example.com", i),
					Points: 25,
					Reward: reward(t, "gift_card", "dynamic", 25),
				})
			}(i)
		}
		wg.Wait()

		for i, err := range errs {
			assert.NoError(t, err, "user %d", i)
			assert.Equal(t, int64(15), h.user(t, fmt.Sprintf("u%d@example.com", i)).Points)
		}
	})
}

func TestRedeem_LockNotHeldDuringIssue_CancelWins(t *testing.T) {
	// GIVEN: A redeem blocked inside the provider call
	// WHEN: The same user cancels meanwhile
	// THEN: Cancel completes without waiting; the late code is deactivated
	//       and Redeem reports the cancellation

	forEachStore(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		opening := h.seedUser(t, "a@example.com", 50, 0)

		entered := make(chan struct{})
		release := make(chan struct{})
		var once sync.Once
		h.provider.SetIssueHook(func(context.Context) {
			once.Do(func() { close(entered) })
			<-release
		})

		result := make(chan error, 1)
		go func() {
			_, err := h.coord.Redeem(ctx, redemption.RedeemRequest{
				Email: "a@example.com", Points: 30, Reward: reward(t, "discount", "10CAD", 30),
			})
			result <- err
		}()
		<-entered

		cancelled := make(chan int64, 1)
		go func() {
			balance, err := h.coord.CancelRedeem(ctx, "a@example.com", 30)
			assert.NoError(t, err)
			cancelled <- balance
		}()

		select {
		case balance := <-cancelled:
			assert.Equal(t, int64(50), balance)
		case <-time.After(2 * time.Second):
			t.Fatal("cancel blocked behind the provider call")
		}

		close(release)
		err := <-result
		requireKind(t, err, redemption.KindConflict, redemption.CodeRedemptionCancelled)

		u := h.user(t, "a@example.com")
		assert.Equal(t, int64(50), u.Points)
		assert.False(t, u.HasActiveReward())

		issued := h.provider.Issued()
		require.Len(t, issued, 1)
		assert.False(t, issued[0].Active, "late code must be deactivated")

		rec := h.latestRedemption(t, u.ID)
		assert.Equal(t, ledger.StateRefunded, rec.State)
		h.assertNoDrift(t, opening)
	})
}

func TestRedeem_CancelledDuringIssue_LateDeactivateFailure_NeedsAttention(t *testing.T) {
	// GIVEN: A redeem blocked inside the provider call, cancelled meanwhile
	// WHEN: The late code cannot be deactivated
	// THEN: The saga moves refunded -> compensation_failed with the late
	//       reward id and the reconciler reports it

	forEachStore(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		opening := h.seedUser(t, "a@example.com", 50, 0)

		entered := make(chan struct{})
		release := make(chan struct{})
		var once sync.Once
		h.provider.SetIssueHook(func(context.Context) {
			once.Do(func() { close(entered) })
			<-release
		})

		result := make(chan error, 1)
		go func() {
			_, err := h.coord.Redeem(ctx, redemption.RedeemRequest{
				Email: "a@example.com", Points: 30, Reward: reward(t, "discount", "10CAD", 30),
			})
			result <- err
		}()
		<-entered

		balance, err := h.coord.CancelRedeem(ctx, "a@example.com", 30)
		require.NoError(t, err)
		assert.Equal(t, int64(50), balance)
		assert.Equal(t, ledger.StateRefunded, h.latestRedemption(t, opening.ID).State)

		h.provider.SetDeactivateError(&provider.Error{Kind: provider.KindTransient, Op: "deactivate"})
		close(release)
		requireKind(t, <-result, redemption.KindConflict, redemption.CodeRedemptionCancelled)

		issued := h.provider.Issued()
		require.Len(t, issued, 1)
		assert.True(t, issued[0].Active, "late code is still live remotely")

		rec := h.latestRedemption(t, opening.ID)
		assert.Equal(t, ledger.StateCompensationFailed, rec.State)
		assert.Equal(t, issued[0].RewardID, rec.Reward.RewardID)
		assert.Contains(t, rec.Error, "late code")
		assert.True(t, rec.State.NeedsAttention())

		u := h.user(t, "a@example.com")
		assert.Equal(t, int64(50), u.Points)
		assert.False(t, u.HasActiveReward())
		h.assertNoDrift(t, opening)

		r := redemption.NewReconciler(h.store, discardLogger, nil)
		r.Now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
		stuck, err := r.Sweep(ctx)
		require.NoError(t, err)
		require.Len(t, stuck, 1)
		assert.Equal(t, rec.ID, stuck[0].ID)
	})
}

func TestRedeem_ClientCancellation_DoesNotAbortIssue(t *testing.T) {
	h := newHarness(t, store.NewMemory())
	h.seedUser(t, "a@example.com", 50, 0)

	ctx, cancel := context.WithCancel(context.Background())
	h.provider.SetIssueHook(func(context.Context) { cancel() })

	res, err := h.coord.Redeem(ctx, redemption.RedeemRequest{
		Email: "a@example.com", Points: 30, Reward: reward(t, "discount", "10CAD", 30),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Code)
	assert.True(t, h.user(t, "a@example.com").HasActiveReward())
}

func TestRedeem_ProviderTimeout_IsProviderError(t *testing.T) {
	h := newHarness(t, store.NewMemory(), func(cfg *redemption.Config) {
		cfg.ProviderTimeout = 20 * time.Millisecond
	})
	h.seedUser(t, "a@example.com", 50, 0)
	h.provider.SetIssueHook(func(ctx context.Context) { <-ctx.Done() })

	_, err := h.coord.Redeem(context.Background(), redemption.RedeemRequest{
		Email: "a@example.com", Points: 30, Reward: reward(t, "discount", "10CAD", 30),
	})
	requireKind(t, err, redemption.KindProvider, "")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// =============================================================================
// CONSTRUCTION
// =============================================================================

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := redemption.New(redemption.Config{Provider: provider.NewMemory()})
	assert.Error(t, err)
	_, err = redemption.New(redemption.Config{Store: store.NewMemory()})
	assert.Error(t, err)
}
