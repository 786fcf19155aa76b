// Package storetest holds behavioural tests shared by every ledger.Store
// implementation. Each implementation's _test.go calls Run with its own
// constructor.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/points-redemption/ledger"
)

// Factory returns an empty store. Cleanup is the factory's responsibility
// (t.Cleanup).
type Factory func(t *testing.T) ledger.Store

// Run executes the full conformance suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s ledger.Store)
	}{
		{"SaveAndGetUser", testSaveAndGetUser},
		{"DuplicateEmail", testDuplicateEmail},
		{"TryDebit_Sufficient", testTryDebitSufficient},
		{"TryDebit_Insufficient_LeavesBalance", testTryDebitInsufficient},
		{"TryDebit_ExactBalance", testTryDebitExact},
		{"Credit_Overflow_LeavesBalance", testCreditOverflow},
		{"RollbackOnError", testRollbackOnError},
		{"ActiveRewardPairedWrite", testActiveRewardPaired},
		{"MilestoneMapRoundTrip", testMilestoneMap},
		{"RedemptionLifecycle", testRedemptionLifecycle},
		{"StaleRedemptions", testStaleRedemptions},
		{"ConcurrentDebits_NeverNegative", testConcurrentDebits},
		{"TxActions_IncludesStagedEntries", testTxActions},
		{"History_ConsistentUnderWrites", testHistoryConsistent},
		{"UnknownUser", testUnknownUser},
		{"Reset", testReset},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, newStore(t))
		})
	}
}

// =============================================================================
// HELPERS
// =============================================================================

func seed(t *testing.T, s ledger.Store, id string, points int64) ledger.User {
	t.Helper()
	u := ledger.User{
		ID:     ledger.UserID(id),
		Email:  id + "@example.com",
		Points: points,
	}
	require.NoError(t, s.SaveUser(context.Background(), u))
	return u
}

func balanceOf(t *testing.T, s ledger.Store, id ledger.UserID) int64 {
	t.Helper()
	u, err := s.GetUserByID(context.Background(), id)
	require.NoError(t, err)
	return u.Points
}

// =============================================================================
// TESTS
// =============================================================================

func testSaveAndGetUser(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	seed(t, s, "usr-1", 50)

	u, err := s.GetUser(ctx, "usr-1@example.com")
	require.NoError(t, err)
	assert.Equal(t, ledger.UserID("usr-1"), u.ID)
	assert.Equal(t, int64(50), u.Points)
	assert.False(t, u.HasActiveReward())

	users, err := s.ListUsers(ctx)
	require.NoError(t, err)
	assert.Len(t, users, 1)
}

func testDuplicateEmail(t *testing.T, s ledger.Store) {
	seed(t, s, "usr-1", 0)
	err := s.SaveUser(context.Background(), ledger.User{ID: "usr-2", Email: "usr-1@example.com"})
	assert.ErrorIs(t, err, ledger.ErrDuplicateUser)
}

func testTryDebitSufficient(t *testing.T, s ledger.Store) {
	// GIVEN: 50 points
	// WHEN: Debiting 30 with its action in one transaction
	// THEN: Balance is 20 and the log sums to -30

	ctx := context.Background()
	u := seed(t, s, "usr-1", 50)

	err := s.WithUserTx(ctx, u.ID, func(tx ledger.Tx) error {
		balance, err := tx.TryDebit(ctx, 30)
		if err != nil {
			return err
		}
		assert.Equal(t, int64(20), balance)
		return tx.RecordAction(ctx, ledger.ActionRedeemDiscount, -30)
	})
	require.NoError(t, err)

	assert.Equal(t, int64(20), balanceOf(t, s, u.ID))
	entries, err := s.Actions(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.ActionRedeemDiscount, entries[0].Kind)
	assert.Equal(t, int64(-30), ledger.Sum(entries))
}

func testTryDebitInsufficient(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	u := seed(t, s, "usr-1", 5)

	err := s.WithUserTx(ctx, u.ID, func(tx ledger.Tx) error {
		_, err := tx.TryDebit(ctx, 10)
		return err
	})
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	var ib *ledger.InsufficientBalanceError
	require.True(t, errors.As(err, &ib))
	assert.Equal(t, int64(5), ib.Available)
	assert.Equal(t, int64(10), ib.Requested)

	assert.Equal(t, int64(5), balanceOf(t, s, u.ID))
	entries, err := s.Actions(ctx, u.ID)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func testTryDebitExact(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	u := seed(t, s, "usr-1", 30)

	err := s.WithUserTx(ctx, u.ID, func(tx ledger.Tx) error {
		_, err := tx.TryDebit(ctx, 30)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), balanceOf(t, s, u.ID))
}

func testCreditOverflow(t *testing.T, s ledger.Store) {
	// GIVEN: 50 points
	// WHEN: Crediting math.MaxInt64
	// THEN: ErrBalanceOverflow, balance still 50, nothing logged

	ctx := context.Background()
	u := seed(t, s, "usr-1", 50)

	err := s.WithUserTx(ctx, u.ID, func(tx ledger.Tx) error {
		if _, err := tx.Credit(ctx, math.MaxInt64); err != nil {
			return err
		}
		return tx.RecordAction(ctx, ledger.ActionRefund, math.MaxInt64)
	})
	require.ErrorIs(t, err, ledger.ErrBalanceOverflow)
	assert.True(t, ledger.IsClientError(err))

	assert.Equal(t, int64(50), balanceOf(t, s, u.ID))
	entries, err := s.Actions(ctx, u.ID)
	require.NoError(t, err)
	assert.Empty(t, entries)

	// The largest credit that fits still succeeds.
	err = s.WithUserTx(ctx, u.ID, func(tx ledger.Tx) error {
		balance, err := tx.Credit(ctx, math.MaxInt64-50)
		if err != nil {
			return err
		}
		assert.Equal(t, int64(math.MaxInt64), balance)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), balanceOf(t, s, u.ID))
}

func testRollbackOnError(t *testing.T, s ledger.Store) {
	// GIVEN: A transaction that debits then fails
	// THEN: Neither the debit nor the action is visible

	ctx := context.Background()
	u := seed(t, s, "usr-1", 50)
	boom := errors.New("boom")

	err := s.WithUserTx(ctx, u.ID, func(tx ledger.Tx) error {
		if _, err := tx.TryDebit(ctx, 30); err != nil {
			return err
		}
		if err := tx.RecordAction(ctx, ledger.ActionRedeemDiscount, -30); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	assert.Equal(t, int64(50), balanceOf(t, s, u.ID))
	entries, err := s.Actions(ctx, u.ID)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func testActiveRewardPaired(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	u := seed(t, s, "usr-1", 0)

	err := s.WithUserTx(ctx, u.ID, func(tx ledger.Tx) error {
		return tx.SetActiveReward(ctx, ledger.RewardCode{Code: "LOYALTY-ABC"})
	})
	require.ErrorIs(t, err, ledger.ErrIncompleteReward)

	code := ledger.RewardCode{Code: "LOYALTY-ABC", RewardID: "gid://shopify/DiscountCodeNode/1"}
	require.NoError(t, s.WithUserTx(ctx, u.ID, func(tx ledger.Tx) error {
		return tx.SetActiveReward(ctx, code)
	}))

	got, err := s.GetUserByID(ctx, u.ID)
	require.NoError(t, err)
	require.True(t, got.HasActiveReward())
	assert.Equal(t, code, *got.ActiveReward)

	require.NoError(t, s.WithUserTx(ctx, u.ID, func(tx ledger.Tx) error {
		return tx.ClearActiveReward(ctx)
	}))
	got, err = s.GetUserByID(ctx, u.ID)
	require.NoError(t, err)
	assert.False(t, got.HasActiveReward())
}

func testMilestoneMap(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	u := seed(t, s, "usr-1", 0)

	m := ledger.MilestoneRedemptions{}.With(10, "MILESTONE-AAAA").With(25, "MILESTONE-BBBB")
	require.NoError(t, s.WithUserTx(ctx, u.ID, func(tx ledger.Tx) error {
		return tx.SetMilestoneRedemptions(ctx, m)
	}))

	got, err := s.GetUserByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, []int{10, 25}, got.MilestoneRedemptions.Thresholds())
	assert.Equal(t, "MILESTONE-BBBB", got.MilestoneRedemptions[25])
	assert.True(t, got.MilestoneRedemptions.Redeemed(10))
	assert.False(t, got.MilestoneRedemptions.Redeemed(5))
}

func testRedemptionLifecycle(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	u := seed(t, s, "usr-1", 50)
	now := time.Now().UTC()

	r := ledger.Redemption{
		ID:        "red-1",
		UserID:    u.ID,
		Kind:      "discount",
		Points:    30,
		State:     ledger.StateDebited,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, s.WithUserTx(ctx, u.ID, func(tx ledger.Tx) error {
		return tx.SaveRedemption(ctx, r)
	}))

	code := ledger.RewardCode{Code: "LOYALTY-1", RewardID: "gid://1"}
	require.NoError(t, s.WithUserTx(ctx, u.ID, func(tx ledger.Tx) error {
		open, err := tx.OpenRedemptions(ctx)
		require.NoError(t, err)
		require.Len(t, open, 1)

		next, err := open[0].Transition(ledger.StateIssued, now.Add(time.Millisecond))
		require.NoError(t, err)
		next.Reward = code
		return tx.SaveRedemption(ctx, next)
	}))

	require.NoError(t, s.WithUserTx(ctx, u.ID, func(tx ledger.Tx) error {
		got, err := tx.RedemptionByRewardID(ctx, "gid://1")
		require.NoError(t, err)
		assert.Equal(t, ledger.RedemptionID("red-1"), got.ID)
		assert.Equal(t, ledger.StateIssued, got.State)

		_, err = tx.RedemptionByRewardID(ctx, "gid://unknown")
		assert.ErrorIs(t, err, ledger.ErrRedemptionNotFound)

		_, err = tx.Redemption(ctx, "red-missing")
		assert.ErrorIs(t, err, ledger.ErrRedemptionNotFound)
		return nil
	}))

	list, err := s.Redemptions(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, code, list[0].Reward)
	assert.Equal(t, int64(30), list[0].Points)
}

func testStaleRedemptions(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	u := seed(t, s, "usr-1", 0)
	old := time.Now().UTC().Add(-time.Hour)
	fresh := time.Now().UTC()

	records := []ledger.Redemption{
		{ID: "r-old-debited", Kind: "discount", State: ledger.StateDebited, CreatedAt: old, UpdatedAt: old},
		{ID: "r-old-committed", Kind: "discount", State: ledger.StateCommitted, CreatedAt: old, UpdatedAt: old},
		{ID: "r-fresh-debited", Kind: "discount", State: ledger.StateDebited, CreatedAt: fresh, UpdatedAt: fresh},
	}
	require.NoError(t, s.WithUserTx(ctx, u.ID, func(tx ledger.Tx) error {
		for _, r := range records {
			if err := tx.SaveRedemption(ctx, r); err != nil {
				return err
			}
		}
		return nil
	}))

	stale, err := s.StaleRedemptions(ctx,
		[]ledger.RedemptionState{ledger.StateDebited, ledger.StateIssued},
		time.Now().UTC().Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, ledger.RedemptionID("r-old-debited"), stale[0].ID)
}

func testConcurrentDebits(t *testing.T, s ledger.Store) {
	// GIVEN: 100 points and 20 concurrent debits of 10
	// THEN: Exactly 10 succeed and the balance ends at 0

	ctx := context.Background()
	u := seed(t, s, "usr-1", 100)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.WithUserTx(ctx, u.ID, func(tx ledger.Tx) error {
				if _, err := tx.TryDebit(ctx, 10); err != nil {
					return err
				}
				return tx.RecordAction(ctx, ledger.ActionAdjustment, -10)
			})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			} else if !errors.Is(err, ledger.ErrInsufficientBalance) {
				panic(fmt.Sprintf("unexpected error: %v", err))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, succeeded)
	assert.Equal(t, int64(0), balanceOf(t, s, u.ID))
	entries, err := s.Actions(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(-100), ledger.Sum(entries))
}

func testTxActions(t *testing.T, s ledger.Store) {
	// GIVEN: One committed -20 entry
	// WHEN: A transaction records +5 and reads its actions
	// THEN: Both entries in order; after rollback only the committed one

	ctx := context.Background()
	u := seed(t, s, "usr-1", 50)
	_, err := ledger.New(s).TryDebit(ctx, u.ID, 20, ledger.ActionRedeemDiscount)
	require.NoError(t, err)

	boom := errors.New("boom")
	err = s.WithUserTx(ctx, u.ID, func(tx ledger.Tx) error {
		if err := tx.RecordAction(ctx, ledger.ActionAdjustment, 5); err != nil {
			return err
		}
		entries, err := tx.Actions(ctx)
		if err != nil {
			return err
		}
		require.Len(t, entries, 2)
		assert.Equal(t, ledger.ActionRedeemDiscount, entries[0].Kind)
		assert.Equal(t, ledger.ActionAdjustment, entries[1].Kind)
		return boom
	})
	require.ErrorIs(t, err, boom)

	entries, err := s.Actions(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(-20), entries[0].Delta)
}

func testHistoryConsistent(t *testing.T, s ledger.Store) {
	// GIVEN: 100 points and a writer debiting 1 point at a time
	// WHEN: Reading History concurrently
	// THEN: Every read satisfies balance == opening + sum(entries)

	ctx := context.Background()
	u := seed(t, s, "usr-1", 100)
	l := ledger.New(s)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			if _, err := l.TryDebit(ctx, u.ID, 1, ledger.ActionAdjustment); err != nil {
				panic(fmt.Sprintf("unexpected error: %v", err))
			}
		}
	}()

	for i := 0; i < 50; i++ {
		got, entries, err := l.History(ctx, u.ID)
		require.NoError(t, err)
		require.Equal(t, got.Points, 100+ledger.Sum(entries), "read %d", i)
	}
	<-done

	drift, err := l.Drift(ctx, u.ID, 100)
	require.NoError(t, err)
	assert.Zero(t, drift)
}

func testUnknownUser(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	_, err := s.GetUser(ctx, "nobody@example.com")
	assert.ErrorIs(t, err, ledger.ErrUserNotFound)

	err = s.WithUserTx(ctx, "usr-missing", func(tx ledger.Tx) error { return nil })
	assert.ErrorIs(t, err, ledger.ErrUserNotFound)
}

func testReset(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	seed(t, s, "usr-1", 10)
	require.NoError(t, s.Reset(ctx))

	users, err := s.ListUsers(ctx)
	require.NoError(t, err)
	assert.Empty(t, users)
}
