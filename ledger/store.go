/*
store.go - Persistence interfaces for users, actions and redemptions

PURPOSE:
  Defines the boundary between redemption logic and the database. All
  balance mutations happen inside WithUserTx, a local transaction scoped
  to a single user row: either every write in fn is committed or none is.

KEY INTERFACES:
  Store: user lookup, read models, and the transactional entry point
  Tx:    the mutating operations available inside one user transaction

APPEND-ONLY CONTRACT:
  Actions are append-only. There is no Update or Delete for entries;
  corrections are new entries (refund-redeem, adjustment).

ATOMICITY:
  A balance change and its Entry are written in the same transaction.
  If appending the entry fails the balance change is rolled back too,
  so the balance always equals the opening balance plus the log.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite
  - ledger/store/memory.go: in-memory, for tests and development

SEE ALSO:
  - ledger.go: Ledger helpers built on Store
  - redemption/coordinator.go: main consumer
*/
package ledger

import (
	"context"
	"time"
)

// =============================================================================
// STORE
// =============================================================================

// Store persists users, their action log and redemption records.
type Store interface {
	// GetUser returns the user with the given email or ErrUserNotFound.
	GetUser(ctx context.Context, email string) (User, error)

	// GetUserByID returns the user with the given id or ErrUserNotFound.
	GetUserByID(ctx context.Context, id UserID) (User, error)

	// SaveUser creates or replaces a user record. Users are provisioned
	// outside the redemption flow; this exists for seeding and admin tools.
	SaveUser(ctx context.Context, u User) error

	// ListUsers returns all users ordered by email.
	ListUsers(ctx context.Context) ([]User, error)

	// Actions returns a user's entries in insertion order.
	Actions(ctx context.Context, id UserID) ([]Entry, error)

	// Redemptions returns a user's redemption records, newest first.
	Redemptions(ctx context.Context, id UserID) ([]Redemption, error)

	// StaleRedemptions returns redemptions in any of states whose
	// UpdatedAt is before cutoff, oldest first.
	StaleRedemptions(ctx context.Context, states []RedemptionState, cutoff time.Time) ([]Redemption, error)

	// WithUserTx runs fn inside one local transaction scoped to user id.
	// Returns ErrUserNotFound if the user does not exist. If fn returns an
	// error the transaction is rolled back; otherwise it is committed.
	WithUserTx(ctx context.Context, id UserID, fn func(tx Tx) error) error

	// Reset removes all data. Development only.
	Reset(ctx context.Context) error
}

// =============================================================================
// TX - operations inside one user transaction
// =============================================================================

// Tx is scoped to the user passed to WithUserTx.
type Tx interface {
	// User re-reads the scoped user inside the transaction.
	User(ctx context.Context) (User, error)

	// TryDebit subtracts amount if and only if the balance covers it.
	// Returns the new balance or *InsufficientBalanceError. No partial debit.
	TryDebit(ctx context.Context, amount int64) (int64, error)

	// Credit adds amount and returns the new balance. Returns
	// ErrBalanceOverflow, without writing, if the sum exceeds math.MaxInt64.
	Credit(ctx context.Context, amount int64) (int64, error)

	// RecordAction appends one immutable entry.
	RecordAction(ctx context.Context, kind ActionKind, delta int64) error

	// Actions returns the scoped user's entries in insertion order,
	// including entries recorded earlier in this transaction.
	Actions(ctx context.Context) ([]Entry, error)

	// SetActiveReward writes code and reward id together.
	SetActiveReward(ctx context.Context, code RewardCode) error

	// ClearActiveReward clears code and reward id together.
	ClearActiveReward(ctx context.Context) error

	// SetMilestoneRedemptions replaces the user's milestone map.
	SetMilestoneRedemptions(ctx context.Context, m MilestoneRedemptions) error

	// SaveRedemption inserts or replaces a redemption record.
	SaveRedemption(ctx context.Context, r Redemption) error

	// Redemption returns the scoped user's redemption by id.
	Redemption(ctx context.Context, id RedemptionID) (Redemption, error)

	// OpenRedemptions returns the scoped user's in-flight redemptions
	// (see RedemptionState.IsOpen), newest first.
	OpenRedemptions(ctx context.Context) ([]Redemption, error)

	// RedemptionByRewardID returns the scoped user's redemption that
	// issued rewardID, or ErrRedemptionNotFound.
	RedemptionByRewardID(ctx context.Context, rewardID string) (Redemption, error)
}
