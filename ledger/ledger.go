/*
ledger.go - Debit/credit helpers over Store

PURPOSE:
  Ledger is the thin convenience layer for callers that need exactly one
  balance mutation plus its log entry: manual adjustments, tooling, and
  tests. The redemption coordinator composes Tx operations directly
  because it also writes saga records in the same transaction.

EXAMPLE:
  l := ledger.New(store)
  balance, err := l.TryDebit(ctx, "usr-1", 30, ledger.ActionRedeemDiscount)
  if errors.Is(err, ledger.ErrInsufficientBalance) {
      // balance untouched
  }
*/
package ledger

import (
	"context"
)

// Ledger wraps a Store with single-mutation operations.
type Ledger struct {
	Store Store
}

func New(store Store) *Ledger {
	return &Ledger{Store: store}
}

// TryDebit subtracts amount and appends a -amount entry in one transaction.
func (l *Ledger) TryDebit(ctx context.Context, id UserID, amount int64, kind ActionKind) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	var balance int64
	err := l.Store.WithUserTx(ctx, id, func(tx Tx) error {
		b, err := tx.TryDebit(ctx, amount)
		if err != nil {
			return err
		}
		balance = b
		return tx.RecordAction(ctx, kind, -amount)
	})
	return balance, err
}

// Credit adds amount and appends a +amount entry in one transaction.
func (l *Ledger) Credit(ctx context.Context, id UserID, amount int64, kind ActionKind) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	var balance int64
	err := l.Store.WithUserTx(ctx, id, func(tx Tx) error {
		b, err := tx.Credit(ctx, amount)
		if err != nil {
			return err
		}
		balance = b
		return tx.RecordAction(ctx, kind, amount)
	})
	return balance, err
}

// Adjust applies a signed manual correction. Negative deltas fail closed
// like any other debit.
func (l *Ledger) Adjust(ctx context.Context, id UserID, delta int64) (int64, error) {
	if delta < 0 {
		return l.TryDebit(ctx, id, -delta, ActionAdjustment)
	}
	return l.Credit(ctx, id, delta, ActionAdjustment)
}

// Drift compares a user's balance against opening plus the action log.
// Zero means the ledger is consistent; anything else is the unexplained
// difference (balance - expected).
func (l *Ledger) Drift(ctx context.Context, id UserID, opening int64) (int64, error) {
	u, entries, err := l.History(ctx, id)
	if err != nil {
		return 0, err
	}
	return u.Points - (opening + Sum(entries)), nil
}

// History reads the user and its action log in one transaction, so the
// balance always reflects exactly the returned entries.
func (l *Ledger) History(ctx context.Context, id UserID) (User, []Entry, error) {
	var (
		u       User
		entries []Entry
	)
	err := l.Store.WithUserTx(ctx, id, func(tx Tx) error {
		var err error
		if u, err = tx.User(ctx); err != nil {
			return err
		}
		entries, err = tx.Actions(ctx)
		return err
	})
	return u, entries, err
}
