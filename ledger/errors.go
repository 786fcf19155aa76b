/*
errors.go - Error types for the points ledger

ERROR CATEGORIES:
  1. Lookup errors - unknown user, unknown redemption
  2. Business rule errors - insufficient balance, invalid transition
  3. Persistence errors - store failures, wrapped with %w by implementations

USAGE:
  if errors.Is(err, ledger.ErrInsufficientBalance) {
      var ib *ledger.InsufficientBalanceError
      errors.As(err, &ib) // Available / Requested
  }
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrUserNotFound is returned when no user matches the email or id.
	ErrUserNotFound = errors.New("user not found")

	// ErrRedemptionNotFound is returned when no saga record matches.
	ErrRedemptionNotFound = errors.New("redemption not found")

	// ErrInsufficientBalance is returned when a debit exceeds the balance.
	// The balance is left untouched.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInvalidAmount is returned for a non-positive debit or credit.
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrBalanceOverflow is returned when a credit would push the balance
	// past math.MaxInt64. The balance is left untouched.
	ErrBalanceOverflow = errors.New("credit would overflow the balance")

	// ErrInvalidTransition is returned for a saga edge that does not exist.
	ErrInvalidTransition = errors.New("invalid redemption state transition")

	// ErrIncompleteReward is returned when setting a reward code without
	// both its code and remote id.
	ErrIncompleteReward = errors.New("reward code and reward id must be set together")

	// ErrDuplicateUser is returned when saving a user whose email is taken
	// by a different id.
	ErrDuplicateUser = errors.New("duplicate user email")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	UserID    UserID
	Available int64
	Requested int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: available %d, requested %d, shortfall %d",
		e.Available, e.Requested, e.Requested-e.Available)
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrUserNotFound) || errors.Is(err, ErrRedemptionNotFound)
}

// IsClientError returns true if the error is due to invalid client input
// or a business rule rather than a store failure.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrBalanceOverflow) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrDuplicateUser) ||
		IsNotFound(err)
}
