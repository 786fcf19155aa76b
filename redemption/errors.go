/*
errors.go - Caller-facing error taxonomy for redemption operations

ERROR CATEGORIES:
  validation            missing or malformed input, business preconditions
  not_found             unknown user, mismatched code
  insufficient_balance  debit larger than balance
  conflict              milestone already redeemed, saga cancelled mid-flight
  provider              remote issue failed or timed out
  persistence           local store failure, nothing committed

Every *Error carries a stable Code (e.g. "active_reward_exists") and a
human-readable Message. errors.Is matches the kind sentinels below and
whatever the error wraps.

USAGE:
  var rerr *redemption.Error
  if errors.As(err, &rerr) {
      // rerr.Kind, rerr.Code, rerr.Message
  }
  if errors.Is(err, redemption.ErrMilestoneAlreadyRedeemed) { ... }
*/
package redemption

import (
	"errors"
	"fmt"

	"github.com/warp/points-redemption/ledger"
	"github.com/warp/points-redemption/provider"
)

// Kind classifies an *Error.
type Kind string

const (
	KindValidation          Kind = "validation"
	KindNotFound            Kind = "not_found"
	KindInsufficientBalance Kind = "insufficient_balance"
	KindConflict            Kind = "conflict"
	KindProvider            Kind = "provider"
	KindPersistence         Kind = "persistence"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation          = errors.New("validation error")
	ErrNotFound            = errors.New("not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrConflict            = errors.New("conflict")
	ErrProvider            = errors.New("reward provider error")
	ErrPersistence         = errors.New("persistence error")

	// ErrMilestoneAlreadyRedeemed is returned when a threshold's code was
	// already issued (or is being issued) for the user.
	ErrMilestoneAlreadyRedeemed = errors.New("milestone already redeemed")
)

var kindSentinels = map[Kind]error{
	KindValidation:          ErrValidation,
	KindNotFound:            ErrNotFound,
	KindInsufficientBalance: ErrInsufficientBalance,
	KindConflict:            ErrConflict,
	KindProvider:            ErrProvider,
	KindPersistence:         ErrPersistence,
}

// Stable error codes.
const (
	CodeInvalidRequest      = "invalid_request"
	CodeInvalidReward       = "invalid_reward"
	CodeUserNotFound        = "user_not_found"
	CodeRewardNotFound      = "reward_not_found"
	CodeInsufficientBalance = "insufficient_balance"
	CodeActiveRewardExists  = "active_reward_exists"
	CodeUnknownMilestone    = "unknown_milestone"
	CodeMilestoneNotReached = "milestone_not_reached"
	CodeMilestoneRedeemed   = "milestone_already_redeemed"
	CodeRedemptionCancelled = "redemption_cancelled"
	CodeProviderError       = "provider_error"
	CodeProviderRateLimited = "provider_rate_limited"
	CodePersistenceError    = "persistence_error"
)

// =============================================================================
// ERROR
// =============================================================================

// Error is returned by every Coordinator operation on failure.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel for e.Kind.
func (e *Error) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

func validationError(code, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: fmt.Sprintf(format, args...)}
}

func notFoundError(code, format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Code: code, Message: fmt.Sprintf(format, args...)}
}

func providerError(err error) *Error {
	code := CodeProviderError
	if provider.KindOf(err) == provider.KindRateLimited {
		code = CodeProviderRateLimited
	}
	return &Error{Kind: KindProvider, Code: code, Message: "reward provider request failed", Err: err}
}

// fromStore maps a ledger or store error onto the taxonomy. Errors that
// are already *Error pass through unchanged.
func fromStore(err error) error {
	if err == nil {
		return nil
	}
	var rerr *Error
	if errors.As(err, &rerr) {
		return err
	}

	var ib *ledger.InsufficientBalanceError
	switch {
	case errors.As(err, &ib):
		return &Error{
			Kind:    KindInsufficientBalance,
			Code:    CodeInsufficientBalance,
			Message: fmt.Sprintf("balance %d is less than %d", ib.Available, ib.Requested),
			Err:     err,
		}
	case errors.Is(err, ledger.ErrUserNotFound):
		return &Error{Kind: KindNotFound, Code: CodeUserNotFound, Message: "user not found", Err: err}
	case errors.Is(err, ledger.ErrRedemptionNotFound):
		return &Error{Kind: KindNotFound, Code: CodeRewardNotFound, Message: "redemption not found", Err: err}
	case errors.Is(err, ledger.ErrInvalidAmount):
		return &Error{Kind: KindValidation, Code: CodeInvalidRequest, Message: "amount must be positive", Err: err}
	case errors.Is(err, ledger.ErrBalanceOverflow):
		return &Error{Kind: KindValidation, Code: CodeInvalidRequest, Message: "credit would overflow the balance", Err: err}
	default:
		return &Error{Kind: KindPersistence, Code: CodePersistenceError, Message: "ledger store failure", Err: err}
	}
}

// IsClientError returns true for kinds caused by the request rather than
// a dependency.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrConflict)
}

// KindOf returns the Kind of err, or "" if err is not an *Error.
func KindOf(err error) Kind {
	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr.Kind
	}
	return ""
}
