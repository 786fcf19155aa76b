package provider

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/warp/points-redemption/ledger"
)

// Provider issues and deactivates single-use codes.
type Provider interface {
	// Issue creates a code redeemable once, by one customer.
	Issue(ctx context.Context, spec RewardSpec) (ledger.RewardCode, error)

	// Deactivate makes rewardID unusable. Deactivating an unknown or
	// already-ended reward returns nil.
	Deactivate(ctx context.Context, rewardID string) error
}

// NewCode returns the family prefix followed by 10 uppercase hex
// characters taken from a random v4 UUID.
func NewCode(f Family) string {
	id := uuid.New()
	return f.Prefix() + strings.ToUpper(hex.EncodeToString(id[:5]))
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorKind classifies a provider failure.
type ErrorKind string

const (
	KindValidation  ErrorKind = "validation"
	KindRateLimited ErrorKind = "rate_limited"
	KindTransient   ErrorKind = "transient"
	KindNotFound    ErrorKind = "not_found"
)

// Error is returned by every Provider method on failure.
type Error struct {
	Kind    ErrorKind
	Op      string // "issue" or "deactivate"
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("provider %s (%s): %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether a later identical call may succeed.
func (e *Error) Retryable() bool {
	return e.Kind == KindRateLimited || e.Kind == KindTransient
}

// IsRetryable returns true if err is a retryable *Error.
func IsRetryable(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Retryable()
}

// KindOf returns the kind of a provider error, or "" for other errors.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}
