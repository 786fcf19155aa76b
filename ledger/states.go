package ledger

import (
	"fmt"
	"time"
)

// RedemptionState is a node in the redemption saga.
//
//	requested -> debited -> issued -> committed
//	debited | issued | committed -> compensating -> refunded
//	                                             -> compensation_failed
//	refunded -> compensation_failed  (a code issued after the refund
//	                                  could not be deactivated)
//	requested -> issued              (milestones: nothing to debit)
//	requested | debited -> failed   (milestones: issuance failed, nothing debited)
type RedemptionState string

const (
	StateRequested          RedemptionState = "requested"
	StateDebited            RedemptionState = "debited"
	StateIssued             RedemptionState = "issued"
	StateCommitted          RedemptionState = "committed"
	StateCompensating       RedemptionState = "compensating"
	StateRefunded           RedemptionState = "refunded"
	StateCompensationFailed RedemptionState = "compensation_failed"
	StateFailed             RedemptionState = "failed"
)

var transitions = map[RedemptionState][]RedemptionState{
	StateRequested:    {StateDebited, StateIssued, StateFailed},
	StateDebited:      {StateIssued, StateCompensating, StateFailed},
	StateIssued:       {StateCommitted, StateCompensating},
	StateCommitted:    {StateCompensating},
	StateCompensating: {StateRefunded, StateCompensationFailed},
	StateRefunded:     {StateCompensationFailed},
}

// CanTransition reports whether s -> to is an edge of the state machine.
func (s RedemptionState) CanTransition(to RedemptionState) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// IsOpen reports whether the saga is in flight: points may be debited
// but no usable code is committed yet.
func (s RedemptionState) IsOpen() bool {
	return s == StateRequested || s == StateDebited || s == StateIssued
}

// IsTerminal reports whether no further transition is possible.
func (s RedemptionState) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// NeedsAttention reports whether a redemption left in this state for too
// long requires an operator (or the caller) to reconcile it.
func (s RedemptionState) NeedsAttention() bool {
	return s.IsOpen() || s == StateCompensating || s == StateCompensationFailed
}

// Transition moves r to state to, stamping UpdatedAt.
func (r Redemption) Transition(to RedemptionState, now time.Time) (Redemption, error) {
	if !r.State.CanTransition(to) {
		return r, &InvalidTransitionError{ID: r.ID, From: r.State, To: to}
	}
	r.State = to
	r.UpdatedAt = now
	return r, nil
}

// InvalidTransitionError is returned for an edge not in the state machine.
type InvalidTransitionError struct {
	ID   RedemptionID
	From RedemptionState
	To   RedemptionState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("redemption %s: invalid transition %s -> %s", e.ID, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }
