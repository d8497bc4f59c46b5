package orders

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when an order does not exist.
var ErrNotFound = errors.New("order not found")

// ErrValidation marks rejected input; handlers render it as a 400.
var ErrValidation = errors.New("invalid input")

// InvalidTransitionError reports a rejected status transition with the
// guard that failed. The Reason is user-facing: callers render it, they
// do not swallow it.
type InvalidTransitionError struct {
	From   Status
	To     Status
	Reason string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition from %q to %q: %s", e.From, e.To, e.Reason)
}

// IsInvalidTransition reports whether err is a transition guard failure.
func IsInvalidTransition(err error) bool {
	var ite *InvalidTransitionError
	return errors.As(err, &ite)
}

// ValidateTransition checks a requested transition against the lifecycle
// guards. sampleCollected is the order's collection state at decision time.
//
// Allowed moves: one step forward along the canonical order, plus the
// single backward edge Pending Approval -> In Progress (return for
// revision). Entering In Progress requires a collected sample; entering
// Delivered requires Completed.
func ValidateTransition(from, to Status, sampleCollected bool) error {
	if !KnownStatus(from) {
		return &InvalidTransitionError{From: from, To: to, Reason: fmt.Sprintf("unknown current status %q", from)}
	}
	if !KnownStatus(to) {
		return &InvalidTransitionError{From: from, To: to, Reason: fmt.Sprintf("unknown target status %q", to)}
	}
	if from == to {
		return &InvalidTransitionError{From: from, To: to, Reason: "order is already in this status"}
	}

	if to == StatusInProgress && !sampleCollected {
		return &InvalidTransitionError{From: from, To: to,
			Reason: "Sample must be collected before starting laboratory processing"}
	}

	// The one permitted backward edge: return for revision.
	if from == StatusPendingApproval && to == StatusInProgress {
		return nil
	}

	if to == StatusDelivered && from != StatusCompleted {
		return &InvalidTransitionError{From: from, To: to,
			Reason: "Report can only be delivered after verification is complete"}
	}

	if Rank(to) != Rank(from)+1 {
		if Rank(to) < Rank(from) {
			return &InvalidTransitionError{From: from, To: to, Reason: "status cannot move backward"}
		}
		return &InvalidTransitionError{From: from, To: to, Reason: "status cannot skip lifecycle steps"}
	}
	return nil
}

// DeriveNextStatus is the automatic derivation rule, evaluated after every
// result or value write. First match wins; anything else leaves the status
// unchanged. Recomputing an already-correct status returns the current
// status, which callers treat as a no-op.
func DeriveNextStatus(current Status, c Counts) Status {
	if current == StatusInProgress && c.TestCount > 0 && c.ResultsWithValues >= c.TestCount {
		return StatusPendingApproval
	}
	if current == StatusPendingApproval && c.TestCount > 0 && c.ApprovedResults >= c.TestCount {
		return StatusCompleted
	}
	return current
}
