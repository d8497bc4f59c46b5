package results

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// VerificationStatus is the per-analyte review state. verified and
// rejected are terminal; needs_clarification can be re-verified.
type VerificationStatus string

const (
	StatusPending            VerificationStatus = "pending_verification"
	StatusVerified           VerificationStatus = "verified"
	StatusRejected           VerificationStatus = "rejected"
	StatusNeedsClarification VerificationStatus = "needs_clarification"
)

// Terminal reports whether s admits no further verification.
func (s VerificationStatus) Terminal() bool {
	return s == StatusVerified || s == StatusRejected
}

// Action is a verifier's decision on an analyte.
type Action string

const (
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
	ActionClarify Action = "clarify"
)

// StatusFor maps an action to the status it produces.
func (a Action) StatusFor() (VerificationStatus, error) {
	switch a {
	case ActionApprove:
		return StatusVerified, nil
	case ActionReject:
		return StatusRejected, nil
	case ActionClarify:
		return StatusNeedsClarification, nil
	default:
		return "", fmt.Errorf("%w: unknown verification action %q", ErrValidation, a)
	}
}

// NeedsComment reports whether the action requires an explanation.
func (a Action) NeedsComment() bool { return a != ActionApprove }

// Abnormality flags on a value. Empty means within range.
const (
	FlagHigh     = "H"
	FlagLow      = "L"
	FlagCritical = "C"
)

// Priority levels stored on a result at submission time, mirroring the
// owning order's priority so queue ordering does not need a join.
const (
	PriorityLevelNormal = 0
	PriorityLevelUrgent = 1
	PriorityLevelSTAT   = 2
)

var (
	ErrNotFound = errors.New("result not found")

	// ErrValidation marks rejected input; handlers render it as a 400.
	ErrValidation = errors.New("invalid input")

	// ErrAlreadyFinalized signals a verification against a terminal
	// result; the caller's view is stale and should refresh.
	ErrAlreadyFinalized = errors.New("result already finalized")

	// ErrEmptySelection rejects a bulk operation before any write.
	ErrEmptySelection = errors.New("selection is empty")

	// ErrCommentRequired rejects reject/clarify actions without an
	// explanation.
	ErrCommentRequired = errors.New("comment is required for this action")
)

// Result is one verifiable analyte row for a test on an order, owning
// the measured values submitted for it. Immutable once verified or
// rejected.
type Result struct {
	ID                 uuid.UUID          `json:"id"`
	OrderID            uuid.UUID          `json:"order_id"`
	TestName           string             `json:"test_name"`
	VerificationStatus VerificationStatus `json:"verification_status"`
	CriticalFlag       bool               `json:"critical_flag"`
	PriorityLevel      int                `json:"priority_level"`
	EnteredBy          string             `json:"entered_by"`
	EnteredAt          time.Time          `json:"entered_date"`
	VerifiedBy         *string            `json:"verified_by,omitempty"`
	VerifiedAt         *time.Time         `json:"verified_at,omitempty"`
	Comment            string             `json:"comment,omitempty"`
	Values             []Value            `json:"values,omitempty"`
}

// Value is one measured parameter within a result. The flag is computed
// against the reference range when the value is written, never lazily.
type Value struct {
	ID             uuid.UUID `json:"id"`
	ResultID       uuid.UUID `json:"result_id"`
	Parameter      string    `json:"parameter"`
	Value          string    `json:"value"`
	Unit           string    `json:"unit,omitempty"`
	ReferenceRange string    `json:"reference_range,omitempty"`
	Flag           string    `json:"flag,omitempty"`
}

// VerifyFailure names one analyte a bulk operation could not verify.
type VerifyFailure struct {
	ResultID uuid.UUID `json:"result_id"`
	Reason   string    `json:"reason"`
}

// BulkOutcome reports a bulk verification explicitly: how many landed
// and which did not. Never collapsed to a boolean.
type BulkOutcome struct {
	Succeeded int             `json:"succeeded"`
	Failed    []VerifyFailure `json:"failed,omitempty"`
}
