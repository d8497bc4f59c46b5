package activity

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Activity types. The set is open-ended on the wire; the Go side keeps one
// typed metadata variant per known type so readers stay exhaustive.
const (
	TypeOrderCreated    = "order_created"
	TypeStatusChanged   = "status_changed"
	TypeOrderLocked     = "order_locked"
	TypeSampleCollected = "sample_collected"
	TypeResultEntered   = "result_entered"
	TypeResultVerified  = "result_verified"
	TypeWorkflowEvent   = "workflow_event"
)

// Metadata is the typed payload attached to an entry. Each activity type
// has its own variant; unknown types decode to RawMeta.
type Metadata interface {
	ActivityType() string
}

type OrderCreatedMeta struct {
	AccessionNo string   `json:"accession_no"`
	TestNames   []string `json:"test_names"`
	Priority    string   `json:"priority"`
}

func (OrderCreatedMeta) ActivityType() string { return TypeOrderCreated }

type StatusChangedMeta struct {
	OldStatus string `json:"old_status"`
	NewStatus string `json:"new_status"`
}

func (StatusChangedMeta) ActivityType() string { return TypeStatusChanged }

type OrderLockedMeta struct {
	Reason string `json:"reason,omitempty"`
}

func (OrderLockedMeta) ActivityType() string { return TypeOrderLocked }

type SampleCollectedMeta struct {
	CollectedBy string    `json:"collected_by"`
	CollectedAt time.Time `json:"collected_at"`
}

func (SampleCollectedMeta) ActivityType() string { return TypeSampleCollected }

type ResultEnteredMeta struct {
	ResultID   uuid.UUID `json:"result_id"`
	TestName   string    `json:"test_name"`
	ValueCount int       `json:"value_count"`
}

func (ResultEnteredMeta) ActivityType() string { return TypeResultEntered }

type ResultVerifiedMeta struct {
	ResultID uuid.UUID `json:"result_id"`
	TestName string    `json:"test_name"`
	Action   string    `json:"action"`
	Comment  string    `json:"comment,omitempty"`
}

func (ResultVerifiedMeta) ActivityType() string { return TypeResultVerified }

type WorkflowEventMeta struct {
	InstanceID uuid.UUID `json:"instance_id"`
	Event      string    `json:"event"`
	StepID     string    `json:"step_id,omitempty"`
}

func (WorkflowEventMeta) ActivityType() string { return TypeWorkflowEvent }

// RawMeta preserves entries whose activity type predates (or postdates)
// this binary. Rows stay readable; nothing is dropped on round-trip.
type RawMeta struct {
	Type   string
	Fields map[string]interface{}
}

func (r RawMeta) ActivityType() string { return r.Type }

// EncodeMetadata serializes a metadata variant for the jsonb column.
func EncodeMetadata(m Metadata) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	if raw, ok := m.(RawMeta); ok {
		return json.Marshal(raw.Fields)
	}
	return json.Marshal(m)
}

// DecodeMetadata deserializes the jsonb column into the variant matching
// activityType.
func DecodeMetadata(activityType string, data []byte) (Metadata, error) {
	if len(data) == 0 {
		data = []byte("{}")
	}
	var target Metadata
	switch activityType {
	case TypeOrderCreated:
		target = &OrderCreatedMeta{}
	case TypeStatusChanged:
		target = &StatusChangedMeta{}
	case TypeOrderLocked:
		target = &OrderLockedMeta{}
	case TypeSampleCollected:
		target = &SampleCollectedMeta{}
	case TypeResultEntered:
		target = &ResultEnteredMeta{}
	case TypeResultVerified:
		target = &ResultVerifiedMeta{}
	case TypeWorkflowEvent:
		target = &WorkflowEventMeta{}
	default:
		fields := map[string]interface{}{}
		if err := json.Unmarshal(data, &fields); err != nil {
			return nil, fmt.Errorf("decode %s metadata: %w", activityType, err)
		}
		return RawMeta{Type: activityType, Fields: fields}, nil
	}
	if err := json.Unmarshal(data, target); err != nil {
		return nil, fmt.Errorf("decode %s metadata: %w", activityType, err)
	}
	switch v := target.(type) {
	case *OrderCreatedMeta:
		return *v, nil
	case *StatusChangedMeta:
		return *v, nil
	case *OrderLockedMeta:
		return *v, nil
	case *SampleCollectedMeta:
		return *v, nil
	case *ResultEnteredMeta:
		return *v, nil
	case *ResultVerifiedMeta:
		return *v, nil
	case *WorkflowEventMeta:
		return *v, nil
	}
	return nil, fmt.Errorf("unhandled metadata variant for %s", activityType)
}

// Entry is one append-only activity log record. Entries are never updated
// or deleted; OrderID is nil for patient-level events.
type Entry struct {
	ID           uuid.UUID  `json:"id"`
	Seq          int64      `json:"seq"`
	PatientID    uuid.UUID  `json:"patient_id"`
	OrderID      *uuid.UUID `json:"order_id,omitempty"`
	ActivityType string     `json:"activity_type"`
	Description  string     `json:"description"`
	Metadata     Metadata   `json:"metadata,omitempty"`
	PerformedBy  string     `json:"performed_by"`
	PerformedAt  time.Time  `json:"performed_at"`
	LabID        string     `json:"lab_id"`
}
