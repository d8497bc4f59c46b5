package orders

import (
	"time"

	"github.com/google/uuid"
)

// Status is the order lifecycle state. Values form a fixed total order;
// the engine only ever moves an order along it (plus the single permitted
// backward edge, Pending Approval -> In Progress).
type Status string

const (
	StatusOrderCreated     Status = "Order Created"
	StatusSampleCollection Status = "Sample Collection"
	StatusInProgress       Status = "In Progress"
	StatusPendingApproval  Status = "Pending Approval"
	StatusCompleted        Status = "Completed"
	StatusDelivered        Status = "Delivered"
)

// statusRank encodes the canonical lifecycle order.
var statusRank = map[Status]int{
	StatusOrderCreated:     0,
	StatusSampleCollection: 1,
	StatusInProgress:       2,
	StatusPendingApproval:  3,
	StatusCompleted:        4,
	StatusDelivered:        5,
}

// KnownStatus reports whether s is a member of the lifecycle.
func KnownStatus(s Status) bool {
	_, ok := statusRank[s]
	return ok
}

// Rank returns the position of s in the lifecycle (-1 for unknown).
func Rank(s Status) int {
	r, ok := statusRank[s]
	if !ok {
		return -1
	}
	return r
}

// Order priorities.
const (
	PriorityNormal = "Normal"
	PriorityUrgent = "Urgent"
	PrioritySTAT   = "STAT"
)

// Order maps to the orders table: one accession covering one or more tests.
// Rows are never deleted; the lifecycle ends at Delivered.
type Order struct {
	ID                uuid.UUID   `json:"id"`
	AccessionNo       string      `json:"accession_no"`
	PatientID         uuid.UUID   `json:"patient_id"`
	LabID             string      `json:"lab_id"`
	Status            Status      `json:"status"`
	Priority          string      `json:"priority"`
	Tests             []OrderTest `json:"tests,omitempty"`
	SampleCollectedAt *time.Time  `json:"sample_collected_at,omitempty"`
	SampleCollectedBy *string     `json:"sample_collected_by,omitempty"`
	TotalAmount       float64     `json:"total_amount"`
	StatusUpdatedAt   *time.Time  `json:"status_updated_at,omitempty"`
	StatusUpdatedBy   string      `json:"status_updated_by,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// SampleCollected reports whether the order's specimen has been taken.
func (o *Order) SampleCollected() bool {
	return o.SampleCollectedAt != nil
}

// OrderTest maps to the order_tests table: one ordered test within an order.
type OrderTest struct {
	ID       uuid.UUID `json:"id"`
	OrderID  uuid.UUID `json:"order_id"`
	TestName string    `json:"test_name"`
	Price    float64   `json:"price"`
}

// Counts is the consistency read driving automatic status derivation. All
// three numbers come from one query so concurrent submissions cannot
// produce a stale mix.
type Counts struct {
	TestCount         int
	ResultsWithValues int
	ApprovedResults   int
}
