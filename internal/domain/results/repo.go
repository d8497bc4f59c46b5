package results

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	// Upsert writes the result row and replaces its values as one set.
	// A resubmission for the same order and test overwrites the previous
	// values and resets verification to pending.
	Upsert(ctx context.Context, r *Result) error
	GetByID(ctx context.Context, id uuid.UUID) (*Result, error)
	ListByOrder(ctx context.Context, orderID uuid.UUID) ([]*Result, error)
	// ListGroup returns the results forming one test group on an order.
	ListGroup(ctx context.Context, orderID uuid.UUID, testName string) ([]*Result, error)
	// ListPending returns unverified results for the lab's queue; the
	// caller orders them.
	ListPending(ctx context.Context, labID string, limit, offset int) ([]*Result, int, error)
	// SetVerification applies a verdict only while the row is still
	// non-terminal; a terminal row surfaces ErrAlreadyFinalized.
	SetVerification(ctx context.Context, id uuid.UUID, status VerificationStatus, verifiedBy, comment string, verifiedAt time.Time) error
}
