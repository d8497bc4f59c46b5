package activity

import (
	"context"

	"github.com/google/uuid"
)

// Repository is the append-only activity log. There is deliberately no
// update or delete: the log is the compliance record.
type Repository interface {
	Append(ctx context.Context, e *Entry) error
	ListByOrder(ctx context.Context, orderID uuid.UUID, limit, offset int) ([]*Entry, int, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Entry, int, error)
}
