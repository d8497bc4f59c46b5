package orders

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, o *Order) error
	GetByID(ctx context.Context, id uuid.UUID) (*Order, error)
	GetByAccession(ctx context.Context, accessionNo string) (*Order, error)
	// SetStatus applies a guarded status write: the update only lands when
	// the row still holds expectFrom, otherwise db.ErrConflict surfaces so
	// the engine can re-read and re-derive.
	SetStatus(ctx context.Context, id uuid.UUID, expectFrom, to Status, updatedBy string) error
	SetSampleCollected(ctx context.Context, id uuid.UUID, collectedBy string, collectedAt time.Time) error
	// CompletionCounts reads testCount, resultsWithValuesCount and
	// approvedResultsCount in one consistent query.
	CompletionCounts(ctx context.Context, orderID uuid.UUID) (Counts, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Order, int, error)
	Search(ctx context.Context, params map[string]string, limit, offset int) ([]*Order, int, error)
	NextAccessionSeq(ctx context.Context, day string) (int, error)
}
