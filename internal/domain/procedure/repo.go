package procedure

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	// CreateDefinition inserts a new version row for the definition's
	// key; existing versions are never mutated.
	CreateDefinition(ctx context.Context, d *Definition) error
	GetDefinition(ctx context.Context, id uuid.UUID) (*Definition, error)
	// ListDefinitions returns the latest version of every key.
	ListDefinitions(ctx context.Context) ([]*Definition, error)

	CreateInstance(ctx context.Context, inst *Instance) error
	GetInstance(ctx context.Context, id uuid.UUID) (*Instance, error)
	UpdateInstance(ctx context.Context, inst *Instance) error
	ListInstancesByOrder(ctx context.Context, orderID uuid.UUID) ([]*Instance, error)
}
