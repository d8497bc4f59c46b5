package procedure

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/labcore/labcore/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) db.Queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func (r *repoPG) CreateDefinition(ctx context.Context, d *Definition) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	steps, err := json.Marshal(d.Steps)
	if err != nil {
		return err
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO workflow_definitions (id, key, version, name, steps)
		VALUES ($1, $2,
			COALESCE((SELECT MAX(version) FROM workflow_definitions WHERE key = $2), 0) + 1,
			$3, $4)
		RETURNING version, created_at`,
		d.ID, d.Key, d.Name, steps).Scan(&d.Version, &d.CreatedAt)
}

func (r *repoPG) GetDefinition(ctx context.Context, id uuid.UUID) (*Definition, error) {
	return scanDefinition(r.conn(ctx).QueryRow(ctx, `
		SELECT id, key, version, name, steps, created_at
		FROM workflow_definitions WHERE id = $1`, id))
}

func scanDefinition(row pgx.Row) (*Definition, error) {
	var d Definition
	var steps []byte
	err := row.Scan(&d.ID, &d.Key, &d.Version, &d.Name, &steps, &d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrDefinitionNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(steps, &d.Steps); err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *repoPG) ListDefinitions(ctx context.Context) ([]*Definition, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT DISTINCT ON (key) id, key, version, name, steps, created_at
		FROM workflow_definitions
		ORDER BY key, version DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Definition
	for rows.Next() {
		d, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *repoPG) CreateInstance(ctx context.Context, inst *Instance) error {
	if inst.ID == uuid.Nil {
		inst.ID = uuid.New()
	}
	data, err := json.Marshal(inst.Data)
	if err != nil {
		return err
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO workflow_instances (id, definition_id, order_id, current_step_index, data, complete)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`,
		inst.ID, inst.DefinitionID, inst.OrderID, inst.CurrentStepIndex, data, inst.Complete).
		Scan(&inst.CreatedAt, &inst.UpdatedAt)
}

func (r *repoPG) GetInstance(ctx context.Context, id uuid.UUID) (*Instance, error) {
	return scanInstance(r.conn(ctx).QueryRow(ctx, `
		SELECT id, definition_id, order_id, current_step_index, data, complete, created_at, updated_at
		FROM workflow_instances WHERE id = $1`, id))
}

func scanInstance(row pgx.Row) (*Instance, error) {
	var inst Instance
	var data []byte
	err := row.Scan(&inst.ID, &inst.DefinitionID, &inst.OrderID, &inst.CurrentStepIndex,
		&data, &inst.Complete, &inst.CreatedAt, &inst.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrInstanceNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &inst.Data); err != nil {
			return nil, err
		}
	}
	if inst.Data == nil {
		inst.Data = map[string]json.RawMessage{}
	}
	return &inst, nil
}

func (r *repoPG) UpdateInstance(ctx context.Context, inst *Instance) error {
	data, err := json.Marshal(inst.Data)
	if err != nil {
		return err
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE workflow_instances
		SET current_step_index = $2, data = $3, complete = $4, updated_at = NOW()
		WHERE id = $1`,
		inst.ID, inst.CurrentStepIndex, data, inst.Complete)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInstanceNotFound
	}
	return nil
}

func (r *repoPG) ListInstancesByOrder(ctx context.Context, orderID uuid.UUID) ([]*Instance, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, definition_id, order_id, current_step_index, data, complete, created_at, updated_at
		FROM workflow_instances WHERE order_id = $1 ORDER BY created_at`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}
