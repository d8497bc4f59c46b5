package activity

import (
	"context"

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

const entryCols = `id, seq, patient_id, order_id, activity_type, description, metadata, performed_by, performed_at, lab_id`

func (r *repoPG) scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	var metaRaw []byte
	err := row.Scan(&e.ID, &e.Seq, &e.PatientID, &e.OrderID, &e.ActivityType,
		&e.Description, &metaRaw, &e.PerformedBy, &e.PerformedAt, &e.LabID)
	if err != nil {
		return nil, err
	}
	meta, err := DecodeMetadata(e.ActivityType, metaRaw)
	if err != nil {
		return nil, err
	}
	e.Metadata = meta
	return &e, nil
}

func (r *repoPG) Append(ctx context.Context, e *Entry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	metaRaw, err := EncodeMetadata(e.Metadata)
	if err != nil {
		return err
	}
	// seq comes from a bigserial so same-timestamp entries keep insertion order.
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO activity_log (id, patient_id, order_id, activity_type, description, metadata, performed_by, performed_at, lab_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), $8)
		RETURNING seq, performed_at`,
		e.ID, e.PatientID, e.OrderID, e.ActivityType, e.Description, metaRaw, e.PerformedBy, e.LabID,
	).Scan(&e.Seq, &e.PerformedAt)
}

func (r *repoPG) ListByOrder(ctx context.Context, orderID uuid.UUID, limit, offset int) ([]*Entry, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM activity_log WHERE order_id = $1`, orderID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+entryCols+` FROM activity_log
		WHERE order_id = $1 ORDER BY performed_at DESC, seq DESC LIMIT $2 OFFSET $3`, orderID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	return r.collect(rows, total)
}

func (r *repoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Entry, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM activity_log WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+entryCols+` FROM activity_log
		WHERE patient_id = $1 ORDER BY performed_at DESC, seq DESC LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	return r.collect(rows, total)
}

func (r *repoPG) collect(rows pgx.Rows, total int) ([]*Entry, int, error) {
	var items []*Entry
	for rows.Next() {
		e, err := r.scanEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, e)
	}
	return items, total, rows.Err()
}
