package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

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

const orderCols = `id, accession_no, patient_id, lab_id, status, priority,
	sample_collected_at, sample_collected_by, total_amount,
	status_updated_at, status_updated_by, created_at, updated_at`

func (r *repoPG) scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	err := row.Scan(&o.ID, &o.AccessionNo, &o.PatientID, &o.LabID, &o.Status, &o.Priority,
		&o.SampleCollectedAt, &o.SampleCollectedBy, &o.TotalAmount,
		&o.StatusUpdatedAt, &o.StatusUpdatedBy, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &o, err
}

func (r *repoPG) Create(ctx context.Context, o *Order) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO orders (id, accession_no, patient_id, lab_id, status, priority,
			total_amount, status_updated_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		o.ID, o.AccessionNo, o.PatientID, o.LabID, o.Status, o.Priority,
		o.TotalAmount, o.StatusUpdatedBy)
	if err != nil {
		return err
	}
	for i := range o.Tests {
		t := &o.Tests[i]
		if t.ID == uuid.Nil {
			t.ID = uuid.New()
		}
		t.OrderID = o.ID
		_, err := r.conn(ctx).Exec(ctx, `
			INSERT INTO order_tests (id, order_id, test_name, price)
			VALUES ($1, $2, $3, $4)`,
			t.ID, t.OrderID, t.TestName, t.Price)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Order, error) {
	o, err := r.scanOrder(r.conn(ctx).QueryRow(ctx, `SELECT `+orderCols+` FROM orders WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	if err := r.loadTests(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

func (r *repoPG) GetByAccession(ctx context.Context, accessionNo string) (*Order, error) {
	o, err := r.scanOrder(r.conn(ctx).QueryRow(ctx, `SELECT `+orderCols+` FROM orders WHERE accession_no = $1`, accessionNo))
	if err != nil {
		return nil, err
	}
	if err := r.loadTests(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

func (r *repoPG) loadTests(ctx context.Context, o *Order) error {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, order_id, test_name, price FROM order_tests
		WHERE order_id = $1 ORDER BY test_name`, o.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var t OrderTest
		if err := rows.Scan(&t.ID, &t.OrderID, &t.TestName, &t.Price); err != nil {
			return err
		}
		o.Tests = append(o.Tests, t)
	}
	return rows.Err()
}

func (r *repoPG) SetStatus(ctx context.Context, id uuid.UUID, expectFrom, to Status, updatedBy string) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE orders SET status = $3, status_updated_at = NOW(),
			status_updated_by = $4, updated_at = NOW()
		WHERE id = $1 AND status = $2`,
		id, expectFrom, to, updatedBy)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// Either the order vanished or another writer moved it first.
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("order %s status changed concurrently: %w", id, db.ErrConflict)
	}
	return nil
}

func (r *repoPG) SetSampleCollected(ctx context.Context, id uuid.UUID, collectedBy string, collectedAt time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE orders SET sample_collected_at = $2, sample_collected_by = $3, updated_at = NOW()
		WHERE id = $1 AND sample_collected_at IS NULL`,
		id, collectedAt, collectedBy)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("sample for order %s already collected", id)
	}
	return nil
}

func (r *repoPG) CompletionCounts(ctx context.Context, orderID uuid.UUID) (Counts, error) {
	// One statement so all three counts come from the same snapshot.
	var c Counts
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM order_tests ot WHERE ot.order_id = $1),
			(SELECT COUNT(*) FROM results res
				WHERE res.order_id = $1
				AND EXISTS (SELECT 1 FROM result_values rv WHERE rv.result_id = res.id)),
			(SELECT COUNT(*) FROM results res
				WHERE res.order_id = $1 AND res.verification_status = 'verified')`,
		orderID).Scan(&c.TestCount, &c.ResultsWithValues, &c.ApprovedResults)
	return c, err
}

func (r *repoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Order, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM orders WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+orderCols+` FROM orders
		WHERE patient_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	return r.collect(rows, total)
}

func (r *repoPG) Search(ctx context.Context, params map[string]string, limit, offset int) ([]*Order, int, error) {
	query := `SELECT ` + orderCols + ` FROM orders WHERE 1=1`
	countQuery := `SELECT COUNT(*) FROM orders WHERE 1=1`
	var args []interface{}
	idx := 1

	if p, ok := params["patient"]; ok {
		query += fmt.Sprintf(` AND patient_id = $%d`, idx)
		countQuery += fmt.Sprintf(` AND patient_id = $%d`, idx)
		args = append(args, p)
		idx++
	}
	if p, ok := params["status"]; ok {
		query += fmt.Sprintf(` AND status = $%d`, idx)
		countQuery += fmt.Sprintf(` AND status = $%d`, idx)
		args = append(args, p)
		idx++
	}
	if p, ok := params["priority"]; ok {
		query += fmt.Sprintf(` AND priority = $%d`, idx)
		countQuery += fmt.Sprintf(` AND priority = $%d`, idx)
		args = append(args, p)
		idx++
	}
	if p, ok := params["lab"]; ok {
		query += fmt.Sprintf(` AND lab_id = $%d`, idx)
		countQuery += fmt.Sprintf(` AND lab_id = $%d`, idx)
		args = append(args, p)
		idx++
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	return r.collect(rows, total)
}

func (r *repoPG) collect(rows pgx.Rows, total int) ([]*Order, int, error) {
	var items []*Order
	for rows.Next() {
		o, err := r.scanOrder(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, o)
	}
	return items, total, rows.Err()
}

func (r *repoPG) NextAccessionSeq(ctx context.Context, day string) (int, error) {
	var seq int
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO accession_counters (day, counter) VALUES ($1, 1)
		ON CONFLICT (day) DO UPDATE SET counter = accession_counters.counter + 1
		RETURNING counter`, day).Scan(&seq)
	return seq, err
}
