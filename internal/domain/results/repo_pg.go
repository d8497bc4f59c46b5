package results

import (
	"context"
	"errors"
	"strings"
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

const resultCols = `id, order_id, test_name, verification_status, critical_flag,
	priority_level, entered_by, entered_date, verified_by, verified_at, comment`

func scanResult(row pgx.Row) (*Result, error) {
	var res Result
	err := row.Scan(&res.ID, &res.OrderID, &res.TestName, &res.VerificationStatus,
		&res.CriticalFlag, &res.PriorityLevel, &res.EnteredBy, &res.EnteredAt,
		&res.VerifiedBy, &res.VerifiedAt, &res.Comment)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &res, err
}

func (r *repoPG) Upsert(ctx context.Context, res *Result) error {
	if res.ID == uuid.Nil {
		res.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO results (id, order_id, test_name, verification_status,
			critical_flag, priority_level, entered_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (order_id, test_name) DO UPDATE SET
			verification_status = EXCLUDED.verification_status,
			critical_flag = EXCLUDED.critical_flag,
			priority_level = EXCLUDED.priority_level,
			entered_by = EXCLUDED.entered_by,
			entered_date = NOW(),
			verified_by = NULL, verified_at = NULL, comment = ''
		RETURNING id, entered_date`,
		res.ID, res.OrderID, res.TestName, res.VerificationStatus,
		res.CriticalFlag, res.PriorityLevel, res.EnteredBy).Scan(&res.ID, &res.EnteredAt)
	if err != nil {
		return err
	}

	if _, err := r.conn(ctx).Exec(ctx, `DELETE FROM result_values WHERE result_id = $1`, res.ID); err != nil {
		return err
	}
	for i := range res.Values {
		v := &res.Values[i]
		if v.ID == uuid.Nil {
			v.ID = uuid.New()
		}
		v.ResultID = res.ID
		_, err := r.conn(ctx).Exec(ctx, `
			INSERT INTO result_values (id, result_id, parameter, value, unit, reference_range, flag)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			v.ID, v.ResultID, v.Parameter, v.Value, v.Unit, v.ReferenceRange, v.Flag)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Result, error) {
	res, err := scanResult(r.conn(ctx).QueryRow(ctx, `SELECT `+resultCols+` FROM results WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	if err := r.loadValues(ctx, res); err != nil {
		return nil, err
	}
	return res, nil
}

func (r *repoPG) loadValues(ctx context.Context, res *Result) error {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, result_id, parameter, value, unit, reference_range, flag
		FROM result_values WHERE result_id = $1 ORDER BY parameter`, res.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var v Value
		if err := rows.Scan(&v.ID, &v.ResultID, &v.Parameter, &v.Value, &v.Unit, &v.ReferenceRange, &v.Flag); err != nil {
			return err
		}
		res.Values = append(res.Values, v)
	}
	return rows.Err()
}

func (r *repoPG) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]*Result, error) {
	return r.list(ctx, `SELECT `+resultCols+` FROM results WHERE order_id = $1 ORDER BY test_name`, orderID)
}

func (r *repoPG) ListGroup(ctx context.Context, orderID uuid.UUID, testName string) ([]*Result, error) {
	return r.list(ctx, `SELECT `+resultCols+` FROM results WHERE order_id = $1 AND test_name = $2`, orderID, testName)
}

func (r *repoPG) list(ctx context.Context, sql string, args ...interface{}) ([]*Result, error) {
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Result
	for rows.Next() {
		res, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, res)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, res := range items {
		if err := r.loadValues(ctx, res); err != nil {
			return nil, err
		}
	}
	return items, nil
}

func (r *repoPG) ListPending(ctx context.Context, labID string, limit, offset int) ([]*Result, int, error) {
	var total int
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*) FROM results res
		JOIN orders o ON o.id = res.order_id
		WHERE o.lab_id = $1 AND res.verification_status IN ($2, $3)`,
		labID, StatusPending, StatusNeedsClarification).Scan(&total)
	if err != nil {
		return nil, 0, err
	}
	items, err := r.list(ctx, `
		SELECT `+qualify(resultCols, "res")+` FROM results res
		JOIN orders o ON o.id = res.order_id
		WHERE o.lab_id = $1 AND res.verification_status IN ($2, $3)
		ORDER BY res.critical_flag DESC, res.priority_level DESC, res.entered_date ASC
		LIMIT $4 OFFSET $5`,
		labID, StatusPending, StatusNeedsClarification, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func qualify(cols, alias string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func (r *repoPG) SetVerification(ctx context.Context, id uuid.UUID, status VerificationStatus, verifiedBy, comment string, verifiedAt time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE results SET verification_status = $2, verified_by = $3,
			verified_at = $4, comment = $5
		WHERE id = $1 AND verification_status NOT IN ($6, $7)`,
		id, status, verifiedBy, verifiedAt, comment, StatusVerified, StatusRejected)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
		return ErrAlreadyFinalized
	}
	return nil
}
