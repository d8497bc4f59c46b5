package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type contextKey string

const txKey contextKey = "db_tx"

// ErrConflict marks a concurrent-write failure (serialization or deadlock).
// Callers that derive state from counts re-read and re-evaluate once before
// surfacing it.
var ErrConflict = errors.New("persistence conflict")

// Queryable is the subset of pgx shared by pools, connections and
// transactions. Repositories accept whichever the context carries so a
// service can run a read-then-write sequence atomically.
type Queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// WithTx runs fn inside a single transaction. The transaction is placed in
// the context so every repository call inside fn joins it; fn returning an
// error rolls everything back. Serialization failures and deadlocks are
// normalized to ErrConflict.
func WithTx(ctx context.Context, pool *pgxpool.Pool, fn func(ctx context.Context) error) error {
	if TxFromContext(ctx) != nil {
		// Already inside a transaction; join it.
		return fn(ctx)
	}

	tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}

	txCtx := context.WithValue(ctx, txKey, tx)
	if err := fn(txCtx); err != nil {
		_ = tx.Rollback(ctx)
		return normalizeConflict(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return normalizeConflict(err)
	}
	return nil
}

// Runner abstracts transaction execution so services can be exercised
// against in-memory repositories in tests.
type Runner interface {
	RunTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// PoolRunner runs transactions against a pgx pool.
type PoolRunner struct {
	Pool *pgxpool.Pool
}

func (r PoolRunner) RunTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return WithTx(ctx, r.Pool, fn)
}

// TxFromContext returns the transaction carried by ctx, or nil.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(txKey).(pgx.Tx)
	return tx
}

func normalizeConflict(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 40001 serialization_failure, 40P01 deadlock_detected
		if pgErr.Code == "40001" || pgErr.Code == "40P01" {
			return errors.Join(ErrConflict, err)
		}
	}
	return err
}
