package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrSerialization marks a transaction that lost a concurrency race under
// repeatable read. Callers may safely retry the whole operation.
var ErrSerialization = errors.New("transaction serialization failure")

// WithTx executes fn inside a repeatable-read transaction. A non-nil error
// from fn rolls back everything; commit errors are surfaced to the caller.
func WithTx(ctx context.Context, pool *pgxpool.Pool, fn func(pgx.Tx) error) error {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("platform/db: begin tx: %w", err)
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(tx); err != nil {
		return wrapSerialization(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return wrapSerialization(fmt.Errorf("platform/db: commit tx: %w", err))
	}

	return nil
}

// SQLSTATE 40001, raised when two repeatable-read transactions collide.
func wrapSerialization(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "40001" {
		return fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return err
}
