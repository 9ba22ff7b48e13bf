package database

import (
	"context"
	"database/sql"
	"fmt"
)

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type txKey struct{}

// InTx runs fn inside a transaction carried by ctx. Nested calls join the
// outer transaction.
func (d *Database) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if tx := txFromCtx(ctx); tx != nil {
		return fn(ctx)
	}

	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	ctx = context.WithValue(ctx, txKey{}, tx)

	if err := fn(ctx); err != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			d.log.Errorf("Database: cannot rollback transaction: %v", rollbackErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// querier returns the transaction in ctx, or the pool
func (d *Database) querier(ctx context.Context) querier {
	if tx := txFromCtx(ctx); tx != nil {
		return tx
	}
	return d.DB
}

func txFromCtx(ctx context.Context) *sql.Tx {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return nil
}
