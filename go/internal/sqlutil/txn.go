package sqlutil

import (
	"context"
	"database/sql"
)

// Run executes fn inside a *sql.Tx.
// If fn returns an error the tx rolls back, else it commits.
func Run(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil) // BEGIN
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback() // ROLLBACK
		return err
	}
	return tx.Commit() // COMMIT
}

// TxRunner runs a function inside a transaction. Components depend on this
// instead of *sql.DB so tests can substitute the transaction boundary.
type TxRunner interface {
	RunTx(ctx context.Context, fn func(tx *sql.Tx) error) error
}

// DBTX is the subset of database/sql shared by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB adapts *sql.DB to TxRunner.
type DB struct {
	*sql.DB
}

// RunTx implements TxRunner via Run.
func (d DB) RunTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return Run(ctx, d.DB, fn)
}
