package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TxRunner runs fn inside a database transaction. Repositories taking part in
// the unit of work are rebound to the transaction through their Bind method.
type TxRunner interface {
	RunTx(ctx context.Context, fn func(q DBTX) error) error
}

// PoolRunner implements TxRunner over a pgx connection pool.
type PoolRunner struct {
	Pool *pgxpool.Pool
}

// RunTx executes fn within a RepeatableRead transaction.
func (r PoolRunner) RunTx(ctx context.Context, fn func(q DBTX) error) error {
	return WithTx(ctx, r.Pool, func(tx pgx.Tx) error {
		return fn(tx)
	})
}
