package store

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type txKey struct{}

// querier is what pgx.Tx and pgxpool.Pool have in common.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// WithTransaction runs fn in a transaction carried by the context passed to
// it. A call made while a transaction is already carried joins it.
func (s *Store) WithTransaction(
	ctx context.Context,
	fn func(ctx context.Context) error,
) error {
	if _, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return fn(ctx)
	}

	transaction, err := s.connectionPool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}

	defer transaction.Rollback(ctx)

	if err := fn(context.WithValue(ctx, txKey{}, transaction)); err != nil {
		return err
	}

	return transaction.Commit(ctx)
}

func (s *Store) querier(ctx context.Context) querier {
	if transaction, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return transaction
	}
	return s.connectionPool
}
