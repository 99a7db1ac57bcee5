package repository

import (
	"context"

	"github.com/jackc/pgx/v4"
)

// Tx is an opaque transaction handle threaded through repository
// calls. Passing nil makes the repository use its own pool.
type Tx interface{}

// TransactionManager runs fn inside one database transaction,
// committing on nil and rolling back on error.
type TransactionManager interface {
	WithTx(ctx context.Context, txOpt pgx.TxOptions, fn func(ctx context.Context, tx Tx) error) error
}
