// Package repository provides the persistence layer over a shared pgxpool.
//
// Queries are hand-written SQL behind a sqlc-style Queries struct. Callers
// that need multi-table atomicity begin a pgx.Tx and use WithTx; row locks
// (FOR UPDATE / FOR UPDATE SKIP LOCKED) serialize every read-then-write path.
package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is satisfied by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// Queries is the query executor bound to a pool or transaction.
type Queries struct {
	db DBTX
}

// New creates a Queries bound to the given executor.
func New(db DBTX) *Queries {
	return &Queries{db: db}
}

// WithTx rebinds the queries to a transaction.
func (q *Queries) WithTx(tx pgx.Tx) *Queries {
	return &Queries{db: tx}
}
