// Package repository is the persistence layer for the metering service.
//
// It is shaped like sqlc output — a Queries type over a DBTX, with typed
// Params structs per query — but written by hand because several queries
// lean on conditional updates and upsert-increments that carry the
// service's atomicity guarantees.
package repository

import (
	"context"
	"database/sql"
)

// DBTX is the subset of database/sql both *sql.DB and *sql.Tx satisfy.
type DBTX interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
	PrepareContext(context.Context, string) (*sql.Stmt, error)
	QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}

// New creates a Queries bound to the given database handle or transaction.
func New(db DBTX) *Queries {
	return &Queries{db: db}
}

// Queries holds all single-statement query methods.
type Queries struct {
	db DBTX
}

// WithTx rebinds the queries to a transaction.
func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{db: tx}
}
