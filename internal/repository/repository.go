// Package repository holds the PostgreSQL stores backing the engine.
package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pesio-ai/be-approval-engine/internal/errors"
)

// pgUniqueViolation is the SQLSTATE of a unique constraint failure.
const pgUniqueViolation = "23505"

type scanner interface {
	Scan(dest ...any) error
}

// querier is satisfied by both *database.DB and pgx.Tx.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgUniqueViolation && (constraint == "" || pgErr.ConstraintName == constraint)
}

// nonNil keeps empty text[] columns from being written as NULL.
func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
