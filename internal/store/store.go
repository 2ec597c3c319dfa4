// Package store implements the Ledger Store: the PostgreSQL persistence layer
// for transactions and import sessions. It is the only place in the repository
// that talks to the database.
//
// The store exposes exactly the contract the import pipeline needs:
// parameterized inserts with a distinguishable unique-violation signal,
// atomic multi-insert batches, point lookup by natural key, and point delete
// by surrogate id reporting affected-row counts.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX is the interface for database operations.
// Satisfied by both *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

var (
	// ErrDuplicateKey reports that an insert collided with the natural-key
	// unique index on (tx_date, amount, description).
	ErrDuplicateKey = errors.New("duplicate natural key")

	// ErrNotFound reports that a point lookup matched no row.
	ErrNotFound = errors.New("not found")
)

// uniqueViolationCode is the PostgreSQL SQLSTATE for unique_violation.
const uniqueViolationCode = "23505"

// IsUniqueViolation reports whether err is a PostgreSQL unique-constraint
// violation. Any other constraint or connection failure returns false.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}

// Store is the pgx-backed Ledger Store.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store backed by the given connection pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Migrate creates the schema if it does not exist, including the natural-key
// unique index that backs duplicate detection.
func (s *Store) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS transactions (
			id          uuid PRIMARY KEY DEFAULT gen_random_uuid(),
			tx_date     date NOT NULL,
			amount      numeric(18,2) NOT NULL,
			description text NOT NULL,
			category    text,
			created_at  timestamptz NOT NULL DEFAULT now()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS transactions_natural_key
			ON transactions (tx_date, amount, description)`,
		`CREATE TABLE IF NOT EXISTS import_sessions (
			id              uuid PRIMARY KEY DEFAULT gen_random_uuid(),
			filename        text NOT NULL,
			started_at      timestamptz NOT NULL DEFAULT now(),
			completed_at    timestamptz,
			total_rows      integer NOT NULL DEFAULT 0,
			imported_count  integer NOT NULL DEFAULT 0,
			duplicate_count integer NOT NULL DEFAULT 0,
			error_count     integer NOT NULL DEFAULT 0,
			status          text NOT NULL DEFAULT 'pending',
			error_message   text
		)`,
		`CREATE INDEX IF NOT EXISTS import_sessions_started_at
			ON import_sessions (started_at DESC)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Helper functions for pgtype conversion

func toPgUUID(id uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: id, Valid: true}
}

func fromPgUUID(u pgtype.UUID) uuid.UUID {
	if !u.Valid {
		return uuid.Nil
	}
	return uuid.UUID(u.Bytes)
}

func toPgText(s *string) pgtype.Text {
	if s == nil || *s == "" {
		return pgtype.Text{Valid: false}
	}
	return pgtype.Text{String: *s, Valid: true}
}

func fromPgText(t pgtype.Text) *string {
	if !t.Valid {
		return nil
	}
	s := t.String
	return &s
}
