package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

// SessionStatus is the lifecycle state of an import session.
type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// ImportSession records the provenance and outcome counters of one import
// call. Status moves pending -> completed|failed exactly once; the terminal
// transitions are guarded in SQL so a session can never revert.
type ImportSession struct {
	ID             uuid.UUID     `json:"id"`
	Filename       string        `json:"filename"`
	StartedAt      time.Time     `json:"startedAt"`
	CompletedAt    *time.Time    `json:"completedAt,omitempty"`
	TotalRows      int           `json:"totalRows"`
	ImportedCount  int           `json:"importedCount"`
	DuplicateCount int           `json:"duplicateCount"`
	ErrorCount     int           `json:"errorCount"`
	Status         SessionStatus `json:"status"`
	ErrorMessage   *string       `json:"errorMessage,omitempty"`
}

// ErrSessionFinalized reports an attempt to re-finalize a session that has
// already reached a terminal status.
var ErrSessionFinalized = errors.New("session already finalized")

const sessionColumns = `id, filename, started_at, completed_at, total_rows,
	imported_count, duplicate_count, error_count, status, error_message`

func scanSession(row pgx.Row) (*ImportSession, error) {
	var (
		s           ImportSession
		id          pgtype.UUID
		completedAt pgtype.Timestamptz
		errMsg      pgtype.Text
	)
	err := row.Scan(&id, &s.Filename, &s.StartedAt, &completedAt, &s.TotalRows,
		&s.ImportedCount, &s.DuplicateCount, &s.ErrorCount, &s.Status, &errMsg)
	if err != nil {
		return nil, err
	}

	s.ID = fromPgUUID(id)
	if completedAt.Valid {
		t := completedAt.Time
		s.CompletedAt = &t
	}
	s.ErrorMessage = fromPgText(errMsg)

	return &s, nil
}

// CreateSession opens a pending import session with the row count recorded.
func (s *Store) CreateSession(ctx context.Context, filename string, totalRows int) (*ImportSession, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO import_sessions (filename, total_rows)
		VALUES ($1, $2)
		RETURNING `+sessionColumns, filename, totalRows)

	sess, err := scanSession(row)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

// CompleteSession transitions a pending session to completed, stamping the
// completion time and final counters. Returns ErrSessionFinalized if the
// session already reached a terminal status.
func (s *Store) CompleteSession(ctx context.Context, id uuid.UUID, imported, duplicates, errCount int) (*ImportSession, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE import_sessions
		SET status = 'completed',
		    completed_at = now(),
		    imported_count = $2,
		    duplicate_count = $3,
		    error_count = $4
		WHERE id = $1 AND status = 'pending'
		RETURNING `+sessionColumns, toPgUUID(id), imported, duplicates, errCount)

	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.finalizeConflict(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("complete session: %w", err)
	}
	return sess, nil
}

// FailSession transitions a pending session to failed with an error message.
// Counters keep whatever was durably committed before the fault.
func (s *Store) FailSession(ctx context.Context, id uuid.UUID, msg string) (*ImportSession, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE import_sessions
		SET status = 'failed',
		    completed_at = now(),
		    error_message = $2
		WHERE id = $1 AND status = 'pending'
		RETURNING `+sessionColumns, toPgUUID(id), msg)

	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.finalizeConflict(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("fail session: %w", err)
	}
	return sess, nil
}

// finalizeConflict distinguishes "no such session" from "already terminal"
// after a guarded UPDATE matched nothing.
func (s *Store) finalizeConflict(ctx context.Context, id uuid.UUID) error {
	if _, err := s.GetSession(ctx, id); errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	return ErrSessionFinalized
}

// GetSession returns a session by id, or ErrNotFound. Terminal sessions are
// immutable, so repeated reads return the same snapshot.
func (s *Store) GetSession(ctx context.Context, id uuid.UUID) (*ImportSession, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+sessionColumns+`
		FROM import_sessions
		WHERE id = $1`, toPgUUID(id))

	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// ListSessions returns the most recent sessions, newest first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]ImportSession, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+sessionColumns+`
		FROM import_sessions
		ORDER BY started_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	result := make([]ImportSession, 0, limit)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		result = append(result, *sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return result, nil
}

// DeleteSessionsOlderThan removes session records that started before cutoff.
// This is the out-of-band retention sweep; it never touches transactions.
func (s *Store) DeleteSessionsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM import_sessions WHERE started_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}
