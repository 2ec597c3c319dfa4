package importer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ledgerline/ledgerline/internal/logging"
	"github.com/ledgerline/ledgerline/internal/store"
)

// Service is the import orchestrator. One Service handles any number of
// concurrent import calls; each call is sequenced on a single logical worker
// and the store's transaction isolation is the only serialization point
// between calls.
type Service struct {
	ledger      Ledger
	maxFileSize int64
}

// New creates a Service over an arbitrary Ledger implementation.
func New(ledger Ledger, maxFileSize int64) *Service {
	return &Service{ledger: ledger, maxFileSize: maxFileSize}
}

// NewFromStore creates a Service backed by the pgx Ledger Store.
func NewFromStore(st *store.Store, maxFileSize int64) *Service {
	return New(storeLedger{st}, maxFileSize)
}

// storeLedger adapts *store.Store to the Ledger interface; the only
// impedance is BeginImport's concrete *store.Batch return type.
type storeLedger struct {
	*store.Store
}

func (l storeLedger) BeginImport(ctx context.Context) (Batch, error) {
	return l.Store.BeginImport(ctx)
}

// Import runs the full pipeline over one uploaded file: decode, normalize
// headers, parse and validate every row, then commit the candidates with
// duplicate detection inside one atomic store transaction.
//
// Row-level parse failures are collected into the result and never abort the
// call. Whole-input rejections (format, size, missing columns) return a
// FormatError before any session exists. A commit fault marks the session
// failed, rolls back every insert of the call, and is returned alongside the
// failed-session result so the caller can surface a structured failure.
func (s *Service) Import(ctx context.Context, filename string, data []byte, opts Options) (*Result, error) {
	if int64(len(data)) > s.maxFileSize {
		return nil, ErrFileTooLarge
	}

	rows, err := decodeRows(filename, data)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, NewFormatError("no header row")
	}

	headers := NormalizeHeaders(rows[0])
	if err := checkRequiredHeaders(headers); err != nil {
		return nil, err
	}

	parser := newRowParser(headers)
	candidates, importErrors, totalRows := parseDataRows(parser, headers, rows[1:])

	log := logging.WithFields(ctx, "filename", filename)
	log.Info("import parsed",
		"total_rows", totalRows,
		"candidates", len(candidates),
		"row_errors", len(importErrors),
		"validate_only", opts.ValidateOnly,
	)

	tracker, err := beginSession(ctx, s.ledger, filename, totalRows)
	if err != nil {
		return nil, err
	}
	log = log.With("session_id", tracker.snapshot().ID)

	var outcome *commitOutcome
	if opts.ValidateOnly {
		outcome, err = s.dryRunCandidates(ctx, candidates)
	} else {
		outcome, err = s.commitCandidates(ctx, candidates)
	}
	if err != nil {
		return s.failImport(ctx, log, tracker, importErrors, err)
	}

	if err := tracker.complete(ctx, len(outcome.imported), len(outcome.duplicates), len(importErrors)); err != nil {
		return s.failImport(ctx, log, tracker, importErrors, err)
	}

	sess := tracker.snapshot()
	log.Info("import completed",
		"imported", sess.ImportedCount,
		"duplicates", sess.DuplicateCount,
		"errors", sess.ErrorCount,
	)

	return &Result{
		Session:    sess,
		Imported:   outcome.imported,
		Duplicates: outcome.duplicates,
		Errors:     importErrors,
	}, nil
}

// failImport finalizes the session as failed and returns the structured
// failure. The result still carries the parse diagnostics: nothing from this
// call was persisted, but the caller can see why rows would have been
// rejected.
func (s *Service) failImport(ctx context.Context, log *slog.Logger, tracker *sessionTracker, importErrors []ImportError, cause error) (*Result, error) {
	if failErr := tracker.fail(ctx, cause.Error()); failErr != nil {
		log.Error("marking session failed", "error", failErr)
	}
	log.Error("import failed", "error", cause)

	return &Result{
		Session:    tracker.snapshot(),
		Imported:   make([]store.Transaction, 0),
		Duplicates: make([]DuplicateInfo, 0),
		Errors:     importErrors,
	}, fmt.Errorf("import %q: %w", tracker.snapshot().Filename, cause)
}

// parseDataRows walks every data row, skipping rows whose required-bearing
// columns are all blank, and splits the rest into candidates and row errors.
// Line numbers are 1-based including the header, so the first data row is 2.
func parseDataRows(parser *rowParser, headers []string, dataRows [][]string) ([]candidate, []ImportError, int) {
	candidates := make([]candidate, 0, len(dataRows))
	importErrors := make([]ImportError, 0)
	totalRows := 0

	for i, cells := range dataRows {
		row := makeRawRow(headers, cells, i+2)
		if parser.isEmpty(row) {
			continue
		}
		totalRows++

		tx, rerr := parser.parse(row)
		if rerr != nil {
			importErrors = append(importErrors, ImportError{
				Row:     row.Line,
				Field:   rerr.Field,
				Message: rerr.Message,
				Raw:     row.Cells,
			})
			continue
		}

		candidates = append(candidates, candidate{row: row.Line, tx: *tx})
	}

	return candidates, importErrors, totalRows
}

// makeRawRow zips normalized headers with a row's cells. Rows shorter than
// the header are padded with blanks; extra cells are dropped. The first
// occurrence wins when a header name repeats.
func makeRawRow(headers []string, cells []string, line int) RawRow {
	m := make(map[string]string, len(headers))
	for i, h := range headers {
		if h == "" {
			continue
		}
		if _, ok := m[h]; ok {
			continue
		}
		if i < len(cells) {
			m[h] = cleanCell(cells[i])
		} else {
			m[h] = ""
		}
	}
	return RawRow{Line: line, Cells: m}
}

// Read-path passthroughs for the HTTP boundary. All writes to the Ledger
// Store stay inside the committer and session tracker.

func (s *Service) GetSession(ctx context.Context, id uuid.UUID) (*store.ImportSession, error) {
	return s.ledger.GetSession(ctx, id)
}

func (s *Service) ListSessions(ctx context.Context, limit int) ([]store.ImportSession, error) {
	return s.ledger.ListSessions(ctx, limit)
}

func (s *Service) ListTransactions(ctx context.Context, limit, offset int) ([]store.Transaction, error) {
	return s.ledger.ListTransactions(ctx, limit, offset)
}

// DeleteTransaction removes a persisted transaction by id, returning the
// affected-row count. Deleting an absent id reports 0 and no error.
func (s *Service) DeleteTransaction(ctx context.Context, id uuid.UUID) (int64, error) {
	return s.ledger.DeleteTransaction(ctx, id)
}

// SweepSessions deletes session records older than the retention window and
// returns the number removed.
func (s *Service) SweepSessions(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	return s.ledger.DeleteSessionsOlderThan(ctx, cutoff)
}

// StartRetentionSweeper runs the session retention sweep on a fixed interval
// until ctx is cancelled. Runs once immediately on start.
func (s *Service) StartRetentionSweeper(ctx context.Context, retentionDays int, interval time.Duration) {
	log := logging.FromContext(ctx)

	sweep := func() {
		n, err := s.SweepSessions(ctx, retentionDays)
		if err != nil {
			log.Error("session retention sweep", "error", err)
			return
		}
		if n > 0 {
			log.Info("session retention sweep", "deleted", n, "retention_days", retentionDays)
		}
	}

	sweep()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sweep()
		case <-ctx.Done():
			return
		}
	}
}
