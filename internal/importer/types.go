// Package importer implements the import pipeline: decoding tabular input,
// normalizing heterogeneous row encodings into canonical transactions,
// collecting row-level diagnostics, detecting duplicates against the Ledger
// Store, and committing each batch atomically with session provenance.
//
// Two failure granularities coexist here and are kept on separate channels:
// parse and validation failures are row-scoped, collected as ImportError
// values and never abort a batch; commit faults are call-scoped, roll back
// every insert of the call and mark the session failed.
package importer

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ledgerline/ledgerline/internal/store"
)

// RawRow is one decoded data row keyed by normalized header name.
// Ephemeral; it exists only while the row is being parsed.
type RawRow struct {
	// Line is the 1-based source line number including the header row,
	// so the first data row is line 2.
	Line  int
	Cells map[string]string
}

// NormalizedTransaction is a parsed-but-not-yet-persisted candidate.
// It is either promoted to a store.Transaction by the committer or rejected.
type NormalizedTransaction struct {
	Date        time.Time
	Amount      decimal.Decimal
	Description string
	// Category is nil when the input carries no category column.
	// It is never defaulted to a placeholder string.
	Category *string
}

// NaturalKey returns the candidate's semantic uniqueness tuple.
func (n NormalizedTransaction) NaturalKey() store.NaturalKey {
	return store.NaturalKey{Date: n.Date, Amount: n.Amount, Description: n.Description}
}

// DuplicateInfo reports one row that matched an already-persisted transaction
// under the natural key.
type DuplicateInfo struct {
	Row         int             `json:"row"`
	Date        time.Time       `json:"date"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
	ExistingID  uuid.UUID       `json:"existingId"`
}

// ImportError reports one row that failed parsing or validation.
// The raw cells are carried along for debugging.
type ImportError struct {
	Row     int               `json:"row"`
	Field   string            `json:"field,omitempty"`
	Message string            `json:"message"`
	Raw     map[string]string `json:"raw,omitempty"`
}

// Options control one import call.
type Options struct {
	// SkipDuplicates marks natural-key collisions as acceptable: they are
	// reported and excluded from insertion. When false the store behavior is
	// unchanged (a duplicate still cannot be inserted twice); the flag tells
	// the caller whether to treat the reported duplicates as failures.
	SkipDuplicates bool

	// ValidateOnly runs the pipeline as a dry run: rows are parsed,
	// validated and duplicate-checked but nothing is inserted.
	ValidateOnly bool
}

// DefaultOptions returns the common-case options: skip duplicates, persist.
func DefaultOptions() Options {
	return Options{SkipDuplicates: true}
}

// Result is the caller-facing outcome of one import call.
type Result struct {
	Session    store.ImportSession `json:"session"`
	Imported   []store.Transaction `json:"imported"`
	Duplicates []DuplicateInfo     `json:"duplicates"`
	Errors     []ImportError       `json:"errors"`
}

// FormatError is a caller-correctable rejection of the whole input
// (unsupported format, empty file, oversized file, missing required
// columns). It is raised before any session exists.
type FormatError struct {
	msg string
}

func (e *FormatError) Error() string { return e.msg }

// NewFormatError creates a FormatError with the given message.
func NewFormatError(msg string) *FormatError {
	return &FormatError{msg: msg}
}

// ErrFileTooLarge is returned when the input exceeds the configured size
// ceiling. It is a FormatError so generic handling still applies.
var ErrFileTooLarge = NewFormatError("file exceeds size limit")

// IsFormatError reports whether err is a whole-input rejection.
func IsFormatError(err error) bool {
	var fe *FormatError
	return errors.As(err, &fe)
}

// Batch is one open atomic import transaction against the Ledger Store.
// Insert reports natural-key collisions as store.ErrDuplicateKey without
// aborting the batch; any other insert error leaves the batch doomed.
type Batch interface {
	Insert(ctx context.Context, p store.InsertTransactionParams) (*store.Transaction, error)
	FindByNaturalKey(ctx context.Context, key store.NaturalKey) (*store.Transaction, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Ledger is the Ledger Store surface the pipeline consumes. *store.Store
// satisfies it via the adapter in service.go; tests substitute an in-memory
// fake.
type Ledger interface {
	BeginImport(ctx context.Context) (Batch, error)
	FindTransactionByNaturalKey(ctx context.Context, key store.NaturalKey) (*store.Transaction, error)
	ListTransactions(ctx context.Context, limit, offset int) ([]store.Transaction, error)
	DeleteTransaction(ctx context.Context, id uuid.UUID) (int64, error)

	CreateSession(ctx context.Context, filename string, totalRows int) (*store.ImportSession, error)
	CompleteSession(ctx context.Context, id uuid.UUID, imported, duplicates, errCount int) (*store.ImportSession, error)
	FailSession(ctx context.Context, id uuid.UUID, msg string) (*store.ImportSession, error)
	GetSession(ctx context.Context, id uuid.UUID) (*store.ImportSession, error)
	ListSessions(ctx context.Context, limit int) ([]store.ImportSession, error)
	DeleteSessionsOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
