package importer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerline/ledgerline/internal/store"
)

// fakeLedger is an in-memory Ledger with the same visibility rules as the
// real store: batch inserts are invisible to outside lookups until Commit,
// and a natural-key collision inside a batch is reported without dooming it.
type fakeLedger struct {
	mu        sync.Mutex
	committed map[string]store.Transaction
	sessions  map[uuid.UUID]*store.ImportSession

	beginErr  error
	commitErr error
	// insertFailOn forces a non-duplicate insert fault for rows with this
	// description, simulating a store-level failure mid-batch.
	insertFailOn string
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		committed: make(map[string]store.Transaction),
		sessions:  make(map[uuid.UUID]*store.ImportSession),
	}
}

func (l *fakeLedger) BeginImport(ctx context.Context) (Batch, error) {
	if l.beginErr != nil {
		return nil, l.beginErr
	}
	return &fakeBatch{ledger: l, pending: make(map[string]store.Transaction)}, nil
}

func (l *fakeLedger) FindTransactionByNaturalKey(ctx context.Context, key store.NaturalKey) (*store.Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if tx, ok := l.committed[naturalKeyString(key)]; ok {
		return &tx, nil
	}
	return nil, store.ErrNotFound
}

func (l *fakeLedger) ListTransactions(ctx context.Context, limit, offset int) ([]store.Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]store.Transaction, 0, len(l.committed))
	for _, tx := range l.committed {
		out = append(out, tx)
	}
	return out, nil
}

func (l *fakeLedger) DeleteTransaction(ctx context.Context, id uuid.UUID) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, tx := range l.committed {
		if tx.ID == id {
			delete(l.committed, k)
			return 1, nil
		}
	}
	return 0, nil
}

func (l *fakeLedger) CreateSession(ctx context.Context, filename string, totalRows int) (*store.ImportSession, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	sess := &store.ImportSession{
		ID:        uuid.New(),
		Filename:  filename,
		StartedAt: time.Now(),
		TotalRows: totalRows,
		Status:    store.SessionPending,
	}
	l.sessions[sess.ID] = sess
	snap := *sess
	return &snap, nil
}

func (l *fakeLedger) CompleteSession(ctx context.Context, id uuid.UUID, imported, duplicates, errCount int) (*store.ImportSession, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	sess, ok := l.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if sess.Status != store.SessionPending {
		return nil, store.ErrSessionFinalized
	}
	now := time.Now()
	sess.Status = store.SessionCompleted
	sess.CompletedAt = &now
	sess.ImportedCount = imported
	sess.DuplicateCount = duplicates
	sess.ErrorCount = errCount
	snap := *sess
	return &snap, nil
}

func (l *fakeLedger) FailSession(ctx context.Context, id uuid.UUID, msg string) (*store.ImportSession, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	sess, ok := l.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if sess.Status != store.SessionPending {
		return nil, store.ErrSessionFinalized
	}
	now := time.Now()
	sess.Status = store.SessionFailed
	sess.CompletedAt = &now
	sess.ErrorMessage = &msg
	snap := *sess
	return &snap, nil
}

func (l *fakeLedger) GetSession(ctx context.Context, id uuid.UUID) (*store.ImportSession, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	sess, ok := l.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	snap := *sess
	return &snap, nil
}

func (l *fakeLedger) ListSessions(ctx context.Context, limit int) ([]store.ImportSession, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]store.ImportSession, 0, len(l.sessions))
	for _, sess := range l.sessions {
		out = append(out, *sess)
	}
	return out, nil
}

func (l *fakeLedger) DeleteSessionsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var n int64
	for id, sess := range l.sessions {
		if sess.StartedAt.Before(cutoff) {
			delete(l.sessions, id)
			n++
		}
	}
	return n, nil
}

type fakeBatch struct {
	ledger  *fakeLedger
	pending map[string]store.Transaction
	done    bool
}

func (b *fakeBatch) Insert(ctx context.Context, p store.InsertTransactionParams) (*store.Transaction, error) {
	if b.ledger.insertFailOn != "" && p.Description == b.ledger.insertFailOn {
		return nil, errors.New("forced insert failure")
	}

	key := naturalKeyString(store.NaturalKey{Date: p.Date, Amount: p.Amount, Description: p.Description})

	b.ledger.mu.Lock()
	_, exists := b.ledger.committed[key]
	b.ledger.mu.Unlock()
	if !exists {
		_, exists = b.pending[key]
	}
	if exists {
		return nil, store.ErrDuplicateKey
	}

	tx := store.Transaction{
		ID:          uuid.New(),
		Date:        p.Date,
		Amount:      p.Amount,
		Description: p.Description,
		Category:    p.Category,
		CreatedAt:   time.Now(),
	}
	b.pending[key] = tx
	return &tx, nil
}

func (b *fakeBatch) FindByNaturalKey(ctx context.Context, key store.NaturalKey) (*store.Transaction, error) {
	k := naturalKeyString(key)
	if tx, ok := b.pending[k]; ok {
		return &tx, nil
	}
	b.ledger.mu.Lock()
	defer b.ledger.mu.Unlock()
	if tx, ok := b.ledger.committed[k]; ok {
		return &tx, nil
	}
	return nil, store.ErrNotFound
}

func (b *fakeBatch) Commit(ctx context.Context) error {
	if b.ledger.commitErr != nil {
		return b.ledger.commitErr
	}
	b.ledger.mu.Lock()
	defer b.ledger.mu.Unlock()
	for k, tx := range b.pending {
		b.ledger.committed[k] = tx
	}
	b.done = true
	return nil
}

func (b *fakeBatch) Rollback(ctx context.Context) error {
	if !b.done {
		b.pending = make(map[string]store.Transaction)
	}
	return nil
}

const mixedCSV = `Date,Description,Amount,Category
2024-01-05,Coffee,-4.50,Dining
not-a-date,Broken row,1.00,
2024-01-06,Rent,-900.00,Housing
2024-01-07,,12.00,
2024-01-08,No amount,,
`

func newTestService(ledger *fakeLedger) *Service {
	return New(ledger, 10<<20)
}

func TestImportPartialSuccess(t *testing.T) {
	ledger := newFakeLedger()
	svc := newTestService(ledger)

	res, err := svc.Import(context.Background(), "mixed.csv", []byte(mixedCSV), DefaultOptions())
	require.NoError(t, err)

	assert.Equal(t, store.SessionCompleted, res.Session.Status)
	assert.Equal(t, 5, res.Session.TotalRows)
	assert.Equal(t, 2, res.Session.ImportedCount)
	assert.Equal(t, 0, res.Session.DuplicateCount)
	assert.Equal(t, 3, res.Session.ErrorCount)
	require.NotNil(t, res.Session.CompletedAt)

	require.Len(t, res.Imported, 2)
	require.Len(t, res.Errors, 3)

	// Row numbers are 1-based including the header.
	assert.Equal(t, 3, res.Errors[0].Row)
	assert.Equal(t, "date", res.Errors[0].Field)
	assert.Equal(t, 5, res.Errors[1].Row)
	assert.Equal(t, "description", res.Errors[1].Field)
	assert.Equal(t, 6, res.Errors[2].Row)
	assert.Equal(t, "amount", res.Errors[2].Field)

	// Bad rows never block good ones from persisting.
	assert.Len(t, ledger.committed, 2)
}

func TestImportRoundTripValues(t *testing.T) {
	ledger := newFakeLedger()
	svc := newTestService(ledger)

	csv := "Date,Description,Amount,Category\n2024-03-15,\"Grocery, Inc\",\"$1,234.56\",Food\n"

	res, err := svc.Import(context.Background(), "one.csv", []byte(csv), DefaultOptions())
	require.NoError(t, err)
	require.Len(t, res.Imported, 1)

	tx := res.Imported[0]
	assert.Equal(t, "2024-03-15", tx.Date.Format("2006-01-02"))
	assert.Equal(t, "1234.56", tx.Amount.String())
	assert.Equal(t, "Grocery, Inc", tx.Description)
	require.NotNil(t, tx.Category)
	assert.Equal(t, "Food", *tx.Category)
	assert.NotEqual(t, uuid.Nil, tx.ID)
}

func TestImportIdempotentReimport(t *testing.T) {
	ledger := newFakeLedger()
	svc := newTestService(ledger)
	csv := "Date,Description,Amount\n2024-01-05,Coffee,-4.50\n2024-01-06,Rent,-900.00\n"

	first, err := svc.Import(context.Background(), "bank.csv", []byte(csv), DefaultOptions())
	require.NoError(t, err)
	require.Equal(t, 2, first.Session.ImportedCount)

	second, err := svc.Import(context.Background(), "bank.csv", []byte(csv), DefaultOptions())
	require.NoError(t, err)

	assert.Equal(t, store.SessionCompleted, second.Session.Status)
	assert.Equal(t, 0, second.Session.ImportedCount)
	assert.Equal(t, 2, second.Session.DuplicateCount)
	assert.Equal(t, 0, second.Session.ErrorCount)
	require.Len(t, second.Duplicates, 2)

	// Each duplicate names the transaction persisted by the first run.
	existing := map[string]uuid.UUID{}
	for _, tx := range first.Imported {
		existing[tx.Description] = tx.ID
	}
	for _, dup := range second.Duplicates {
		assert.Equal(t, existing[dup.Description], dup.ExistingID)
	}

	// Store still holds exactly the first run's rows.
	assert.Len(t, ledger.committed, 2)
}

func TestImportDuplicateWithinOneFile(t *testing.T) {
	ledger := newFakeLedger()
	svc := newTestService(ledger)
	csv := "Date,Description,Amount\n2024-01-05,Coffee,-4.50\n2024-01-05,Coffee,-4.50\n"

	res, err := svc.Import(context.Background(), "dup.csv", []byte(csv), DefaultOptions())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Session.ImportedCount)
	assert.Equal(t, 1, res.Session.DuplicateCount)
	require.Len(t, res.Duplicates, 1)
	assert.Equal(t, 3, res.Duplicates[0].Row)
	assert.Equal(t, res.Imported[0].ID, res.Duplicates[0].ExistingID)
}

func TestImportColumnOrderIndependence(t *testing.T) {
	ledger := newFakeLedger()
	svc := newTestService(ledger)

	ordered := "Date,Amount,Description,Category\n2024-01-05,-4.50,Coffee,Dining\n"
	shuffled := "Description,Category,Amount,Date\nCoffee,Dining,-4.50,2024-01-05\n"

	first, err := svc.Import(context.Background(), "a.csv", []byte(ordered), DefaultOptions())
	require.NoError(t, err)
	require.Equal(t, 1, first.Session.ImportedCount)

	second, err := svc.Import(context.Background(), "b.csv", []byte(shuffled), DefaultOptions())
	require.NoError(t, err)

	// Identical data in a different column order parses to the same natural
	// key, so the second import sees only a duplicate.
	assert.Equal(t, 0, second.Session.ImportedCount)
	assert.Equal(t, 1, second.Session.DuplicateCount)
}

func TestImportValidateOnly(t *testing.T) {
	ledger := newFakeLedger()
	svc := newTestService(ledger)
	seed := "Date,Description,Amount\n2024-01-05,Coffee,-4.50\n"
	_, err := svc.Import(context.Background(), "seed.csv", []byte(seed), DefaultOptions())
	require.NoError(t, err)

	csv := "Date,Description,Amount\n2024-01-05,Coffee,-4.50\n2024-01-06,Rent,-900.00\nbad,Broken,1.00\n"
	res, err := svc.Import(context.Background(), "dry.csv", []byte(csv), Options{SkipDuplicates: true, ValidateOnly: true})
	require.NoError(t, err)

	assert.Equal(t, store.SessionCompleted, res.Session.Status)
	assert.Equal(t, 3, res.Session.TotalRows)
	assert.Equal(t, 0, res.Session.ImportedCount)
	assert.Equal(t, 1, res.Session.DuplicateCount)
	assert.Equal(t, 1, res.Session.ErrorCount)
	assert.Empty(t, res.Imported)
	require.Len(t, res.Duplicates, 1)
	assert.Equal(t, "Coffee", res.Duplicates[0].Description)

	// Nothing beyond the seed row was persisted.
	assert.Len(t, ledger.committed, 1)
}

func TestImportValidateOnlyDetectsInFileDuplicates(t *testing.T) {
	ledger := newFakeLedger()
	svc := newTestService(ledger)
	csv := "Date,Description,Amount\n2024-01-05,Coffee,-4.50\n2024-01-05,Coffee,-4.50\n"

	res, err := svc.Import(context.Background(), "dry.csv", []byte(csv), Options{SkipDuplicates: true, ValidateOnly: true})
	require.NoError(t, err)

	// The dry run predicts the real commit: first occurrence would insert,
	// the repeat is a duplicate.
	assert.Equal(t, 0, res.Session.ImportedCount)
	assert.Equal(t, 1, res.Session.DuplicateCount)
	require.Len(t, res.Duplicates, 1)
	assert.Equal(t, 3, res.Duplicates[0].Row)
	// No persisted row exists to attribute the conflict to.
	assert.Equal(t, uuid.Nil, res.Duplicates[0].ExistingID)
	assert.Empty(t, ledger.committed)
}

func TestImportCommitFaultFailsSession(t *testing.T) {
	ledger := newFakeLedger()
	ledger.commitErr = errors.New("connection reset")
	svc := newTestService(ledger)
	csv := "Date,Description,Amount\n2024-01-05,Coffee,-4.50\n"

	res, err := svc.Import(context.Background(), "bank.csv", []byte(csv), DefaultOptions())
	require.Error(t, err)
	require.NotNil(t, res)

	assert.Equal(t, store.SessionFailed, res.Session.Status)
	require.NotNil(t, res.Session.ErrorMessage)
	assert.Contains(t, *res.Session.ErrorMessage, "connection reset")
	assert.Empty(t, res.Imported)

	// The atomicity contract: a commit fault persists nothing.
	assert.Empty(t, ledger.committed)
}

func TestImportInsertFaultRollsBackWholeBatch(t *testing.T) {
	ledger := newFakeLedger()
	ledger.insertFailOn = "Rent"
	svc := newTestService(ledger)
	csv := "Date,Description,Amount\n2024-01-05,Coffee,-4.50\n2024-01-06,Rent,-900.00\n2024-01-07,Gas,-30.00\n"

	res, err := svc.Import(context.Background(), "bank.csv", []byte(csv), DefaultOptions())
	require.Error(t, err)
	require.NotNil(t, res)

	assert.Equal(t, store.SessionFailed, res.Session.Status)
	// Rows inserted before the fault are rolled back with the rest.
	assert.Empty(t, ledger.committed)
}

func TestImportCounterInvariant(t *testing.T) {
	ledger := newFakeLedger()
	svc := newTestService(ledger)

	// Seed one row so the mixed file also produces a duplicate.
	seed := "Date,Description,Amount\n2024-01-05,Coffee,-4.50\n"
	_, err := svc.Import(context.Background(), "seed.csv", []byte(seed), DefaultOptions())
	require.NoError(t, err)

	csv := mixedCSV // contains the seeded Coffee row
	res, err := svc.Import(context.Background(), "mixed.csv", []byte(csv), DefaultOptions())
	require.NoError(t, err)

	s := res.Session
	assert.Equal(t, s.TotalRows, s.ImportedCount+s.DuplicateCount+s.ErrorCount,
		"imported + duplicates + errors must equal the non-empty row total")
	assert.Equal(t, 1, s.DuplicateCount)
}

func TestImportSkipsEmptyRows(t *testing.T) {
	ledger := newFakeLedger()
	svc := newTestService(ledger)
	csv := "Date,Description,Amount\n2024-01-05,Coffee,-4.50\n,,\n\n2024-01-06,Rent,-900.00\n , , \n"

	res, err := svc.Import(context.Background(), "gaps.csv", []byte(csv), DefaultOptions())
	require.NoError(t, err)

	assert.Equal(t, 2, res.Session.TotalRows)
	assert.Equal(t, 2, res.Session.ImportedCount)
	assert.Empty(t, res.Errors)
}

func TestImportHeaderOnlyFile(t *testing.T) {
	ledger := newFakeLedger()
	svc := newTestService(ledger)

	res, err := svc.Import(context.Background(), "empty.csv", []byte("Date,Description,Amount\n"), DefaultOptions())
	require.NoError(t, err)

	assert.Equal(t, store.SessionCompleted, res.Session.Status)
	assert.Zero(t, res.Session.TotalRows)
	assert.Zero(t, res.Session.ImportedCount)
	assert.Empty(t, ledger.committed)
}

func TestImportRejectsOversizedFile(t *testing.T) {
	svc := New(newFakeLedger(), 16)

	_, err := svc.Import(context.Background(), "big.csv", []byte(strings.Repeat("x", 17)), DefaultOptions())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFileTooLarge)
	assert.True(t, IsFormatError(err))
}

func TestImportRejectsMissingColumns(t *testing.T) {
	ledger := newFakeLedger()
	svc := newTestService(ledger)

	_, err := svc.Import(context.Background(), "bad.csv", []byte("Foo,Bar\n1,2\n"), DefaultOptions())
	require.Error(t, err)
	assert.True(t, IsFormatError(err))

	// Whole-file rejections happen before any session exists.
	assert.Empty(t, ledger.sessions)
}

func TestImportDebitCreditFile(t *testing.T) {
	ledger := newFakeLedger()
	svc := newTestService(ledger)
	csv := "Posted Date,Details,Withdrawals,Deposits\n2024-01-05,Groceries,55.20,\n2024-01-06,Salary,,2500.00\n"

	res, err := svc.Import(context.Background(), "bank.csv", []byte(csv), DefaultOptions())
	require.NoError(t, err)
	require.Len(t, res.Imported, 2)

	byDesc := map[string]store.Transaction{}
	for _, tx := range res.Imported {
		byDesc[tx.Description] = tx
	}
	assert.Equal(t, "-55.2", byDesc["Groceries"].Amount.String())
	assert.Equal(t, "2500", byDesc["Salary"].Amount.String())
}

func TestSweepSessions(t *testing.T) {
	ledger := newFakeLedger()
	svc := newTestService(ledger)

	old, err := ledger.CreateSession(context.Background(), "old.csv", 1)
	require.NoError(t, err)
	ledger.sessions[old.ID].StartedAt = time.Now().AddDate(0, 0, -120)

	recent, err := ledger.CreateSession(context.Background(), "recent.csv", 1)
	require.NoError(t, err)

	n, err := svc.SweepSessions(context.Background(), 90)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = ledger.GetSession(context.Background(), old.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = ledger.GetSession(context.Background(), recent.ID)
	assert.NoError(t, err)
}

func TestMakeRawRow(t *testing.T) {
	headers := []string{"date", "description", "amount", ""}

	t.Run("short row padded with blanks", func(t *testing.T) {
		row := makeRawRow(headers, []string{"2024-01-05", "Coffee"}, 2)
		assert.Equal(t, 2, row.Line)
		assert.Equal(t, "2024-01-05", row.Cells["date"])
		assert.Equal(t, "Coffee", row.Cells["description"])
		assert.Equal(t, "", row.Cells["amount"])
	})

	t.Run("extra cells dropped and blank headers ignored", func(t *testing.T) {
		row := makeRawRow(headers, []string{"2024-01-05", "Coffee", "1.00", "ignored", "extra"}, 2)
		assert.Len(t, row.Cells, 3)
	})

	t.Run("first occurrence wins for repeated headers", func(t *testing.T) {
		row := makeRawRow([]string{"date", "date"}, []string{"2024-01-05", "2024-01-06"}, 2)
		assert.Equal(t, "2024-01-05", row.Cells["date"])
	})

	t.Run("cells are cleaned", func(t *testing.T) {
		row := makeRawRow([]string{"description"}, []string{` ="0123" `}, 2)
		assert.Equal(t, "0123", row.Cells["description"])
	})
}

func TestImportErrorCarriesRawCells(t *testing.T) {
	ledger := newFakeLedger()
	svc := newTestService(ledger)
	csv := "Date,Description,Amount\nnope,Mystery,1.00\n"

	res, err := svc.Import(context.Background(), "raw.csv", []byte(csv), DefaultOptions())
	require.NoError(t, err)
	require.Len(t, res.Errors, 1)

	assert.Equal(t, "nope", res.Errors[0].Raw["date"])
	assert.Equal(t, "Mystery", res.Errors[0].Raw["description"])
}
