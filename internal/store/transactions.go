package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
)

// Transaction is a persisted ledger transaction. The triple
// (Date, Amount, Description) is the natural key and is unique across the
// table; ID is the store-assigned surrogate key.
type Transaction struct {
	ID          uuid.UUID       `json:"id"`
	Date        time.Time       `json:"date"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
	Category    *string         `json:"category,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// NaturalKey identifies a transaction by its semantic uniqueness tuple.
type NaturalKey struct {
	Date        time.Time
	Amount      decimal.Decimal
	Description string
}

// InsertTransactionParams are the caller-supplied fields of a new transaction.
// ID and CreatedAt are assigned by the store.
type InsertTransactionParams struct {
	Date        time.Time
	Amount      decimal.Decimal
	Description string
	Category    *string
}

// Amounts travel to and from PostgreSQL as text to avoid lossy float
// round-trips through the numeric codec.
const insertTransactionSQL = `
	INSERT INTO transactions (tx_date, amount, description, category)
	VALUES ($1, $2::numeric, $3, $4)
	RETURNING id, tx_date, amount::text, description, category, created_at`

const selectByNaturalKeySQL = `
	SELECT id, tx_date, amount::text, description, category, created_at
	FROM transactions
	WHERE tx_date = $1 AND amount = $2::numeric AND description = $3`

func scanTransaction(row pgx.Row) (*Transaction, error) {
	var (
		t        Transaction
		id       pgtype.UUID
		amount   string
		category pgtype.Text
	)
	if err := row.Scan(&id, &t.Date, &amount, &t.Description, &category, &t.CreatedAt); err != nil {
		return nil, err
	}

	t.ID = fromPgUUID(id)
	t.Category = fromPgText(category)

	dec, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("decode amount %q: %w", amount, err)
	}
	t.Amount = dec

	return &t, nil
}

// FindTransactionByNaturalKey returns the persisted transaction matching key,
// or ErrNotFound.
func (s *Store) FindTransactionByNaturalKey(ctx context.Context, key NaturalKey) (*Transaction, error) {
	return findByNaturalKey(ctx, s.pool, key)
}

func findByNaturalKey(ctx context.Context, db DBTX, key NaturalKey) (*Transaction, error) {
	row := db.QueryRow(ctx, selectByNaturalKeySQL, key.Date, key.Amount.String(), key.Description)
	t, err := scanTransaction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find transaction: %w", err)
	}
	return t, nil
}

// ListTransactions returns recent transactions ordered by date then creation
// time, newest first.
func (s *Store) ListTransactions(ctx context.Context, limit, offset int) ([]Transaction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tx_date, amount::text, description, category, created_at
		FROM transactions
		ORDER BY tx_date DESC, created_at DESC
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	result := make([]Transaction, 0, limit)
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		result = append(result, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	return result, nil
}

// DeleteTransaction removes a transaction by surrogate id and returns the
// number of rows deleted. Deleting an absent id returns 0, nil: repeated
// deletes are not an error state change.
func (s *Store) DeleteTransaction(ctx context.Context, id uuid.UUID) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM transactions WHERE id = $1`, toPgUUID(id))
	if err != nil {
		return 0, fmt.Errorf("delete transaction: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Batch is one open import transaction. All inserts made through a Batch
// become durable together on Commit or not at all.
type Batch struct {
	tx pgx.Tx
	n  int
}

// BeginImport opens the single store transaction that backs one import call.
func (s *Store) BeginImport(ctx context.Context) (*Batch, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin import transaction: %w", err)
	}
	return &Batch{tx: tx}, nil
}

// Insert attempts to persist one transaction inside the batch.
//
// Each insert runs under its own savepoint so that a natural-key collision
// can be rolled back to the savepoint and classified as ErrDuplicateKey
// without poisoning the surrounding transaction. Any other failure leaves the
// transaction aborted and is returned as-is; the caller must Rollback.
func (b *Batch) Insert(ctx context.Context, p InsertTransactionParams) (*Transaction, error) {
	b.n++
	sp := fmt.Sprintf("row_%d", b.n)

	if _, err := b.tx.Exec(ctx, "SAVEPOINT "+sp); err != nil {
		return nil, fmt.Errorf("create savepoint: %w", err)
	}

	row := b.tx.QueryRow(ctx, insertTransactionSQL,
		p.Date, p.Amount.String(), p.Description, toPgText(p.Category))
	t, err := scanTransaction(row)
	if err != nil {
		if IsUniqueViolation(err) {
			if _, rbErr := b.tx.Exec(ctx, "ROLLBACK TO SAVEPOINT "+sp); rbErr != nil {
				return nil, fmt.Errorf("rollback savepoint: %w", rbErr)
			}
			return nil, ErrDuplicateKey
		}
		return nil, fmt.Errorf("insert transaction: %w", err)
	}

	if _, err := b.tx.Exec(ctx, "RELEASE SAVEPOINT "+sp); err != nil {
		return nil, fmt.Errorf("release savepoint: %w", err)
	}

	return t, nil
}

// FindByNaturalKey looks up a transaction within the batch's transaction,
// so rows inserted earlier in the same batch are visible.
func (b *Batch) FindByNaturalKey(ctx context.Context, key NaturalKey) (*Transaction, error) {
	return findByNaturalKey(ctx, b.tx, key)
}

// Commit makes the batch durable.
func (b *Batch) Commit(ctx context.Context) error {
	if err := b.tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit import transaction: %w", err)
	}
	return nil
}

// Rollback discards every insert in the batch. Safe to call after Commit.
func (b *Batch) Rollback(ctx context.Context) error {
	err := b.tx.Rollback(ctx)
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("rollback import transaction: %w", err)
	}
	return nil
}
