package importer

import (
	"context"
	"errors"
	"fmt"

	"github.com/ledgerline/ledgerline/internal/store"
)

// candidate is one parsed row awaiting commit, with its source line retained
// for duplicate attribution.
type candidate struct {
	row int
	tx  NormalizedTransaction
}

// commitOutcome is what the committer hands back to the orchestrator.
type commitOutcome struct {
	imported   []store.Transaction
	duplicates []DuplicateInfo
}

// commitCandidates persists the candidate list inside one store transaction.
//
// Each insert is attempted optimistically; a natural-key collision is
// reclassified as a DuplicateInfo entry without aborting the transaction
// (the store rolls the single insert back to its savepoint). Any other
// failure rolls back every insert of the call: parse errors are row-scoped,
// but commit faults are call-scoped by design.
func (s *Service) commitCandidates(ctx context.Context, candidates []candidate) (*commitOutcome, error) {
	out := &commitOutcome{
		imported:   make([]store.Transaction, 0, len(candidates)),
		duplicates: make([]DuplicateInfo, 0),
	}

	if len(candidates) == 0 {
		return out, nil
	}

	batch, err := s.ledger.BeginImport(ctx)
	if err != nil {
		return nil, err
	}
	defer batch.Rollback(ctx)

	for _, c := range candidates {
		inserted, err := batch.Insert(ctx, store.InsertTransactionParams{
			Date:        c.tx.Date,
			Amount:      c.tx.Amount,
			Description: c.tx.Description,
			Category:    c.tx.Category,
		})
		if err == nil {
			out.imported = append(out.imported, *inserted)
			continue
		}

		if !errors.Is(err, store.ErrDuplicateKey) {
			return nil, err
		}

		dup, err := s.describeDuplicate(ctx, batch, c)
		if err != nil {
			return nil, err
		}
		out.duplicates = append(out.duplicates, *dup)
	}

	if err := batch.Commit(ctx); err != nil {
		return nil, err
	}

	return out, nil
}

// describeDuplicate resolves the conflicting persisted transaction's id for
// a candidate whose insert hit the unique index. The lookup runs inside the
// batch transaction so rows inserted earlier in this call are visible; a
// collision with a concurrent import is visible too, because the insert only
// reports the violation after the competing transaction commits.
func (s *Service) describeDuplicate(ctx context.Context, batch Batch, c candidate) (*DuplicateInfo, error) {
	existing, err := batch.FindByNaturalKey(ctx, c.tx.NaturalKey())
	if err != nil {
		return nil, fmt.Errorf("resolve duplicate for row %d: %w", c.row, err)
	}

	return &DuplicateInfo{
		Row:         c.row,
		Date:        c.tx.Date,
		Amount:      c.tx.Amount,
		Description: c.tx.Description,
		ExistingID:  existing.ID,
	}, nil
}

// naturalKeyString renders a natural key as a comparable map key.
func naturalKeyString(k store.NaturalKey) string {
	return k.Date.Format("2006-01-02") + "|" + k.Amount.String() + "|" + k.Description
}

// dryRunCandidates performs the validate-only pass: candidates are
// duplicate-checked via natural-key lookups against persisted data and
// against earlier rows of the same file, but nothing is inserted and the
// imported count stays zero. The outcome mirrors what a real commit of the
// same candidates would report.
func (s *Service) dryRunCandidates(ctx context.Context, candidates []candidate) (*commitOutcome, error) {
	out := &commitOutcome{
		imported:   make([]store.Transaction, 0),
		duplicates: make([]DuplicateInfo, 0),
	}

	seen := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		key := c.tx.NaturalKey()

		existing, err := s.ledger.FindTransactionByNaturalKey(ctx, key)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("duplicate check for row %d: %w", c.row, err)
		}

		if err == nil {
			out.duplicates = append(out.duplicates, DuplicateInfo{
				Row:         c.row,
				Date:        c.tx.Date,
				Amount:      c.tx.Amount,
				Description: c.tx.Description,
				ExistingID:  existing.ID,
			})
			continue
		}

		if seen[naturalKeyString(key)] {
			// A real commit would insert the first occurrence and classify
			// this repeat as a duplicate. Nothing is persisted in a dry run,
			// so there is no existing id to report.
			out.duplicates = append(out.duplicates, DuplicateInfo{
				Row:         c.row,
				Date:        c.tx.Date,
				Amount:      c.tx.Amount,
				Description: c.tx.Description,
			})
			continue
		}
		seen[naturalKeyString(key)] = true
	}

	return out, nil
}
