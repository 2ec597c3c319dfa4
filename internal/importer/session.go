package importer

import (
	"context"
	"fmt"

	"github.com/ledgerline/ledgerline/internal/store"
)

// sessionTracker owns one import session's lifecycle. The session is created
// pending with its row count recorded, then transitions exactly once to
// completed or failed; the tracker refuses a second terminal transition even
// before the store's SQL guard would.
type sessionTracker struct {
	ledger Ledger
	sess   *store.ImportSession
}

func beginSession(ctx context.Context, ledger Ledger, filename string, totalRows int) (*sessionTracker, error) {
	sess, err := ledger.CreateSession(ctx, filename, totalRows)
	if err != nil {
		return nil, fmt.Errorf("open import session: %w", err)
	}
	return &sessionTracker{ledger: ledger, sess: sess}, nil
}

// complete finalizes the session with its counters. Counter invariant:
// imported + duplicates + errCount never exceeds the recorded row total.
func (t *sessionTracker) complete(ctx context.Context, imported, duplicates, errCount int) error {
	if t.sess.Status != store.SessionPending {
		return store.ErrSessionFinalized
	}

	sess, err := t.ledger.CompleteSession(ctx, t.sess.ID, imported, duplicates, errCount)
	if err != nil {
		return fmt.Errorf("complete import session: %w", err)
	}
	t.sess = sess
	return nil
}

// fail finalizes the session as failed, recording the fault message.
// Counters are left at whatever was durably committed before the fault.
func (t *sessionTracker) fail(ctx context.Context, msg string) error {
	if t.sess.Status != store.SessionPending {
		return store.ErrSessionFinalized
	}

	sess, err := t.ledger.FailSession(ctx, t.sess.ID, msg)
	if err != nil {
		return fmt.Errorf("fail import session: %w", err)
	}
	t.sess = sess
	return nil
}

// snapshot returns the tracker's current view of the session.
func (t *sessionTracker) snapshot() store.ImportSession {
	return *t.sess
}
