// Package track persists document records to a key-value tracking store.
// The store keeps a small, indexable record per document; bulky artifacts are
// carried by URI only and live in the blob store.
package track

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackzampolin/docpipe/internal/doc"
)

// Sentinel errors for the track package.
var (
	// ErrNotFound is returned when no record exists for a document ID.
	ErrNotFound = errors.New("document not found")

	// ErrVersionConflict is returned when a guarded write loses the race.
	ErrVersionConflict = errors.New("tracking record version conflict")
)

// AnyVersion disables the monotonic version guard; the write is
// last-writer-wins.
const AnyVersion int64 = -1

// Store is a key-value tracking store keyed by document ID.
type Store interface {
	// Save persists the document. With expectedVersion == AnyVersion the
	// write is last-writer-wins; otherwise it fails with
	// ErrVersionConflict unless the stored version matches. Returns the
	// new version.
	Save(ctx context.Context, d *doc.Document, expectedVersion int64) (int64, error)

	// Get returns the document and its current version.
	Get(ctx context.Context, id string) (*doc.Document, int64, error)

	// ListByStatus returns up to limit documents in the given status,
	// most recently queued first. limit <= 0 means no limit.
	ListByStatus(ctx context.Context, status doc.Status, limit int) ([]*doc.Document, error)

	// List returns up to limit documents, most recently queued first.
	List(ctx context.Context, limit int) ([]*doc.Document, error)
}

// checkWrite enforces the document invariants and status monotonicity against
// the previously stored record. A new execution ID marks a fresh attempt and
// resets the monotonicity baseline.
func checkWrite(d *doc.Document, prev *doc.Document) error {
	if err := d.Validate(); err != nil {
		return err
	}
	if prev == nil || prev.ExecutionID != d.ExecutionID {
		return nil
	}
	if prev.Status == d.Status {
		return nil
	}
	if err := prev.Status.CanTransition(d.Status); err != nil {
		return fmt.Errorf("tracking write rejected: %w", err)
	}
	return nil
}
