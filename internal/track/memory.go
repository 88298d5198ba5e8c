package track

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/jackzampolin/docpipe/internal/doc"
)

// MemoryStore is an in-memory tracking store. It is the default for tests and
// single-process runs.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*memoryRecord
}

type memoryRecord struct {
	data    []byte
	version int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*memoryRecord)}
}

// Save persists the document with an optional version guard.
func (s *MemoryStore) Save(ctx context.Context, d *doc.Document, expectedVersion int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var prev *doc.Document
	rec := s.records[d.ID]
	if rec != nil {
		if expectedVersion != AnyVersion && rec.version != expectedVersion {
			return 0, fmt.Errorf("%w: document %s at v%d, expected v%d", ErrVersionConflict, d.ID, rec.version, expectedVersion)
		}
		var p doc.Document
		if err := json.Unmarshal(rec.data, &p); err == nil {
			prev = &p
		}
	} else if expectedVersion != AnyVersion && expectedVersion != 0 {
		return 0, fmt.Errorf("%w: document %s not yet stored", ErrVersionConflict, d.ID)
	}

	if err := checkWrite(d, prev); err != nil {
		return 0, err
	}

	data, err := json.Marshal(d)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal document %s: %w", d.ID, err)
	}

	version := int64(1)
	if rec != nil {
		version = rec.version + 1
	}
	s.records[d.ID] = &memoryRecord{data: data, version: version}
	return version, nil
}

// Get returns the document and its version.
func (s *MemoryStore) Get(ctx context.Context, id string) (*doc.Document, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	s.mu.RLock()
	rec, ok := s.records[id]
	s.mu.RUnlock()
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	var d doc.Document
	if err := json.Unmarshal(rec.data, &d); err != nil {
		return nil, 0, fmt.Errorf("failed to unmarshal document %s: %w", id, err)
	}
	return &d, rec.version, nil
}

// ListByStatus returns documents in the given status, newest first.
func (s *MemoryStore) ListByStatus(ctx context.Context, status doc.Status, limit int) ([]*doc.Document, error) {
	return s.list(ctx, limit, func(d *doc.Document) bool { return d.Status == status })
}

// List returns documents, newest first.
func (s *MemoryStore) List(ctx context.Context, limit int) ([]*doc.Document, error) {
	return s.list(ctx, limit, func(*doc.Document) bool { return true })
}

func (s *MemoryStore) list(ctx context.Context, limit int, keep func(*doc.Document) bool) ([]*doc.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*doc.Document
	for id, rec := range s.records {
		var d doc.Document
		if err := json.Unmarshal(rec.data, &d); err != nil {
			return nil, fmt.Errorf("failed to unmarshal document %s: %w", id, err)
		}
		if keep(&d) {
			out = append(out, &d)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].QueuedAt.After(out[j].QueuedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
