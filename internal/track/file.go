package track

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/jackzampolin/docpipe/internal/doc"
)

// FileStore is a file-backed tracking store: one JSON file per document under
// a directory. Suitable for single-node deployments; the mutex serializes
// read-modify-write so the version guard holds within a process.
type FileStore struct {
	mu  sync.Mutex
	dir string
}

type fileRecord struct {
	Version  int64         `json:"version"`
	Document *doc.Document `json:"document"`
}

// NewFileStore creates a file-backed store rooted at dir.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create tracking directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Save persists the document with an optional version guard.
func (s *FileStore) Save(ctx context.Context, d *doc.Document, expectedVersion int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var prev *doc.Document
	version := int64(0)
	if rec, err := s.read(d.ID); err == nil {
		version = rec.Version
		prev = rec.Document
	}

	if expectedVersion != AnyVersion && version != expectedVersion {
		return 0, fmt.Errorf("%w: document %s at v%d, expected v%d", ErrVersionConflict, d.ID, version, expectedVersion)
	}
	if err := checkWrite(d, prev); err != nil {
		return 0, err
	}

	version++
	data, err := json.MarshalIndent(fileRecord{Version: version, Document: d}, "", "  ")
	if err != nil {
		return 0, fmt.Errorf("failed to marshal record %s: %w", d.ID, err)
	}

	tmp := s.path(d.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return 0, fmt.Errorf("failed to write record %s: %w", d.ID, err)
	}
	if err := os.Rename(tmp, s.path(d.ID)); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("failed to finalize record %s: %w", d.ID, err)
	}
	return version, nil
}

// Get returns the document and its version.
func (s *FileStore) Get(ctx context.Context, id string) (*doc.Document, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.read(id)
	if err != nil {
		return nil, 0, err
	}
	return rec.Document, rec.Version, nil
}

// ListByStatus returns documents in the given status, newest first.
func (s *FileStore) ListByStatus(ctx context.Context, status doc.Status, limit int) ([]*doc.Document, error) {
	return s.list(ctx, limit, func(d *doc.Document) bool { return d.Status == status })
}

// List returns documents, newest first.
func (s *FileStore) List(ctx context.Context, limit int) ([]*doc.Document, error) {
	return s.list(ctx, limit, func(*doc.Document) bool { return true })
}

func (s *FileStore) list(ctx context.Context, limit int, keep func(*doc.Document) bool) ([]*doc.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list tracking directory: %w", err)
	}

	var out []*doc.Document
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		rec, err := s.read(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			continue
		}
		if keep(rec.Document) {
			out = append(out, rec.Document)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].QueuedAt.After(out[j].QueuedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// read loads a record. Caller holds the lock.
func (s *FileStore) read(id string) (*fileRecord, error) {
	data, err := os.ReadFile(s.path(id))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read record %s: %w", id, err)
	}
	var rec fileRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record %s: %w", id, err)
	}
	return &rec, nil
}
