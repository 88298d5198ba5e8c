package ingest

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"cloud.google.com/go/storage"

	"github.com/jackzampolin/docpipe/internal/doc"
)

// FSSource resolves input locations against the local filesystem. The
// location bucket is a base directory; the key is a relative path under it.
type FSSource struct{}

// NewFSSource creates a filesystem source.
func NewFSSource() *FSSource { return &FSSource{} }

// Fetch returns the file path directly; no copy is made.
func (s *FSSource) Fetch(_ context.Context, loc doc.Location) (string, func(), error) {
	path := filepath.Join(loc.Bucket, filepath.FromSlash(loc.Key))
	if _, err := os.Stat(path); err != nil {
		return "", nil, fmt.Errorf("input not found at %s: %w", path, err)
	}
	return path, func() {}, nil
}

// GCSSource downloads input objects from Google Cloud Storage.
type GCSSource struct {
	client *storage.Client
}

// NewGCSSource creates a GCS source over an existing client.
func NewGCSSource(client *storage.Client) *GCSSource {
	return &GCSSource{client: client}
}

// Fetch downloads the object to a temp file.
func (s *GCSSource) Fetch(ctx context.Context, loc doc.Location) (string, func(), error) {
	r, err := s.client.Bucket(loc.Bucket).Object(loc.Key).NewReader(ctx)
	if err != nil {
		return "", nil, fmt.Errorf("failed to open gs://%s/%s: %w", loc.Bucket, loc.Key, err)
	}
	defer r.Close()

	tmp, err := os.CreateTemp("", "docpipe-input-*"+filepath.Ext(loc.Key))
	if err != nil {
		return "", nil, fmt.Errorf("failed to create temp file: %w", err)
	}

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", nil, fmt.Errorf("failed to download gs://%s/%s: %w", loc.Bucket, loc.Key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", nil, err
	}

	path := tmp.Name()
	return path, func() { os.Remove(path) }, nil
}
