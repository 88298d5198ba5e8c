package blob

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const fileScheme = "file://"

// FSStore is a filesystem-backed blob store rooted at a single directory.
// It is the default backend for local runs and tests.
type FSStore struct {
	root string
}

// NewFSStore creates a filesystem store rooted at root.
func NewFSStore(root string) (*FSStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve blob root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob root: %w", err)
	}
	return &FSStore{root: abs}, nil
}

// Root returns the store's root directory.
func (s *FSStore) Root() string {
	return s.root
}

// URI returns the URI a Put of key would produce, without writing.
func (s *FSStore) URI(key string) string {
	return fileScheme + filepath.Join(s.root, filepath.FromSlash(key))
}

// Put writes data under key. The write goes through a temp file and rename so
// concurrent re-runs observe either the old or the new blob, never a partial.
func (s *FSStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	path := filepath.Join(s.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create blob directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".blob-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp blob: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to close blob: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to finalize blob: %w", err)
	}

	return fileScheme + path, nil
}

// Get reads a blob by URI.
func (s *FSStore) Get(ctx context.Context, uri string) ([]byte, error) {
	path, err := s.pathFromURI(uri)
	if err != nil {
		return nil, err
	}

	return getWithConsistencyRetry(ctx, func() ([]byte, error) {
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, uri)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read blob: %w", err)
		}
		return data, nil
	})
}

// Exists reports whether a blob exists.
func (s *FSStore) Exists(ctx context.Context, uri string) (bool, error) {
	path, err := s.pathFromURI(uri)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// List returns blob URIs under a URI prefix: the file itself, every file
// below a directory, or the parent directory's entries whose names start
// with the prefix's base name.
func (s *FSStore) List(ctx context.Context, uriPrefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.pathFromURI(uriPrefix)
	if err != nil {
		return nil, err
	}

	info, statErr := os.Stat(path)
	if statErr == nil && !info.IsDir() {
		return []string{fileScheme + path}, nil
	}

	var uris []string
	if statErr == nil {
		walkErr := filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() {
				uris = append(uris, fileScheme+p)
			}
			return nil
		})
		if walkErr != nil {
			return nil, fmt.Errorf("failed to list blobs: %w", walkErr)
		}
		sort.Strings(uris)
		return uris, nil
	}

	// Bare name prefix: match entries of the parent directory.
	dir, base := filepath.Split(path)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list blobs: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), base) {
			continue
		}
		uris = append(uris, fileScheme+filepath.Join(dir, entry.Name()))
	}
	sort.Strings(uris)
	return uris, nil
}

func (s *FSStore) pathFromURI(uri string) (string, error) {
	if !strings.HasPrefix(uri, fileScheme) {
		return "", fmt.Errorf("%w: %s", ErrInvalidURI, uri)
	}
	return strings.TrimPrefix(uri, fileScheme), nil
}
