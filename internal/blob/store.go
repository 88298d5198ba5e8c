// Package blob provides the artifact store gateway. Artifacts are written once
// under deterministic keys and never mutated after write.
package blob

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
)

// Sentinel errors for the blob package.
var (
	// ErrNotFound is returned when a blob does not exist.
	ErrNotFound = errors.New("blob not found")

	// ErrInvalidURI is returned for URIs the store cannot parse.
	ErrInvalidURI = errors.New("invalid blob uri")
)

// Content types used for pipeline artifacts.
const (
	ContentTypeJSON     = "application/json"
	ContentTypeMarkdown = "text/markdown"
	ContentTypePNG      = "image/png"
	ContentTypeJPEG     = "image/jpeg"
)

// notFoundWindow bounds how long readers retry a missing blob before
// surfacing ErrNotFound. Writes are at-least-once and the backing store may
// be eventually consistent.
const notFoundWindow = 3 * time.Second

// Store is the blob gateway. Put returns the URI of the written blob; Get
// accepts only URIs produced by the same store family.
type Store interface {
	// Put writes data under key and returns the blob URI.
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)

	// Get reads a blob by URI. Returns ErrNotFound if absent after the
	// consistency window.
	Get(ctx context.Context, uri string) ([]byte, error)

	// Exists reports whether a blob exists, without retrying.
	Exists(ctx context.Context, uri string) (bool, error)

	// List returns the URIs of blobs under a URI prefix, in lexical
	// order. A prefix naming a single blob lists just that blob.
	List(ctx context.Context, uriPrefix string) ([]string, error)
}

// PutJSON marshals v and writes it under key.
func PutJSON(ctx context.Context, s Store, key string, v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal blob %s: %w", key, err)
	}
	return s.Put(ctx, key, data, ContentTypeJSON)
}

// GetJSON reads a blob by URI and unmarshals it into v.
func GetJSON(ctx context.Context, s Store, uri string, v any) error {
	data, err := s.Get(ctx, uri)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal blob %s: %w", uri, err)
	}
	return nil
}

// getWithConsistencyRetry retries fetch while it returns ErrNotFound, for up
// to the consistency window. Other errors abort immediately.
func getWithConsistencyRetry(ctx context.Context, fetch func() ([]byte, error)) ([]byte, error) {
	var data []byte
	err := retry.Do(
		func() error {
			var err error
			data, err = fetch()
			return err
		},
		retry.Context(ctx),
		retry.RetryIf(func(err error) bool { return errors.Is(err, ErrNotFound) }),
		retry.Attempts(6),
		retry.Delay(notFoundWindow/6),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	return data, err
}
