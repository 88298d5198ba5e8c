package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

const gsScheme = "gs://"

// GCSStore is a Google Cloud Storage backed blob store. All keys live under a
// single bucket, optionally below a prefix.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSConfig configures a GCS store.
type GCSConfig struct {
	Bucket string
	Prefix string // optional key prefix

	// Endpoint overrides the API endpoint (tests run against fake-gcs-server).
	Endpoint string
}

// NewGCSStore creates a GCS-backed store.
func NewGCSStore(ctx context.Context, cfg GCSConfig) (*GCSStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("gcs bucket is required")
	}

	var opts []option.ClientOption
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint), option.WithoutAuthentication())
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gcs client: %w", err)
	}

	return &GCSStore{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// Close releases the underlying client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}

// URI returns the URI a Put of key would produce, without writing.
func (s *GCSStore) URI(key string) string {
	return gsScheme + s.bucket + "/" + s.objectName(key)
}

// Put writes data under key.
func (s *GCSStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	obj := s.client.Bucket(s.bucket).Object(s.objectName(key))
	w := obj.NewWriter(ctx)
	w.ContentType = contentType

	if _, err := w.Write(data); err != nil {
		w.Close()
		return "", fmt.Errorf("failed to write gcs object %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to finalize gcs object %s: %w", key, err)
	}

	return s.URI(key), nil
}

// Get reads a blob by URI, retrying NotFound within the consistency window.
func (s *GCSStore) Get(ctx context.Context, uri string) ([]byte, error) {
	name, err := s.objectFromURI(uri)
	if err != nil {
		return nil, err
	}

	return getWithConsistencyRetry(ctx, func() ([]byte, error) {
		r, err := s.client.Bucket(s.bucket).Object(name).NewReader(ctx)
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, uri)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to open gcs object: %w", err)
		}
		defer r.Close()

		data, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("failed to read gcs object: %w", err)
		}
		return data, nil
	})
}

// Exists reports whether a blob exists.
func (s *GCSStore) Exists(ctx context.Context, uri string) (bool, error) {
	name, err := s.objectFromURI(uri)
	if err != nil {
		return false, err
	}
	_, err = s.client.Bucket(s.bucket).Object(name).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// List returns the URIs of objects under a URI prefix. GCS yields object
// names in lexical order.
func (s *GCSStore) List(ctx context.Context, uriPrefix string) ([]string, error) {
	name, err := s.objectFromURI(uriPrefix)
	if err != nil {
		return nil, err
	}

	var uris []string
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: name})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list gcs objects: %w", err)
		}
		uris = append(uris, gsScheme+s.bucket+"/"+attrs.Name)
	}
	return uris, nil
}

func (s *GCSStore) objectName(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

func (s *GCSStore) objectFromURI(uri string) (string, error) {
	if !strings.HasPrefix(uri, gsScheme) {
		return "", fmt.Errorf("%w: %s", ErrInvalidURI, uri)
	}
	rest := strings.TrimPrefix(uri, gsScheme)
	bucket, name, ok := strings.Cut(rest, "/")
	if !ok || bucket != s.bucket {
		return "", fmt.Errorf("%w: %s", ErrInvalidURI, uri)
	}
	return name, nil
}
