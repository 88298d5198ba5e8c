package blob_test

import (
	"context"
	"errors"
	"testing"

	"github.com/jackzampolin/docpipe/internal/blob"
	"github.com/jackzampolin/docpipe/internal/testutil"
)

// TestGCSStoreRoundTrip exercises the GCS backend against fake-gcs-server.
// Requires Docker; skipped otherwise.
func TestGCSStoreRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	const bucket = "docpipe-test"
	gcs := testutil.StartFakeGCS(t, bucket)

	ctx := context.Background()
	store, err := blob.NewGCSStore(ctx, blob.GCSConfig{
		Bucket:   bucket,
		Prefix:   "artifacts",
		Endpoint: gcs.Endpoint,
	})
	if err != nil {
		t.Fatalf("NewGCSStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	key := blob.PageTextKey("doc-1", "0001")
	uri, err := store.Put(ctx, key, []byte("# Page one\n"), blob.ContentTypeMarkdown)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if uri != "gs://"+bucket+"/artifacts/"+key {
		t.Errorf("uri = %s", uri)
	}

	data, err := store.Get(ctx, uri)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(data) != "# Page one\n" {
		t.Errorf("data = %q", data)
	}

	ok, err := store.Exists(ctx, uri)
	if err != nil || !ok {
		t.Errorf("Exists = %v, %v", ok, err)
	}

	missing := store.URI("doc-1/pages/0002/text.md")
	if _, err := store.Get(ctx, missing); !errors.Is(err, blob.ErrNotFound) {
		t.Errorf("Get missing = %v, want ErrNotFound", err)
	}
	ok, err = store.Exists(ctx, missing)
	if err != nil || ok {
		t.Errorf("Exists missing = %v, %v", ok, err)
	}

	// Overwrites are idempotent: same key, new content, same URI.
	uri2, err := store.Put(ctx, key, []byte("# Page one v2\n"), blob.ContentTypeMarkdown)
	if err != nil {
		t.Fatalf("Put overwrite: %v", err)
	}
	if uri2 != uri {
		t.Errorf("overwrite uri = %s, want %s", uri2, uri)
	}
	data, err = store.Get(ctx, uri)
	if err != nil || string(data) != "# Page one v2\n" {
		t.Errorf("overwrite read = %q, %v", data, err)
	}
}
