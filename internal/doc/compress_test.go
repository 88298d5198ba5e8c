package doc

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/jackzampolin/docpipe/internal/blob"
)

func TestSerializeThresholdBoundary(t *testing.T) {
	ctx := context.Background()
	blobs, err := blob.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	d := New("doc-1", Location{Bucket: "in", Key: "a.pdf"}, "out/a")
	d.AddPage(&Page{ID: "0001", ImageURI: "file:///pages/0001.png"})

	canon, err := d.CanonicalJSON()
	if err != nil {
		t.Fatal(err)
	}

	// A payload exactly at the threshold flows inline.
	inline, err := Serialize(ctx, blobs, d, "ocr", len(canon))
	if err != nil {
		t.Fatalf("Serialize at threshold: %v", err)
	}
	if !bytes.Equal(inline, canon) {
		t.Error("payload at threshold was not passed through inline")
	}

	// One byte over the threshold spills to the blob store.
	spilled, err := Serialize(ctx, blobs, d, "ocr", len(canon)-1)
	if err != nil {
		t.Fatalf("Serialize over threshold: %v", err)
	}
	var env Envelope
	if err := json.Unmarshal(spilled, &env); err != nil || !env.Compressed {
		t.Fatalf("payload over threshold is not an envelope: %s", spilled)
	}
	if env.DocumentID != d.ID || env.StorageURI == "" {
		t.Errorf("envelope = %+v", env)
	}

	// Both shapes rehydrate to the same document.
	for _, payload := range [][]byte{inline, spilled} {
		got, err := Load(ctx, blobs, payload)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		gotCanon, err := got.CanonicalJSON()
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(gotCanon, canon) {
			t.Error("rehydrated document differs from original")
		}
	}
}
