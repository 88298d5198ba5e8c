package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/jackzampolin/docpipe/internal/doc"
)

func TestPageID(t *testing.T) {
	tests := []struct {
		num  int
		want string
	}{
		{1, "0001"},
		{42, "0042"},
		{999, "0999"},
		{12345, "12345"},
	}
	for _, tt := range tests {
		if got := PageID(tt.num); got != tt.want {
			t.Errorf("PageID(%d) = %q, want %q", tt.num, got, tt.want)
		}
	}
}

func TestFSSourceFetch(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "inbox"), 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "inbox", "scan.pdf")
	if err := os.WriteFile(path, []byte("%PDF-1.4"), 0o644); err != nil {
		t.Fatal(err)
	}

	src := NewFSSource()
	got, cleanup, err := src.Fetch(context.Background(), doc.Location{Bucket: dir, Key: "inbox/scan.pdf"})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	defer cleanup()
	if got != path {
		t.Errorf("path = %q, want %q", got, path)
	}
}

func TestFSSourceFetchMissing(t *testing.T) {
	src := NewFSSource()
	_, _, err := src.Fetch(context.Background(), doc.Location{Bucket: t.TempDir(), Key: "nope.pdf"})
	if err == nil {
		t.Fatal("expected error for missing input")
	}
}

func TestPageCountInvalidPDF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.pdf")
	if err := os.WriteFile(path, []byte("not a pdf"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := PageCount(path); err == nil {
		t.Error("expected error for invalid PDF")
	}
	if _, err := PageCount(filepath.Join(t.TempDir(), "missing.pdf")); err == nil {
		t.Error("expected error for missing PDF")
	}
}
