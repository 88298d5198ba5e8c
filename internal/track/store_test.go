package track

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackzampolin/docpipe/internal/doc"
)

// storeTest runs the Store contract against every implementation.
func storeTest(t *testing.T, name string, open func(t *testing.T) Store) {
	t.Run(name+"/save and get", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		d := doc.New("doc-1", doc.Location{Bucket: "b", Key: "k"}, "out")
		v, err := s.Save(ctx, d, AnyVersion)
		if err != nil {
			t.Fatalf("Save() = %v", err)
		}
		if v != 1 {
			t.Errorf("version = %d, want 1", v)
		}

		got, gotV, err := s.Get(ctx, "doc-1")
		if err != nil {
			t.Fatalf("Get() = %v", err)
		}
		if gotV != v {
			t.Errorf("Get version = %d, want %d", gotV, v)
		}
		if got.ID != "doc-1" || got.Status != doc.StatusQueued {
			t.Errorf("Get() = %+v", got)
		}
	})

	t.Run(name+"/not found", func(t *testing.T) {
		s := open(t)
		_, _, err := s.Get(context.Background(), "missing")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("Get(missing) = %v, want ErrNotFound", err)
		}
	})

	t.Run(name+"/version guard", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		d := doc.New("doc-1", doc.Location{Bucket: "b", Key: "k"}, "out")
		v1, err := s.Save(ctx, d, AnyVersion)
		if err != nil {
			t.Fatalf("Save() = %v", err)
		}

		if err := d.Transition(doc.StatusRunning); err != nil {
			t.Fatal(err)
		}
		v2, err := s.Save(ctx, d, v1)
		if err != nil {
			t.Fatalf("guarded Save() = %v", err)
		}
		if v2 != v1+1 {
			t.Errorf("version = %d, want %d", v2, v1+1)
		}

		// Stale guard loses.
		if _, err := s.Save(ctx, d, v1); !errors.Is(err, ErrVersionConflict) {
			t.Errorf("stale Save() = %v, want ErrVersionConflict", err)
		}

		// AnyVersion always wins.
		if _, err := s.Save(ctx, d, AnyVersion); err != nil {
			t.Errorf("AnyVersion Save() = %v", err)
		}
	})

	t.Run(name+"/rejects status regression", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		d := doc.New("doc-1", doc.Location{Bucket: "b", Key: "k"}, "out")
		d.ExecutionID = "exec-1"
		d.Status = doc.StatusExtracting
		if _, err := s.Save(ctx, d, AnyVersion); err != nil {
			t.Fatalf("Save() = %v", err)
		}

		d.Status = doc.StatusOCR
		if _, err := s.Save(ctx, d, AnyVersion); err == nil {
			t.Error("regressive Save() = nil, want error")
		}

		// A fresh attempt resets the baseline.
		d.ExecutionID = "exec-2"
		if _, err := s.Save(ctx, d, AnyVersion); err != nil {
			t.Errorf("fresh-attempt Save() = %v", err)
		}
	})

	t.Run(name+"/list", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		base := time.Now().UTC()
		for i, st := range []doc.Status{doc.StatusQueued, doc.StatusRunning, doc.StatusQueued} {
			d := doc.New("doc-"+string(rune('a'+i)), doc.Location{Bucket: "b", Key: "k"}, "out")
			d.Status = st
			d.QueuedAt = base.Add(time.Duration(i) * time.Second)
			if _, err := s.Save(ctx, d, AnyVersion); err != nil {
				t.Fatalf("Save() = %v", err)
			}
		}

		all, err := s.List(ctx, 0)
		if err != nil {
			t.Fatalf("List() = %v", err)
		}
		if len(all) != 3 {
			t.Fatalf("List() returned %d documents, want 3", len(all))
		}
		if all[0].ID != "doc-c" {
			t.Errorf("List()[0].ID = %s, want doc-c (newest first)", all[0].ID)
		}

		limited, err := s.List(ctx, 2)
		if err != nil {
			t.Fatalf("List(2) = %v", err)
		}
		if len(limited) != 2 {
			t.Errorf("List(2) returned %d documents", len(limited))
		}

		queued, err := s.ListByStatus(ctx, doc.StatusQueued, 0)
		if err != nil {
			t.Fatalf("ListByStatus() = %v", err)
		}
		if len(queued) != 2 {
			t.Errorf("ListByStatus(QUEUED) returned %d documents, want 2", len(queued))
		}
		for _, d := range queued {
			if d.Status != doc.StatusQueued {
				t.Errorf("ListByStatus returned %s in status %s", d.ID, d.Status)
			}
		}
	})
}

func TestMemoryStore(t *testing.T) {
	storeTest(t, "memory", func(t *testing.T) Store {
		return NewMemoryStore()
	})
}

func TestFileStore(t *testing.T) {
	storeTest(t, "file", func(t *testing.T) Store {
		s, err := NewFileStore(t.TempDir())
		if err != nil {
			t.Fatalf("NewFileStore() = %v", err)
		}
		return s
	})
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s1, err := NewFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	d := doc.New("doc-1", doc.Location{Bucket: "b", Key: "k"}, "out")
	v, err := s1.Save(ctx, d, AnyVersion)
	if err != nil {
		t.Fatalf("Save() = %v", err)
	}

	s2, err := NewFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	got, gotV, err := s2.Get(ctx, "doc-1")
	if err != nil {
		t.Fatalf("Get() after reopen = %v", err)
	}
	if gotV != v || got.ID != "doc-1" {
		t.Errorf("reopened Get() = %+v v%d", got, gotV)
	}
}
