package intake

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackzampolin/docpipe/internal/doc"
	"github.com/jackzampolin/docpipe/internal/track"
)

func newTestService(t *testing.T, watermark int) (*Service, *Queue, track.Store) {
	t.Helper()
	store := track.NewMemoryStore()
	q := NewQueue(watermark, time.Minute, 3, nil)
	t.Cleanup(q.Close)
	return NewService(store, q, nil), q, store
}

func TestSubmit(t *testing.T) {
	svc, q, store := newTestService(t, 10)
	ctx := context.Background()

	input := doc.Location{Bucket: "in", Key: "scan.pdf"}
	d, err := svc.Submit(ctx, input, "out/scan")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if d.Status != doc.StatusQueued {
		t.Errorf("status = %s, want QUEUED", d.Status)
	}
	if q.Depth() != 1 {
		t.Errorf("queue depth = %d, want 1", q.Depth())
	}

	stored, _, err := store.Get(ctx, d.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Input != input {
		t.Errorf("stored input = %v, want %v", stored.Input, input)
	}
}

func TestSubmitDedup(t *testing.T) {
	svc, _, _ := newTestService(t, 10)
	ctx := context.Background()

	input := doc.Location{Bucket: "in", Key: "scan.pdf"}
	if _, err := svc.Submit(ctx, input, "out/a"); err != nil {
		t.Fatalf("first Submit: %v", err)
	}

	_, err := svc.Submit(ctx, input, "out/b")
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("err = %v, want ErrAlreadyRunning", err)
	}

	// A different input is accepted.
	if _, err := svc.Submit(ctx, doc.Location{Bucket: "in", Key: "other.pdf"}, "out/c"); err != nil {
		t.Errorf("distinct input rejected: %v", err)
	}
}

func TestSubmitDedupClearsOnTerminal(t *testing.T) {
	svc, q, store := newTestService(t, 10)
	ctx := context.Background()

	input := doc.Location{Bucket: "in", Key: "scan.pdf"}
	d, err := svc.Submit(ctx, input, "out/a")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// Finish the first attempt.
	item, _ := q.Dequeue()
	q.Ack(item.ID)
	if err := d.Transition(doc.StatusFailed); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Save(ctx, d, track.AnyVersion); err != nil {
		t.Fatal(err)
	}

	// Same input may now be resubmitted.
	if _, err := svc.Submit(ctx, input, "out/b"); err != nil {
		t.Errorf("resubmission after terminal rejected: %v", err)
	}
}

func TestSubmitQueueFull(t *testing.T) {
	svc, _, store := newTestService(t, 1)
	ctx := context.Background()

	if _, err := svc.Submit(ctx, doc.Location{Bucket: "in", Key: "a.pdf"}, "out/a"); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	_, err := svc.Submit(ctx, doc.Location{Bucket: "in", Key: "b.pdf"}, "out/b")
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}

	// The rejected submission is recorded as FAILED with the rejection kind.
	failed, err := store.ListByStatus(ctx, doc.StatusFailed, 0)
	if err != nil {
		t.Fatalf("ListByStatus: %v", err)
	}
	if len(failed) != 1 {
		t.Fatalf("failed docs = %d, want 1", len(failed))
	}
	if len(failed[0].Errors) == 0 || failed[0].Errors[0].Kind != "ADMISSION_REJECTED" {
		t.Errorf("rejection not recorded: %+v", failed[0].Errors)
	}
}

func TestGate(t *testing.T) {
	g := NewGate(2)

	if !g.TryAcquire() || !g.TryAcquire() {
		t.Fatal("gate should allow 2 slots")
	}
	if g.TryAcquire() {
		t.Error("gate over capacity")
	}
	if g.InFlight() != 2 {
		t.Errorf("InFlight = %d, want 2", g.InFlight())
	}

	g.Release()
	if err := g.Acquire(context.Background()); err != nil {
		t.Errorf("Acquire: %v", err)
	}

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	if err := g.Acquire(cancelled); err == nil {
		t.Error("Acquire with cancelled context should fail")
	}
}

func TestGateContention(t *testing.T) {
	const limit = 4
	g := NewGate(limit)

	var wg sync.WaitGroup
	var over atomic.Bool
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if !g.TryAcquire() {
					continue
				}
				if g.InFlight() > limit {
					over.Store(true)
				}
				g.Release()
			}
		}()
	}
	wg.Wait()

	if over.Load() {
		t.Errorf("in-flight exceeded limit %d", limit)
	}
	if g.InFlight() != 0 {
		t.Errorf("InFlight = %d after all releases, want 0", g.InFlight())
	}
}

func TestDeadLetterStore(t *testing.T) {
	dls, err := NewDeadLetterStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewDeadLetterStore: %v", err)
	}

	dls.Handle(&Item{ID: "r-1", DocumentID: "doc-1", ReceiveCount: 3, EnqueuedAt: time.Now()})

	ids, err := dls.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(ids) != 1 || ids[0] != "doc-1" {
		t.Errorf("List = %v, want [doc-1]", ids)
	}
}
