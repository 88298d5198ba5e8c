package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jackzampolin/docpipe/internal/doc"
	"github.com/jackzampolin/docpipe/internal/intake"
	"github.com/jackzampolin/docpipe/internal/providers"
	"github.com/jackzampolin/docpipe/internal/svcctx"
	"github.com/jackzampolin/docpipe/internal/track"
)

func testServer(t *testing.T) (*Server, *track.MemoryStore, *intake.Queue, *intake.Gate) {
	t.Helper()
	tracker := track.NewMemoryStore()
	queue := intake.NewQueue(16, time.Minute, 3, nil)
	t.Cleanup(queue.Close)
	gate := intake.NewGate(4)

	registry := providers.NewRegistry()
	registry.SetDefaultLLM(providers.NewMockLLM())
	registry.BindOCR(providers.StageOCR, providers.NewMockOCR())

	srv := New(Config{
		Services: &svcctx.Services{
			Tracker:  tracker,
			Queue:    queue,
			Gate:     gate,
			Registry: registry,
		},
	})
	return srv, tracker, queue, gate
}

func doGet(t *testing.T, srv *Server, path string, out any) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)
	if out != nil && rec.Code == http.StatusOK {
		if err := json.NewDecoder(rec.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return rec.Code
}

func TestHealthEndpoint(t *testing.T) {
	srv, _, _, _ := testServer(t)

	var health HealthResponse
	if code := doGet(t, srv, "/health", &health); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if health.Status != "ok" {
		t.Errorf("health.Status = %q, want ok", health.Status)
	}
}

func TestStatusEndpoint(t *testing.T) {
	srv, _, queue, gate := testServer(t)

	if _, err := queue.Enqueue("doc-1"); err != nil {
		t.Fatal(err)
	}
	if !gate.TryAcquire() {
		t.Fatal("gate acquire")
	}
	defer gate.Release()

	var status StatusResponse
	if code := doGet(t, srv, "/status", &status); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if status.Server != "running" {
		t.Errorf("server = %q", status.Server)
	}
	if len(status.Providers.LLM) == 0 || len(status.Providers.OCR) == 0 {
		t.Errorf("providers = %+v", status.Providers)
	}
	if status.Queue.Depth != 1 || status.Queue.InFlight != 1 || status.Queue.Capacity != 4 {
		t.Errorf("queue = %+v", status.Queue)
	}
}

func TestDocumentsEndpoints(t *testing.T) {
	srv, tracker, _, _ := testServer(t)

	d1 := doc.New("doc-1", doc.Location{Bucket: "in", Key: "a.pdf"}, "out/a")
	d2 := doc.New("doc-2", doc.Location{Bucket: "in", Key: "b.pdf"}, "out/b")
	if err := d2.Transition(doc.StatusRunning); err != nil {
		t.Fatal(err)
	}
	for _, d := range []*doc.Document{d1, d2} {
		if _, err := tracker.Save(context.Background(), d, 0); err != nil {
			t.Fatal(err)
		}
	}

	var list DocumentsListResponse
	if code := doGet(t, srv, "/documents", &list); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if len(list.Documents) != 2 {
		t.Fatalf("documents = %d, want 2", len(list.Documents))
	}

	list = DocumentsListResponse{}
	if code := doGet(t, srv, "/documents?status=RUNNING", &list); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if len(list.Documents) != 1 || list.Documents[0].ID != "doc-2" {
		t.Errorf("filtered documents = %+v", list.Documents)
	}

	if code := doGet(t, srv, "/documents?status=BOGUS", nil); code != http.StatusBadRequest {
		t.Errorf("bogus status code = %d, want 400", code)
	}

	var got doc.Document
	if code := doGet(t, srv, "/documents/doc-1", &got); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if got.ID != "doc-1" || got.Status != doc.StatusQueued {
		t.Errorf("document = %+v", got)
	}

	if code := doGet(t, srv, "/documents/nope", nil); code != http.StatusNotFound {
		t.Errorf("missing document code = %d, want 404", code)
	}
}

func TestQueueEndpoint(t *testing.T) {
	srv, _, queue, _ := testServer(t)

	for _, id := range []string{"a", "b", "c"} {
		if _, err := queue.Enqueue(id); err != nil {
			t.Fatal(err)
		}
	}

	var qs QueueStatus
	if code := doGet(t, srv, "/queue", &qs); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if qs.Depth != 3 {
		t.Errorf("depth = %d, want 3", qs.Depth)
	}
}

func TestStartAndShutdown(t *testing.T) {
	srv := New(Config{Port: 38791, Services: &svcctx.Services{Tracker: track.NewMemoryStore()}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for !srv.IsRunning() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !srv.IsRunning() {
		t.Fatal("server did not start")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
	if srv.IsRunning() {
		t.Error("server still marked running")
	}
}
