package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jackzampolin/docpipe/internal/doc"
	"github.com/jackzampolin/docpipe/internal/track"
)

// ErrAlreadyRunning is returned when a submission's input location is already
// being processed by a non-terminal document.
var ErrAlreadyRunning = errors.New("input already being processed")

// Gate caps the number of documents executing concurrently. Submissions past
// the cap stay queued; workers block on Acquire.
type Gate struct {
	sem chan struct{}
}

// NewGate creates a gate allowing maxInFlight concurrent holders.
func NewGate(maxInFlight int) *Gate {
	if maxInFlight <= 0 {
		maxInFlight = 1
	}
	return &Gate{sem: make(chan struct{}, maxInFlight)}
}

// Acquire blocks until a slot is free or the context is cancelled.
func (g *Gate) Acquire(ctx context.Context) error {
	select {
	case g.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire takes a slot without blocking.
func (g *Gate) TryAcquire() bool {
	select {
	case g.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release frees a slot.
func (g *Gate) Release() { <-g.sem }

// InFlight returns the number of held slots.
func (g *Gate) InFlight() int { return len(g.sem) }

// Capacity returns the in-flight cap.
func (g *Gate) Capacity() int { return cap(g.sem) }

// Service accepts submissions, deduplicates by input location, and enqueues
// accepted documents.
type Service struct {
	store  track.Store
	queue  *Queue
	logger *slog.Logger

	// submitMu serializes the dedup-check-then-create window.
	submitMu sync.Mutex
}

// NewService creates an intake service.
func NewService(store track.Store, queue *Queue, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		queue:  queue,
		logger: logger.With("component", "intake"),
	}
}

// Submit registers an input object for processing. It rejects inputs that are
// already queued or running (ErrAlreadyRunning) and submissions past the
// queue watermark (ErrQueueFull). On success the document is persisted in
// QUEUED status and enqueued.
func (s *Service) Submit(ctx context.Context, input doc.Location, outputPrefix string) (*doc.Document, error) {
	s.submitMu.Lock()
	defer s.submitMu.Unlock()

	active, err := s.activeForInput(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("dedup check failed: %w", err)
	}
	if active != nil {
		return nil, fmt.Errorf("%w: document %s is %s", ErrAlreadyRunning, active.ID, active.Status)
	}

	d := doc.New(uuid.NewString(), input, outputPrefix)
	if _, err := s.store.Save(ctx, d, track.AnyVersion); err != nil {
		return nil, fmt.Errorf("failed to persist submission: %w", err)
	}

	if _, err := s.queue.Enqueue(d.ID); err != nil {
		// Roll the record forward to FAILED so the rejection is queryable.
		d.AppendError(doc.ProcessingError{
			Stage:   "intake",
			Kind:    "ADMISSION_REJECTED",
			Message: err.Error(),
			At:      time.Now().UTC(),
		})
		_ = d.Transition(doc.StatusFailed)
		if _, saveErr := s.store.Save(ctx, d, track.AnyVersion); saveErr != nil {
			s.logger.Error("failed to record admission rejection", "document_id", d.ID, "error", saveErr)
		}
		return nil, err
	}

	s.logger.Info("document queued",
		"document_id", d.ID,
		"input", input.String(),
		"queue_depth", s.queue.Depth())
	return d, nil
}

// activeForInput returns a non-terminal document with the same input
// location, if one exists.
func (s *Service) activeForInput(ctx context.Context, input doc.Location) (*doc.Document, error) {
	for _, status := range doc.ActiveStatuses() {
		docs, err := s.store.ListByStatus(ctx, status, 0)
		if err != nil {
			return nil, err
		}
		for _, d := range docs {
			if d.Input == input {
				return d, nil
			}
		}
	}
	return nil, nil
}

// DeadLetterStore writes exhausted queue items to one JSON file per document
// for operator inspection and manual resubmission.
type DeadLetterStore struct {
	dir    string
	logger *slog.Logger
}

// NewDeadLetterStore creates the store, ensuring its directory exists.
func NewDeadLetterStore(dir string, logger *slog.Logger) (*DeadLetterStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create dead letter dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DeadLetterStore{dir: dir, logger: logger}, nil
}

// Handle records a dead-lettered item. It satisfies DeadLetterFunc.
func (s *DeadLetterStore) Handle(item *Item) {
	record := struct {
		*Item
		DeadLetteredAt time.Time `json:"dead_lettered_at"`
	}{Item: item, DeadLetteredAt: time.Now().UTC()}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		s.logger.Error("failed to encode dead letter", "document_id", item.DocumentID, "error", err)
		return
	}

	path := filepath.Join(s.dir, item.DocumentID+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		s.logger.Error("failed to write dead letter", "document_id", item.DocumentID, "error", err)
		return
	}
	s.logger.Warn("document dead lettered",
		"document_id", item.DocumentID,
		"receive_count", item.ReceiveCount)
}

// List returns the document IDs currently in the dead letter store.
func (s *DeadLetterStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		ids = append(ids, e.Name()[:len(e.Name())-len(".json")])
	}
	return ids, nil
}
