package track

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Appender receives batches of analytics records for a collection.
type Appender interface {
	Append(ctx context.Context, collection string, records []map[string]any) error
}

// JSONLAppender appends records as JSON lines, one file per collection.
type JSONLAppender struct {
	mu  sync.Mutex
	dir string
}

// NewJSONLAppender creates an appender rooted at dir.
func NewJSONLAppender(dir string) (*JSONLAppender, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create analytics directory: %w", err)
	}
	return &JSONLAppender{dir: dir}, nil
}

// Append writes records to the collection's JSONL file.
func (a *JSONLAppender) Append(ctx context.Context, collection string, records []map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	f, err := os.OpenFile(filepath.Join(a.dir, collection+".jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open analytics file: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("failed to append analytics record: %w", err)
		}
	}
	return nil
}

// WriteOp is a single record destined for an analytics collection.
type WriteOp struct {
	Collection string
	Record     map[string]any
}

// SinkConfig configures the analytics write sink.
type SinkConfig struct {
	Appender      Appender
	BatchSize     int           // Flush after N ops (default: 100)
	FlushInterval time.Duration // Or after duration (default: 5s)
	QueueSize     int           // Buffer size (default: 1000)
	Logger        *slog.Logger
}

// Sink batches fire-and-forget analytics writes so stage completion never
// blocks on the analytics backend.
type Sink struct {
	appender Appender
	logger   *slog.Logger

	batchSize     int
	flushInterval time.Duration

	queue   chan WriteOp
	batch   []WriteOp
	batchMu sync.Mutex
	flushCh chan struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewSink creates a new analytics sink.
func NewSink(cfg SinkConfig) *Sink {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Sink{
		appender:      cfg.Appender,
		logger:        cfg.Logger,
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		queue:         make(chan WriteOp, cfg.QueueSize),
		batch:         make([]WriteOp, 0, cfg.BatchSize),
		flushCh:       make(chan struct{}, 1),
	}
}

// Start begins processing write operations.
func (s *Sink) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.runBatcher()
}

// Stop gracefully shuts down the sink, flushing remaining operations.
func (s *Sink) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info("stopping analytics sink, flushing remaining records")
		close(s.queue)
		s.wg.Wait()
		s.cancel()
	})
}

// Send queues a record (fire-and-forget). Drops with a warning when the sink
// is closed or saturated.
func (s *Sink) Send(op WriteOp) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("analytics sink closed, dropping record", "collection", op.Collection)
		}
	}()

	select {
	case s.queue <- op:
	default:
		select {
		case s.queue <- op:
		case <-s.ctx.Done():
			s.logger.Warn("analytics sink closed, dropping record", "collection", op.Collection)
		}
	}
}

// Flush forces an immediate flush of the current batch.
func (s *Sink) Flush() {
	select {
	case s.flushCh <- struct{}{}:
	default:
		// Flush already pending
	}
}

func (s *Sink) runBatcher() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case op, ok := <-s.queue:
			if !ok {
				s.flushBatch()
				return
			}
			s.addToBatch(op)

		case <-ticker.C:
			s.flushBatch()

		case <-s.flushCh:
			s.flushBatch()
		}
	}
}

func (s *Sink) addToBatch(op WriteOp) {
	s.batchMu.Lock()
	s.batch = append(s.batch, op)
	shouldFlush := len(s.batch) >= s.batchSize
	s.batchMu.Unlock()

	if shouldFlush {
		s.flushBatch()
	}
}

func (s *Sink) flushBatch() {
	s.batchMu.Lock()
	if len(s.batch) == 0 {
		s.batchMu.Unlock()
		return
	}
	ops := s.batch
	s.batch = make([]WriteOp, 0, s.batchSize)
	s.batchMu.Unlock()

	grouped := make(map[string][]map[string]any)
	for _, op := range ops {
		grouped[op.Collection] = append(grouped[op.Collection], op.Record)
	}

	for collection, records := range grouped {
		if err := s.appender.Append(context.Background(), collection, records); err != nil {
			s.logger.Error("analytics append failed", "collection", collection, "count", len(records), "error", err)
		}
	}
}
