package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jackzampolin/docpipe/internal/blob"
	"github.com/jackzampolin/docpipe/internal/config"
	"github.com/jackzampolin/docpipe/internal/doc"
	"github.com/jackzampolin/docpipe/internal/intake"
	"github.com/jackzampolin/docpipe/internal/track"
)

// Stage is one processing step. Stages mutate the document in place and
// persist their artifacts to the blob store; the orchestrator owns status
// transitions and the tracking record.
type Stage interface {
	// Name identifies the stage in errors and metering.
	Name() string

	// Status is the document status while the stage runs.
	Status() doc.Status

	// Run executes the stage against the document.
	Run(ctx context.Context, d *doc.Document) error
}

// Pipeline drives documents from the intake queue through the stage sequence.
type Pipeline struct {
	cfg     *config.Config
	blobs   blob.Store
	tracker track.Store
	queue   *intake.Queue
	gate    *intake.Gate
	policy  *RetryPolicy
	stages  []Stage
	logger  *slog.Logger

	wg sync.WaitGroup
}

// New creates a pipeline over a fixed stage sequence. The sequence must be
// ordered by stage status rank.
func New(cfg *config.Config, blobs blob.Store, tracker track.Store, queue *intake.Queue, gate *intake.Gate, stages []Stage, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		cfg:     cfg,
		blobs:   blobs,
		tracker: tracker,
		queue:   queue,
		gate:    gate,
		policy:  NewRetryPolicy(cfg.Retry, logger),
		stages:  stages,
		logger:  logger.With("component", "pipeline"),
	}
}

// Run starts the worker pool and blocks until the context is cancelled and
// all workers have drained.
func (p *Pipeline) Run(ctx context.Context) {
	workers := p.cfg.Pipeline.Workers
	if workers <= 0 {
		workers = 1
	}

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	<-ctx.Done()
	p.queue.Close()
	p.wg.Wait()
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	logger := p.logger.With("worker", id)

	for {
		item, err := p.queue.Dequeue()
		if err != nil {
			if !errors.Is(err, intake.ErrQueueClosed) {
				logger.Error("dequeue failed", "error", err)
			}
			return
		}

		if err := p.gate.Acquire(ctx); err != nil {
			// Shutting down; leave the item for redelivery.
			p.queue.Nack(item.ID)
			return
		}

		execErr := p.Execute(ctx, item.DocumentID)
		p.gate.Release()

		if execErr != nil && errors.Is(execErr, context.Canceled) {
			// Interrupted mid-run; the next delivery starts a fresh attempt.
			p.queue.Nack(item.ID)
			continue
		}
		p.queue.Ack(item.ID)
	}
}

// Execute runs one attempt for a document. Terminal documents are skipped.
// The returned error reflects the attempt outcome; the tracking record is
// already updated when it is non-nil.
func (p *Pipeline) Execute(ctx context.Context, documentID string) error {
	d, version, err := p.tracker.Get(ctx, documentID)
	if err != nil {
		return fmt.Errorf("failed to load document %s: %w", documentID, err)
	}
	if d.Status.Terminal() {
		p.logger.Debug("skipping terminal document", "document_id", d.ID, "status", d.Status)
		return nil
	}

	// A fresh execution ID marks this attempt and resets the status
	// monotonicity baseline in the tracking store.
	d.ExecutionID = uuid.NewString()
	if d.Status != doc.StatusQueued {
		// Redelivered after a crash mid-attempt: restart from the top.
		d.Status = doc.StatusQueued
	}
	if err := d.Transition(doc.StatusRunning); err != nil {
		return err
	}
	if version, err = p.tracker.Save(ctx, d, version); err != nil {
		return fmt.Errorf("failed to start attempt for %s: %w", documentID, err)
	}

	logger := p.logger.With("document_id", d.ID, "execution_id", d.ExecutionID)
	logger.Info("attempt started", "input", d.Input.String())
	start := time.Now()

	for _, stage := range p.stages {
		if err := d.Transition(stage.Status()); err != nil {
			return p.fail(ctx, d, version, Classify(stage.Name(), err))
		}
		if version, err = p.tracker.Save(ctx, d, version); err != nil {
			return p.fail(ctx, d, version, Classify(stage.Name(), err))
		}

		runErr := p.policy.Do(ctx, stage.Name(), func() error {
			// Each attempt gets a fresh deadline; a stage that hangs past
			// it surfaces as a transient timeout and goes through the
			// normal retry discipline.
			runCtx, cancel := context.WithTimeout(ctx, p.stageTimeout())
			defer cancel()
			return stage.Run(runCtx, d)
		})
		if runErr != nil {
			se := Classify(stage.Name(), runErr)
			logger.Error("stage failed",
				"stage", stage.Name(),
				"kind", string(se.Kind),
				"error", se.Err)
			return p.fail(ctx, d, version, se)
		}

		// Hand the document off to the next stage through the transport
		// contract: oversized payloads spill to the blob store and are
		// rehydrated on the far side.
		payload, serErr := doc.Serialize(ctx, p.blobs, d, stage.Name(), p.cfg.Compression.ThresholdBytes)
		if serErr != nil {
			return p.fail(ctx, d, version, Classify(stage.Name(), serErr))
		}
		next, loadErr := doc.Load(ctx, p.blobs, payload)
		if loadErr != nil {
			return p.fail(ctx, d, version, Classify(stage.Name(), loadErr))
		}
		d = next

		logger.Debug("stage complete", "stage", stage.Name())
	}

	if err := d.Transition(doc.StatusCompleted); err != nil {
		return p.fail(ctx, d, version, Classify("complete", err))
	}
	if _, err := p.tracker.Save(ctx, d, version); err != nil {
		return fmt.Errorf("failed to complete %s: %w", d.ID, err)
	}

	logger.Info("attempt completed",
		"duration", time.Since(start).Round(time.Millisecond),
		"pages", d.NumPages,
		"sections", len(d.Sections))
	return nil
}

// stageTimeout bounds a single stage attempt.
func (p *Pipeline) stageTimeout() time.Duration {
	if t := p.cfg.Pipeline.StageTimeout; t > 0 {
		return t
	}
	return 10 * time.Minute
}

// fail records the stage error on the document and moves it to FAILED.
func (p *Pipeline) fail(ctx context.Context, d *doc.Document, version int64, se *StageError) error {
	d.AppendError(doc.ProcessingError{
		Stage:     se.Stage,
		Kind:      string(se.Kind),
		Message:   se.Err.Error(),
		SectionID: se.SectionID,
		PageID:    se.PageID,
		At:        time.Now().UTC(),
	})
	if err := d.Transition(doc.StatusFailed); err != nil {
		p.logger.Error("failed to mark document failed", "document_id", d.ID, "error", err)
	}
	// The failure record must land even when the attempt's context is
	// already cancelled.
	if _, err := p.tracker.Save(context.WithoutCancel(ctx), d, version); err != nil {
		p.logger.Error("failed to persist failure", "document_id", d.ID, "error", err)
	}
	return se
}
