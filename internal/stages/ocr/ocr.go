// Package ocr renders input pages to images and extracts their text. It is
// the first real stage: a document arrives with nothing but an input
// location and leaves with a page map and per-page text artifacts.
package ocr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackzampolin/docpipe/internal/blob"
	"github.com/jackzampolin/docpipe/internal/doc"
	"github.com/jackzampolin/docpipe/internal/ingest"
	"github.com/jackzampolin/docpipe/internal/metering"
	"github.com/jackzampolin/docpipe/internal/pipeline"
	"github.com/jackzampolin/docpipe/internal/providers"
	"github.com/jackzampolin/docpipe/internal/track"
)

// Options configures the stage.
type Options struct {
	// ContinueOnPageError keeps going when a page fails OCR after retries;
	// the page is annotated and excluded from classification.
	ContinueOnPageError bool

	// DPI is the render resolution (default 300).
	DPI int
}

// renderFunc matches ingest.RenderPDF; swapped in tests.
type renderFunc func(ctx context.Context, pdfPath string, dpi int, fn func(pageNum int, png []byte) error) (int, error)

// Stage implements the OCR step.
type Stage struct {
	blobs    blob.Store
	source   ingest.Source
	registry *providers.Registry
	sink     *track.Sink
	opts     Options
	render   renderFunc
	logger   *slog.Logger
}

// New creates the stage. sink may be nil to disable analytics.
func New(blobs blob.Store, source ingest.Source, registry *providers.Registry, sink *track.Sink, opts Options, logger *slog.Logger) *Stage {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stage{
		blobs:    blobs,
		source:   source,
		registry: registry,
		sink:     sink,
		opts:     opts,
		render:   ingest.RenderPDF,
		logger:   logger.With("stage", "ocr"),
	}
}

func (s *Stage) Name() string       { return "ocr" }
func (s *Stage) Status() doc.Status { return doc.StatusOCR }

// pageTextConfidence is the compact confidence view stored per page.
type pageTextConfidence struct {
	PageID string            `json:"page_id"`
	Mean   float64           `json:"mean_confidence"`
	Blocks []providers.Block `json:"blocks,omitempty"`
	NumLow int               `json:"num_low_confidence"`
	LowBar float64           `json:"low_confidence_threshold"`
}

// Run renders the input, OCRs each page, and stores the artifacts.
func (s *Stage) Run(ctx context.Context, d *doc.Document) error {
	provider, err := s.registry.OCR(providers.StageOCR)
	if err != nil {
		return pipeline.NewStageError(s.Name(), pipeline.KindPermanentInput, err)
	}

	pdfPath, cleanup, err := s.source.Fetch(ctx, d.Input)
	if err != nil {
		return pipeline.NewStageError(s.Name(), pipeline.KindTransientIO, err)
	}
	defer cleanup()

	var mu sync.Mutex // guards d and pageFailures
	pageFailures := 0

	pageCount, err := s.render(ctx, pdfPath, s.opts.DPI, func(pageNum int, png []byte) error {
		return s.processPage(ctx, d, provider, pageNum, png, &mu, &pageFailures)
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		var se *pipeline.StageError
		if errors.As(err, &se) {
			return err
		}
		// A PDF that cannot be parsed or rendered is a bad input, not a
		// transient condition.
		return pipeline.NewStageError(s.Name(), pipeline.KindPermanentInput, err)
	}
	if pageCount == 0 {
		return pipeline.NewStageError(s.Name(), pipeline.KindPermanentInput,
			fmt.Errorf("input %s has zero pages", d.Input))
	}
	if pageFailures > 0 && !s.opts.ContinueOnPageError {
		return pipeline.NewStageError(s.Name(), pipeline.KindTransientProvider,
			fmt.Errorf("%d of %d pages failed OCR", pageFailures, pageCount))
	}

	s.logger.Info("ocr complete",
		"document_id", d.ID,
		"pages", pageCount,
		"failed_pages", pageFailures)
	return nil
}

// processPage stores the page image, runs OCR, and stores the text views.
func (s *Stage) processPage(ctx context.Context, d *doc.Document, provider providers.OCRProvider, pageNum int, png []byte, mu *sync.Mutex, pageFailures *int) error {
	pageID := ingest.PageID(pageNum)

	imageURI, err := s.blobs.Put(ctx, blob.PageImageKey(d.ID, pageID, "png"), png, blob.ContentTypePNG)
	if err != nil {
		return pipeline.NewStageError(s.Name(), pipeline.KindTransientIO, err)
	}

	result, err := provider.ProcessPage(ctx, png, pageNum)
	if err != nil {
		return err
	}

	s.meterPage(d, provider.Name(), pageID, result)

	// Every provider invocation counts, retried attempts included.
	mu.Lock()
	d.Metering.Add(s.Name(), "requests", 1)
	mu.Unlock()

	if !result.Success {
		if result.ErrorType.Transient() {
			return pipeline.NewStageError(s.Name(), pipeline.KindTransientProvider,
				fmt.Errorf("page %s: %s", pageID, result.ErrorMessage))
		}
		// Permanent page failure: annotate and move on when policy allows.
		mu.Lock()
		*pageFailures++
		d.AddPage(&doc.Page{
			ID:       pageID,
			ImageURI: imageURI,
			Error:    result.ErrorMessage,
		})
		d.Metering.Add(s.Name(), "pages_failed", 1)
		mu.Unlock()
		if !s.opts.ContinueOnPageError {
			return pipeline.NewStageError(s.Name(), pipeline.KindPermanentInput,
				fmt.Errorf("page %s failed OCR: %s", pageID, result.ErrorMessage))
		}
		return nil
	}

	rawURI, err := blob.PutJSON(ctx, s.blobs, blob.PageRawTextKey(d.ID, pageID), result)
	if err != nil {
		return pipeline.NewStageError(s.Name(), pipeline.KindTransientIO, err)
	}
	textURI, err := s.blobs.Put(ctx, blob.PageTextKey(d.ID, pageID), []byte(result.Text), blob.ContentTypeMarkdown)
	if err != nil {
		return pipeline.NewStageError(s.Name(), pipeline.KindTransientIO, err)
	}
	confURI, err := blob.PutJSON(ctx, s.blobs, blob.PageTextConfidenceKey(d.ID, pageID), confidenceView(pageID, result))
	if err != nil {
		return pipeline.NewStageError(s.Name(), pipeline.KindTransientIO, err)
	}

	mu.Lock()
	d.AddPage(&doc.Page{
		ID:                pageID,
		ImageURI:          imageURI,
		RawOCRURI:         rawURI,
		ParsedTextURI:     textURI,
		TextConfidenceURI: confURI,
		Confidence:        meanConfidence(result.Blocks),
	})
	d.Metering.Add(s.Name(), "pages", 1)
	mu.Unlock()
	return nil
}

// meterPage emits the analytics record for one page OCR call, success or
// not. The sink is safe for concurrent use.
func (s *Stage) meterPage(d *doc.Document, providerName, pageID string, result *providers.OCRResult) {
	errKind := ""
	if !result.Success {
		errKind = string(result.ErrorType)
	}
	metering.Emit(s.sink, &metering.Record{
		DocumentID:  d.ID,
		ExecutionID: d.ExecutionID,
		Stage:       s.Name(),
		ItemKey:     "page_" + pageID,
		Provider:    providerName,
		Requests:    1,
		Pages:       1,
		Success:     result.Success,
		ErrorKind:   errKind,
	})
}

const lowConfidenceBar = 0.6

// confidenceView builds the compact stored confidence artifact.
func confidenceView(pageID string, result *providers.OCRResult) *pageTextConfidence {
	view := &pageTextConfidence{
		PageID: pageID,
		Mean:   meanConfidence(result.Blocks),
		Blocks: result.Blocks,
		LowBar: lowConfidenceBar,
	}
	for _, b := range result.Blocks {
		if b.Confidence < lowConfidenceBar {
			view.NumLow++
		}
	}
	return view
}

func meanConfidence(blocks []providers.Block) float64 {
	if len(blocks) == 0 {
		return 1.0
	}
	var sum float64
	for _, b := range blocks {
		sum += b.Confidence
	}
	return sum / float64(len(blocks))
}
