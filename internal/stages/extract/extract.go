// Package extract pulls structured attributes out of each section. Sections
// fan out under a per-document concurrency bound; each extraction is
// validated against the class's attribute schema before it is accepted, and
// classes without a schema, unknown included, yield an empty record.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jackzampolin/docpipe/internal/blob"
	"github.com/jackzampolin/docpipe/internal/classes"
	"github.com/jackzampolin/docpipe/internal/doc"
	"github.com/jackzampolin/docpipe/internal/metering"
	"github.com/jackzampolin/docpipe/internal/pipeline"
	"github.com/jackzampolin/docpipe/internal/providers"
	"github.com/jackzampolin/docpipe/internal/track"
)

// Options configures the stage.
type Options struct {
	// Concurrency bounds parallel section extractions within one document.
	Concurrency int

	// ContinueOnSectionError extracts remaining sections after one fails
	// permanently. The stage still reports failure at the end.
	ContinueOnSectionError bool
}

// Stage implements the extraction step.
type Stage struct {
	blobs    blob.Store
	registry *providers.Registry
	classes  *classes.Registry
	sink     *track.Sink
	opts     Options
	logger   *slog.Logger
}

// New creates the stage.
func New(blobs blob.Store, registry *providers.Registry, classReg *classes.Registry, sink *track.Sink, opts Options, logger *slog.Logger) *Stage {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	return &Stage{
		blobs:    blobs,
		registry: registry,
		classes:  classReg,
		sink:     sink,
		opts:     opts,
		logger:   logger.With("stage", "extract"),
	}
}

func (s *Stage) Name() string       { return "extract" }
func (s *Stage) Status() doc.Status { return doc.StatusExtracting }

// Result is the stored per-section extraction record.
type Result struct {
	SectionID      string         `json:"section_id"`
	Classification string         `json:"classification"`
	PageIDs        []string       `json:"page_ids"`
	Attributes     map[string]any `json:"attributes"`
	Provider       string         `json:"provider,omitempty"`
	Model          string         `json:"model,omitempty"`
	ExtractedAt    time.Time      `json:"extracted_at"`
}

// Run extracts attributes for every section.
func (s *Stage) Run(ctx context.Context, d *doc.Document) error {
	client, err := s.registry.LLM(providers.StageExtract)
	if err != nil {
		return pipeline.NewStageError(s.Name(), pipeline.KindPermanentInput, err)
	}
	if len(d.Sections) == 0 {
		return pipeline.NewStageError(s.Name(), pipeline.KindPermanentInput,
			fmt.Errorf("document %s has no sections", d.ID))
	}

	var mu sync.Mutex
	var failed []string

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)

	for _, section := range d.Sections {
		g.Go(func() error {
			err := s.extractSection(gctx, client, d, section, &mu)
			if err == nil {
				return nil
			}

			se := pipeline.Classify(s.Name(), err)
			se.SectionID = section.ID
			if se.Kind.Retryable() || !s.opts.ContinueOnSectionError {
				return se
			}

			// Permanent section failure under continue-on-error: record it
			// and let the remaining sections finish.
			mu.Lock()
			failed = append(failed, section.ID)
			d.AppendError(doc.ProcessingError{
				Stage:     s.Name(),
				Kind:      string(se.Kind),
				Message:   se.Err.Error(),
				SectionID: section.ID,
				At:        time.Now().UTC(),
			})
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	if len(failed) > 0 {
		return pipeline.NewStageError(s.Name(), pipeline.KindPermanentSchema,
			fmt.Errorf("extraction failed for sections: %s", strings.Join(failed, ", ")))
	}

	s.logger.Info("extraction complete", "document_id", d.ID, "sections", len(d.Sections))
	return nil
}

// extractSection runs one section's extraction and stores its record.
func (s *Stage) extractSection(ctx context.Context, client providers.LLMClient, d *doc.Document, section *doc.Section, mu *sync.Mutex) error {
	cls, ok := s.classes.Get(section.Classification)
	if !ok {
		return pipeline.NewStageError(s.Name(), pipeline.KindPermanentInput,
			fmt.Errorf("section %s has unregistered class %q", section.ID, section.Classification))
	}

	var attributes map[string]any
	var chatResult *providers.ChatResult

	if cls.HasSchema() {
		text, err := s.sectionText(ctx, d, section)
		if err != nil {
			return pipeline.NewStageError(s.Name(), pipeline.KindTransientIO, err)
		}

		chatResult, err = client.Chat(ctx, s.buildRequest(cls, text))

		mu.Lock()
		d.Metering.Add(s.Name(), "requests", 1)
		if chatResult != nil {
			d.Metering.Add(s.Name(), "total_tokens", chatResult.TotalTokens)
		}
		mu.Unlock()

		if err != nil {
			return err
		}
		s.meter(d, client, section.ID, chatResult)

		if !chatResult.Success {
			return pipeline.FromProviderError(s.Name(), chatResult.ErrorType, chatResult.ErrorMessage)
		}
		if err := json.Unmarshal(chatResult.ParsedJSON, &attributes); err != nil {
			return pipeline.NewStageError(s.Name(), pipeline.KindPermanentSchema,
				fmt.Errorf("section %s: extraction is not an object: %w", section.ID, err))
		}
		if err := cls.Schema().Validate(map[string]any(attributes)); err != nil {
			return pipeline.NewStageError(s.Name(), pipeline.KindPermanentSchema,
				fmt.Errorf("section %s: %w", section.ID, err))
		}
	} else {
		// Classes without attributes yield an empty object.
		attributes = map[string]any{}
	}

	record := &Result{
		SectionID:      section.ID,
		Classification: section.Classification,
		PageIDs:        section.PageIDs,
		Attributes:     attributes,
		ExtractedAt:    time.Now().UTC(),
	}
	if chatResult != nil {
		record.Provider = chatResult.Provider
		record.Model = chatResult.ModelUsed
	}

	uri, err := blob.PutJSON(ctx, s.blobs, blob.SectionResultKey(d.ID, section.ID), record)
	if err != nil {
		return pipeline.NewStageError(s.Name(), pipeline.KindTransientIO, err)
	}

	mu.Lock()
	section.ExtractionURI = uri
	section.Attributes = attributes
	mu.Unlock()
	return nil
}

// sectionText concatenates the parsed text of the section's pages in order.
func (s *Stage) sectionText(ctx context.Context, d *doc.Document, section *doc.Section) (string, error) {
	var sb strings.Builder
	for _, pageID := range section.PageIDs {
		page := d.Page(pageID)
		if page == nil || page.ParsedTextURI == "" {
			continue
		}
		text, err := s.blobs.Get(ctx, page.ParsedTextURI)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&sb, "=== Page %s ===\n%s\n\n", pageID, text)
	}
	return sb.String(), nil
}

// buildRequest assembles the extraction prompt, few-shot examples included.
func (s *Stage) buildRequest(cls *classes.Class, text string) *providers.ChatRequest {
	messages := []providers.Message{
		{Role: "system", Content: fmt.Sprintf(
			"You extract structured data from %s sections (%s). "+
				"Return only the attributes defined by the response schema. "+
				"Use null for attributes the text does not state; never invent values.",
			cls.Name, cls.Description)},
	}

	for _, ex := range cls.Examples {
		exJSON, err := json.Marshal(ex.Attributes)
		if err != nil {
			continue
		}
		messages = append(messages,
			providers.Message{Role: "user", Content: ex.Text, Images: ex.Images()},
			providers.Message{Role: "assistant", Content: string(exJSON)},
		)
	}

	messages = append(messages, providers.Message{Role: "user", Content: text})

	return &providers.ChatRequest{
		Messages: messages,
		ResponseFormat: &providers.ResponseFormat{
			Name:       cls.Name + "_extraction",
			JSONSchema: cls.AttributeSchema,
		},
	}
}

// meter emits the analytics record for one extraction call.
func (s *Stage) meter(d *doc.Document, client providers.LLMClient, sectionID string, result *providers.ChatResult) {
	errKind := ""
	if !result.Success {
		errKind = string(result.ErrorType)
	}
	metering.Emit(s.sink, &metering.Record{
		DocumentID:       d.ID,
		ExecutionID:      d.ExecutionID,
		Stage:            s.Name(),
		ItemKey:          sectionID,
		Provider:         client.Name(),
		Model:            result.ModelUsed,
		Requests:         1,
		PromptTokens:     result.PromptTokens,
		CompletionTokens: result.CompletionTokens,
		TotalTokens:      result.TotalTokens,
		Success:          result.Success,
		ErrorKind:        errKind,
	})
}
