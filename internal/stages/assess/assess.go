// Package assess scores the extracted attributes of each section by
// re-presenting the section text and the extracted values to a provider.
// Attributes scoring under their alert threshold are flagged for review;
// a class may override the global threshold per attribute.
package assess

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
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
	// AlertThreshold is the confidence below which an attribute is flagged.
	// Classes may override it per attribute through confidence_thresholds.
	AlertThreshold float64

	// Concurrency bounds parallel section assessments.
	Concurrency int
}

// Stage implements the assessment step.
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
	if opts.AlertThreshold <= 0 {
		opts.AlertThreshold = 0.7
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
		logger:   logger.With("stage", "assess"),
	}
}

func (s *Stage) Name() string       { return "assess" }
func (s *Stage) Status() doc.Status { return doc.StatusAssessing }

// Result is the stored per-section assessment record.
type Result struct {
	SectionID string             `json:"section_id"`
	Scores    map[string]float64 `json:"scores"`
	Alerts    []string           `json:"alerts,omitempty"`
	Threshold float64            `json:"threshold"`
	// Thresholds records per-attribute overrides that differ from Threshold.
	Thresholds map[string]float64 `json:"thresholds,omitempty"`
	AssessedAt time.Time          `json:"assessed_at"`
}

// Summary is merged into the document extras.
type Summary struct {
	SectionsAssessed int `json:"sections_assessed"`
	AlertCount       int `json:"alert_count"`
}

// Run assesses every section that carries extracted attributes.
func (s *Stage) Run(ctx context.Context, d *doc.Document) error {
	client, err := s.registry.LLM(providers.StageAssess)
	if err != nil {
		return pipeline.NewStageError(s.Name(), pipeline.KindPermanentInput, err)
	}

	var mu sync.Mutex
	summary := Summary{}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)

	for _, section := range d.Sections {
		if len(section.Attributes) == 0 {
			continue
		}

		g.Go(func() error {
			result, err := s.assessSection(gctx, client, d, section, &mu)
			if err != nil {
				se := pipeline.Classify(s.Name(), err)
				se.SectionID = section.ID
				return se
			}
			mu.Lock()
			summary.SectionsAssessed++
			summary.AlertCount += len(result.Alerts)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	raw, err := json.Marshal(summary)
	if err != nil {
		return pipeline.Classify(s.Name(), err)
	}
	if d.Extras == nil {
		d.Extras = make(map[string]json.RawMessage)
	}
	d.Extras["assessment"] = raw

	s.logger.Info("assessment complete",
		"document_id", d.ID,
		"sections", summary.SectionsAssessed,
		"alerts", summary.AlertCount)
	return nil
}

// assessSection scores one section's attributes and stores the record.
func (s *Stage) assessSection(ctx context.Context, client providers.LLMClient, d *doc.Document, section *doc.Section, mu *sync.Mutex) (*Result, error) {
	text, err := s.sectionText(ctx, d, section)
	if err != nil {
		return nil, pipeline.NewStageError(s.Name(), pipeline.KindTransientIO, err)
	}

	attrJSON, err := json.Marshal(section.Attributes)
	if err != nil {
		return nil, pipeline.Classify(s.Name(), err)
	}

	req := &providers.ChatRequest{
		Messages: []providers.Message{
			{Role: "system", Content: "You verify extracted document data. For each extracted attribute, " +
				"score how well the source text supports the extracted value, from 0 (contradicted or absent) " +
				"to 1 (stated verbatim). Score every attribute."},
			{Role: "user", Content: fmt.Sprintf("Source text:\n\n%s\n\nExtracted attributes:\n%s", text, attrJSON)},
		},
		ResponseFormat: &providers.ResponseFormat{Name: "attribute_assessment", JSONSchema: assessmentSchema},
	}

	chat, err := client.Chat(ctx, req)
	if err != nil {
		return nil, err
	}

	mu.Lock()
	d.Metering.Add(s.Name(), "requests", 1)
	d.Metering.Add(s.Name(), "total_tokens", chat.TotalTokens)
	mu.Unlock()
	s.meter(d, client, section.ID, chat)

	if !chat.Success {
		return nil, pipeline.FromProviderError(s.Name(), chat.ErrorType, chat.ErrorMessage)
	}

	var parsed struct {
		Scores map[string]float64 `json:"scores"`
	}
	if err := json.Unmarshal(chat.ParsedJSON, &parsed); err != nil {
		return nil, pipeline.NewStageError(s.Name(), pipeline.KindPermanentSchema, err)
	}

	var cls *classes.Class
	if s.classes != nil {
		cls, _ = s.classes.Get(section.Classification)
	}

	result := &Result{
		SectionID:  section.ID,
		Scores:     parsed.Scores,
		Threshold:  s.opts.AlertThreshold,
		AssessedAt: time.Now().UTC(),
	}
	for attr := range section.Attributes {
		threshold := s.opts.AlertThreshold
		if cls != nil {
			threshold = cls.AlertThresholdFor(attr, threshold)
		}
		if threshold != result.Threshold {
			if result.Thresholds == nil {
				result.Thresholds = make(map[string]float64)
			}
			result.Thresholds[attr] = threshold
		}
		score, ok := parsed.Scores[attr]
		if !ok || score < threshold {
			result.Alerts = append(result.Alerts, attr)
		}
	}
	sort.Strings(result.Alerts)

	if _, err := blob.PutJSON(ctx, s.blobs, blob.SectionAssessmentKey(d.ID, section.ID), result); err != nil {
		return nil, pipeline.NewStageError(s.Name(), pipeline.KindTransientIO, err)
	}
	return result, nil
}

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

var assessmentSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "scores": {
      "type": "object",
      "additionalProperties": {"type": "number"}
    }
  },
  "required": ["scores"],
  "additionalProperties": false
}`)
