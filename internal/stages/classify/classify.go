// Package classify labels pages with document classes and groups contiguous
// runs of the same label into sections. Two methods are supported: pageLevel
// classifies each page independently; holistic sends the whole document in
// one call and falls back to pageLevel past a page-count cap. Runs of the
// same class separated only by low-confidence pages merge into one section.
package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/jackzampolin/docpipe/internal/blob"
	"github.com/jackzampolin/docpipe/internal/classes"
	"github.com/jackzampolin/docpipe/internal/doc"
	"github.com/jackzampolin/docpipe/internal/metering"
	"github.com/jackzampolin/docpipe/internal/pipeline"
	"github.com/jackzampolin/docpipe/internal/providers"
	"github.com/jackzampolin/docpipe/internal/track"
)

// MethodPageLevel and MethodHolistic name the classification methods.
const (
	MethodPageLevel = "pageLevel"
	MethodHolistic  = "holistic"
)

// normalizeMethod folds legacy spellings onto the canonical method names.
func normalizeMethod(m string) string {
	switch m {
	case MethodHolistic:
		return MethodHolistic
	default:
		return MethodPageLevel
	}
}

// Options configures the stage.
type Options struct {
	// Method selects pageLevel or holistic classification.
	Method string

	// SplitThreshold is the label confidence below which a page cannot
	// split two runs of the same class: adjacent same-class runs separated
	// only by pages under the threshold merge into one section. Zero
	// disables merging.
	SplitThreshold float64

	// HolisticMaxPages is the page count above which holistic falls back
	// to pageLevel.
	HolisticMaxPages int

	// MinConfidence below which a page label is demoted to unknown.
	MinConfidence float64

	// Concurrency bounds parallel page classification calls.
	Concurrency int
}

// Stage implements the classification step.
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
	opts.Method = normalizeMethod(opts.Method)
	if opts.HolisticMaxPages <= 0 {
		opts.HolisticMaxPages = 40
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
		logger:   logger.With("stage", "classify"),
	}
}

func (s *Stage) Name() string       { return "classify" }
func (s *Stage) Status() doc.Status { return doc.StatusClassifying }

// pageLabel is the structured output for one page.
type pageLabel struct {
	PageID         string  `json:"page_id"`
	Classification string  `json:"classification"`
	Confidence     float64 `json:"confidence"`
}

// Run labels every page and rebuilds the document's section list.
func (s *Stage) Run(ctx context.Context, d *doc.Document) error {
	client, err := s.registry.LLM(providers.StageClassify)
	if err != nil {
		return pipeline.NewStageError(s.Name(), pipeline.KindPermanentInput, err)
	}

	pageIDs := d.PageIDsInOrder()
	if len(pageIDs) == 0 {
		return pipeline.NewStageError(s.Name(), pipeline.KindPermanentInput,
			fmt.Errorf("document %s has no pages to classify", d.ID))
	}

	method := s.opts.Method
	if method == MethodHolistic && len(pageIDs) > s.opts.HolisticMaxPages {
		s.logger.Debug("holistic fallback to pageLevel",
			"document_id", d.ID,
			"pages", len(pageIDs),
			"max_pages", s.opts.HolisticMaxPages)
		method = MethodPageLevel
	}

	switch method {
	case MethodHolistic:
		err = s.classifyHolistic(ctx, client, d, pageIDs)
	default:
		err = s.classifyPages(ctx, client, d, pageIDs)
	}
	if err != nil {
		return err
	}

	d.Sections = s.buildSections(d, pageIDs)

	s.logger.Info("classification complete",
		"document_id", d.ID,
		"method", method,
		"sections", len(d.Sections))
	return nil
}

// classifyPages labels each page with its own LLM call, fanned out under a
// concurrency bound.
func (s *Stage) classifyPages(ctx context.Context, client providers.LLMClient, d *doc.Document, pageIDs []string) error {
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)

	for _, pageID := range pageIDs {
		page := d.Page(pageID)
		if page.Error != "" {
			// Pages that failed OCR fall into unknown sections.
			mu.Lock()
			page.Classification = classes.Unknown
			page.Confidence = 0
			mu.Unlock()
			continue
		}

		g.Go(func() error {
			text, err := s.blobs.Get(gctx, page.ParsedTextURI)
			if err != nil {
				return pipeline.NewStageError(s.Name(), pipeline.KindTransientIO, err)
			}

			label, usage, err := s.classifyOne(gctx, client, d, pageID, string(text))

			mu.Lock()
			d.Metering.Add(s.Name(), "requests", 1)
			d.Metering.Add(s.Name(), "total_tokens", usage)
			mu.Unlock()

			if err != nil {
				return err
			}

			mu.Lock()
			page.Classification = s.classes.Normalize(label.Classification)
			page.Confidence = label.Confidence
			if page.Confidence < s.opts.MinConfidence {
				page.Classification = classes.Unknown
			}
			mu.Unlock()
			return nil
		})
	}

	return g.Wait()
}

// classifyOne issues a single page classification call.
func (s *Stage) classifyOne(ctx context.Context, client providers.LLMClient, d *doc.Document, pageID, text string) (*pageLabel, int64, error) {
	req := &providers.ChatRequest{
		Messages: []providers.Message{
			{Role: "system", Content: s.systemPrompt()},
			{Role: "user", Content: fmt.Sprintf("Page %s:\n\n%s", pageID, text)},
		},
		ResponseFormat: &providers.ResponseFormat{
			Name:       "page_classification",
			JSONSchema: pageLabelSchema,
		},
	}

	result, err := client.Chat(ctx, req)
	if err != nil {
		return nil, 0, err
	}

	s.meter(d, client, "page_"+pageID, result)

	if !result.Success {
		return nil, result.TotalTokens, pipeline.FromProviderError(s.Name(), result.ErrorType, result.ErrorMessage)
	}

	var label pageLabel
	if err := json.Unmarshal(result.ParsedJSON, &label); err != nil {
		return nil, result.TotalTokens, pipeline.NewStageError(s.Name(), pipeline.KindPermanentSchema, err)
	}
	label.PageID = pageID
	return &label, result.TotalTokens, nil
}

// sectionRange is one holistic classification tuple: an inclusive 1-based
// page range sharing a single label.
type sectionRange struct {
	StartPage      int     `json:"start_page"`
	EndPage        int     `json:"end_page"`
	Classification string  `json:"classification"`
	Confidence     float64 `json:"confidence"`
}

const holisticInstruction = "\n\nClassify the whole document at once: return contiguous page ranges " +
	"(1-based, inclusive) that each share one class, covering every page in order."

// classifyHolistic labels all pages in one call. The provider answers with
// (page range, label) tuples; pages no range covers fall to unknown.
func (s *Stage) classifyHolistic(ctx context.Context, client providers.LLMClient, d *doc.Document, pageIDs []string) error {
	var sb strings.Builder
	for ordinal, pageID := range pageIDs {
		page := d.Page(pageID)
		if page.Error != "" {
			page.Classification = classes.Unknown
			page.Confidence = 0
			continue
		}
		text, err := s.blobs.Get(ctx, page.ParsedTextURI)
		if err != nil {
			return pipeline.NewStageError(s.Name(), pipeline.KindTransientIO, err)
		}
		fmt.Fprintf(&sb, "=== Page %d ===\n%s\n\n", ordinal+1, text)
	}

	req := &providers.ChatRequest{
		Messages: []providers.Message{
			{Role: "system", Content: s.systemPrompt() + holisticInstruction},
			{Role: "user", Content: sb.String()},
		},
		ResponseFormat: &providers.ResponseFormat{
			Name:       "document_classification",
			JSONSchema: holisticSchema,
		},
	}

	result, err := client.Chat(ctx, req)
	if err != nil {
		return err
	}

	d.Metering.Add(s.Name(), "requests", 1)
	d.Metering.Add(s.Name(), "total_tokens", result.TotalTokens)
	s.meter(d, client, "document", result)

	if !result.Success {
		return pipeline.FromProviderError(s.Name(), result.ErrorType, result.ErrorMessage)
	}

	var parsed struct {
		Sections []sectionRange `json:"sections"`
	}
	if err := json.Unmarshal(result.ParsedJSON, &parsed); err != nil {
		return pipeline.NewStageError(s.Name(), pipeline.KindPermanentSchema, err)
	}

	for _, rng := range parsed.Sections {
		start, end := rng.StartPage, rng.EndPage
		if start < 1 {
			start = 1
		}
		if end > len(pageIDs) {
			end = len(pageIDs)
		}
		for ordinal := start; ordinal <= end; ordinal++ {
			page := d.Page(pageIDs[ordinal-1])
			// First tuple wins on overlapping ranges.
			if page.Error != "" || page.Classification != "" {
				continue
			}
			page.Classification = s.classes.Normalize(rng.Classification)
			page.Confidence = rng.Confidence
			if page.Confidence < s.opts.MinConfidence {
				page.Classification = classes.Unknown
			}
		}
	}
	for _, pageID := range pageIDs {
		page := d.Page(pageID)
		if page.Classification == "" {
			page.Classification = classes.Unknown
			page.Confidence = 0
		}
	}
	return nil
}

// pageRun is a maximal run of consecutive pages sharing a label.
type pageRun struct {
	label   string
	pageIDs []string
	minConf float64
	maxConf float64
}

// buildSections groups contiguous same-label runs into sections covering
// every page. Two runs of the same class separated only by pages whose
// confidence is below the split threshold collapse into one section, the
// low-confidence pages included. Section confidence is the minimum page
// confidence in the section.
func (s *Stage) buildSections(d *doc.Document, pageIDs []string) []*doc.Section {
	var runs []*pageRun
	for _, pageID := range pageIDs {
		page := d.Page(pageID)
		label := page.Classification
		if label == "" {
			label = classes.Unknown
		}

		if n := len(runs); n > 0 && runs[n-1].label == label {
			r := runs[n-1]
			r.pageIDs = append(r.pageIDs, pageID)
			if page.Confidence < r.minConf {
				r.minConf = page.Confidence
			}
			if page.Confidence > r.maxConf {
				r.maxConf = page.Confidence
			}
			continue
		}
		runs = append(runs, &pageRun{
			label:   label,
			pageIDs: []string{pageID},
			minConf: page.Confidence,
			maxConf: page.Confidence,
		})
	}

	var sections []*doc.Section
	for i := 0; i < len(runs); i++ {
		r := runs[i]
		for i+2 < len(runs) &&
			runs[i+2].label == r.label &&
			s.opts.SplitThreshold > 0 &&
			runs[i+1].maxConf < s.opts.SplitThreshold {
			gap, next := runs[i+1], runs[i+2]
			r.pageIDs = append(r.pageIDs, gap.pageIDs...)
			r.pageIDs = append(r.pageIDs, next.pageIDs...)
			if gap.minConf < r.minConf {
				r.minConf = gap.minConf
			}
			if next.minConf < r.minConf {
				r.minConf = next.minConf
			}
			i += 2
		}
		// Section IDs are 1-based ordinals; they key the artifact layout.
		sections = append(sections, &doc.Section{
			ID:             strconv.Itoa(len(sections) + 1),
			Classification: r.label,
			Confidence:     r.minConf,
			PageIDs:        r.pageIDs,
		})
	}
	return sections
}

func (s *Stage) systemPrompt() string {
	var sb strings.Builder
	sb.WriteString("You classify scanned document pages. Choose exactly one class per page from this list:\n\n")
	for _, name := range s.classes.Names() {
		cls, _ := s.classes.Get(name)
		fmt.Fprintf(&sb, "- %s: %s\n", name, cls.Description)
	}
	sb.WriteString("\nReturn a confidence between 0 and 1. Use \"unknown\" when no class fits.")
	return sb.String()
}

// meter emits the analytics record for one classification call.
func (s *Stage) meter(d *doc.Document, client providers.LLMClient, itemKey string, result *providers.ChatResult) {
	errKind := ""
	if !result.Success {
		errKind = string(result.ErrorType)
	}
	metering.Emit(s.sink, &metering.Record{
		DocumentID:       d.ID,
		ExecutionID:      d.ExecutionID,
		Stage:            s.Name(),
		ItemKey:          itemKey,
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

var pageLabelSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "classification": {"type": "string"},
    "confidence": {"type": "number"}
  },
  "required": ["classification", "confidence"],
  "additionalProperties": false
}`)

var holisticSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "sections": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "start_page": {"type": "integer"},
          "end_page": {"type": "integer"},
          "classification": {"type": "string"},
          "confidence": {"type": "number"}
        },
        "required": ["start_page", "end_page", "classification", "confidence"],
        "additionalProperties": false
      }
    }
  },
  "required": ["sections"],
  "additionalProperties": false
}`)
