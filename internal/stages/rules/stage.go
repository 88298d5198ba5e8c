package rules

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
	Rules []*Rule

	// ChunkPages is the maximum pages per fact-extraction chunk.
	ChunkPages int

	// OverlapFraction of a chunk carried into the next chunk.
	OverlapFraction float64

	// RecommendationOptions is the ordered verdict set. Defaults to
	// DefaultRecommendationOptions.
	RecommendationOptions []string

	// Concurrency bounds parallel fact-extraction calls.
	Concurrency int
}

// Stage implements rule validation.
type Stage struct {
	blobs    blob.Store
	registry *providers.Registry
	sink     *track.Sink
	opts     Options
	logger   *slog.Logger

	meterMu sync.Mutex
}

// New creates the stage.
func New(blobs blob.Store, registry *providers.Registry, sink *track.Sink, opts Options, logger *slog.Logger) *Stage {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ChunkPages <= 0 {
		opts.ChunkPages = 10
	}
	if opts.OverlapFraction <= 0 {
		opts.OverlapFraction = 0.1
	}
	if len(opts.RecommendationOptions) == 0 {
		opts.RecommendationOptions = DefaultRecommendationOptions
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	return &Stage{
		blobs:    blobs,
		registry: registry,
		sink:     sink,
		opts:     opts,
		logger:   logger.With("stage", "rule_validation"),
	}
}

func (s *Stage) Name() string       { return "rule_validation" }
func (s *Stage) Status() doc.Status { return doc.StatusPostprocessing }

// Fact is one piece of evidence for or against a rule.
type Fact struct {
	RuleID    string   `json:"rule_id"`
	SectionID string   `json:"section_id"`
	Statement string   `json:"statement"`
	Supports  bool     `json:"supports"`
	PageIDs   []string `json:"page_ids"`
}

// SectionFacts is the stored per-section record.
type SectionFacts struct {
	SectionID string    `json:"section_id"`
	Facts     []Fact    `json:"facts"`
	CreatedAt time.Time `json:"created_at"`
}

// Verdict is the consolidated outcome for one rule.
type Verdict struct {
	RuleID         string   `json:"rule_id"`
	RuleName       string   `json:"rule_name,omitempty"`
	Recommendation string   `json:"recommendation"`
	Rationale      string   `json:"rationale,omitempty"`
	PageIDs        []string `json:"page_ids,omitempty"` // sorted union of evidence pages
	FactCount      int      `json:"fact_count"`
}

// Report is the stored consolidated record.
type Report struct {
	DocumentID string    `json:"document_id"`
	Verdicts   []Verdict `json:"verdicts"`
	CreatedAt  time.Time `json:"created_at"`
}

// Run extracts facts per section and consolidates a verdict per rule.
func (s *Stage) Run(ctx context.Context, d *doc.Document) error {
	if len(s.opts.Rules) == 0 {
		s.logger.Debug("no rules configured", "document_id", d.ID)
		return nil
	}
	client, err := s.registry.LLM(providers.StageRules)
	if err != nil {
		return pipeline.NewStageError(s.Name(), pipeline.KindPermanentInput, err)
	}

	factsBySection, err := s.extractFacts(ctx, client, d)
	if err != nil {
		return err
	}

	for sectionID, facts := range factsBySection {
		record := &SectionFacts{SectionID: sectionID, Facts: facts, CreatedAt: time.Now().UTC()}
		if _, err := blob.PutJSON(ctx, s.blobs, blob.RuleValidationSectionKey(d.ID, sectionID), record); err != nil {
			return pipeline.NewStageError(s.Name(), pipeline.KindTransientIO, err)
		}
	}

	report, err := s.consolidate(ctx, client, d, factsBySection)
	if err != nil {
		return err
	}

	uri, err := blob.PutJSON(ctx, s.blobs, blob.RuleValidationSummaryJSONKey(d.ID), report)
	if err != nil {
		return pipeline.NewStageError(s.Name(), pipeline.KindTransientIO, err)
	}
	if _, err := s.blobs.Put(ctx, blob.RuleValidationSummaryMarkdownKey(d.ID),
		[]byte(report.Markdown()), blob.ContentTypeMarkdown); err != nil {
		return pipeline.NewStageError(s.Name(), pipeline.KindTransientIO, err)
	}
	d.RuleValidationURI = uri

	s.logger.Info("rule validation complete",
		"document_id", d.ID,
		"rules", len(s.opts.Rules),
		"verdicts", len(report.Verdicts))
	return nil
}

// extractFacts fans out fact extraction over section × rule × chunk.
func (s *Stage) extractFacts(ctx context.Context, client providers.LLMClient, d *doc.Document) (map[string][]Fact, error) {
	var mu sync.Mutex
	facts := make(map[string][]Fact)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)

	for _, section := range d.Sections {
		if section.Classification == classes.Unknown {
			continue
		}

		pageIDs, texts, err := s.sectionPages(ctx, d, section)
		if err != nil {
			return nil, pipeline.NewStageError(s.Name(), pipeline.KindTransientIO, err)
		}
		if len(pageIDs) == 0 {
			continue
		}

		for _, rule := range s.opts.Rules {
			if !rule.AppliesTo(section.Classification) {
				continue
			}
			for _, chunk := range chunkPages(pageIDs, texts, s.opts.ChunkPages, s.opts.OverlapFraction) {
				g.Go(func() error {
					found, err := s.extractChunkFacts(gctx, client, d, rule, section.ID, chunk)
					if err != nil {
						se := pipeline.Classify(s.Name(), err)
						se.SectionID = section.ID
						return se
					}
					mu.Lock()
					facts[section.ID] = append(facts[section.ID], found...)
					mu.Unlock()
					return nil
				})
			}
		}
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return facts, nil
}

// extractChunkFacts runs one fact-extraction call.
func (s *Stage) extractChunkFacts(ctx context.Context, client providers.LLMClient, d *doc.Document, rule *Rule, sectionID string, chunk Chunk) ([]Fact, error) {
	var sb strings.Builder
	for i, pageID := range chunk.PageIDs {
		fmt.Fprintf(&sb, "=== Page %s ===\n%s\n\n", pageID, chunk.Texts[i])
	}

	req := &providers.ChatRequest{
		Messages: []providers.Message{
			{Role: "system", Content: fmt.Sprintf(
				"You extract facts relevant to a business rule from document text.\n\nRule %s (%s): %s\n\n"+
					"List each fact bearing on the rule, whether it supports compliance, and the page ids "+
					"(as printed in the page markers) where it appears. Report nothing when the text is silent.",
				rule.ID, rule.Name, rule.Description)},
			{Role: "user", Content: sb.String()},
		},
		ResponseFormat: &providers.ResponseFormat{Name: "rule_facts", JSONSchema: factsSchema},
	}

	chat, err := client.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	s.meterCall(d, client, fmt.Sprintf("%s/%s", sectionID, rule.ID), chat)

	if !chat.Success {
		return nil, pipeline.FromProviderError(s.Name(), chat.ErrorType, chat.ErrorMessage)
	}

	var parsed struct {
		Facts []struct {
			Statement string   `json:"statement"`
			Supports  bool     `json:"supports"`
			PageIDs   []string `json:"page_ids"`
		} `json:"facts"`
	}
	if err := json.Unmarshal(chat.ParsedJSON, &parsed); err != nil {
		return nil, pipeline.NewStageError(s.Name(), pipeline.KindPermanentSchema, err)
	}

	valid := make(map[string]struct{}, len(chunk.PageIDs))
	for _, id := range chunk.PageIDs {
		valid[id] = struct{}{}
	}

	out := make([]Fact, 0, len(parsed.Facts))
	for _, f := range parsed.Facts {
		fact := Fact{
			RuleID:    rule.ID,
			SectionID: sectionID,
			Statement: f.Statement,
			Supports:  f.Supports,
		}
		// Keep only page ids that exist in the chunk.
		for _, id := range f.PageIDs {
			if _, ok := valid[id]; ok {
				fact.PageIDs = append(fact.PageIDs, id)
			}
		}
		out = append(out, fact)
	}
	return out, nil
}

// consolidate reduces the fact lists to one verdict per rule.
func (s *Stage) consolidate(ctx context.Context, client providers.LLMClient, d *doc.Document, factsBySection map[string][]Fact) (*Report, error) {
	report := &Report{DocumentID: d.ID, CreatedAt: time.Now().UTC()}

	for _, rule := range s.opts.Rules {
		var ruleFacts []Fact
		pages := make(map[string]struct{})
		for _, facts := range factsBySection {
			for _, f := range facts {
				if f.RuleID != rule.ID {
					continue
				}
				ruleFacts = append(ruleFacts, f)
				for _, id := range f.PageIDs {
					pages[id] = struct{}{}
				}
			}
		}

		verdict := Verdict{
			RuleID:    rule.ID,
			RuleName:  rule.Name,
			FactCount: len(ruleFacts),
			PageIDs:   sortedKeys(pages),
		}

		if len(ruleFacts) == 0 {
			verdict.Recommendation = s.notFoundOption()
			report.Verdicts = append(report.Verdicts, verdict)
			continue
		}

		rec, rationale, err := s.recommend(ctx, client, d, rule, ruleFacts)
		if err != nil {
			return nil, err
		}
		verdict.Recommendation = rec
		verdict.Rationale = rationale
		report.Verdicts = append(report.Verdicts, verdict)
	}

	return report, nil
}

// recommend makes the consolidation call for one rule.
func (s *Stage) recommend(ctx context.Context, client providers.LLMClient, d *doc.Document, rule *Rule, facts []Fact) (string, string, error) {
	factsJSON, err := json.Marshal(facts)
	if err != nil {
		return "", "", pipeline.Classify(s.Name(), err)
	}

	req := &providers.ChatRequest{
		Messages: []providers.Message{
			{Role: "system", Content: fmt.Sprintf(
				"You decide a compliance verdict for a business rule from extracted facts.\n\n"+
					"Rule %s (%s): %s\n\nChoose the recommendation from exactly this list: %s.",
				rule.ID, rule.Name, rule.Description, strings.Join(s.opts.RecommendationOptions, ", "))},
			{Role: "user", Content: string(factsJSON)},
		},
		ResponseFormat: &providers.ResponseFormat{Name: "rule_verdict", JSONSchema: verdictSchema},
	}

	chat, err := client.Chat(ctx, req)
	if err != nil {
		return "", "", err
	}
	s.meterCall(d, client, "consolidate/"+rule.ID, chat)

	if !chat.Success {
		return "", "", pipeline.FromProviderError(s.Name(), chat.ErrorType, chat.ErrorMessage)
	}

	var parsed struct {
		Recommendation string `json:"recommendation"`
		Rationale      string `json:"rationale"`
	}
	if err := json.Unmarshal(chat.ParsedJSON, &parsed); err != nil {
		return "", "", pipeline.NewStageError(s.Name(), pipeline.KindPermanentSchema, err)
	}

	// Clamp off-list recommendations to the not-found option rather than
	// failing the document.
	for _, opt := range s.opts.RecommendationOptions {
		if parsed.Recommendation == opt {
			return parsed.Recommendation, parsed.Rationale, nil
		}
	}
	return s.notFoundOption(), parsed.Rationale, nil
}

// notFoundOption returns the configured fallback verdict (the last option).
func (s *Stage) notFoundOption() string {
	return s.opts.RecommendationOptions[len(s.opts.RecommendationOptions)-1]
}

// sectionPages loads the page texts of a section in order, skipping errored
// pages.
func (s *Stage) sectionPages(ctx context.Context, d *doc.Document, section *doc.Section) ([]string, []string, error) {
	var ids, texts []string
	for _, pageID := range section.PageIDs {
		page := d.Page(pageID)
		if page == nil || page.ParsedTextURI == "" {
			continue
		}
		text, err := s.blobs.Get(ctx, page.ParsedTextURI)
		if err != nil {
			return nil, nil, err
		}
		ids = append(ids, pageID)
		texts = append(texts, string(text))
	}
	return ids, texts, nil
}

func (s *Stage) meterCall(d *doc.Document, client providers.LLMClient, itemKey string, result *providers.ChatResult) {
	s.meterMu.Lock()
	d.Metering.Add(s.Name(), "requests", 1)
	d.Metering.Add(s.Name(), "total_tokens", result.TotalTokens)
	s.meterMu.Unlock()

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

// Markdown renders the consolidated report for humans.
func (r *Report) Markdown() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Rule Validation Report\n\nDocument: %s\n\n", r.DocumentID)
	sb.WriteString("| Rule | Recommendation | Evidence Pages | Facts |\n")
	sb.WriteString("|------|----------------|----------------|-------|\n")
	for _, v := range r.Verdicts {
		name := v.RuleName
		if name == "" {
			name = v.RuleID
		}
		fmt.Fprintf(&sb, "| %s | %s | %s | %d |\n",
			name, v.Recommendation, strings.Join(v.PageIDs, ", "), v.FactCount)
	}
	for _, v := range r.Verdicts {
		if v.Rationale == "" {
			continue
		}
		fmt.Fprintf(&sb, "\n## %s\n\n%s\n", v.RuleID, v.Rationale)
	}
	return sb.String()
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

var factsSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "facts": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "statement": {"type": "string"},
          "supports": {"type": "boolean"},
          "page_ids": {"type": "array", "items": {"type": "string"}}
        },
        "required": ["statement", "supports", "page_ids"],
        "additionalProperties": false
      }
    }
  },
  "required": ["facts"],
  "additionalProperties": false
}`)

var verdictSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "recommendation": {"type": "string"},
    "rationale": {"type": "string"}
  },
  "required": ["recommendation", "rationale"],
  "additionalProperties": false
}`)
