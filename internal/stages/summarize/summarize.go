// Package summarize produces human-readable markdown summaries. Each section
// gets an attribute table with page citations, an LLM narrative, and a page
// reference list; the document summary stitches the section summaries
// together under a table of contents.
package summarize

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/jackzampolin/docpipe/internal/blob"
	"github.com/jackzampolin/docpipe/internal/doc"
	"github.com/jackzampolin/docpipe/internal/metering"
	"github.com/jackzampolin/docpipe/internal/pipeline"
	"github.com/jackzampolin/docpipe/internal/providers"
	"github.com/jackzampolin/docpipe/internal/track"
)

// Options configures the stage.
type Options struct {
	// Concurrency bounds parallel section summarization calls.
	Concurrency int

	// MaxNarrativeTokens caps the narrative completion. Zero means the
	// client default.
	MaxNarrativeTokens int
}

// Stage implements the summarization step.
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
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	return &Stage{
		blobs:    blobs,
		registry: registry,
		sink:     sink,
		opts:     opts,
		logger:   logger.With("stage", "summarize"),
	}
}

func (s *Stage) Name() string       { return "summarize" }
func (s *Stage) Status() doc.Status { return doc.StatusSummarizing }

// Run writes one summary per section and a stitched document summary.
func (s *Stage) Run(ctx context.Context, d *doc.Document) error {
	if len(d.Sections) == 0 {
		return pipeline.NewStageError(s.Name(), pipeline.KindPermanentInput,
			fmt.Errorf("document %s has no sections to summarize", d.ID))
	}
	client, err := s.registry.LLM(providers.StageSummarize)
	if err != nil {
		return pipeline.NewStageError(s.Name(), pipeline.KindPermanentInput, err)
	}

	var mu sync.Mutex
	summaries := make(map[string]string, len(d.Sections))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)

	for _, section := range d.Sections {
		g.Go(func() error {
			md, err := s.summarizeSection(gctx, client, d, section)
			if err != nil {
				se := pipeline.Classify(s.Name(), err)
				se.SectionID = section.ID
				return se
			}
			if _, err := s.blobs.Put(gctx, blob.SectionSummaryKey(d.ID, section.ID),
				[]byte(md), blob.ContentTypeMarkdown); err != nil {
				return pipeline.NewStageError(s.Name(), pipeline.KindTransientIO, err)
			}
			mu.Lock()
			summaries[section.ID] = md
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	uri, err := s.blobs.Put(ctx, blob.SummaryKey(d.ID),
		[]byte(s.documentSummary(d, summaries)), blob.ContentTypeMarkdown)
	if err != nil {
		return pipeline.NewStageError(s.Name(), pipeline.KindTransientIO, err)
	}
	d.SummaryURI = uri

	s.logger.Info("summarization complete", "document_id", d.ID, "sections", len(summaries))
	return nil
}

// summarizeSection builds one section's markdown.
func (s *Stage) summarizeSection(ctx context.Context, client providers.LLMClient, d *doc.Document, section *doc.Section) (string, error) {
	pageIDs, texts, err := s.pageTexts(ctx, d, section)
	if err != nil {
		return "", pipeline.NewStageError(s.Name(), pipeline.KindTransientIO, err)
	}

	var text strings.Builder
	for i, pageID := range pageIDs {
		fmt.Fprintf(&text, "=== Page %s ===\n%s\n\n", pageID, texts[i])
	}

	narrative, err := s.narrative(ctx, client, d, section, text.String())
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "## Section %s (%s)\n\n", section.ID, section.Classification)

	if len(section.Attributes) > 0 {
		sb.WriteString("| Attribute | Value | Pages |\n|-----------|-------|-------|\n")
		for _, name := range sortedAttrNames(section.Attributes) {
			value := renderValue(section.Attributes[name])
			cited := citePages(value, section.PageIDs, pageIDs, texts)
			fmt.Fprintf(&sb, "| %s | %s | %s |\n", name, value, strings.Join(cited, ", "))
		}
		sb.WriteString("\n")
	}

	sb.WriteString(narrative)
	sb.WriteString("\n\n**Pages:** ")
	sb.WriteString(strings.Join(section.PageIDs, ", "))
	sb.WriteString("\n")
	return sb.String(), nil
}

// narrative asks the provider for a short prose summary of the section.
func (s *Stage) narrative(ctx context.Context, client providers.LLMClient, d *doc.Document, section *doc.Section, text string) (string, error) {
	req := &providers.ChatRequest{
		Messages: []providers.Message{
			{Role: "system", Content: "You summarize document sections for a case file. Write two or three " +
				"sentences of plain prose covering the purpose and key facts of the section. No headings, no lists."},
			{Role: "user", Content: fmt.Sprintf("Section classified as %q.\n\n%s", section.Classification, text)},
		},
		MaxTokens: s.opts.MaxNarrativeTokens,
	}

	chat, err := client.Chat(ctx, req)
	if err != nil {
		return "", err
	}
	s.meter(d, client, section.ID, chat)

	if !chat.Success {
		return "", pipeline.FromProviderError(s.Name(), chat.ErrorType, chat.ErrorMessage)
	}
	return strings.TrimSpace(chat.Content), nil
}

// documentSummary stitches the section summaries under a table of contents,
// preserving section order.
func (s *Stage) documentSummary(d *doc.Document, summaries map[string]string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Document Summary: %s\n\n", d.ID)
	fmt.Fprintf(&sb, "Source: %s/%s - %d pages, %d sections\n\n",
		d.Input.Bucket, d.Input.Key, len(d.Pages), len(d.Sections))

	sb.WriteString("## Contents\n\n")
	for i, section := range d.Sections {
		fmt.Fprintf(&sb, "%d. Section %s (%s) - pages %s\n",
			i+1, section.ID, section.Classification, strings.Join(section.PageIDs, ", "))
	}
	sb.WriteString("\n")

	for _, section := range d.Sections {
		sb.WriteString(summaries[section.ID])
		sb.WriteString("\n")
	}
	return sb.String()
}

// pageTexts loads the section's page texts in order, skipping pages without
// parsed text.
func (s *Stage) pageTexts(ctx context.Context, d *doc.Document, section *doc.Section) ([]string, []string, error) {
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

// citePages returns the pages whose text states the rendered value. A value
// no page states verbatim cites the whole section.
func citePages(value string, sectionPages, pageIDs []string, texts []string) []string {
	if value == "" {
		return sectionPages
	}
	var cited []string
	for i, text := range texts {
		if strings.Contains(text, value) {
			cited = append(cited, pageIDs[i])
		}
	}
	if len(cited) == 0 {
		return sectionPages
	}
	return cited
}

func (s *Stage) meter(d *doc.Document, client providers.LLMClient, sectionID string, result *providers.ChatResult) {
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

func sortedAttrNames(attrs map[string]any) []string {
	names := make([]string, 0, len(attrs))
	for name := range attrs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// renderValue formats an attribute value for a markdown table cell.
func renderValue(v any) string {
	switch t := v.(type) {
	case string:
		return strings.ReplaceAll(t, "\n", " ")
	case nil:
		return ""
	case float64, int, int64, bool:
		return fmt.Sprintf("%v", t)
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(raw)
	}
}
