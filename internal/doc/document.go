// Package doc defines the canonical document record shared by every pipeline
// stage, together with its invariants and the oversized-payload contract.
package doc

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"
)

// Location identifies an object in a bucket.
type Location struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

// String renders the location in bucket/key form.
func (l Location) String() string {
	return l.Bucket + "/" + l.Key
}

// Page is one logical rendered page of the input.
type Page struct {
	ID                string  `json:"page_id"`
	ImageURI          string  `json:"image_uri,omitempty"`
	RawOCRURI         string  `json:"raw_ocr_uri,omitempty"`
	ParsedTextURI     string  `json:"parsed_text_uri,omitempty"`
	TextConfidenceURI string  `json:"text_confidence_uri,omitempty"`
	Classification    string  `json:"classification,omitempty"`
	Confidence        float64 `json:"confidence,omitempty"`

	// Error annotates a page that failed OCR after retries when the
	// continue-on-page-error policy allowed the document to proceed.
	Error string `json:"error,omitempty"`
}

// Section is a contiguous range of pages sharing a classification label.
type Section struct {
	ID             string  `json:"section_id"`
	Classification string  `json:"classification"`
	Confidence     float64 `json:"confidence"`

	// PageIDs is ordered, non-empty, and disjoint across sections.
	PageIDs []string `json:"page_ids"`

	ExtractionURI string `json:"extraction_uri,omitempty"`

	// Attributes is loaded on demand from ExtractionURI and may be absent
	// in the in-memory document.
	Attributes map[string]any `json:"attributes,omitempty"`
}

// ProcessingError is an append-only error record on a document.
type ProcessingError struct {
	Stage     string    `json:"stage"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	SectionID string    `json:"section_id,omitempty"`
	PageID    string    `json:"page_id,omitempty"`
	At        time.Time `json:"at"`
}

// Document is the root processing entity. One input object yields one
// document per attempt. The orchestrator owns the document exclusively while
// an attempt is running; other components receive a focused copy.
type Document struct {
	ID           string   `json:"id"`
	Input        Location `json:"input_location"`
	OutputPrefix string   `json:"output_location"`
	ExecutionID  string   `json:"execution_id,omitempty"`

	Status Status `json:"status"`

	QueuedAt    time.Time  `json:"queued_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	NumPages int `json:"num_pages"`

	Pages    map[string]*Page  `json:"pages,omitempty"`
	Sections []*Section        `json:"sections,omitempty"`
	Errors   []ProcessingError `json:"errors,omitempty"`
	Metering Metering          `json:"metering,omitempty"`

	SummaryURI        string `json:"summary_uri,omitempty"`
	EvaluationURI     string `json:"evaluation_uri,omitempty"`
	RuleValidationURI string `json:"rule_validation_uri,omitempty"`

	// Extras carries schema-free extension fields.
	Extras map[string]json.RawMessage `json:"extras,omitempty"`
}

// New creates a queued document for an input object.
func New(id string, input Location, outputPrefix string) *Document {
	return &Document{
		ID:           id,
		Input:        input,
		OutputPrefix: outputPrefix,
		Status:       StatusQueued,
		QueuedAt:     time.Now().UTC(),
		Pages:        make(map[string]*Page),
		Metering:     make(Metering),
	}
}

// AddPage registers a page, replacing any existing page with the same ID.
func (d *Document) AddPage(p *Page) {
	if d.Pages == nil {
		d.Pages = make(map[string]*Page)
	}
	d.Pages[p.ID] = p
	d.NumPages = len(d.Pages)
}

// Page returns the page with the given ID, or nil.
func (d *Document) Page(id string) *Page {
	return d.Pages[id]
}

// PageIDsInOrder returns all page IDs sorted by ordinal.
func (d *Document) PageIDsInOrder() []string {
	ids := make([]string, 0, len(d.Pages))
	for id := range d.Pages {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return PageOrdinal(ids[i]) < PageOrdinal(ids[j])
	})
	return ids
}

// Section returns the section with the given ID, or nil.
func (d *Document) Section(id string) *Section {
	for _, s := range d.Sections {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// SectionIDs returns the IDs of all sections in order.
func (d *Document) SectionIDs() []string {
	ids := make([]string, 0, len(d.Sections))
	for _, s := range d.Sections {
		ids = append(ids, s.ID)
	}
	return ids
}

// AppendError records a processing error. The errors collection is append-only.
func (d *Document) AppendError(e ProcessingError) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	d.Errors = append(d.Errors, e)
}

// Transition moves the document to the next status, enforcing the partial
// order, and stamps started/completed times.
func (d *Document) Transition(next Status) error {
	if err := d.Status.CanTransition(next); err != nil {
		return fmt.Errorf("document %s: %w", d.ID, err)
	}
	now := time.Now().UTC()
	switch next {
	case StatusRunning:
		d.StartedAt = &now
	case StatusCompleted, StatusFailed:
		d.CompletedAt = &now
	}
	d.Status = next
	return nil
}

// PageOrdinal converts a page ID to its numeric ordinal. Non-numeric IDs sort
// after all numeric ones, by string comparison among themselves.
func PageOrdinal(id string) int {
	n, err := strconv.Atoi(id)
	if err != nil {
		return int(^uint(0) >> 1) // max int
	}
	return n
}
