// Package evaluate compares extracted attributes against a ground-truth
// baseline. Each attribute is scored by the comparison method its class
// declares, and the stage emits per-field results, a classification
// confusion matrix, and precision/recall/F1 over fields.
package evaluate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/jackzampolin/docpipe/internal/blob"
	"github.com/jackzampolin/docpipe/internal/classes"
	"github.com/jackzampolin/docpipe/internal/doc"
	"github.com/jackzampolin/docpipe/internal/pipeline"
	"github.com/jackzampolin/docpipe/internal/providers"
)

// Options configures the stage.
type Options struct {
	// GroundTruthDir holds one {documentID}.json baseline per document.
	// Documents without a baseline skip evaluation.
	GroundTruthDir string
}

// Stage implements the evaluation step.
type Stage struct {
	blobs    blob.Store
	registry *providers.Registry
	classes  *classes.Registry
	opts     Options
	logger   *slog.Logger
}

// New creates the stage.
func New(blobs blob.Store, registry *providers.Registry, classReg *classes.Registry, opts Options, logger *slog.Logger) *Stage {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stage{
		blobs:    blobs,
		registry: registry,
		classes:  classReg,
		opts:     opts,
		logger:   logger.With("stage", "evaluate"),
	}
}

func (s *Stage) Name() string       { return "evaluate" }
func (s *Stage) Status() doc.Status { return doc.StatusEvaluating }

// Baseline is the expected output for one document.
type Baseline struct {
	Sections []BaselineSection `json:"sections"`
}

// BaselineSection pairs positionally with the document's sections.
type BaselineSection struct {
	Classification string         `json:"classification"`
	Attributes     map[string]any `json:"attributes,omitempty"`
}

// FieldResult is the comparison outcome for one attribute.
type FieldResult struct {
	Field    string  `json:"field"`
	Method   string  `json:"method"`
	Expected any     `json:"expected"`
	Actual   any     `json:"actual,omitempty"`
	Score    float64 `json:"score"`
	Match    bool    `json:"match"`
}

// SectionEval is the evaluation of one section pair.
type SectionEval struct {
	SectionID      string        `json:"section_id"`
	ExpectedClass  string        `json:"expected_class"`
	ActualClass    string        `json:"actual_class"`
	ClassMatch     bool          `json:"class_match"`
	Fields         []FieldResult `json:"fields,omitempty"`
	SpuriousFields []string      `json:"spurious_fields,omitempty"` // extracted but not in baseline
}

// Metrics aggregates field outcomes across the document.
type Metrics struct {
	TruePositives  int `json:"true_positives"`
	FalsePositives int `json:"false_positives"`
	FalseNegatives int `json:"false_negatives"`

	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
}

func (m *Metrics) derive() {
	if tp := float64(m.TruePositives); tp > 0 {
		m.Precision = tp / float64(m.TruePositives+m.FalsePositives)
		m.Recall = tp / float64(m.TruePositives+m.FalseNegatives)
		m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
	}
}

// Result is the stored evaluation record.
type Result struct {
	DocumentID string        `json:"document_id"`
	Sections   []SectionEval `json:"sections"`

	// ClassConfusion counts section classifications, expected label to
	// predicted label.
	ClassConfusion map[string]map[string]int `json:"class_confusion"`

	Fields      Metrics   `json:"fields"`
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// Run evaluates the document when a baseline exists; otherwise it is a
// no-op so enabling the stage globally is safe.
func (s *Stage) Run(ctx context.Context, d *doc.Document) error {
	baseline, err := s.loadBaseline(d.ID)
	if err != nil {
		return pipeline.NewStageError(s.Name(), pipeline.KindPermanentInput, err)
	}
	if baseline == nil {
		s.logger.Debug("no baseline, skipping", "document_id", d.ID)
		return nil
	}

	result, err := s.evaluate(ctx, d, baseline)
	if err != nil {
		return err
	}

	uri, err := blob.PutJSON(ctx, s.blobs, blob.EvaluationKey(d.ID), result)
	if err != nil {
		return pipeline.NewStageError(s.Name(), pipeline.KindTransientIO, err)
	}
	d.EvaluationURI = uri

	raw, err := json.Marshal(result.Fields)
	if err != nil {
		return pipeline.Classify(s.Name(), err)
	}
	if d.Extras == nil {
		d.Extras = make(map[string]json.RawMessage)
	}
	d.Extras["evaluation"] = raw

	s.logger.Info("evaluation complete",
		"document_id", d.ID,
		"precision", result.Fields.Precision,
		"recall", result.Fields.Recall,
		"f1", result.Fields.F1)
	return nil
}

func (s *Stage) loadBaseline(docID string) (*Baseline, error) {
	if s.opts.GroundTruthDir == "" {
		return nil, nil
	}
	data, err := os.ReadFile(filepath.Join(s.opts.GroundTruthDir, docID+".json"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var baseline Baseline
	if err := json.Unmarshal(data, &baseline); err != nil {
		return nil, fmt.Errorf("failed to parse baseline for %s: %w", docID, err)
	}
	return &baseline, nil
}

// evaluate pairs baseline and document sections positionally and compares
// every baseline attribute.
func (s *Stage) evaluate(ctx context.Context, d *doc.Document, baseline *Baseline) (*Result, error) {
	result := &Result{
		DocumentID:     d.ID,
		ClassConfusion: make(map[string]map[string]int),
		EvaluatedAt:    time.Now().UTC(),
	}

	// SEMANTIC and LLM comparisons need a client; the local methods do not,
	// so a missing binding only fails when actually used.
	client, _ := s.registry.LLM(providers.StageEvaluate)

	for i, expected := range baseline.Sections {
		se := SectionEval{
			ExpectedClass: expected.Classification,
		}

		var section *doc.Section
		if i < len(d.Sections) {
			section = d.Sections[i]
			se.SectionID = section.ID
			se.ActualClass = section.Classification
		}
		se.ClassMatch = se.ActualClass == expected.Classification
		confuse(result.ClassConfusion, expected.Classification, se.ActualClass)

		var actual map[string]any
		if section != nil {
			actual = section.Attributes
		}

		for _, field := range sortedFieldNames(expected.Attributes) {
			ev := s.evalFor(expected.Classification, field)
			fr := FieldResult{
				Field:    field,
				Method:   string(ev.Method),
				Expected: expected.Attributes[field],
			}

			value, present := actual[field]
			if present {
				fr.Actual = value
				score, match, err := compareValues(ctx, client, ev, expected.Attributes[field], value)
				if err != nil {
					serr := pipeline.Classify(s.Name(), err)
					serr.SectionID = se.SectionID
					return nil, serr
				}
				fr.Score = score
				fr.Match = match
			}

			if fr.Match {
				result.Fields.TruePositives++
			} else {
				result.Fields.FalseNegatives++
				if present {
					result.Fields.FalsePositives++
				}
			}
			se.Fields = append(se.Fields, fr)
		}

		// Fields extracted but absent from the baseline are spurious.
		for _, field := range sortedFieldNames(actual) {
			if _, ok := expected.Attributes[field]; !ok {
				se.SpuriousFields = append(se.SpuriousFields, field)
				result.Fields.FalsePositives++
			}
		}

		result.Sections = append(result.Sections, se)
	}

	// Sections beyond the baseline count as misclassifications.
	for i := len(baseline.Sections); i < len(d.Sections); i++ {
		confuse(result.ClassConfusion, "", d.Sections[i].Classification)
	}

	result.Fields.derive()
	return result, nil
}

// evalFor resolves the comparison config from the class registry,
// defaulting to EXACT.
func (s *Stage) evalFor(classification, field string) classes.AttributeEval {
	if s.classes != nil {
		if cls, ok := s.classes.Get(classification); ok {
			return cls.EvalFor(field)
		}
	}
	return classes.AttributeEval{Method: classes.EvalExact}
}

func confuse(matrix map[string]map[string]int, expected, actual string) {
	if matrix[expected] == nil {
		matrix[expected] = make(map[string]int)
	}
	matrix[expected][actual]++
}

// sortedFieldNames keeps stored artifacts deterministic.
func sortedFieldNames(attrs map[string]any) []string {
	names := make([]string, 0, len(attrs))
	for name := range attrs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
