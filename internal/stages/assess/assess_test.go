package assess

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/jackzampolin/docpipe/internal/blob"
	"github.com/jackzampolin/docpipe/internal/classes"
	"github.com/jackzampolin/docpipe/internal/doc"
	"github.com/jackzampolin/docpipe/internal/pipeline"
	"github.com/jackzampolin/docpipe/internal/providers"
)

func testDocument(t *testing.T, blobs blob.Store) *doc.Document {
	t.Helper()
	d := doc.New("doc-1", doc.Location{Bucket: "in", Key: "a.pdf"}, "out/a")
	d.ExecutionID = "exec-1"

	uri, err := blobs.Put(context.Background(), blob.PageTextKey(d.ID, "0001"),
		[]byte("INVOICE #42 total $103.50"), blob.ContentTypeMarkdown)
	if err != nil {
		t.Fatal(err)
	}
	d.AddPage(&doc.Page{ID: "0001", ParsedTextURI: uri, Classification: "invoice"})

	d.Sections = []*doc.Section{{
		ID:             "1",
		Classification: "invoice",
		PageIDs:        []string{"0001"},
		Attributes:     map[string]any{"invoice_number": "42", "total": 103.5},
	}}
	return d
}

func newTestStage(t *testing.T, mock *providers.MockLLM, opts Options) (*Stage, blob.Store) {
	t.Helper()
	blobs, err := blob.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	reg := providers.NewRegistry()
	reg.SetDefaultLLM(mock)
	return New(blobs, reg, nil, nil, opts, nil), blobs
}

func TestRunScoresAndAlerts(t *testing.T) {
	mock := providers.NewMockLLM()
	mock.ChatFunc = func(_ context.Context, _ *providers.ChatRequest) (*providers.ChatResult, error) {
		return providers.OKJSON(map[string]any{
			"scores": map[string]float64{"invoice_number": 0.95, "total": 0.4},
		}), nil
	}

	stage, blobs := newTestStage(t, mock, Options{AlertThreshold: 0.7})
	d := testDocument(t, blobs)

	if err := stage.Run(context.Background(), d); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var stored Result
	key := blob.SectionAssessmentKey(d.ID, "1")
	data, err := blobs.Get(context.Background(), mustURI(t, blobs, key))
	if err != nil {
		t.Fatalf("assessment artifact: %v", err)
	}
	if err := json.Unmarshal(data, &stored); err != nil {
		t.Fatal(err)
	}
	if len(stored.Alerts) != 1 || stored.Alerts[0] != "total" {
		t.Errorf("alerts = %v, want [total]", stored.Alerts)
	}
	if stored.Scores["invoice_number"] != 0.95 {
		t.Errorf("scores = %v", stored.Scores)
	}

	var summary Summary
	if err := json.Unmarshal(d.Extras["assessment"], &summary); err != nil {
		t.Fatal(err)
	}
	if summary.SectionsAssessed != 1 || summary.AlertCount != 1 {
		t.Errorf("summary = %+v", summary)
	}
}

func TestRunMissingScoreIsAlert(t *testing.T) {
	mock := providers.NewMockLLM()
	mock.ChatFunc = func(_ context.Context, _ *providers.ChatRequest) (*providers.ChatResult, error) {
		// Only one of the two attributes scored.
		return providers.OKJSON(map[string]any{
			"scores": map[string]float64{"invoice_number": 0.9},
		}), nil
	}

	stage, blobs := newTestStage(t, mock, Options{AlertThreshold: 0.7})
	d := testDocument(t, blobs)

	if err := stage.Run(context.Background(), d); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var summary Summary
	if err := json.Unmarshal(d.Extras["assessment"], &summary); err != nil {
		t.Fatal(err)
	}
	if summary.AlertCount != 1 {
		t.Errorf("alert count = %d, want 1 (unscored attribute)", summary.AlertCount)
	}
}

func TestRunSkipsSectionsWithoutAttributes(t *testing.T) {
	mock := providers.NewMockLLM()
	calls := 0
	mock.ChatFunc = func(_ context.Context, _ *providers.ChatRequest) (*providers.ChatResult, error) {
		calls++
		return providers.OKJSON(map[string]any{"scores": map[string]float64{}}), nil
	}

	stage, blobs := newTestStage(t, mock, Options{})
	d := testDocument(t, blobs)
	d.Sections = append(d.Sections, &doc.Section{ID: "2", Classification: "unknown", PageIDs: []string{"0001"}})

	if err := stage.Run(context.Background(), d); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRunPerAttributeThreshold(t *testing.T) {
	mock := providers.NewMockLLM()
	mock.ChatFunc = func(_ context.Context, _ *providers.ChatRequest) (*providers.ChatResult, error) {
		return providers.OKJSON(map[string]any{
			"scores": map[string]float64{"invoice_number": 0.6, "total": 0.4},
		}), nil
	}

	stage, blobs := newTestStage(t, mock, Options{AlertThreshold: 0.7})

	// The invoice class relaxes the total threshold to 0.3, so 0.4 passes
	// while invoice_number still alerts under the 0.7 default.
	classReg := classes.NewRegistry()
	if err := classReg.Register(&classes.Class{
		Name:                 "invoice",
		ConfidenceThresholds: map[string]float64{"total": 0.3},
	}); err != nil {
		t.Fatal(err)
	}
	stage.classes = classReg

	d := testDocument(t, blobs)
	if err := stage.Run(context.Background(), d); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var stored Result
	data, err := blobs.Get(context.Background(), mustURI(t, blobs, blob.SectionAssessmentKey(d.ID, "1")))
	if err != nil {
		t.Fatalf("assessment artifact: %v", err)
	}
	if err := json.Unmarshal(data, &stored); err != nil {
		t.Fatal(err)
	}
	if len(stored.Alerts) != 1 || stored.Alerts[0] != "invoice_number" {
		t.Errorf("alerts = %v, want [invoice_number]", stored.Alerts)
	}
	if got := stored.Thresholds["total"]; got != 0.3 {
		t.Errorf("total threshold = %v, want 0.3", got)
	}
}

func TestRunProviderFailure(t *testing.T) {
	mock := providers.NewMockLLM()
	mock.ChatFunc = func(_ context.Context, _ *providers.ChatRequest) (*providers.ChatResult, error) {
		return providers.FailWith(providers.ErrorTypeServer, "boom"), nil
	}

	stage, blobs := newTestStage(t, mock, Options{})
	d := testDocument(t, blobs)

	err := stage.Run(context.Background(), d)
	var se *pipeline.StageError
	if !errors.As(err, &se) || se.Kind != pipeline.KindTransientProvider {
		t.Fatalf("err = %v, want TRANSIENT_PROVIDER", err)
	}
}

// mustURI resolves a key to a URI through the fs store layout.
func mustURI(t *testing.T, blobs blob.Store, key string) string {
	t.Helper()
	fs, ok := blobs.(*blob.FSStore)
	if !ok {
		t.Fatal("expected FSStore")
	}
	return fs.URI(key)
}
