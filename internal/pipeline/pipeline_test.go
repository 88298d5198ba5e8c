package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackzampolin/docpipe/internal/blob"
	"github.com/jackzampolin/docpipe/internal/config"
	"github.com/jackzampolin/docpipe/internal/doc"
	"github.com/jackzampolin/docpipe/internal/intake"
	"github.com/jackzampolin/docpipe/internal/track"
)

// fakeStage is a scripted stage for orchestrator tests.
type fakeStage struct {
	name   string
	status doc.Status
	run    func(ctx context.Context, d *doc.Document) error
	calls  int
}

func (s *fakeStage) Name() string       { return s.name }
func (s *fakeStage) Status() doc.Status { return s.status }
func (s *fakeStage) Run(ctx context.Context, d *doc.Document) error {
	s.calls++
	if s.run == nil {
		return nil
	}
	return s.run(ctx, d)
}

func fastRetryCfg() config.RetryCfg {
	return config.RetryCfg{BaseDelayMS: 1, Factor: 2, Jitter: 0, MaxDelayMS: 5, MaxAttempts: 3}
}

func testPipeline(t *testing.T, stages []Stage) (*Pipeline, track.Store, *doc.Document) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Retry = fastRetryCfg()

	store := track.NewMemoryStore()
	blobs, err := blob.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	q := intake.NewQueue(16, time.Minute, 3, nil)
	t.Cleanup(q.Close)

	p := New(cfg, blobs, store, q, intake.NewGate(2), stages, nil)

	d := doc.New("doc-1", doc.Location{Bucket: "in", Key: "a.pdf"}, "out/a")
	if _, err := store.Save(context.Background(), d, track.AnyVersion); err != nil {
		t.Fatal(err)
	}
	return p, store, d
}

func okStage(name string, status doc.Status) *fakeStage {
	return &fakeStage{name: name, status: status}
}

func TestExecuteHappyPath(t *testing.T) {
	ocr := okStage("ocr", doc.StatusOCR)
	classify := okStage("classify", doc.StatusClassifying)
	extract := okStage("extract", doc.StatusExtracting)

	p, store, d := testPipeline(t, []Stage{ocr, classify, extract})

	if err := p.Execute(context.Background(), d.ID); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	final, _, err := store.Get(context.Background(), d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != doc.StatusCompleted {
		t.Errorf("status = %s, want COMPLETED", final.Status)
	}
	if final.ExecutionID == "" {
		t.Error("execution ID not assigned")
	}
	if final.StartedAt == nil || final.CompletedAt == nil {
		t.Error("timestamps not stamped")
	}
	for _, s := range []*fakeStage{ocr, classify, extract} {
		if s.calls != 1 {
			t.Errorf("stage %s ran %d times, want 1", s.name, s.calls)
		}
	}
}

func TestExecutePermanentFailureStopsRun(t *testing.T) {
	ocr := okStage("ocr", doc.StatusOCR)
	classify := &fakeStage{
		name:   "classify",
		status: doc.StatusClassifying,
		run: func(ctx context.Context, d *doc.Document) error {
			return NewStageError("classify", KindPermanentInput, errors.New("zero pages"))
		},
	}
	extract := okStage("extract", doc.StatusExtracting)

	p, store, d := testPipeline(t, []Stage{ocr, classify, extract})

	err := p.Execute(context.Background(), d.ID)
	if err == nil {
		t.Fatal("expected error")
	}
	var se *StageError
	if !errors.As(err, &se) || se.Kind != KindPermanentInput {
		t.Errorf("err = %v, want PERMANENT_INPUT stage error", err)
	}

	final, _, _ := store.Get(context.Background(), d.ID)
	if final.Status != doc.StatusFailed {
		t.Errorf("status = %s, want FAILED", final.Status)
	}
	if len(final.Errors) != 1 || final.Errors[0].Kind != "PERMANENT_INPUT" {
		t.Errorf("error record = %+v", final.Errors)
	}
	if classify.calls != 1 {
		t.Errorf("permanent failure retried %d times", classify.calls)
	}
	if extract.calls != 0 {
		t.Error("extract ran after a failed classify")
	}
}

func TestExecuteTransientFailureRetried(t *testing.T) {
	attempts := 0
	flaky := &fakeStage{
		name:   "ocr",
		status: doc.StatusOCR,
		run: func(ctx context.Context, d *doc.Document) error {
			attempts++
			if attempts < 3 {
				return NewStageError("ocr", KindTransientProvider, errors.New("throttled"))
			}
			return nil
		},
	}

	p, store, d := testPipeline(t, []Stage{flaky})

	if err := p.Execute(context.Background(), d.ID); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}

	final, _, _ := store.Get(context.Background(), d.ID)
	if final.Status != doc.StatusCompleted {
		t.Errorf("status = %s, want COMPLETED", final.Status)
	}
}

func TestExecuteTransientExhaustionFails(t *testing.T) {
	flaky := &fakeStage{
		name:   "ocr",
		status: doc.StatusOCR,
		run: func(ctx context.Context, d *doc.Document) error {
			return NewStageError("ocr", KindTransientIO, errors.New("blob read failed"))
		},
	}

	p, store, d := testPipeline(t, []Stage{flaky})

	if err := p.Execute(context.Background(), d.ID); err == nil {
		t.Fatal("expected error after retry exhaustion")
	}
	if flaky.calls != 3 {
		t.Errorf("attempts = %d, want 3 (budget)", flaky.calls)
	}

	final, _, _ := store.Get(context.Background(), d.ID)
	if final.Status != doc.StatusFailed {
		t.Errorf("status = %s, want FAILED", final.Status)
	}
	if len(final.Errors) == 0 || final.Errors[0].Kind != "TRANSIENT_IO" {
		t.Errorf("error record = %+v", final.Errors)
	}
}

func TestExecuteStageTimeoutFailsTransient(t *testing.T) {
	// A stage that never returns on its own must be cut off by the
	// per-attempt deadline and retried as a transient failure.
	hang := &fakeStage{
		name:   "ocr",
		status: doc.StatusOCR,
		run: func(ctx context.Context, d *doc.Document) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}

	p, store, d := testPipeline(t, []Stage{hang})
	p.cfg.Pipeline.StageTimeout = 10 * time.Millisecond

	if err := p.Execute(context.Background(), d.ID); err == nil {
		t.Fatal("expected error from a hung stage")
	}
	if hang.calls != 3 {
		t.Errorf("attempts = %d, want 3 (timeout retried)", hang.calls)
	}

	final, _, _ := store.Get(context.Background(), d.ID)
	if final.Status != doc.StatusFailed {
		t.Errorf("status = %s, want FAILED", final.Status)
	}
	if len(final.Errors) == 0 || final.Errors[0].Kind != "TRANSIENT_IO" {
		t.Errorf("error record = %+v", final.Errors)
	}
}

func TestExecuteCancellationPersistsFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	stage := &fakeStage{
		name:   "ocr",
		status: doc.StatusOCR,
		run: func(ctx context.Context, d *doc.Document) error {
			cancel()
			return ctx.Err()
		},
	}

	p, store, d := testPipeline(t, []Stage{stage})

	err := p.Execute(ctx, d.ID)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}

	// The terminal state lands in the store despite the cancelled context.
	final, _, getErr := store.Get(context.Background(), d.ID)
	if getErr != nil {
		t.Fatal(getErr)
	}
	if final.Status != doc.StatusFailed {
		t.Errorf("status = %s, want FAILED", final.Status)
	}
	if len(final.Errors) != 1 || final.Errors[0].Kind != "CANCELLED" {
		t.Errorf("error record = %+v", final.Errors)
	}
}

func TestExecuteSkipsTerminalDocument(t *testing.T) {
	stage := okStage("ocr", doc.StatusOCR)
	p, store, d := testPipeline(t, []Stage{stage})
	ctx := context.Background()

	if err := d.Transition(doc.StatusFailed); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Save(ctx, d, track.AnyVersion); err != nil {
		t.Fatal(err)
	}

	if err := p.Execute(ctx, d.ID); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if stage.calls != 0 {
		t.Error("stage ran for a terminal document")
	}
}

func TestExecuteOversizedHandoff(t *testing.T) {
	// A stage that inflates the document past the (tiny) threshold; the
	// handoff must spill to the blob store and rehydrate losslessly.
	inflate := &fakeStage{
		name:   "ocr",
		status: doc.StatusOCR,
		run: func(ctx context.Context, d *doc.Document) error {
			for i := 1; i <= 50; i++ {
				d.AddPage(&doc.Page{
					ID:       fmt.Sprintf("%04d", i),
					ImageURI: fmt.Sprintf("file:///pages/%04d.png", i),
				})
			}
			return nil
		},
	}
	verify := &fakeStage{
		name:   "classify",
		status: doc.StatusClassifying,
		run: func(ctx context.Context, d *doc.Document) error {
			if d.NumPages != 50 || len(d.Pages) != 50 {
				return fmt.Errorf("rehydrated document lost pages: %d", len(d.Pages))
			}
			return nil
		},
	}

	p, store, d := testPipeline(t, []Stage{inflate, verify})
	p.cfg.Compression.ThresholdBytes = 256

	if err := p.Execute(context.Background(), d.ID); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	final, _, _ := store.Get(context.Background(), d.ID)
	if final.Status != doc.StatusCompleted {
		t.Errorf("status = %s, want COMPLETED", final.Status)
	}
	if final.NumPages != 50 {
		t.Errorf("NumPages = %d, want 50", final.NumPages)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"stage error keeps kind", NewStageError("x", KindPermanentSchema, errors.New("bad")), KindPermanentSchema},
		{"wrapped stage error", fmt.Errorf("outer: %w", NewStageError("x", KindCancelled, errors.New("stop"))), KindCancelled},
		{"context cancelled", context.Canceled, KindCancelled},
		{"deadline", context.DeadlineExceeded, KindTransientIO},
		{"blob not found", blob.ErrNotFound, KindTransientIO},
		{"invalid uri", blob.ErrInvalidURI, KindPermanentInput},
		{"unknown", errors.New("mystery"), KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify("stage", tt.err).Kind; got != tt.want {
				t.Errorf("kind = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestKindRetryable(t *testing.T) {
	retryable := []Kind{KindTransientIO, KindTransientProvider, KindUnknown}
	for _, k := range retryable {
		if !k.Retryable() {
			t.Errorf("%s should be retryable", k)
		}
	}
	permanent := []Kind{KindPermanentSchema, KindPermanentInput, KindCancelled, KindAdmissionRejected}
	for _, k := range permanent {
		if k.Retryable() {
			t.Errorf("%s should not be retryable", k)
		}
	}
}

func TestRetryPolicyDelayBounds(t *testing.T) {
	p := NewRetryPolicy(config.RetryCfg{
		BaseDelayMS: 500, Factor: 2, Jitter: 0.25, MaxDelayMS: 30000, MaxAttempts: 5,
	}, nil)

	for n := uint(0); n < 12; n++ {
		d := p.delay(n, nil, nil)
		if d < 0 {
			t.Fatalf("negative delay at attempt %d", n)
		}
		if d > 30*time.Second {
			t.Fatalf("delay %v exceeds cap at attempt %d", d, n)
		}
	}

	// Without jitter the progression is exactly base * factor^n, capped.
	nj := NewRetryPolicy(config.RetryCfg{
		BaseDelayMS: 500, Factor: 2, Jitter: 0, MaxDelayMS: 30000, MaxAttempts: 5,
	}, nil)
	want := []time.Duration{500, 1000, 2000, 4000, 8000, 16000, 30000, 30000}
	for n, w := range want {
		if got := nj.delay(uint(n), nil, nil); got != w*time.Millisecond {
			t.Errorf("delay(%d) = %v, want %v", n, got, w*time.Millisecond)
		}
	}
}
