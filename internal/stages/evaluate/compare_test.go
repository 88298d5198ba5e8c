package evaluate

import (
	"context"
	"testing"

	"github.com/jackzampolin/docpipe/internal/classes"
	"github.com/jackzampolin/docpipe/internal/providers"
)

func TestLevenshtein(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"abc", "", 3},
		{"", "abc", 3},
		{"kitten", "sitting", 3},
		{"flaw", "lawn", 2},
		{"same", "same", 0},
		{"café", "cafe", 1},
	}
	for _, tc := range tests {
		if got := levenshtein(tc.a, tc.b); got != tc.want {
			t.Errorf("levenshtein(%q, %q) = %d, want %d", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestCompareValuesLocal(t *testing.T) {
	tests := []struct {
		name      string
		ev        classes.AttributeEval
		expected  any
		actual    any
		wantMatch bool
	}{
		{"exact match", classes.AttributeEval{Method: classes.EvalExact}, "INV-42", "INV-42", true},
		{"exact trims whitespace", classes.AttributeEval{Method: classes.EvalExact}, "INV-42", "  INV-42 ", true},
		{"exact case sensitive", classes.AttributeEval{Method: classes.EvalExact}, "INV-42", "inv-42", false},
		{"empty method defaults exact", classes.AttributeEval{}, "a", "a", true},
		{"numeric string vs float", classes.AttributeEval{Method: classes.EvalNumericExact}, "103.50", 103.5, true},
		{"numeric mismatch", classes.AttributeEval{Method: classes.EvalNumericExact}, 103.5, 104.0, false},
		{"numeric non-number", classes.AttributeEval{Method: classes.EvalNumericExact}, "abc", 1.0, false},
		{"fuzzy case and spacing", classes.AttributeEval{Method: classes.EvalFuzzy}, "Acme  Corp", "acme corp", true},
		{"fuzzy below threshold", classes.AttributeEval{Method: classes.EvalFuzzy}, "Acme Corp", "Globex Inc", false},
		{"levenshtein near", classes.AttributeEval{Method: classes.EvalLevenshtein, Threshold: 0.8}, "invoice 42", "invoice 43", true},
		{"levenshtein far", classes.AttributeEval{Method: classes.EvalLevenshtein, Threshold: 0.8}, "invoice", "receipt", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, match, err := compareValues(context.Background(), nil, tc.ev, tc.expected, tc.actual)
			if err != nil {
				t.Fatalf("compareValues: %v", err)
			}
			if match != tc.wantMatch {
				t.Errorf("match = %v, want %v", match, tc.wantMatch)
			}
		})
	}
}

func TestCompareValuesSemantic(t *testing.T) {
	mock := providers.NewMockLLM()
	mock.ChatFunc = func(_ context.Context, _ *providers.ChatRequest) (*providers.ChatResult, error) {
		return providers.OKJSON(map[string]any{"equivalent": false, "score": 0.9}), nil
	}

	ev := classes.AttributeEval{Method: classes.EvalSemantic}
	score, match, err := compareValues(context.Background(), mock, ev, "New York City", "NYC")
	if err != nil {
		t.Fatal(err)
	}
	if score != 0.9 || !match {
		t.Errorf("score = %v match = %v, want 0.9/true (SEMANTIC uses score, not verdict)", score, match)
	}

	// LLM method trusts the verdict instead.
	ev.Method = classes.EvalLLM
	_, match, err = compareValues(context.Background(), mock, ev, "New York City", "NYC")
	if err != nil {
		t.Fatal(err)
	}
	if match {
		t.Error("LLM method should follow the equivalent=false verdict")
	}
}

func TestCompareValuesSemanticNoClient(t *testing.T) {
	ev := classes.AttributeEval{Method: classes.EvalSemantic}
	if _, _, err := compareValues(context.Background(), nil, ev, "a", "b"); err == nil {
		t.Fatal("expected error without a client")
	}
}

func TestCompareHungarian(t *testing.T) {
	ev := classes.AttributeEval{Method: classes.EvalHungarian}

	lineItems := func(descs ...string) []any {
		out := make([]any, len(descs))
		for i, d := range descs {
			out[i] = map[string]any{"description": d, "qty": float64(i + 1)}
		}
		return out
	}

	t.Run("perfect match out of order", func(t *testing.T) {
		expected := lineItems("widgets", "gadgets")
		actual := []any{
			map[string]any{"description": "gadgets", "qty": float64(2)},
			map[string]any{"description": "widgets", "qty": float64(1)},
		}
		score, match, err := compareValues(context.Background(), nil, ev, expected, actual)
		if err != nil {
			t.Fatal(err)
		}
		if score != 1 || !match {
			t.Errorf("score = %v match = %v, want 1/true", score, match)
		}
	})

	t.Run("partial match", func(t *testing.T) {
		expected := lineItems("widgets", "gadgets")
		actual := lineItems("widgets")
		score, match, err := compareValues(context.Background(), nil, ev, expected, actual)
		if err != nil {
			t.Fatal(err)
		}
		if score != 0.5 || match {
			t.Errorf("score = %v match = %v, want 0.5/false", score, match)
		}
	})

	t.Run("both empty", func(t *testing.T) {
		score, match, err := compareValues(context.Background(), nil, ev, []any{}, []any{})
		if err != nil {
			t.Fatal(err)
		}
		if score != 1 || !match {
			t.Errorf("score = %v match = %v, want 1/true", score, match)
		}
	})

	t.Run("not a list", func(t *testing.T) {
		if _, _, err := compareValues(context.Background(), nil, ev, "scalar", []any{}); err == nil {
			t.Fatal("expected error for non-array value")
		}
	})
}

func TestAssign(t *testing.T) {
	// Row 0 is cheapest on column 1, row 1 on column 0; greedy by row
	// order would pick (0,0)+(1,1)=5, optimal is (0,1)+(1,0)=2.
	cost := [][]float64{
		{2, 1},
		{1, 3},
	}
	match := assign(cost)
	if match[0] != 1 || match[1] != 0 {
		t.Errorf("match = %v, want [1 0]", match)
	}
}

func TestAssignRectangular(t *testing.T) {
	cost := [][]float64{
		{0.9, 0.1, 0.5},
		{0.2, 0.8, 0.1},
	}
	match := assign(cost)
	if match[0] != 1 || match[1] != 2 {
		t.Errorf("match = %v, want [1 2]", match)
	}
}
