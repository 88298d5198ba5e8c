package evaluate

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackzampolin/docpipe/internal/classes"
	"github.com/jackzampolin/docpipe/internal/pipeline"
	"github.com/jackzampolin/docpipe/internal/providers"
)

// Default thresholds per method, used when the class declares none.
const (
	defaultFuzzyThreshold       = 0.85
	defaultLevenshteinThreshold = 0.8
	defaultSemanticThreshold    = 0.8
	defaultHungarianThreshold   = 0.5 // pairwise similarity for a match
)

// compareValues scores an extracted value against its baseline using the
// attribute's configured method. Score is in [0,1]; match applies the
// method threshold. SEMANTIC and LLM need a provider client; the others
// run locally.
func compareValues(ctx context.Context, client providers.LLMClient, ev classes.AttributeEval, expected, actual any) (float64, bool, error) {
	switch ev.Method {
	case classes.EvalExact, "":
		if strings.TrimSpace(asString(expected)) == strings.TrimSpace(asString(actual)) {
			return 1, true, nil
		}
		return 0, false, nil

	case classes.EvalNumericExact:
		e, eok := asNumber(expected)
		a, aok := asNumber(actual)
		if eok && aok && numericEqual(e, a) {
			return 1, true, nil
		}
		return 0, false, nil

	case classes.EvalFuzzy:
		score := similarity(normalize(asString(expected)), normalize(asString(actual)))
		return score, score >= threshold(ev, defaultFuzzyThreshold), nil

	case classes.EvalLevenshtein:
		score := similarity(asString(expected), asString(actual))
		return score, score >= threshold(ev, defaultLevenshteinThreshold), nil

	case classes.EvalSemantic, classes.EvalLLM:
		return compareLLM(ctx, client, ev, expected, actual)

	case classes.EvalHungarian:
		return compareHungarian(ev, expected, actual)

	default:
		return 0, false, fmt.Errorf("unknown evaluation method %q", ev.Method)
	}
}

// compareHungarian matches two arrays of objects 1-to-1 by maximum total
// similarity, then scores the fraction of optimally-paired elements whose
// similarity clears the threshold.
func compareHungarian(ev classes.AttributeEval, expected, actual any) (float64, bool, error) {
	exp, err := asObjectList(expected)
	if err != nil {
		return 0, false, err
	}
	act, err := asObjectList(actual)
	if err != nil {
		return 0, false, err
	}

	if len(exp) == 0 && len(act) == 0 {
		return 1, true, nil
	}
	if len(exp) == 0 || len(act) == 0 {
		return 0, false, nil
	}

	// assign needs rows <= columns; track which side is which.
	rows, cols := exp, act
	transposed := false
	if len(rows) > len(cols) {
		rows, cols = cols, rows
		transposed = true
	}

	cost := make([][]float64, len(rows))
	for i, r := range rows {
		cost[i] = make([]float64, len(cols))
		for j, c := range cols {
			if transposed {
				cost[i][j] = 1 - objectSimilarity(c, r)
			} else {
				cost[i][j] = 1 - objectSimilarity(r, c)
			}
		}
	}

	pairThreshold := threshold(ev, defaultHungarianThreshold)
	matched := 0
	for i, j := range assign(cost) {
		if 1-cost[i][j] >= pairThreshold {
			matched++
		}
	}

	total := len(exp)
	if len(act) > total {
		total = len(act)
	}
	score := float64(matched) / float64(total)
	return score, matched == total, nil
}

// objectSimilarity is the fraction of expected fields whose values match
// exactly in the candidate.
func objectSimilarity(expected, actual map[string]any) float64 {
	if len(expected) == 0 {
		return 0
	}
	hits := 0
	for k, ev := range expected {
		av, ok := actual[k]
		if ok && strings.TrimSpace(asString(ev)) == strings.TrimSpace(asString(av)) {
			hits++
		}
	}
	return float64(hits) / float64(len(expected))
}

// compareLLM asks the provider to judge equivalence. SEMANTIC applies the
// threshold to the returned score; LLM trusts the boolean verdict.
func compareLLM(ctx context.Context, client providers.LLMClient, ev classes.AttributeEval, expected, actual any) (float64, bool, error) {
	if client == nil {
		return 0, false, fmt.Errorf("method %s needs a provider client", ev.Method)
	}

	req := &providers.ChatRequest{
		Messages: []providers.Message{
			{Role: "system", Content: "You judge whether an extracted value is equivalent to the expected value. " +
				"Score semantic similarity from 0 to 1 and give a verdict. Formatting differences do not matter; " +
				"meaning does."},
			{Role: "user", Content: fmt.Sprintf("Expected: %s\nExtracted: %s", asString(expected), asString(actual))},
		},
		ResponseFormat: &providers.ResponseFormat{Name: "equivalence_judgment", JSONSchema: judgmentSchema},
	}

	chat, err := client.Chat(ctx, req)
	if err != nil {
		return 0, false, err
	}
	if !chat.Success {
		return 0, false, pipeline.FromProviderError("evaluate", chat.ErrorType, chat.ErrorMessage)
	}

	var parsed struct {
		Equivalent bool    `json:"equivalent"`
		Score      float64 `json:"score"`
	}
	if err := json.Unmarshal(chat.ParsedJSON, &parsed); err != nil {
		return 0, false, pipeline.NewStageError("evaluate", pipeline.KindPermanentSchema, err)
	}

	if ev.Method == classes.EvalSemantic {
		return parsed.Score, parsed.Score >= threshold(ev, defaultSemanticThreshold), nil
	}
	return parsed.Score, parsed.Equivalent, nil
}

func threshold(ev classes.AttributeEval, def float64) float64 {
	if ev.Threshold > 0 {
		return ev.Threshold
	}
	return def
}

// levenshtein is the edit distance between two strings, by runes.
func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}

	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			sub := prev[j-1]
			if ra[i-1] != rb[j-1] {
				sub++
			}
			cur[j] = min3(cur[j-1]+1, prev[j]+1, sub)
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)]
}

// similarity is 1 - normalized edit distance.
func similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	maxLen := len([]rune(a))
	if l := len([]rune(b)); l > maxLen {
		maxLen = l
	}
	if maxLen == 0 {
		return 1
	}
	return 1 - float64(levenshtein(a, b))/float64(maxLen)
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}

// normalize lowercases and collapses whitespace for fuzzy comparison.
func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func asString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(raw)
	}
}

func asNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func numericEqual(a, b float64) bool {
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return diff < 1e-9
}

func asObjectList(v any) ([]map[string]any, error) {
	if v == nil {
		return nil, nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("value is %T, want array of objects", v)
	}
	out := make([]map[string]any, 0, len(list))
	for _, item := range list {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("array element is %T, want object", item)
		}
		out = append(out, obj)
	}
	return out, nil
}

var judgmentSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "equivalent": {"type": "boolean"},
    "score": {"type": "number"}
  },
  "required": ["equivalent", "score"],
  "additionalProperties": false
}`)
