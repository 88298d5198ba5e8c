package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MockLLM is a scripted LLM client for tests. Responses are consumed in
// order; when the script runs out the last entry repeats.
type MockLLM struct {
	mu sync.Mutex

	name      string
	model     string
	responses []*ChatResult
	calls     []*ChatRequest
	next      int

	// ChatFunc, when set, overrides the scripted responses entirely.
	ChatFunc func(ctx context.Context, req *ChatRequest) (*ChatResult, error)
}

// NewMockLLM creates a mock client with the given scripted responses.
func NewMockLLM(responses ...*ChatResult) *MockLLM {
	return &MockLLM{name: "mock", model: "mock-model", responses: responses}
}

func (m *MockLLM) Name() string  { return m.name }
func (m *MockLLM) Model() string { return m.model }

func (m *MockLLM) Chat(ctx context.Context, req *ChatRequest) (*ChatResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.ChatFunc != nil {
		return m.ChatFunc(ctx, req)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, req)

	if len(m.responses) == 0 {
		return nil, fmt.Errorf("mock llm: no scripted responses")
	}
	idx := m.next
	if idx >= len(m.responses) {
		idx = len(m.responses) - 1
	}
	m.next++
	return m.responses[idx], nil
}

// Calls returns a copy of the requests seen so far.
func (m *MockLLM) Calls() []*ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*ChatRequest, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns the number of Chat invocations.
func (m *MockLLM) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// OKJSON builds a successful structured-output result for scripting.
func OKJSON(v any) *ChatResult {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return &ChatResult{
		Content:     string(raw),
		ParsedJSON:  raw,
		Provider:    "mock",
		ModelUsed:   "mock-model",
		Success:     true,
		TotalTokens: 10,
	}
}

// FailWith builds a failed result of the given error type for scripting.
func FailWith(et ErrorType, msg string) *ChatResult {
	return &ChatResult{
		Provider:     "mock",
		ModelUsed:    "mock-model",
		Success:      false,
		ErrorType:    et,
		ErrorMessage: msg,
	}
}

// MockOCR is a scripted OCR provider for tests.
type MockOCR struct {
	mu sync.Mutex

	results map[int]*OCRResult // keyed by page number
	calls   []int

	// Default is returned for pages without an entry in results.
	Default *OCRResult

	// ProcessFunc, when set, overrides the scripted results entirely.
	ProcessFunc func(ctx context.Context, image []byte, pageNum int) (*OCRResult, error)
}

// NewMockOCR creates a mock OCR provider with a default success result.
func NewMockOCR() *MockOCR {
	return &MockOCR{
		results: make(map[int]*OCRResult),
		Default: &OCRResult{Success: true, Text: "mock page text"},
	}
}

func (m *MockOCR) Name() string { return "mock-ocr" }

// SetPage scripts the result for a specific page number.
func (m *MockOCR) SetPage(pageNum int, r *OCRResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[pageNum] = r
}

func (m *MockOCR) ProcessPage(ctx context.Context, image []byte, pageNum int) (*OCRResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.ProcessFunc != nil {
		return m.ProcessFunc(ctx, image, pageNum)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, pageNum)

	if r, ok := m.results[pageNum]; ok {
		return r, nil
	}
	return m.Default, nil
}

// Pages returns the page numbers processed so far.
func (m *MockOCR) Pages() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, len(m.calls))
	copy(out, m.calls)
	return out
}
