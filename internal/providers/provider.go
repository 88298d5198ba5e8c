// Package providers abstracts the OCR and LLM backends the pipeline calls.
// Stages depend only on the interfaces here; concrete clients are registered
// at startup keyed by stage and provider name.
package providers

import (
	"context"
	"encoding/json"
	"time"
)

// ErrorType classifies a failed provider call for the retry policy.
type ErrorType string

const (
	ErrorTypeThrottled ErrorType = "throttled"
	ErrorTypeTimeout   ErrorType = "timeout"
	ErrorTypeServer    ErrorType = "server_error"
	ErrorTypeBadOutput ErrorType = "bad_output"
	ErrorTypeOther     ErrorType = "error"
)

// Transient reports whether the error type is worth retrying.
func (e ErrorType) Transient() bool {
	switch e {
	case ErrorTypeThrottled, ErrorTypeTimeout, ErrorTypeServer:
		return true
	default:
		return false
	}
}

// LLMClient is the interface for chat/completion requests. One client per
// configured provider, shared within a worker and guarded by its rate limiter.
type LLMClient interface {
	// Chat sends a chat completion request.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResult, error)

	// Name returns the client identifier (e.g. "openai").
	Name() string

	// Model returns the default model identifier.
	Model() string
}

// OCRProvider extracts text from a page image. Separate from LLMClient
// because it has different rate limiting and result handling (per-block
// geometry and confidence vs chat content).
type OCRProvider interface {
	// Name returns the provider identifier.
	Name() string

	// ProcessPage extracts text from a single page image.
	ProcessPage(ctx context.Context, image []byte, pageNum int) (*OCRResult, error)
}

// Message is a chat message.
type Message struct {
	Role    string   `json:"role"` // "system", "user", "assistant"
	Content string   `json:"content"`
	Images  [][]byte `json:"-"` // for vision models, attached to the request
}

// ResponseFormat requests structured output conforming to a JSON schema.
type ResponseFormat struct {
	Name       string          `json:"name"`
	JSONSchema json.RawMessage `json:"json_schema"`
}

// ChatRequest is a request to an LLM.
type ChatRequest struct {
	Messages []Message `json:"messages"`

	// Model selection (client default if empty)
	Model string `json:"model,omitempty"`

	// Generation parameters
	Temperature float64       `json:"temperature,omitempty"`
	TopK        int           `json:"top_k,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Timeout     time.Duration `json:"-"`

	// Structured output
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`
}

// ChatResult is the response from an LLM call.
type ChatResult struct {
	Content    string          `json:"content"`
	ParsedJSON json.RawMessage `json:"parsed_json,omitempty"` // set when ResponseFormat was requested

	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`

	Provider  string `json:"provider"`
	ModelUsed string `json:"model_used"`

	Success      bool      `json:"success"`
	ErrorType    ErrorType `json:"error_type,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	RetryAfter   time.Duration
}

// Block is one OCR text block with geometry and confidence.
type Block struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"` // 0..1
	Page       int     `json:"page"`

	// Normalized bounding box, 0..1 in page coordinates.
	Left   float64 `json:"left,omitempty"`
	Top    float64 `json:"top,omitempty"`
	Width  float64 `json:"width,omitempty"`
	Height float64 `json:"height,omitempty"`
}

// OCRResult is the response from an OCR provider for one page.
type OCRResult struct {
	Success bool    `json:"success"`
	Text    string  `json:"text"` // markdown formatted
	Blocks  []Block `json:"blocks,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`

	ErrorType    ErrorType `json:"error_type,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
}
