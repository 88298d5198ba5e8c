package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
)

const (
	OpenAIName          = "openai"
	openAIDefaultModel  = "gpt-4o-mini"
	openAIDefaultRPS    = 2.0
	openAIDefaultTimout = 60 * time.Second
)

// OpenAIConfig holds configuration for the OpenAI client.
type OpenAIConfig struct {
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	RPS         float64
	Timeout     time.Duration
	BaseURL     string       // optional (tests)
	HTTPClient  *http.Client // optional (tests)
}

// OpenAIClient implements LLMClient and OCRProvider using the official SDK.
// OCR uses the vision path: the page image is presented to a multimodal model
// that returns markdown text plus per-block confidence.
type OpenAIClient struct {
	client      openai.Client
	model       string
	temperature float64
	maxTokens   int
	timeout     time.Duration
	limiter     *RateLimiter
}

// NewOpenAIClient creates a new OpenAI client.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	if cfg.Model == "" {
		cfg.Model = openAIDefaultModel
	}
	if cfg.RPS <= 0 {
		cfg.RPS = openAIDefaultRPS
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = openAIDefaultTimout
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}

	return &OpenAIClient{
		client:      openai.NewClient(opts...),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		timeout:     cfg.Timeout,
		limiter:     NewRateLimiter(cfg.RPS),
	}
}

// Name returns the client identifier.
func (c *OpenAIClient) Name() string { return OpenAIName }

// Model returns the default model identifier.
func (c *OpenAIClient) Model() string { return c.model }

// Limiter exposes the client's rate limiter for status reporting.
func (c *OpenAIClient) Limiter() *RateLimiter { return c.limiter }

// Chat sends a chat completion request.
func (c *OpenAIClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	model := req.Model
	if model == "" {
		model = c.model
	}
	timeout := req.Timeout
	if timeout == 0 {
		timeout = c.timeout
	}

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: buildMessages(req.Messages),
	}
	if temp := req.Temperature; temp > 0 {
		params.Temperature = openai.Float(temp)
	} else if c.temperature > 0 {
		params.Temperature = openai.Float(c.temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	} else if c.maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(c.maxTokens))
	}
	if req.ResponseFormat != nil {
		var schemaDoc any
		if err := json.Unmarshal(req.ResponseFormat.JSONSchema, &schemaDoc); err != nil {
			return nil, fmt.Errorf("invalid response schema: %w", err)
		}
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
				JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   req.ResponseFormat.Name,
					Schema: schemaDoc,
					Strict: openai.Bool(true),
				},
			},
		}
	}

	resp, err := c.client.Chat.Completions.New(ctx, params, option.WithRequestTimeout(timeout))
	if err != nil {
		result, cerr := classifyOpenAIError(err)
		if result != nil && result.ErrorType == ErrorTypeThrottled {
			// Drain the bucket so concurrent callers back off too.
			c.limiter.RecordThrottle()
		}
		return result, cerr
	}

	result := &ChatResult{
		Provider:  OpenAIName,
		ModelUsed: resp.Model,
		Success:   true,
	}
	result.PromptTokens = resp.Usage.PromptTokens
	result.CompletionTokens = resp.Usage.CompletionTokens
	result.TotalTokens = resp.Usage.TotalTokens

	if len(resp.Choices) == 0 {
		result.Success = false
		result.ErrorType = ErrorTypeServer
		result.ErrorMessage = "empty choices in response"
		return result, nil
	}
	result.Content = resp.Choices[0].Message.Content

	if req.ResponseFormat != nil {
		parsed, err := ParseStructuredJSON(result.Content)
		if err != nil {
			result.Success = false
			result.ErrorType = ErrorTypeBadOutput
			result.ErrorMessage = err.Error()
			return result, nil
		}
		result.ParsedJSON = parsed
	}

	return result, nil
}

// ProcessPage extracts text from a page image via the vision path.
func (c *OpenAIClient) ProcessPage(ctx context.Context, image []byte, pageNum int) (*OCRResult, error) {
	req := &ChatRequest{
		Messages: []Message{
			{Role: "system", Content: ocrSystemPrompt},
			{Role: "user", Content: fmt.Sprintf("Transcribe page %d.", pageNum), Images: [][]byte{image}},
		},
		ResponseFormat: &ResponseFormat{Name: "page_transcription", JSONSchema: ocrResponseSchema},
	}

	chat, err := c.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	if !chat.Success {
		return &OCRResult{
			Success:      false,
			ErrorType:    chat.ErrorType,
			ErrorMessage: chat.ErrorMessage,
		}, nil
	}

	var parsed struct {
		Text   string `json:"text"`
		Blocks []struct {
			Text       string  `json:"text"`
			Confidence float64 `json:"confidence"`
		} `json:"blocks"`
	}
	if err := json.Unmarshal(chat.ParsedJSON, &parsed); err != nil {
		return &OCRResult{
			Success:      false,
			ErrorType:    ErrorTypeBadOutput,
			ErrorMessage: fmt.Sprintf("unparseable transcription: %v", err),
		}, nil
	}

	result := &OCRResult{
		Success: true,
		Text:    parsed.Text,
		Metadata: map[string]any{
			"model":        chat.ModelUsed,
			"total_tokens": chat.TotalTokens,
		},
	}
	for _, b := range parsed.Blocks {
		result.Blocks = append(result.Blocks, Block{
			Text:       b.Text,
			Confidence: clampConfidence(b.Confidence),
			Page:       pageNum,
		})
	}
	return result, nil
}

const ocrSystemPrompt = `You are an OCR engine. Transcribe the page image exactly as printed into
markdown. Return JSON with the full page text and a list of text blocks, each
with a confidence between 0 and 1. Do not invent or correct content.`

var ocrResponseSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "text": {"type": "string"},
    "blocks": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "text": {"type": "string"},
          "confidence": {"type": "number"}
        },
        "required": ["text", "confidence"],
        "additionalProperties": false
      }
    }
  },
  "required": ["text", "blocks"],
  "additionalProperties": false
}`)

// classifyOpenAIError maps SDK errors onto the retryable taxonomy. The error
// is reported in the result, not returned, so callers meter failed attempts.
func classifyOpenAIError(err error) (*ChatResult, error) {
	result := &ChatResult{Provider: OpenAIName, Success: false, ErrorMessage: err.Error()}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests:
			result.ErrorType = ErrorTypeThrottled
		case apiErr.StatusCode == http.StatusRequestTimeout:
			result.ErrorType = ErrorTypeTimeout
		case apiErr.StatusCode >= 500:
			result.ErrorType = ErrorTypeServer
		default:
			result.ErrorType = ErrorTypeOther
		}
		return result, nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		result.ErrorType = ErrorTypeTimeout
		return result, nil
	}
	if errors.Is(err, context.Canceled) {
		return nil, err
	}

	// Network-level failures are transient.
	result.ErrorType = ErrorTypeServer
	return result, nil
}

func clampConfidence(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// imageDataURL encodes an image for a multimodal message part.
func imageDataURL(image []byte) string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(image)
}

// buildMessages converts provider-neutral messages to SDK params, attaching
// images as data-URL content parts on user messages.
func buildMessages(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "system":
			out = append(out, openai.SystemMessage(m.Content))
		case "assistant":
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			if len(m.Images) == 0 {
				out = append(out, openai.UserMessage(m.Content))
				continue
			}
			parts := []openai.ChatCompletionContentPartUnionParam{
				openai.TextContentPart(m.Content),
			}
			for _, img := range m.Images {
				parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
					URL: imageDataURL(img),
				}))
			}
			out = append(out, openai.UserMessage(parts))
		}
	}
	return out
}
