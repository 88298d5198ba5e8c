// Package metering provides attributed usage records for provider calls.
// Per-document counters live on the document itself (doc.Metering); this
// package emits the append-only analytics records behind them.
package metering

import (
	"time"

	"github.com/jackzampolin/docpipe/internal/track"
)

// Collection is the analytics collection metering records land in.
const Collection = "Metering"

// Record is a single provider invocation with full attribution.
type Record struct {
	DocumentID  string `json:"document_id"`
	ExecutionID string `json:"execution_id,omitempty"`
	Stage       string `json:"stage"`
	ItemKey     string `json:"item_key,omitempty"` // e.g. "page_0001", "section_2"

	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`

	Requests         int64 `json:"requests"`
	Pages            int64 `json:"pages,omitempty"`
	PromptTokens     int64 `json:"prompt_tokens,omitempty"`
	CompletionTokens int64 `json:"completion_tokens,omitempty"`
	TotalTokens      int64 `json:"total_tokens,omitempty"`

	Success   bool      `json:"success"`
	ErrorKind string    `json:"error_kind,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ToMap converts the record for the analytics sink.
func (r *Record) ToMap() map[string]any {
	data := map[string]any{
		"document_id": r.DocumentID,
		"stage":       r.Stage,
		"requests":    r.Requests,
		"success":     r.Success,
		"created_at":  r.CreatedAt.Format(time.RFC3339),
	}
	if r.ExecutionID != "" {
		data["execution_id"] = r.ExecutionID
	}
	if r.ItemKey != "" {
		data["item_key"] = r.ItemKey
	}
	if r.Provider != "" {
		data["provider"] = r.Provider
	}
	if r.Model != "" {
		data["model"] = r.Model
	}
	if r.Pages > 0 {
		data["pages"] = r.Pages
	}
	if r.PromptTokens > 0 {
		data["prompt_tokens"] = r.PromptTokens
	}
	if r.CompletionTokens > 0 {
		data["completion_tokens"] = r.CompletionTokens
	}
	if r.TotalTokens > 0 {
		data["total_tokens"] = r.TotalTokens
	}
	if r.ErrorKind != "" {
		data["error_kind"] = r.ErrorKind
	}
	return data
}

// Emit sends the record to the sink, if one is configured.
func Emit(sink *track.Sink, r *Record) {
	if sink == nil {
		return
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	sink.Send(track.WriteOp{Collection: Collection, Record: r.ToMap()})
}
