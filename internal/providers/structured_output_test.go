package providers

import (
	"encoding/json"
	"testing"
)

func TestParseStructuredJSON(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
		wantErr bool
	}{
		{
			name:    "plain object",
			content: `{"a": 1}`,
			want:    `{"a":1}`,
		},
		{
			name:    "code fenced",
			content: "```json\n{\"a\": 1}\n```",
			want:    `{"a":1}`,
		},
		{
			name:    "fence without language",
			content: "```\n[1, 2]\n```",
			want:    `[1,2]`,
		},
		{
			name:    "surrounding prose",
			content: "Here is the result:\n{\"doc\": \"invoice\"}\nHope that helps.",
			want:    `{"doc":"invoice"}`,
		},
		{
			name:    "array in prose",
			content: "answer: [\"a\", \"b\"] done",
			want:    `["a","b"]`,
		},
		{
			name:    "empty",
			content: "",
			wantErr: true,
		},
		{
			name:    "no json",
			content: "I could not process this request.",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseStructuredJSON(tt.content)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %s", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestValidateStructuredJSON(t *testing.T) {
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {
			"total": {"type": "number"}
		},
		"required": ["total"],
		"additionalProperties": false
	}`)

	if err := ValidateStructuredJSON(schema, json.RawMessage(`{"total": 12.5}`)); err != nil {
		t.Errorf("valid document rejected: %v", err)
	}
	if err := ValidateStructuredJSON(schema, json.RawMessage(`{"total": "abc"}`)); err == nil {
		t.Error("expected validation error for wrong type")
	}
	if err := ValidateStructuredJSON(schema, json.RawMessage(`{}`)); err == nil {
		t.Error("expected validation error for missing required field")
	}
	if err := ValidateStructuredJSON(nil, json.RawMessage(`{}`)); err != nil {
		t.Errorf("empty schema should validate anything: %v", err)
	}
}

func TestErrorTypeTransient(t *testing.T) {
	transient := []ErrorType{ErrorTypeThrottled, ErrorTypeTimeout, ErrorTypeServer}
	for _, et := range transient {
		if !et.Transient() {
			t.Errorf("%s should be transient", et)
		}
	}
	permanent := []ErrorType{ErrorTypeBadOutput, ErrorTypeOther, ErrorType("")}
	for _, et := range permanent {
		if et.Transient() {
			t.Errorf("%s should not be transient", et)
		}
	}
}
