package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

func TestResolveEnvVars(t *testing.T) {
	os.Setenv("DOCPIPE_TEST_KEY", "secret123")
	defer os.Unsetenv("DOCPIPE_TEST_KEY")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain value", "no-vars-here", "no-vars-here"},
		{"single var", "${DOCPIPE_TEST_KEY}", "secret123"},
		{"embedded var", "key=${DOCPIPE_TEST_KEY}!", "key=secret123!"},
		{"unset var", "${DOCPIPE_UNSET_VAR_XYZ}", ""},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ResolveEnvVars(tt.input); got != tt.want {
				t.Errorf("ResolveEnvVars(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Storage.Backend != "fs" {
		t.Errorf("default backend = %q, want fs", cfg.Storage.Backend)
	}
	if cfg.Admission.MaxInFlight <= 0 {
		t.Error("MaxInFlight must be positive")
	}
	if cfg.Admission.QueueWatermarkHigh <= cfg.Admission.MaxInFlight {
		t.Error("queue watermark should exceed in-flight cap")
	}
	if cfg.Compression.ThresholdBytes != 200*1024 {
		t.Errorf("compression threshold = %d, want %d", cfg.Compression.ThresholdBytes, 200*1024)
	}

	r := cfg.Retry
	if r.BaseDelay() != 500*time.Millisecond {
		t.Errorf("base delay = %v, want 500ms", r.BaseDelay())
	}
	if r.MaxDelay() != 30*time.Second {
		t.Errorf("max delay = %v, want 30s", r.MaxDelay())
	}
	if r.Factor != 2.0 || r.Jitter != 0.25 || r.MaxAttempts != 5 {
		t.Errorf("unexpected retry policy: %+v", r)
	}

	if !cfg.Pipeline.ContinueOnPageError || !cfg.Pipeline.ContinueOnSectionError {
		t.Error("page and section continue-on-error should default on")
	}
	if cfg.Classification.Method != "pageLevel" {
		t.Errorf("classification method = %q, want pageLevel", cfg.Classification.Method)
	}
	if cfg.Classification.SplitThreshold != 0.5 {
		t.Errorf("split threshold = %v, want 0.5", cfg.Classification.SplitThreshold)
	}
	if !cfg.Pipeline.StageEnabled("assess") {
		t.Error("assess should default on")
	}
	if cfg.Pipeline.StageTimeout != 10*time.Minute {
		t.Errorf("stage timeout = %v, want 10m", cfg.Pipeline.StageTimeout)
	}
	if cfg.RuleValidation.ChunkOverlapFraction != 0.1 {
		t.Errorf("chunk overlap fraction = %v, want 0.1", cfg.RuleValidation.ChunkOverlapFraction)
	}
	if n := len(cfg.RuleValidation.RecommendationOptions); n == 0 {
		t.Error("no default recommendation options")
	} else if last := cfg.RuleValidation.RecommendationOptions[n-1]; last != "Information Not Found" {
		t.Errorf("fallback recommendation = %q", last)
	}

	if _, ok := cfg.GetLLMProvider("openai"); !ok {
		t.Error("default openai LLM provider missing")
	}
	if _, ok := cfg.GetOCRProvider("openai"); !ok {
		t.Error("default openai OCR provider missing")
	}
	if len(cfg.EnabledLLMProviders()) == 0 {
		t.Error("no enabled LLM providers by default")
	}
}

func TestStageBinding(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Stages = StageBindingsCfg{
		Default: "openai",
		Extract: "special",
	}

	if got := cfg.StageBinding("extract"); got != "special" {
		t.Errorf("extract binding = %q, want special", got)
	}
	if got := cfg.StageBinding("classify"); got != "openai" {
		t.Errorf("classify binding = %q, want default openai", got)
	}
	if got := cfg.StageBinding("summarize"); got != "openai" {
		t.Errorf("summarize binding = %q, want default openai", got)
	}
}

func TestStageEnabled(t *testing.T) {
	p := PipelineCfg{EnabledStages: []string{"summarize", "evaluate"}}

	if !p.StageEnabled("summarize") {
		t.Error("summarize should be enabled")
	}
	if !p.StageEnabled("evaluate") {
		t.Error("evaluate should be enabled")
	}
	if p.StageEnabled("assess") {
		t.Error("assess should not be enabled")
	}
}

func TestWriteDefault(t *testing.T) {
	path := t.TempDir() + "/config.yaml"
	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("empty config file")
	}
	content := string(data)
	for _, want := range []string{"llm_providers", "admission", "retry", "${OPENAI_API_KEY}"} {
		if !strings.Contains(content, want) {
			t.Errorf("config file missing %q", want)
		}
	}
}
