package config

import "time"

// Config holds docpipe configuration.
// Stored at: {home}/config.yaml
type Config struct {
	Storage        StorageCfg                `mapstructure:"storage" yaml:"storage"`
	Pipeline       PipelineCfg               `mapstructure:"pipeline" yaml:"pipeline"`
	Admission      AdmissionCfg              `mapstructure:"admission" yaml:"admission"`
	Retry          RetryCfg                  `mapstructure:"retry" yaml:"retry"`
	Compression    CompressionCfg            `mapstructure:"compression" yaml:"compression"`
	OCRProviders   map[string]OCRProviderCfg `mapstructure:"ocr_providers" yaml:"ocr_providers"`
	LLMProviders   map[string]LLMProviderCfg `mapstructure:"llm_providers" yaml:"llm_providers"`
	Stages         StageBindingsCfg          `mapstructure:"stages" yaml:"stages"`
	Classification ClassificationCfg         `mapstructure:"classification" yaml:"classification"`
	Extraction     ExtractionCfg             `mapstructure:"extraction" yaml:"extraction"`
	RuleValidation RuleValidationCfg         `mapstructure:"rule_validation" yaml:"rule_validation"`
	Evaluation     EvaluationCfg             `mapstructure:"evaluation" yaml:"evaluation"`
	Server         ServerCfg                 `mapstructure:"server" yaml:"server"`
	Analytics      AnalyticsCfg              `mapstructure:"analytics" yaml:"analytics"`
}

// StorageCfg selects the artifact store backend.
type StorageCfg struct {
	Backend   string `mapstructure:"backend" yaml:"backend"`       // "fs" or "gcs"
	DataDir   string `mapstructure:"data_dir" yaml:"data_dir"`     // fs backend root (default: {home}/data)
	GCSBucket string `mapstructure:"gcs_bucket" yaml:"gcs_bucket"` // gcs backend bucket
	GCSPrefix string `mapstructure:"gcs_prefix" yaml:"gcs_prefix"` // optional key prefix
}

// PipelineCfg controls which stages run and how failures propagate.
type PipelineCfg struct {
	// EnabledStages lists the optional stages to run, in addition to the
	// always-on ocr/classify/extract core. Recognized values: "assess",
	// "postprocess", "summarize", "evaluate".
	EnabledStages []string `mapstructure:"enabled_stages" yaml:"enabled_stages"`

	// ContinueOnSectionError keeps extracting remaining sections after one
	// section fails permanently; the document still ends FAILED.
	ContinueOnSectionError bool `mapstructure:"continue_on_section_error" yaml:"continue_on_section_error"`

	// ContinueOnPageError keeps running OCR on remaining pages after a page
	// fails permanently.
	ContinueOnPageError bool `mapstructure:"continue_on_page_error" yaml:"continue_on_page_error"`

	// StageTimeout bounds one stage attempt end to end. The per-request
	// provider timeout is separate; this catches stages stuck outside a
	// provider call. Zero means the 10 minute default.
	StageTimeout time.Duration `mapstructure:"stage_timeout" yaml:"stage_timeout"`

	// Workers is the number of documents processed concurrently.
	Workers int `mapstructure:"workers" yaml:"workers"`
}

// StageEnabled reports whether an optional stage is switched on.
func (p PipelineCfg) StageEnabled(name string) bool {
	for _, s := range p.EnabledStages {
		if s == name {
			return true
		}
	}
	return false
}

// AdmissionCfg bounds how much work the service accepts.
type AdmissionCfg struct {
	// MaxInFlight caps concurrently executing documents. Submissions beyond
	// the cap wait in the queue.
	MaxInFlight int `mapstructure:"max_in_flight" yaml:"max_in_flight"`

	// QueueWatermarkHigh is the queue depth above which new submissions are
	// rejected outright.
	QueueWatermarkHigh int `mapstructure:"queue_watermark_high" yaml:"queue_watermark_high"`

	// VisibilityTimeout is how long a dequeued item stays invisible before
	// it is redelivered.
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout" yaml:"visibility_timeout"`

	// MaxReceives is the redelivery count after which an item is dead-lettered.
	MaxReceives int `mapstructure:"max_receives" yaml:"max_receives"`
}

// RetryCfg is the backoff policy for transient stage failures.
type RetryCfg struct {
	BaseDelayMS int     `mapstructure:"base_delay_ms" yaml:"base_delay_ms"`
	Factor      float64 `mapstructure:"factor" yaml:"factor"`
	Jitter      float64 `mapstructure:"jitter" yaml:"jitter"` // fraction, e.g. 0.25 for +-25%
	MaxDelayMS  int     `mapstructure:"max_delay_ms" yaml:"max_delay_ms"`
	MaxAttempts int     `mapstructure:"max_attempts" yaml:"max_attempts"`
}

// BaseDelay returns the base delay as a duration.
func (r RetryCfg) BaseDelay() time.Duration { return time.Duration(r.BaseDelayMS) * time.Millisecond }

// MaxDelay returns the delay cap as a duration.
func (r RetryCfg) MaxDelay() time.Duration { return time.Duration(r.MaxDelayMS) * time.Millisecond }

// CompressionCfg controls when stage payloads spill to blob storage.
type CompressionCfg struct {
	ThresholdBytes int `mapstructure:"threshold_bytes" yaml:"threshold_bytes"`
}

// OCRProviderCfg configures an OCR provider.
type OCRProviderCfg struct {
	Type      string  `mapstructure:"type" yaml:"type"`             // "openai"
	Model     string  `mapstructure:"model" yaml:"model"`           // model name
	APIKey    string  `mapstructure:"api_key" yaml:"api_key"`       // supports ${ENV_VAR} syntax
	RateLimit float64 `mapstructure:"rate_limit" yaml:"rate_limit"` // requests per second
	Enabled   bool    `mapstructure:"enabled" yaml:"enabled"`
}

// LLMProviderCfg configures an LLM provider.
type LLMProviderCfg struct {
	Type        string  `mapstructure:"type" yaml:"type"`
	Model       string  `mapstructure:"model" yaml:"model"`
	APIKey      string  `mapstructure:"api_key" yaml:"api_key"` // supports ${ENV_VAR} syntax
	RateLimit   float64 `mapstructure:"rate_limit" yaml:"rate_limit"`
	Temperature float64 `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens" yaml:"max_tokens"`
	TimeoutSecs int     `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
	Enabled     bool    `mapstructure:"enabled" yaml:"enabled"`
}

// StageBindingsCfg maps pipeline stages to provider names. Empty entries
// fall back to the default LLM provider.
type StageBindingsCfg struct {
	Default   string `mapstructure:"default" yaml:"default"`
	OCR       string `mapstructure:"ocr" yaml:"ocr"`
	Classify  string `mapstructure:"classify" yaml:"classify"`
	Extract   string `mapstructure:"extract" yaml:"extract"`
	Assess    string `mapstructure:"assess" yaml:"assess"`
	Rules     string `mapstructure:"rule_validation" yaml:"rule_validation"`
	Summarize string `mapstructure:"summarize" yaml:"summarize"`
	Evaluate  string `mapstructure:"evaluate" yaml:"evaluate"`
}

// ClassificationCfg controls how pages are grouped into sections.
type ClassificationCfg struct {
	// Method is "pageLevel" (classify each page, group runs) or "holistic"
	// (one call over the whole document).
	Method string `mapstructure:"method" yaml:"method"`

	// SplitThreshold is the label confidence below which a page does not
	// split two adjacent runs of the same class: such runs merge into one
	// section, the low-confidence pages included.
	SplitThreshold float64 `mapstructure:"split_threshold" yaml:"split_threshold"`

	// HolisticMaxPages is the page count above which holistic
	// classification falls back to pageLevel.
	HolisticMaxPages int `mapstructure:"holistic_max_pages" yaml:"holistic_max_pages"`

	// MinConfidence below which a page is treated as unknown.
	MinConfidence float64 `mapstructure:"min_confidence" yaml:"min_confidence"`
}

// ExtractionCfg controls section fan-out.
type ExtractionCfg struct {
	// ConcurrencyPerDocument bounds parallel section extractions.
	ConcurrencyPerDocument int `mapstructure:"concurrency_per_document" yaml:"concurrency_per_document"`
}

// RuleValidationCfg controls the rule validation stage.
type RuleValidationCfg struct {
	// ChunkPages is the maximum pages per fact-extraction chunk.
	ChunkPages int `mapstructure:"chunk_pages" yaml:"chunk_pages"`

	// ChunkOverlapFraction of a chunk carried into the next chunk.
	ChunkOverlapFraction float64 `mapstructure:"chunk_overlap_fraction" yaml:"chunk_overlap_fraction"`

	// RecommendationOptions is the ordered verdict set; the last entry is
	// the not-found fallback.
	RecommendationOptions []string `mapstructure:"recommendation_options" yaml:"recommendation_options"`
}

// EvaluationCfg controls the evaluation stage.
type EvaluationCfg struct {
	// GroundTruthDir holds expected-output JSON files keyed by document ID.
	GroundTruthDir string `mapstructure:"ground_truth_dir" yaml:"ground_truth_dir"`
}

// ServerCfg configures the HTTP query API.
type ServerCfg struct {
	Port int `mapstructure:"port" yaml:"port"`
}

// AnalyticsCfg configures the batched analytics sink.
type AnalyticsCfg struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Dir     string `mapstructure:"dir" yaml:"dir"` // default: {home}/analytics
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageCfg{
			Backend: "fs",
		},
		Pipeline: PipelineCfg{
			EnabledStages:          []string{"assess", "postprocess", "summarize"},
			ContinueOnSectionError: true,
			ContinueOnPageError:    true,
			StageTimeout:           10 * time.Minute,
			Workers:                4,
		},
		Admission: AdmissionCfg{
			MaxInFlight:        8,
			QueueWatermarkHigh: 128,
			VisibilityTimeout:  10 * time.Minute,
			MaxReceives:        3,
		},
		Retry: RetryCfg{
			BaseDelayMS: 500,
			Factor:      2.0,
			Jitter:      0.25,
			MaxDelayMS:  30000,
			MaxAttempts: 5,
		},
		Compression: CompressionCfg{
			ThresholdBytes: 200 * 1024,
		},
		OCRProviders: map[string]OCRProviderCfg{
			"openai": {
				Type:      "openai",
				Model:     "gpt-4o-mini",
				APIKey:    "${OPENAI_API_KEY}",
				RateLimit: 4.0,
				Enabled:   true,
			},
		},
		LLMProviders: map[string]LLMProviderCfg{
			"openai": {
				Type:        "openai",
				Model:       "gpt-4o-mini",
				APIKey:      "${OPENAI_API_KEY}",
				RateLimit:   4.0,
				TimeoutSecs: 120,
				Enabled:     true,
			},
		},
		Stages: StageBindingsCfg{
			Default: "openai",
			OCR:     "openai",
		},
		Classification: ClassificationCfg{
			Method:           "pageLevel",
			SplitThreshold:   0.5,
			HolisticMaxPages: 40,
			MinConfidence:    0.5,
		},
		Extraction: ExtractionCfg{
			ConcurrencyPerDocument: 4,
		},
		RuleValidation: RuleValidationCfg{
			ChunkPages:           10,
			ChunkOverlapFraction: 0.1,
			RecommendationOptions: []string{
				"Pass", "Fail", "Information Not Found",
			},
		},
		Evaluation: EvaluationCfg{},
		Server: ServerCfg{
			Port: 8377,
		},
		Analytics: AnalyticsCfg{
			Enabled: true,
		},
	}
}

// GetLLMProvider returns an LLM provider config by name.
func (c *Config) GetLLMProvider(name string) (LLMProviderCfg, bool) {
	cfg, ok := c.LLMProviders[name]
	return cfg, ok
}

// GetOCRProvider returns an OCR provider config by name.
func (c *Config) GetOCRProvider(name string) (OCRProviderCfg, bool) {
	cfg, ok := c.OCRProviders[name]
	return cfg, ok
}

// EnabledLLMProviders returns all enabled LLM providers.
func (c *Config) EnabledLLMProviders() map[string]LLMProviderCfg {
	result := make(map[string]LLMProviderCfg)
	for name, cfg := range c.LLMProviders {
		if cfg.Enabled {
			result[name] = cfg
		}
	}
	return result
}

// StageBinding returns the provider name bound to a stage, falling back to
// the default binding.
func (c *Config) StageBinding(stage string) string {
	b := c.Stages
	name := ""
	switch stage {
	case "ocr":
		name = b.OCR
	case "classify":
		name = b.Classify
	case "extract":
		name = b.Extract
	case "assess":
		name = b.Assess
	case "rule_validation":
		name = b.Rules
	case "summarize":
		name = b.Summarize
	case "evaluate":
		name = b.Evaluate
	}
	if name == "" {
		name = b.Default
	}
	return name
}
