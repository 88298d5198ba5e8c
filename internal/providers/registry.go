package providers

import (
	"fmt"
	"sort"
	"sync"
)

// Stage names used as registry keys. A stage may be bound to a different
// provider than the default; unbound stages fall through to the default.
const (
	StageOCR        = "ocr"
	StageClassify   = "classify"
	StageExtract    = "extract"
	StageAssess     = "assess"
	StageRules      = "rule_validation"
	StageSummarize  = "summarize"
	StageEvaluate   = "evaluate"
	defaultStageKey = "_default"
)

// Registry maps stages to provider clients. Bindings are installed at
// startup from configuration; lookup is read-heavy during a run.
type Registry struct {
	mu sync.RWMutex

	llms map[string]LLMClient
	ocrs map[string]OCRProvider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		llms: make(map[string]LLMClient),
		ocrs: make(map[string]OCRProvider),
	}
}

// SetDefaultLLM installs the fallback client for stages without a binding.
func (r *Registry) SetDefaultLLM(c LLMClient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llms[defaultStageKey] = c
}

// BindLLM binds a client to a specific stage.
func (r *Registry) BindLLM(stage string, c LLMClient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llms[stage] = c
}

// LLM returns the client bound to stage, falling back to the default.
func (r *Registry) LLM(stage string) (LLMClient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.llms[stage]; ok {
		return c, nil
	}
	if c, ok := r.llms[defaultStageKey]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("no LLM provider configured for stage %q", stage)
}

// BindOCR binds an OCR provider to a stage (normally just StageOCR).
func (r *Registry) BindOCR(stage string, p OCRProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ocrs[stage] = p
}

// ListLLM returns the distinct names of registered LLM clients.
func (r *Registry) ListLLM() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return clientNames(r.llms, func(c LLMClient) string { return c.Name() })
}

// ListOCR returns the distinct names of registered OCR providers.
func (r *Registry) ListOCR() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return clientNames(r.ocrs, func(p OCRProvider) string { return p.Name() })
}

func clientNames[T any](m map[string]T, name func(T) string) []string {
	seen := make(map[string]struct{}, len(m))
	out := make([]string, 0, len(m))
	for _, c := range m {
		n := name(c)
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// OCR returns the provider bound to stage.
func (r *Registry) OCR(stage string) (OCRProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.ocrs[stage]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("no OCR provider configured for stage %q", stage)
}
