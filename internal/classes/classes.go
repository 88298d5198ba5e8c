// Package classes holds the document class registry. A class names a kind of
// section the classifier can label pages with, the JSON schema its extracted
// attributes must satisfy, and how each attribute is scored during evaluation.
package classes

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/jackzampolin/docpipe/internal/blob"
	"github.com/jackzampolin/docpipe/internal/providers"
)

// Unknown is the fallback class for pages the classifier cannot place.
// It has no attribute schema, so extracting an unknown section yields an
// empty attribute object.
const Unknown = "unknown"

// EvalMethod selects how an attribute is compared against ground truth.
type EvalMethod string

const (
	EvalExact        EvalMethod = "EXACT"
	EvalNumericExact EvalMethod = "NUMERIC_EXACT"
	EvalFuzzy        EvalMethod = "FUZZY"
	EvalLevenshtein  EvalMethod = "LEVENSHTEIN"
	EvalSemantic     EvalMethod = "SEMANTIC"
	EvalLLM          EvalMethod = "LLM"
	EvalHungarian    EvalMethod = "HUNGARIAN"
)

// AttributeEval configures evaluation for one attribute.
type AttributeEval struct {
	Method    EvalMethod `yaml:"method" json:"method"`
	Threshold float64    `yaml:"threshold,omitempty" json:"threshold,omitempty"` // for FUZZY/LEVENSHTEIN/SEMANTIC
}

// Example is a few-shot example attached to a class prompt.
type Example struct {
	// Text is a short excerpt of section text.
	Text string `yaml:"text" json:"text"`
	// ImagePath optionally references page images: a file or directory
	// relative to the class file, or a blob URI / URI prefix resolved
	// later through Registry.LoadExampleImages.
	ImagePath string `yaml:"image_path,omitempty" json:"image_path,omitempty"`
	// Attributes is the expected extraction for the example.
	Attributes map[string]any `yaml:"attributes" json:"attributes"`

	images [][]byte
}

// Images returns the cached example image bytes, if any.
func (e *Example) Images() [][]byte { return e.images }

// Class is one document class definition.
type Class struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`

	// AttributeSchema is the JSON schema extracted attributes must satisfy.
	// An absent or empty schema means the class carries no attributes and
	// extraction yields an empty object.
	AttributeSchema json.RawMessage `yaml:"-" json:"attribute_schema,omitempty"`

	// Evaluation configures per-attribute scoring. Attributes without an
	// entry default to EXACT.
	Evaluation map[string]AttributeEval `yaml:"evaluation,omitempty" json:"evaluation,omitempty"`

	// ConfidenceThresholds optionally overrides the assessment alert
	// threshold per attribute.
	ConfidenceThresholds map[string]float64 `yaml:"confidence_thresholds,omitempty" json:"confidence_thresholds,omitempty"`

	Examples []Example `yaml:"examples,omitempty" json:"examples,omitempty"`

	compiled *jsonschema.Schema
}

// classFile is the on-disk YAML shape. The schema rides along as a YAML
// mapping and is round-tripped to JSON for compilation.
type classFile struct {
	Name                 string                   `yaml:"name"`
	Description          string                   `yaml:"description"`
	AttributeSchema      map[string]any           `yaml:"attribute_schema"`
	Evaluation           map[string]AttributeEval `yaml:"evaluation"`
	ConfidenceThresholds map[string]float64       `yaml:"confidence_thresholds"`
	Examples             []Example                `yaml:"examples"`
}

// Compile compiles the attribute schema. Classes built in code (rather than
// loaded from a file) must call this before use.
func (c *Class) Compile() error {
	if len(c.AttributeSchema) == 0 {
		return nil
	}
	compiled, err := providers.CompileSchema(c.AttributeSchema)
	if err != nil {
		return fmt.Errorf("class %s: %w", c.Name, err)
	}
	c.compiled = compiled
	return nil
}

// HasSchema reports whether the class defines any attributes.
func (c *Class) HasSchema() bool {
	return len(c.AttributeSchema) > 0 && string(c.AttributeSchema) != "null" && string(c.AttributeSchema) != "{}"
}

// Schema returns the compiled attribute schema, or nil when the class has none.
func (c *Class) Schema() *jsonschema.Schema { return c.compiled }

// EvalFor returns the evaluation config for an attribute, defaulting to EXACT.
func (c *Class) EvalFor(attribute string) AttributeEval {
	if ev, ok := c.Evaluation[attribute]; ok {
		return ev
	}
	return AttributeEval{Method: EvalExact}
}

// AlertThresholdFor returns the alert threshold for an attribute, falling
// back to def when the class carries no override.
func (c *Class) AlertThresholdFor(attribute string, def float64) float64 {
	if t, ok := c.ConfidenceThresholds[attribute]; ok && t > 0 {
		return t
	}
	return def
}

// Registry holds the loaded class definitions.
type Registry struct {
	mu      sync.RWMutex
	classes map[string]*Class
}

// NewRegistry creates an empty registry containing only the unknown class.
func NewRegistry() *Registry {
	return &Registry{
		classes: map[string]*Class{
			Unknown: {Name: Unknown, Description: "pages that fit no configured class"},
		},
	}
}

// LoadDir loads every *.yaml class file in dir into a new registry.
func LoadDir(dir string) (*Registry, error) {
	r := NewRegistry()

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read class dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		path := filepath.Join(dir, name)
		cls, err := LoadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load class %s: %w", name, err)
		}
		if err := r.Register(cls); err != nil {
			return nil, err
		}
	}

	return r, nil
}

// LoadFile loads a single class definition, compiling its schema and caching
// example images.
func LoadFile(path string) (*Class, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cf classFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("invalid class yaml: %w", err)
	}
	if cf.Name == "" {
		return nil, fmt.Errorf("class file %s has no name", filepath.Base(path))
	}

	cls := &Class{
		Name:                 cf.Name,
		Description:          cf.Description,
		Evaluation:           cf.Evaluation,
		ConfidenceThresholds: cf.ConfidenceThresholds,
		Examples:             cf.Examples,
	}

	if len(cf.AttributeSchema) > 0 {
		raw, err := json.Marshal(cf.AttributeSchema)
		if err != nil {
			return nil, fmt.Errorf("failed to encode attribute schema: %w", err)
		}
		cls.AttributeSchema = raw
		if err := cls.Compile(); err != nil {
			return nil, err
		}
	}

	// Local example images are resolved relative to the class file and
	// cached. Blob URIs are left for LoadExampleImages once a store is up.
	dir := filepath.Dir(path)
	for i := range cls.Examples {
		ex := &cls.Examples[i]
		if ex.ImagePath == "" || strings.Contains(ex.ImagePath, "://") {
			continue
		}
		images, err := readLocalImages(filepath.Join(dir, ex.ImagePath))
		if err != nil {
			return nil, fmt.Errorf("class %s example image: %w", cf.Name, err)
		}
		ex.images = images
	}

	return cls, nil
}

func isImageFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png", ".jpg", ".jpeg":
		return true
	}
	return false
}

// readLocalImages reads a single image file, or every image file directly
// under a directory, in name order.
func readLocalImages(path string) ([][]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		return [][]byte{data}, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	var images [][]byte
	for _, entry := range entries {
		if entry.IsDir() || !isImageFile(entry.Name()) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(path, entry.Name()))
		if err != nil {
			return nil, err
		}
		images = append(images, data)
	}
	if len(images) == 0 {
		return nil, fmt.Errorf("no images under %s", path)
	}
	return images, nil
}

// LoadExampleImages resolves example image references that point into a blob
// store (anything with a URI scheme). A reference may name a single blob or
// a prefix covering several page images.
func (r *Registry) LoadExampleImages(ctx context.Context, store blob.Store) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cls := range r.classes {
		for i := range cls.Examples {
			ex := &cls.Examples[i]
			if !strings.Contains(ex.ImagePath, "://") || len(ex.images) > 0 {
				continue
			}
			uris, err := store.List(ctx, ex.ImagePath)
			if err != nil {
				return fmt.Errorf("class %s example images: %w", cls.Name, err)
			}
			if len(uris) == 0 {
				return fmt.Errorf("class %s: no images under %s", cls.Name, ex.ImagePath)
			}
			sort.Strings(uris)
			for _, uri := range uris {
				if !isImageFile(uri) {
					continue
				}
				data, err := store.Get(ctx, uri)
				if err != nil {
					return fmt.Errorf("class %s example image %s: %w", cls.Name, uri, err)
				}
				ex.images = append(ex.images, data)
			}
			if len(ex.images) == 0 {
				return fmt.Errorf("class %s: no images under %s", cls.Name, ex.ImagePath)
			}
		}
	}
	return nil
}

// Register adds a class to the registry.
func (r *Registry) Register(c *Class) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.Name == Unknown {
		return fmt.Errorf("class name %q is reserved", Unknown)
	}
	if _, exists := r.classes[c.Name]; exists {
		return fmt.Errorf("duplicate class %q", c.Name)
	}
	r.classes[c.Name] = c
	return nil
}

// Get returns a class by name.
func (r *Registry) Get(name string) (*Class, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.classes[name]
	return c, ok
}

// Names returns all class names in sorted order, unknown last.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.classes))
	for name := range r.classes {
		if name == Unknown {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return append(names, Unknown)
}

// Normalize maps a classifier label onto a registered class, falling back to
// unknown for labels the registry does not know.
func (r *Registry) Normalize(label string) string {
	label = strings.ToLower(strings.TrimSpace(label))
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.classes[label]; ok {
		return label
	}
	return Unknown
}
