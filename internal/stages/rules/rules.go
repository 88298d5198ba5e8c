// Package rules validates documents against declarative business rules.
// It runs in two passes: fact extraction per section and rule over
// page-aware chunks, then consolidation of the fact lists into one
// recommendation per rule.
package rules

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultRecommendationOptions is the verdict set when none is configured.
var DefaultRecommendationOptions = []string{"Pass", "Fail", "Information Not Found"}

// Rule is one declarative business rule.
type Rule struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`

	// Classes restricts the rule to sections of these classes. Empty means
	// all classified sections.
	Classes []string `yaml:"classes,omitempty" json:"classes,omitempty"`
}

// AppliesTo reports whether the rule covers a section classification.
func (r *Rule) AppliesTo(classification string) bool {
	if len(r.Classes) == 0 {
		return true
	}
	for _, c := range r.Classes {
		if c == classification {
			return true
		}
	}
	return false
}

// LoadDir loads every *.yaml rule file in dir. A file may hold one rule or a
// list under a top-level "rules" key.
func LoadDir(dir string) ([]*Rule, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules dir: %w", err)
	}

	var out []*Rule
	seen := make(map[string]struct{})
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}

		rules, err := parseRules(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", name, err)
		}
		for _, r := range rules {
			if r.ID == "" {
				return nil, fmt.Errorf("rule in %s has no id", name)
			}
			if _, dup := seen[r.ID]; dup {
				return nil, fmt.Errorf("duplicate rule id %q", r.ID)
			}
			seen[r.ID] = struct{}{}
			out = append(out, r)
		}
	}
	return out, nil
}

func parseRules(data []byte) ([]*Rule, error) {
	var multi struct {
		Rules []*Rule `yaml:"rules"`
	}
	if err := yaml.Unmarshal(data, &multi); err == nil && len(multi.Rules) > 0 {
		return multi.Rules, nil
	}

	var single Rule
	if err := yaml.Unmarshal(data, &single); err != nil {
		return nil, err
	}
	if single.ID == "" && single.Description == "" {
		return nil, fmt.Errorf("no rules found")
	}
	return []*Rule{&single}, nil
}
