package home

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// DefaultDirName is the default name for the docpipe home directory.
	DefaultDirName = ".docpipe"

	// DataDirName is the subdirectory backing the filesystem blob store.
	DataDirName = "data"

	// InputDirName is the watched drop directory for incoming documents.
	InputDirName = "input"

	// DeadLetterDirName holds messages that exhausted their receive budget.
	DeadLetterDirName = "dead_letter"

	// TrackingDirName holds the file-backed tracking store records.
	TrackingDirName = "tracking"

	// ClassesDirName holds document-class definition YAML files.
	ClassesDirName = "classes"

	// RulesDirName holds business-rule YAML files.
	RulesDirName = "rules"

	// AnalyticsDirName holds the JSONL analytics sink output.
	AnalyticsDirName = "analytics"

	// ConfigFileName is the default config file name.
	ConfigFileName = "config.yaml"
)

// Dir represents the docpipe home directory structure.
type Dir struct {
	path string
}

// New creates a new Dir with the given path.
// If path is empty, uses the default (~/.docpipe).
func New(path string) (*Dir, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		path = filepath.Join(home, DefaultDirName)
	}

	return &Dir{path: path}, nil
}

// Path returns the root path of the home directory.
func (d *Dir) Path() string {
	return d.path
}

// DataPath returns the root of the filesystem blob store.
func (d *Dir) DataPath() string {
	return filepath.Join(d.path, DataDirName)
}

// InputPath returns the watched input directory.
func (d *Dir) InputPath() string {
	return filepath.Join(d.path, InputDirName)
}

// DeadLetterPath returns the dead-letter directory.
func (d *Dir) DeadLetterPath() string {
	return filepath.Join(d.path, DeadLetterDirName)
}

// TrackingPath returns the tracking store directory.
func (d *Dir) TrackingPath() string {
	return filepath.Join(d.path, TrackingDirName)
}

// ClassesPath returns the document-class definitions directory.
func (d *Dir) ClassesPath() string {
	return filepath.Join(d.path, ClassesDirName)
}

// RulesPath returns the business-rules directory.
func (d *Dir) RulesPath() string {
	return filepath.Join(d.path, RulesDirName)
}

// AnalyticsPath returns the analytics sink directory.
func (d *Dir) AnalyticsPath() string {
	return filepath.Join(d.path, AnalyticsDirName)
}

// ConfigPath returns the path to the default config file.
func (d *Dir) ConfigPath() string {
	return filepath.Join(d.path, ConfigFileName)
}

// EnsureExists creates the home directory and subdirectories if they don't exist.
func (d *Dir) EnsureExists() error {
	for _, p := range []string{
		d.DataPath(), d.InputPath(), d.DeadLetterPath(), d.TrackingPath(),
		d.ClassesPath(), d.RulesPath(), d.AnalyticsPath(),
	} {
		if err := os.MkdirAll(p, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", p, err)
		}
	}
	return nil
}

// Exists returns true if the home directory exists.
func (d *Dir) Exists() bool {
	_, err := os.Stat(d.path)
	return err == nil
}

// ConfigExists returns true if the config file exists in the home directory.
func (d *Dir) ConfigExists() bool {
	_, err := os.Stat(d.ConfigPath())
	return err == nil
}
