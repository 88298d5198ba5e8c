package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/docpipe/internal/config"
	"github.com/jackzampolin/docpipe/internal/home"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the docpipe home directory",
	Long: `Create the docpipe home directory layout and write a default config file.

The home directory holds:
  config.yaml   configuration (API keys via ${ENV_VAR} references)
  classes/      document-class definitions (YAML)
  rules/        business rules for rule validation (YAML)
  data/         filesystem blob store
  input/        drop directory for incoming documents
  tracking/     document tracking records
  dead_letter/  exhausted queue items
  analytics/    metering records (JSONL)`,
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := home.New(homeDir)
		if err != nil {
			return err
		}
		if err := h.EnsureExists(); err != nil {
			return err
		}

		if h.ConfigExists() {
			fmt.Printf("Config already exists at %s\n", h.ConfigPath())
			return nil
		}
		if err := config.WriteDefault(h.ConfigPath()); err != nil {
			return err
		}

		fmt.Printf("Initialized docpipe home at %s\n", h.Path())
		fmt.Printf("Wrote default config to %s\n", h.ConfigPath())
		fmt.Println("Set OPENAI_API_KEY in your environment before running `docpipe serve`.")
		return nil
	},
}
