package main

import (
	"github.com/spf13/cobra"

	"github.com/jackzampolin/docpipe/version"
)

var (
	cfgFile   string
	homeDir   string
	serverURL string
)

var rootCmd = &cobra.Command{
	Use:   "docpipe",
	Short: "Document processing pipeline with LLM-powered OCR and extraction",
	Long: `Docpipe is an intelligent document processing pipeline that turns PDFs
into structured data.

The pipeline includes:
  - Page rendering and LLM-powered OCR with per-block confidence
  - Page classification into contiguous typed sections
  - Schema-validated attribute extraction per section
  - Optional assessment, rule validation, evaluation, and summarization`,
	Version: version.GitRelease,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "", "config file (default: ./config.yaml or ~/.docpipe/config.yaml)",
	)
	rootCmd.PersistentFlags().StringVar(
		&homeDir, "home", "", "docpipe home directory (default: ~/.docpipe)",
	)
	rootCmd.PersistentFlags().StringVar(
		&serverURL, "server", "http://127.0.0.1:8377", "docpipe server URL for client commands",
	)

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(processCmd)
	rootCmd.AddCommand(statusCmd)
}
