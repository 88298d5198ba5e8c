package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/docpipe/internal/doc"
	"github.com/jackzampolin/docpipe/internal/server"
)

var statusCmd = &cobra.Command{
	Use:   "status [doc-id]",
	Short: "Show pipeline or document status",
	Long: `Without arguments, show server status and recent documents. With a
document ID, show that document's full processing state.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newAPIClient(serverURL)

		if len(args) == 1 {
			var d doc.Document
			if err := client.get("/documents/"+args[0], &d); err != nil {
				return err
			}
			printDocument(&d)
			return nil
		}

		var status server.StatusResponse
		if err := client.get("/status", &status); err != nil {
			return err
		}
		fmt.Printf("Server: %s\n", status.Server)
		fmt.Printf("Queue:  depth=%d in_flight=%d/%d\n",
			status.Queue.Depth, status.Queue.InFlight, status.Queue.Capacity)
		fmt.Printf("Providers:\n")
		fmt.Printf("  LLM: %v\n", status.Providers.LLM)
		fmt.Printf("  OCR: %v\n", status.Providers.OCR)

		var list server.DocumentsListResponse
		if err := client.get("/documents?limit=20", &list); err != nil {
			return err
		}
		if len(list.Documents) == 0 {
			return nil
		}
		fmt.Printf("Documents:\n")
		for _, d := range list.Documents {
			fmt.Printf("  %-36s  %-14s  pages=%-4d sections=%-3d errors=%d\n",
				d.ID, d.Status, d.NumPages, d.Sections, d.Errors)
		}
		return nil
	},
}

func printDocument(d *doc.Document) {
	fmt.Printf("Document %s\n", d.ID)
	fmt.Printf("  Status:    %s\n", d.Status)
	fmt.Printf("  Input:     %s/%s\n", d.Input.Bucket, d.Input.Key)
	fmt.Printf("  Pages:     %d\n", d.NumPages)
	fmt.Printf("  Sections:  %d\n", len(d.Sections))
	for _, s := range d.Sections {
		fmt.Printf("    %-12s %-16s pages=%v\n", s.ID, s.Classification, s.PageIDs)
	}
	if d.SummaryURI != "" {
		fmt.Printf("  Summary:   %s\n", d.SummaryURI)
	}
	if d.RuleValidationURI != "" {
		fmt.Printf("  Rules:     %s\n", d.RuleValidationURI)
	}
	if d.EvaluationURI != "" {
		fmt.Printf("  Evaluation: %s\n", d.EvaluationURI)
	}
	if len(d.Errors) > 0 {
		fmt.Printf("  Errors:\n")
		for _, e := range d.Errors {
			fmt.Printf("    [%s] %s: %s\n", e.Kind, e.Stage, e.Message)
		}
	}
}
