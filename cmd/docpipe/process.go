package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/docpipe/internal/server"
)

var (
	processBucket string
	processOutput string
)

var processCmd = &cobra.Command{
	Use:   "process <file>",
	Short: "Submit a document for processing",
	Long: `Submit a document to a running docpipe server.

With the default filesystem backend, <file> is resolved to an absolute path
and submitted as directory (bucket) plus filename (key). With --bucket the
file argument is treated as an object key in that bucket.

Examples:
  docpipe process ./invoices/batch-01.pdf
  docpipe process --bucket inbound-docs batch-01.pdf`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		bucket := processBucket
		key := args[0]
		if bucket == "" {
			abs, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			bucket, key = filepath.Dir(abs), filepath.Base(abs)
		}

		var resp server.SubmitResponse
		err := newAPIClient(serverURL).post("/documents", server.SubmitRequest{
			Bucket:       bucket,
			Key:          key,
			OutputPrefix: processOutput,
		}, &resp)
		if err != nil {
			return err
		}

		fmt.Printf("Submitted %s\n", key)
		fmt.Printf("  ID:     %s\n", resp.ID)
		fmt.Printf("  Status: %s\n", resp.Status)
		return nil
	},
}

func init() {
	processCmd.Flags().StringVar(&processBucket, "bucket", "", "Input bucket (default: file's directory)")
	processCmd.Flags().StringVar(&processOutput, "output", "", "Output prefix (default: input key)")
}
