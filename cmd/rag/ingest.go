package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newIngestCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <patterns...>",
		Short: "Ingest PDFs into the index",
		Long: `Ingest PDFs matched by glob patterns or directories into the index.

Files that cannot be read are reported and skipped. Ingesting the same file
twice stores its chunks twice; run "rag clear" first to rebuild.

Examples:
  rag ingest "data/*.pdf"
  rag ingest reports/ manual.pdf`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.service().Ingest(cmd.Context(), args)
			if err != nil {
				return fmt.Errorf("ingest failed: %w", err)
			}
			printIngestResult(cmd.OutOrStdout(), res)
			if res.Chunks == 0 && len(res.Failures) > 0 {
				return fmt.Errorf("no documents ingested: %d files failed", len(res.Failures))
			}
			return nil
		},
	}
}
