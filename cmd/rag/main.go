// Package main implements the rag CLI for ingesting PDFs and asking
// questions against the index.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	gitCommit = "unknown"
)

// rootOptions holds the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "rag",
		Short: "Ingest PDFs and ask questions against them",
		Long: `rag splits PDF documents into chunks, embeds them into a vector index
and answers questions from the most similar chunks.

Examples:
  # Index every PDF under data/
  rag ingest "data/*.pdf"

  # Ask a question and show the matched text
  rag ask "What is the refund policy?" --show-snippets

  # Serve the HTTP API
  rag serve`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default ~/.config/pdfrag/config.yaml)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")

	cmd.AddCommand(
		newIngestCmd(opts),
		newAskCmd(opts),
		newClearCmd(opts),
		newStatsCmd(opts),
		newConfigCmd(opts),
		newServeCmd(opts),
		newMCPCmd(opts),
		newWatchCmd(opts),
		newChatCmd(opts),
		newVersionCmd(),
	)
	return cmd
}
