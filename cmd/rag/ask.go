package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/pdfrag/internal/retrieval"
)

type askOptions struct {
	k            int
	noGenerate   bool
	showSnippets bool
}

func newAskCmd(opts *rootOptions) *cobra.Command {
	ask := &askOptions{}
	cmd := &cobra.Command{
		Use:   "ask <query>",
		Short: "Ask a question against ingested documents",
		Long: `Retrieve the chunks most similar to the question and, when a generation
provider is configured, answer from them.

Examples:
  rag ask "Who signed the contract?"
  rag ask "termination clause" --k 8 --no-generate --show-snippets`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()
			return runAsk(cmd, a.service(), strings.Join(args, " "), ask)
		},
	}
	cmd.Flags().IntVar(&ask.k, "k", retrieval.DefaultK, "number of chunks to retrieve")
	cmd.Flags().BoolVar(&ask.noGenerate, "no-generate", false, "only retrieve; skip answer generation")
	cmd.Flags().BoolVar(&ask.showSnippets, "show-snippets", false, "print matched text under sources")
	return cmd
}

func runAsk(cmd *cobra.Command, svc *retrieval.Service, query string, opts *askOptions) error {
	if opts.k < 1 {
		return fmt.Errorf("--k must be at least 1, got %d", opts.k)
	}
	generate := !opts.noGenerate && svc.CanGenerate()

	answer, err := svc.Answer(cmd.Context(), query, opts.k, generate)
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	if len(answer.Hits) == 0 {
		fmt.Fprintln(w, retrieval.NoResults)
		return nil
	}

	if generate {
		printAnswer(w, answer.Text, answer.Degraded)
	} else {
		_, _ = headingColor.Fprintln(w, "\n=== ANSWER ===")
		fmt.Fprintln(w, "[Generation skipped] Showing top-k retrieved chunks only.")
	}
	printSources(w, answer.Hits, opts.showSnippets)
	return nil
}
