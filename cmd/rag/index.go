package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newClearCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove every chunk from the index",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.service().Clear(cmd.Context()); err != nil {
				return err
			}
			_, _ = infoColor.Fprintln(cmd.OutOrStdout(), "[INFO] Index cleared")
			return nil
		},
	}
}

func newStatsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show index statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()

			count, err := a.service().Count(cmd.Context())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Backend:    %s\n", a.cfg.Storage.Backend)
			fmt.Fprintf(w, "Chunks:     %d\n", count)
			fmt.Fprintf(w, "Dimension:  %d\n", a.cfg.Storage.Dimension)
			fmt.Fprintf(w, "Embeddings: %s (%s)\n", a.cfg.Embeddings.Provider, a.cfg.Embeddings.Model)
			fmt.Fprintf(w, "Generation: %s\n", a.cfg.Generation.Provider)
			return nil
		},
	}
}
