package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	raghttp "github.com/fyrsmithlabs/pdfrag/internal/http"
	"github.com/fyrsmithlabs/pdfrag/internal/mcp"
	"github.com/fyrsmithlabs/pdfrag/internal/tui"
	"github.com/fyrsmithlabs/pdfrag/internal/watch"
)

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	var (
		host string
		port int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Long: `Serve the HTTP API until interrupted.

Examples:
  rag serve
  rag serve --host 0.0.0.0 --port 9000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			a, err := openApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			if cmd.Flags().Changed("host") {
				a.cfg.Server.Host = host
			}
			if cmd.Flags().Changed("port") {
				a.cfg.Server.Port = port
			}
			return serveHTTP(ctx, a)
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "listen host (overrides server.host)")
	cmd.Flags().IntVar(&port, "port", 0, "listen port (overrides server.http_port)")
	return cmd
}

// serveHTTP runs the HTTP server until ctx is done, then shuts it down
// within the configured timeout.
func serveHTTP(ctx context.Context, a *app) error {
	cfg := a.cfg
	srv, err := raghttp.NewServer(a.service(), a.logger.Underlying().Named("http"), &raghttp.Config{
		Host:        cfg.Server.Host,
		Port:        cfg.Server.Port,
		Backend:     cfg.Storage.Backend,
		UploadDir:   cfg.Ingest.UploadDir,
		MaxUploadMB: cfg.Ingest.MaxUploadMB,
		Meter:       a.telemetry.Meter("github.com/fyrsmithlabs/pdfrag/internal/http"),
	})
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	timeout := cfg.Server.ShutdownTimeout.Duration()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	a.logger.Info(shutdownCtx, "shutting down HTTP server", zap.Duration("timeout", timeout))
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return <-errCh
}

func newMCPCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the retrieval tools over MCP on stdio",
		Long: `Serve rag_retrieve, rag_answer, rag_ingest and rag_clear to an MCP client
over stdin and stdout. Logs go to stderr.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			a, err := openApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			srv, err := mcp.NewServer(&mcp.Config{
				Name:    "pdfrag",
				Version: version,
				Logger:  a.logger.Underlying().Named("mcp"),
			}, a.service())
			if err != nil {
				return err
			}
			return srv.Run(ctx)
		},
	}
}

func newWatchCmd(opts *rootOptions) *cobra.Command {
	var initial bool
	cmd := &cobra.Command{
		Use:   "watch <dir>",
		Short: "Ingest PDFs as they appear in a directory",
		Long: `Watch a directory and ingest PDFs once they stop changing.

Examples:
  rag watch inbox/
  rag watch inbox/ --initial`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			a, err := openApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			w, err := watch.New(args[0], a.service(), watch.Config{
				Debounce:    a.cfg.Watch.Debounce.Duration(),
				InitialScan: initial,
				Logger:      a.logger.Underlying().Named("watch"),
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			go func() {
				for {
					select {
					case <-ctx.Done():
						return
					case b := <-w.Batches():
						if b.Err != nil {
							_, _ = errorColor.Fprintf(out, "[ERROR] %d files: %v\n", len(b.Paths), b.Err)
							continue
						}
						printIngestResult(out, b.Result)
					}
				}
			}()
			return w.Run(ctx)
		},
	}
	cmd.Flags().BoolVar(&initial, "initial", false, "ingest PDFs already in the directory first")
	return cmd
}

func newChatCmd(opts *rootOptions) *cobra.Command {
	var (
		k          int
		noGenerate bool
		timeout    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Ask questions in an interactive terminal UI",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()

			svc := a.service()
			return tui.Run(svc, tui.Options{
				K:        k,
				Generate: !noGenerate && svc.CanGenerate(),
				Timeout:  timeout,
				Title:    fmt.Sprintf("pdfrag %s (%s)", version, a.cfg.Storage.Backend),
			})
		},
	}
	cmd.Flags().IntVar(&k, "k", 4, "number of chunks to retrieve per question")
	cmd.Flags().BoolVar(&noGenerate, "no-generate", false, "only retrieve; skip answer generation")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "limit for one question")
	return cmd
}
