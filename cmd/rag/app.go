package main

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/pdfrag/internal/config"
	"github.com/fyrsmithlabs/pdfrag/internal/logging"
	"github.com/fyrsmithlabs/pdfrag/internal/retrieval"
	"github.com/fyrsmithlabs/pdfrag/internal/services"
	"github.com/fyrsmithlabs/pdfrag/internal/telemetry"
)

// app bundles what a subcommand needs once config is loaded.
type app struct {
	cfg       *config.Config
	logger    *logging.Logger
	telemetry *telemetry.Telemetry
	registry  services.Registry
}

func loadConfig(opts *rootOptions) (*config.Config, error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, err
	}
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	return cfg, nil
}

// newLogger writes to stderr so stdout stays free for command output and
// the MCP transport.
func newLogger(cfg *config.Config) (*logging.Logger, error) {
	lc, err := logging.FromSettings(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, err
	}
	lc.Output.OTEL = cfg.Telemetry.Enabled
	return logging.NewLogger(lc, global.GetLoggerProvider())
}

// openApp loads config, starts logging and telemetry and builds the
// services. Callers must Close the result.
func openApp(ctx context.Context, opts *rootOptions) (*app, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	telemetry.Version = version
	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Telemetry))
	if err != nil {
		_ = logger.Sync()
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	if h := tel.Health(); h.Degraded {
		logger.Warn(ctx, "telemetry degraded", zap.Strings("reasons", h.Reasons))
	}

	reg, err := services.Build(cfg, logger.Underlying())
	if err != nil {
		_ = tel.Shutdown(context.Background())
		_ = logger.Sync()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}
	return &app{cfg: cfg, logger: logger, telemetry: tel, registry: reg}, nil
}

func (a *app) service() *retrieval.Service {
	return a.registry.Retrieval()
}

func (a *app) Close() {
	if err := a.registry.Close(); err != nil {
		a.logger.Warn(context.Background(), "failed to close services", zap.Error(err))
	}
	if err := a.telemetry.Shutdown(context.Background()); err != nil {
		a.logger.Warn(context.Background(), "telemetry shutdown failed", zap.Error(err))
	}
	_ = a.logger.Sync()
}
