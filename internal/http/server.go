// Package http serves the retrieval service over a JSON HTTP API.
package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/pdfrag/internal/logging"
	"github.com/fyrsmithlabs/pdfrag/internal/retrieval"
	"github.com/fyrsmithlabs/pdfrag/internal/sanitize"
	"github.com/fyrsmithlabs/pdfrag/internal/vectorstore"
)

// Request limits.
const (
	MaxQueryLength = 500
	MaxK           = 50
)

// Server provides HTTP endpoints for the retrieval service.
type Server struct {
	echo    *echo.Echo
	service *retrieval.Service
	logger  *zap.Logger
	config  *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int

	// Backend names the index backend in /health responses.
	Backend string

	// UploadDir receives files posted to /api/v1/ingest.
	UploadDir   string
	MaxUploadMB int

	// Meter records request metrics; nil uses the global provider.
	Meter metric.Meter
}

// NewServer creates a new HTTP server.
func NewServer(service *retrieval.Service, logger *zap.Logger, cfg *Config) (*Server, error) {
	if service == nil {
		return nil, fmt.Errorf("retrieval service cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8000
	}
	if cfg.UploadDir == "" {
		cfg.UploadDir = "uploads"
	}
	if cfg.MaxUploadMB <= 0 {
		cfg.MaxUploadMB = 50
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = jsonErrorHandler(logger)

	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		RequestIDHandler: func(c echo.Context, id string) {
			req := c.Request()
			c.SetRequest(req.WithContext(logging.WithRequestID(req.Context(), id)))
		},
	}))
	e.Use(requestLogger(logger))
	e.Use(NewHTTPMetrics(cfg.Meter, logger).Middleware())

	s := &Server{
		echo:    e,
		service: service,
		logger:  logger,
		config:  cfg,
	}
	s.registerRoutes()
	return s, nil
}

func requestLogger(logger *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			req := c.Request()
			fields := append(logging.ContextFields(req.Context()),
				zap.String("method", req.Method),
				zap.String("uri", req.RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
			)
			logger.Info("http request", fields...)
			return err
		}
	}
}

// jsonErrorHandler renders every error as ErrorResponse.
func jsonErrorHandler(logger *zap.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		status := http.StatusInternalServerError
		msg := http.StatusText(status)
		var he *echo.HTTPError
		if errors.As(err, &he) {
			status = he.Code
			msg = fmt.Sprint(he.Message)
		} else {
			logger.Error("unhandled error", zap.Error(err))
		}
		if c.Request().Method == http.MethodHead {
			err = c.NoContent(status)
		} else {
			err = c.JSON(status, ErrorResponse{Error: msg})
		}
		if err != nil {
			logger.Warn("failed to write error response", zap.Error(err))
		}
	}
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/ingest", s.handleIngest, middleware.BodyLimit(fmt.Sprintf("%dM", s.config.MaxUploadMB+1)))
	v1.POST("/query", s.handleQuery)
	v1.POST("/retrieve", s.handleRetrieve)
	v1.POST("/clear", s.handleClear)
}

// Handler exposes the router, mainly for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) handleHealth(c echo.Context) error {
	n, err := s.service.Count(c.Request().Context())
	if err != nil {
		s.logger.Warn("health check failed", zap.Error(err))
		return c.JSON(http.StatusServiceUnavailable, HealthResponse{
			Status:  "degraded",
			Backend: s.config.Backend,
			Chunks:  -1,
			Error:   err.Error(),
		})
	}
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Backend: s.config.Backend, Chunks: n})
}

func (s *Server) handleIngest(c echo.Context) error {
	if strings.HasPrefix(c.Request().Header.Get(echo.HeaderContentType), echo.MIMEApplicationJSON) {
		return s.handleIngestText(c)
	}
	fh, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "multipart field \"file\" is required")
	}
	if !strings.EqualFold(filepath.Ext(fh.Filename), ".pdf") {
		return echo.NewHTTPError(http.StatusBadRequest, "only PDF files are supported")
	}
	if fh.Size > int64(s.config.MaxUploadMB)<<20 {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge,
			fmt.Sprintf("file exceeds %d MB", s.config.MaxUploadMB))
	}

	dst, err := s.saveUpload(fh)
	if err != nil {
		s.logger.Error("failed to save upload", zap.String("file", fh.Filename), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to store upload")
	}

	result, err := s.service.Ingest(c.Request().Context(), []string{dst})
	if err != nil {
		return s.serviceError(err)
	}
	if len(result.Failures) > 0 {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("could not read PDF: %v", result.Failures[0].Err))
	}
	if result.Chunks == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "no text chunks extracted from document")
	}

	return c.JSON(http.StatusCreated, IngestResponse{
		Message:         "document ingested",
		ChunksProcessed: result.Chunks,
		DocumentID:      filepath.Base(dst),
		Redacted:        result.Redacted,
	})
}

// handleIngestText indexes text a client has already extracted. Nothing is
// written to the upload dir.
func (s *Server) handleIngestText(c echo.Context) error {
	var req IngestTextRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
	}
	if strings.TrimSpace(req.Text) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "text is required")
	}

	result, err := s.service.IngestText(c.Request().Context(), strings.TrimSpace(req.DocumentID), req.Text)
	if err != nil {
		return s.serviceError(err)
	}
	if result.Chunks == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "no text chunks extracted from document")
	}
	return c.JSON(http.StatusCreated, IngestResponse{
		Message:         "text ingested",
		ChunksProcessed: result.Chunks,
		DocumentID:      strings.TrimSpace(req.DocumentID),
		Redacted:        result.Redacted,
	})
}

// saveUpload writes the upload under UploadDir using a sanitized basename,
// which also becomes the document id.
func (s *Server) saveUpload(fh *multipart.FileHeader) (string, error) {
	name := sanitize.UploadName(fh.Filename, "upload.pdf")
	dst, err := sanitize.ValidatePath(filepath.Join(s.config.UploadDir, name), s.config.UploadDir)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(s.config.UploadDir, 0o750); err != nil {
		return "", err
	}

	src, err := fh.Open()
	if err != nil {
		return "", err
	}
	defer src.Close()

	f, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		return "", err
	}
	return dst, f.Close()
}

// parseQuery validates the shared query/retrieve body and returns k.
func parseQuery(c echo.Context) (QueryRequest, int, error) {
	var req QueryRequest
	if err := c.Bind(&req); err != nil {
		return req, 0, echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Query) == "" {
		return req, 0, echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}
	if utf8.RuneCountInString(req.Query) > MaxQueryLength {
		return req, 0, echo.NewHTTPError(http.StatusBadRequest,
			fmt.Sprintf("query exceeds %d characters", MaxQueryLength))
	}
	k := retrieval.DefaultK
	if req.K != nil {
		k = *req.K
	}
	if k < 1 || k > MaxK {
		return req, 0, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("k must be between 1 and %d", MaxK))
	}
	return req, k, nil
}

func (s *Server) handleQuery(c echo.Context) error {
	req, k, err := parseQuery(c)
	if err != nil {
		return err
	}
	generate := req.Generate == nil || *req.Generate

	answer, err := s.service.Answer(c.Request().Context(), req.Query, k, generate)
	if err != nil {
		return s.serviceError(err)
	}
	sources := toSources(answer.Hits)
	if answer.Degraded {
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: answer.Text, Sources: sources})
	}
	return c.JSON(http.StatusOK, QueryResponse{Answer: answer.Text, Sources: sources})
}

func (s *Server) handleRetrieve(c echo.Context) error {
	req, k, err := parseQuery(c)
	if err != nil {
		return err
	}
	hits, err := s.service.Retrieve(c.Request().Context(), req.Query, k)
	if err != nil {
		return s.serviceError(err)
	}
	return c.JSON(http.StatusOK, RetrieveResponse{Results: toSources(hits)})
}

func (s *Server) handleClear(c echo.Context) error {
	if err := s.service.Clear(c.Request().Context()); err != nil {
		return s.serviceError(err)
	}
	return c.JSON(http.StatusOK, MessageResponse{Message: "index cleared"})
}

// serviceError maps retrieval errors onto HTTP statuses.
func (s *Server) serviceError(err error) error {
	var be *vectorstore.BackendError
	switch {
	case errors.Is(err, retrieval.ErrEmptyQuery), errors.Is(err, retrieval.ErrEmptyDocID):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.As(err, &be):
		s.logger.Warn("index backend failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadGateway, "index backend unavailable")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "request canceled")
	default:
		s.logger.Error("request failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}

// Start serves until Shutdown is called. It returns nil after a graceful
// shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
