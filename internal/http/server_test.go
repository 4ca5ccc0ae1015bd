package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fyrsmithlabs/pdfrag/internal/retrieval"
	"github.com/fyrsmithlabs/pdfrag/internal/retrieval/retrievaltest"
	"github.com/fyrsmithlabs/pdfrag/internal/vectorstore"
)

// brokenStore fails every read with a backend error.
type brokenStore struct {
	vectorstore.Store
}

func (brokenStore) Search(context.Context, []float32, int, *vectorstore.Filter) ([]vectorstore.Hit, error) {
	return nil, &vectorstore.BackendError{Backend: "remote", Op: "search", Status: 503}
}

func (brokenStore) Count(context.Context) (int, error) {
	return 0, &vectorstore.BackendError{Backend: "remote", Op: "count", Err: errors.New("connection refused")}
}

func setupTestServer(t *testing.T, fx *retrievaltest.Fixture) *Server {
	t.Helper()
	server, err := NewServer(fx.Service, zap.NewNop(), &Config{
		Backend:   "memory",
		UploadDir: t.TempDir(),
	})
	require.NoError(t, err)
	return server
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func upload(t *testing.T, s *Server, field, filename string, content []byte) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/ingest", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestNewServer(t *testing.T) {
	fx := retrievaltest.New(t, nil)

	t.Run("applies defaults", func(t *testing.T) {
		server, err := NewServer(fx.Service, zap.NewNop(), nil)
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1", server.config.Host)
		assert.Equal(t, 8000, server.config.Port)
		assert.Equal(t, 50, server.config.MaxUploadMB)
		assert.Equal(t, "uploads", server.config.UploadDir)
	})

	t.Run("requires logger", func(t *testing.T) {
		_, err := NewServer(fx.Service, nil, nil)
		assert.ErrorContains(t, err, "logger is required")
	})

	t.Run("requires service", func(t *testing.T) {
		_, err := NewServer(nil, zap.NewNop(), nil)
		assert.ErrorContains(t, err, "service cannot be nil")
	})
}

func TestHandleHealth(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		fx := retrievaltest.New(t, nil)
		fx.Seed(t, "a.pdf", "alpha one")
		s := setupTestServer(t, fx)

		rec := doJSON(t, s, http.MethodGet, "/health", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, HealthResponse{Status: "ok", Backend: "memory", Chunks: 1}, decode[HealthResponse](t, rec))
		assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
	})

	t.Run("degraded", func(t *testing.T) {
		fx := retrievaltest.New(t, nil)
		svc, err := retrieval.NewService(retrieval.Config{}, fx.Extractor, fx.Embedder, brokenStore{fx.Store})
		require.NoError(t, err)
		s, err := NewServer(svc, zap.NewNop(), &Config{Backend: "remote"})
		require.NoError(t, err)

		rec := doJSON(t, s, http.MethodGet, "/health", nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		resp := decode[HealthResponse](t, rec)
		assert.Equal(t, "degraded", resp.Status)
		assert.Contains(t, resp.Error, "connection refused")
	})
}

func TestHandleIngest(t *testing.T) {
	fx := retrievaltest.New(t, map[string]string{
		"report.pdf": "alpha beta gamma delta",
		"blank.pdf":  "   ",
	})
	s := setupTestServer(t, fx)

	t.Run("indexes upload", func(t *testing.T) {
		rec := upload(t, s, "file", "report.pdf", []byte("%PDF-1.4"))
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		resp := decode[IngestResponse](t, rec)
		assert.Equal(t, "report.pdf", resp.DocumentID)
		assert.Equal(t, 1, resp.ChunksProcessed)
		assert.FileExists(t, filepath.Join(s.config.UploadDir, "report.pdf"))

		n, err := fx.Service.Count(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	tests := []struct {
		name     string
		field    string
		filename string
		want     int
		errText  string
	}{
		{name: "missing field", field: "document", filename: "report.pdf", want: 400, errText: "\"file\" is required"},
		{name: "not a pdf", field: "file", filename: "notes.txt", want: 400, errText: "only PDF"},
		{name: "unreadable", field: "file", filename: "corrupt.pdf", want: 400, errText: "could not read PDF"},
		{name: "no text", field: "file", filename: "blank.pdf", want: 400, errText: "no text chunks"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := upload(t, s, tt.field, tt.filename, []byte("%PDF-1.4"))
			assert.Equal(t, tt.want, rec.Code)
			assert.Contains(t, decode[ErrorResponse](t, rec).Error, tt.errText)
		})
	}
}

func TestHandleIngest_JSONText(t *testing.T) {
	fx := retrievaltest.New(t, nil)
	s := setupTestServer(t, fx)

	rec := doJSON(t, s, http.MethodPost, "/api/v1/ingest", IngestTextRequest{
		DocumentID: "minutes-2024",
		Text:       "Alpha was approved. Beta is postponed.",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	resp := decode[IngestResponse](t, rec)
	assert.Equal(t, "minutes-2024", resp.DocumentID)
	assert.Equal(t, 1, resp.ChunksProcessed)

	entries, err := os.ReadDir(s.config.UploadDir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	hits, err := fx.Service.Retrieve(context.Background(), "alpha", 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "minutes-2024", hits[0].DocID)

	tests := []struct {
		name    string
		body    IngestTextRequest
		errText string
	}{
		{name: "missing document id", body: IngestTextRequest{Text: "alpha"}, errText: "document"},
		{name: "missing text", body: IngestTextRequest{DocumentID: "x"}, errText: "text is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, s, http.MethodPost, "/api/v1/ingest", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, decode[ErrorResponse](t, rec).Error, tt.errText)
		})
	}
}

func TestSaveUpload_SanitizesName(t *testing.T) {
	fx := retrievaltest.New(t, map[string]string{"my_report_v2.pdf": "alpha"})
	s := setupTestServer(t, fx)

	rec := upload(t, s, "file", "../../my report (v2).pdf", []byte("x"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "my_report_v2.pdf", decode[IngestResponse](t, rec).DocumentID)

	entries, err := os.ReadDir(s.config.UploadDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestHandleQuery(t *testing.T) {
	seed := func(t *testing.T, opts ...retrieval.Option) *Server {
		fx := retrievaltest.New(t, nil, opts...)
		fx.Seed(t, "a.pdf", "alpha alpha notes")
		fx.Seed(t, "b.pdf", "beta figures")
		return setupTestServer(t, fx)
	}

	t.Run("snippets without generator", func(t *testing.T) {
		s := seed(t)
		rec := doJSON(t, s, http.MethodPost, "/api/v1/query", map[string]any{"query": "alpha", "k": 1})
		require.Equal(t, http.StatusOK, rec.Code)
		resp := decode[QueryResponse](t, rec)
		assert.Equal(t, "alpha alpha notes", resp.Answer)
		require.Len(t, resp.Sources, 1)
		assert.Equal(t, "a.pdf", resp.Sources[0].Document)
		assert.Equal(t, 0, resp.Sources[0].Chunk)
	})

	t.Run("generated answer", func(t *testing.T) {
		var gotPrompt string
		s := seed(t, retrieval.WithGenerator(retrievaltest.GeneratorFunc(
			func(_ context.Context, prompt string, _ int) (string, error) {
				gotPrompt = prompt
				return "  Alpha is covered in a.pdf.  ", nil
			})))

		rec := doJSON(t, s, http.MethodPost, "/api/v1/query", map[string]any{"query": "alpha"})
		require.Equal(t, http.StatusOK, rec.Code)
		resp := decode[QueryResponse](t, rec)
		assert.Equal(t, "Alpha is covered in a.pdf.", resp.Answer)
		assert.Len(t, resp.Sources, 2)
		assert.Contains(t, gotPrompt, "alpha alpha notes")
	})

	t.Run("generate false skips generator", func(t *testing.T) {
		s := seed(t, retrieval.WithGenerator(retrievaltest.GeneratorFunc(
			func(context.Context, string, int) (string, error) {
				t.Error("generator must not be called")
				return "", nil
			})))
		rec := doJSON(t, s, http.MethodPost, "/api/v1/query", map[string]any{"query": "beta", "k": 1, "generate": false})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "beta figures", decode[QueryResponse](t, rec).Answer)
	})

	t.Run("degraded generation keeps sources", func(t *testing.T) {
		s := seed(t, retrieval.WithGenerator(retrievaltest.GeneratorFunc(
			func(context.Context, string, int) (string, error) {
				return "", errors.New("model not loaded")
			})))
		rec := doJSON(t, s, http.MethodPost, "/api/v1/query", map[string]any{"query": "alpha"})
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		resp := decode[ErrorResponse](t, rec)
		assert.Contains(t, resp.Error, "model not loaded")
		assert.Len(t, resp.Sources, 2)
	})

	t.Run("empty index", func(t *testing.T) {
		s := setupTestServer(t, retrievaltest.New(t, nil))
		rec := doJSON(t, s, http.MethodPost, "/api/v1/query", map[string]any{"query": "alpha"})
		require.Equal(t, http.StatusOK, rec.Code)
		resp := decode[QueryResponse](t, rec)
		assert.Equal(t, retrieval.NoResults, resp.Answer)
		assert.Empty(t, resp.Sources)
	})
}

func TestQueryValidation(t *testing.T) {
	s := setupTestServer(t, retrievaltest.New(t, nil))

	tests := []struct {
		name    string
		body    any
		errText string
	}{
		{name: "missing query", body: map[string]any{}, errText: "query is required"},
		{name: "blank query", body: map[string]any{"query": "  \n"}, errText: "query is required"},
		{name: "long query", body: map[string]any{"query": strings.Repeat("x", MaxQueryLength+1)}, errText: "exceeds 500"},
		{name: "k zero", body: map[string]any{"query": "a", "k": 0}, errText: "k must be between"},
		{name: "k too large", body: map[string]any{"query": "a", "k": MaxK + 1}, errText: "k must be between"},
		{name: "malformed", body: "not an object", errText: "invalid request body"},
	}
	for _, path := range []string{"/api/v1/query", "/api/v1/retrieve"} {
		for _, tt := range tests {
			t.Run(path+"/"+tt.name, func(t *testing.T) {
				rec := doJSON(t, s, http.MethodPost, path, tt.body)
				assert.Equal(t, http.StatusBadRequest, rec.Code)
				assert.Contains(t, decode[ErrorResponse](t, rec).Error, tt.errText)
			})
		}
	}
}

func TestHandleRetrieve(t *testing.T) {
	fx := retrievaltest.New(t, nil)
	fx.Seed(t, "a.pdf", "alpha")
	fx.Seed(t, "b.pdf", "beta")
	fx.Seed(t, "g.pdf", "gamma")
	s := setupTestServer(t, fx)

	rec := doJSON(t, s, http.MethodPost, "/api/v1/retrieve", map[string]any{"query": "gamma", "k": 2})
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[RetrieveResponse](t, rec)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "g.pdf", resp.Results[0].Document)
	assert.GreaterOrEqual(t, resp.Results[0].Score, resp.Results[1].Score)
}

func TestBackendErrorMapsToBadGateway(t *testing.T) {
	fx := retrievaltest.New(t, nil)
	svc, err := retrieval.NewService(retrieval.Config{}, fx.Extractor, fx.Embedder, brokenStore{fx.Store})
	require.NoError(t, err)
	s, err := NewServer(svc, zap.NewNop(), nil)
	require.NoError(t, err)

	rec := doJSON(t, s, http.MethodPost, "/api/v1/retrieve", map[string]any{"query": "alpha"})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "index backend unavailable", decode[ErrorResponse](t, rec).Error)
}

func TestHandleClear(t *testing.T) {
	fx := retrievaltest.New(t, nil)
	fx.Seed(t, "a.pdf", "alpha")
	s := setupTestServer(t, fx)

	rec := doJSON(t, s, http.MethodPost, "/api/v1/clear", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "index cleared", decode[MessageResponse](t, rec).Message)

	n, err := fx.Service.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMetricsEndpoint(t *testing.T) {
	s := setupTestServer(t, retrievaltest.New(t, nil))
	rec := doJSON(t, s, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestUnknownRouteIsJSON(t *testing.T) {
	s := setupTestServer(t, retrievaltest.New(t, nil))
	rec := doJSON(t, s, http.MethodGet, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.NotEmpty(t, decode[ErrorResponse](t, rec).Error)
}

func TestServer_StartShutdown(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	s, err := NewServer(retrievaltest.New(t, nil).Service, zap.NewNop(), &Config{Host: "127.0.0.1", Port: port})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Start() }()

	url := fmt.Sprintf("http://127.0.0.1:%d/health", port)
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	assert.NoError(t, <-done)
}

func TestRequestLog_CarriesRequestID(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	server, err := NewServer(retrievaltest.New(t, nil).Service, zap.New(core), &Config{
		Backend:   "memory",
		UploadDir: t.TempDir(),
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(echo.HeaderXRequestID, "req-7")
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	entries := logs.FilterMessage("http request").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "req-7", entries[0].ContextMap()["request.id"])
	assert.Equal(t, "/health", entries[0].ContextMap()["uri"])
}
