package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/fyrsmithlabs/pdfrag/internal/vectorstore"
)

// setupTestHome points HOME at a temp dir and clears every mapped variable
// so the host environment cannot leak into a test.
func setupTestHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	for name := range EnvKeys {
		t.Setenv(name, "")
		require.NoError(t, os.Unsetenv(name))
	}
	return home
}

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, vectorstore.ProviderLocal, cfg.Storage.Backend)
	assert.Equal(t, 384, cfg.Storage.Dimension)
	assert.Equal(t, "http://127.0.0.1:6333", cfg.Storage.Remote.URL)
	assert.Equal(t, "chunks", cfg.Storage.Remote.Collection)
	assert.Equal(t, "Cosine", cfg.Storage.Remote.Distance)
	assert.Equal(t, 180, cfg.Ingest.MaxWords)
	assert.Equal(t, 2*time.Second, cfg.Watch.Debounce.Duration())
	assert.False(t, cfg.Telemetry.Enabled)
}

func TestLoad_DefaultPathMissingIsFine(t *testing.T) {
	setupTestHome(t)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_DefaultPath(t *testing.T) {
	home := setupTestHome(t)
	dir := filepath.Join(home, ".config", "pdfrag")
	require.NoError(t, os.MkdirAll(dir, 0o700))
	writeConfig(t, dir, "storage:\n  backend: memory\n")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, vectorstore.ProviderMemory, cfg.Storage.Backend)
}

func TestLoad_ExplicitPathMustExist(t *testing.T) {
	setupTestHome(t)
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoad_YAML(t *testing.T) {
	setupTestHome(t)
	path := writeConfig(t, t.TempDir(), `
storage:
  backend: remote
  dimension: 768
  remote:
    url: http://qdrant:6333
    collection: manuals
    api_key: s3cret
    timeout: 5s
    clear_strategy: recreate
embeddings:
  provider: tei
  base_url: http://tei:8080
  rate_limit: 2.5
generation:
  provider: ollama
  model: llama3.2
ingest:
  max_words: 120
  batch_size: 64
server:
  http_port: 9000
  shutdown_timeout: 3s
logging:
  level: DEBUG
  format: console
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, vectorstore.ProviderRemote, cfg.Storage.Backend)
	assert.Equal(t, 768, cfg.Storage.Dimension)
	assert.Equal(t, "http://qdrant:6333", cfg.Storage.Remote.URL)
	assert.Equal(t, "manuals", cfg.Storage.Remote.Collection)
	assert.Equal(t, "s3cret", cfg.Storage.Remote.APIKey.Value())
	assert.Equal(t, 5*time.Second, cfg.Storage.Remote.Timeout.Duration())
	assert.Equal(t, vectorstore.ClearRecreate, cfg.Storage.Remote.ClearStrategy)
	// Unset keys keep their defaults.
	assert.Equal(t, "Cosine", cfg.Storage.Remote.Distance)

	assert.Equal(t, "tei", cfg.Embeddings.Provider)
	assert.InDelta(t, 2.5, cfg.Embeddings.RateLimit, 1e-9)
	assert.Equal(t, "ollama", cfg.Generation.Provider)
	assert.Equal(t, 120, cfg.Ingest.MaxWords)
	assert.Equal(t, 64, cfg.Ingest.BatchSize)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 3*time.Second, cfg.Server.ShutdownTimeout.Duration())
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)
}

func TestLoad_EnvironmentOverridesFile(t *testing.T) {
	setupTestHome(t)
	path := writeConfig(t, t.TempDir(), `
storage:
  backend: memory
  dimension: 768
  remote:
    collection: from_file
`)

	t.Setenv("RAG_STORAGE", "remote")
	t.Setenv("EMBED_DIM", "1024")
	t.Setenv("QDRANT_URL", "https://cloud.qdrant.io:6333")
	t.Setenv("QDRANT_DISTANCE", "Dot")
	t.Setenv("QDRANT_API_KEY", "env-key")
	t.Setenv("RAG_RESET_ON_STARTUP", "true")
	t.Setenv("RAG_MAX_WORDS", "90")
	t.Setenv("RAG_WATCH_DEBOUNCE", "500ms")
	t.Setenv("NATS_URL", "nats://bus:4222")
	t.Setenv("UNRELATED_VARIABLE", "ignored")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, vectorstore.ProviderRemote, cfg.Storage.Backend)
	assert.Equal(t, 1024, cfg.Storage.Dimension)
	assert.True(t, cfg.Storage.ResetOnStartup)
	assert.Equal(t, "https://cloud.qdrant.io:6333", cfg.Storage.Remote.URL)
	assert.Equal(t, "from_file", cfg.Storage.Remote.Collection)
	assert.Equal(t, "Dot", cfg.Storage.Remote.Distance)
	assert.Equal(t, "env-key", cfg.Storage.Remote.APIKey.Value())
	assert.Equal(t, 90, cfg.Ingest.MaxWords)
	assert.Equal(t, 500*time.Millisecond, cfg.Watch.Debounce.Duration())
	assert.Equal(t, "nats://bus:4222", cfg.Events.NATSURL)
}

func TestLoad_InvalidYAML(t *testing.T) {
	setupTestHome(t)
	path := writeConfig(t, t.TempDir(), "storage: [unclosed")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_ValidationFailure(t *testing.T) {
	setupTestHome(t)
	t.Setenv("RAG_STORAGE", "faiss")
	_, err := Load("")
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.ErrorContains(t, err, "storage.backend")
}

func TestLoad_FileChecks(t *testing.T) {
	setupTestHome(t)

	t.Run("too large", func(t *testing.T) {
		path := writeConfig(t, t.TempDir(), "# "+strings.Repeat("x", maxConfigFileSize))
		_, err := Load(path)
		assert.ErrorContains(t, err, "too large")
	})

	t.Run("directory", func(t *testing.T) {
		_, err := Load(t.TempDir())
		assert.ErrorContains(t, err, "directory")
	})

	t.Run("world writable", func(t *testing.T) {
		if runtime.GOOS == "windows" {
			t.Skip("permission bits not enforced on windows")
		}
		path := writeConfig(t, t.TempDir(), "storage:\n  backend: memory\n")
		require.NoError(t, os.Chmod(path, 0o666))
		_, err := Load(path)
		assert.ErrorContains(t, err, "insecure config file permissions")
	})

	t.Run("read only is fine", func(t *testing.T) {
		path := writeConfig(t, t.TempDir(), "storage:\n  backend: memory\n")
		require.NoError(t, os.Chmod(path, 0o444))
		_, err := Load(path)
		assert.NoError(t, err)
	})
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "chromem", mutate: func(c *Config) { c.Storage.Backend = vectorstore.ProviderChromem }},
		{name: "unknown backend", mutate: func(c *Config) { c.Storage.Backend = "faiss" }, wantErr: "storage.backend"},
		{name: "zero dimension follows embedder", mutate: func(c *Config) { c.Storage.Dimension = 0 }},
		{name: "negative dimension", mutate: func(c *Config) { c.Storage.Dimension = -1 }, wantErr: "storage.dimension"},
		{name: "local without dir", mutate: func(c *Config) { c.Storage.IndexDir = "" }, wantErr: "storage.index_dir"},
		{name: "remote bad url", mutate: func(c *Config) {
			c.Storage.Backend = vectorstore.ProviderRemote
			c.Storage.Remote.URL = "qdrant:6333"
		}, wantErr: "storage.remote.url"},
		{name: "remote bad distance", mutate: func(c *Config) {
			c.Storage.Backend = vectorstore.ProviderRemote
			c.Storage.Remote.Distance = "cosine"
		}, wantErr: "storage.remote.distance"},
		{name: "remote bad clear strategy", mutate: func(c *Config) {
			c.Storage.Backend = vectorstore.ProviderRemote
			c.Storage.Remote.ClearStrategy = "truncate"
		}, wantErr: "clear_strategy"},
		{name: "qdrant bad port", mutate: func(c *Config) {
			c.Storage.Backend = vectorstore.ProviderQdrant
			c.Storage.Qdrant.Port = 0
		}, wantErr: "storage.qdrant.port"},
		{name: "unknown embedder", mutate: func(c *Config) { c.Embeddings.Provider = "cohere" }, wantErr: "embeddings.provider"},
		{name: "unknown generator", mutate: func(c *Config) { c.Generation.Provider = "gpt4all" }, wantErr: "generation.provider"},
		{name: "zero max words", mutate: func(c *Config) { c.Ingest.MaxWords = 0 }, wantErr: "ingest.max_words"},
		{name: "unknown extractor", mutate: func(c *Config) { c.Ingest.Extractor = "ocr" }, wantErr: "ingest.extractor"},
		{name: "bad port", mutate: func(c *Config) { c.Server.Port = 70000 }, wantErr: "server.http_port"},
		{name: "bad log format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: "logging.format"},
		{name: "telemetry without endpoint", mutate: func(c *Config) {
			c.Telemetry.Enabled = true
			c.Telemetry.Endpoint = ""
		}, wantErr: "telemetry.endpoint"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestConfig_Conversions(t *testing.T) {
	cfg := Default()
	cfg.Storage.Backend = vectorstore.ProviderRemote
	cfg.Storage.Dimension = 768
	cfg.Storage.Remote.APIKey = "k"
	cfg.Embeddings.Provider = "tei"
	cfg.Generation.APIKey = "g"
	cfg.Ingest.BatchSize = 32
	cfg.Events.NATSURL = "nats://localhost:4222"

	vs := cfg.VectorStore()
	assert.Equal(t, vectorstore.ProviderRemote, vs.Provider)
	assert.Equal(t, 768, vs.Dimension)
	assert.Equal(t, "k", vs.Remote.APIKey)
	assert.Equal(t, 30*time.Second, vs.Remote.Timeout)
	assert.Equal(t, "index", vs.Local.Dir)

	emb := cfg.EmbeddingProvider()
	assert.Equal(t, "tei", emb.Provider)
	assert.Equal(t, 768, emb.Dimension)

	assert.Equal(t, "g", cfg.Generator().APIKey)

	r := cfg.Retrieval()
	assert.Equal(t, 180, r.MaxWords)
	assert.Equal(t, 32, r.BatchSize)
	assert.Equal(t, cfg.Generation.MaxTokens, r.MaxTokens)

	assert.Equal(t, "nats://localhost:4222", cfg.EventsPublisher().URL)
}

func TestSecret_Redaction(t *testing.T) {
	s := Secret("hunter2")
	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", s))
	assert.Equal(t, "Secret([REDACTED])", fmt.Sprintf("%#v", s))
	assert.Equal(t, "hunter2", s.Value())
	assert.True(t, s.IsSet())

	data, err := json.Marshal(struct{ Key Secret }{s})
	require.NoError(t, err)
	assert.JSONEq(t, `{"Key":"[REDACTED]"}`, string(data))

	assert.Empty(t, Secret("").String())
	assert.False(t, Secret("").IsSet())
}

func TestConfig_YAMLShowsNoSecrets(t *testing.T) {
	cfg := Default()
	cfg.Storage.Remote.APIKey = "qdrant-key"
	cfg.Generation.APIKey = "sk-live"

	out, err := yaml.Marshal(cfg)
	require.NoError(t, err)
	assert.NotContains(t, string(out), "qdrant-key")
	assert.NotContains(t, string(out), "sk-live")
	assert.Contains(t, string(out), "api_key: '[REDACTED]'")
	assert.Contains(t, string(out), "timeout: 30s")
}

func TestDuration_UnmarshalText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	assert.Equal(t, 90*time.Second, d.Duration())
	assert.Equal(t, "1m30s", d.String())

	require.NoError(t, d.UnmarshalText([]byte(" 2 ")))
	assert.Equal(t, 2*time.Second, d.Duration())

	assert.Error(t, d.UnmarshalText([]byte("-1s")))
	assert.Error(t, d.UnmarshalText([]byte("-3")))
	assert.Error(t, d.UnmarshalText([]byte("soon")))
}

func TestLoadDotEnv(t *testing.T) {
	setupTestHome(t)
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("RAG_LLM_MODEL=llama3.2\nRAG_MAX_WORDS=60\n"), 0o600))
	t.Setenv("RAG_MAX_WORDS", "75")

	require.NoError(t, LoadDotEnv(path, filepath.Join(dir, "missing.env")))
	t.Cleanup(func() { _ = os.Unsetenv("RAG_LLM_MODEL") })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "llama3.2", cfg.Generation.Model)
	// Variables already in the environment win over the file.
	assert.Equal(t, 75, cfg.Ingest.MaxWords)
}
