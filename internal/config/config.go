// Package config provides configuration loading for pdfrag.
//
// Configuration comes from three layers, highest precedence first:
// environment variables, a YAML file, and the defaults returned by Default.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/fyrsmithlabs/pdfrag/internal/embeddings"
	"github.com/fyrsmithlabs/pdfrag/internal/events"
	"github.com/fyrsmithlabs/pdfrag/internal/generation"
	"github.com/fyrsmithlabs/pdfrag/internal/retrieval"
	"github.com/fyrsmithlabs/pdfrag/internal/vectorstore"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds the complete pdfrag configuration.
type Config struct {
	Storage    StorageConfig    `koanf:"storage" yaml:"storage"`
	Embeddings EmbeddingsConfig `koanf:"embeddings" yaml:"embeddings"`
	Generation GenerationConfig `koanf:"generation" yaml:"generation"`
	Ingest     IngestConfig     `koanf:"ingest" yaml:"ingest"`
	Server     ServerConfig     `koanf:"server" yaml:"server"`
	Logging    LoggingConfig    `koanf:"logging" yaml:"logging"`
	Telemetry  TelemetryConfig  `koanf:"telemetry" yaml:"telemetry"`
	Events     EventsConfig     `koanf:"events" yaml:"events"`
	Redaction  RedactionConfig  `koanf:"redaction" yaml:"redaction"`
	Watch      WatchConfig      `koanf:"watch" yaml:"watch"`
}

// StorageConfig selects the index backend.
type StorageConfig struct {
	Backend        string        `koanf:"backend" yaml:"backend"`
	Dimension      int           `koanf:"dimension" yaml:"dimension"`
	ResetOnStartup bool          `koanf:"reset_on_startup" yaml:"reset_on_startup"`
	IndexDir       string        `koanf:"index_dir" yaml:"index_dir"`
	Remote         RemoteConfig  `koanf:"remote" yaml:"remote"`
	Qdrant         QdrantConfig  `koanf:"qdrant" yaml:"qdrant"`
	Chromem        ChromemConfig `koanf:"chromem" yaml:"chromem"`
}

// RemoteConfig configures the Qdrant REST backend.
type RemoteConfig struct {
	URL           string   `koanf:"url" yaml:"url"`
	Collection    string   `koanf:"collection" yaml:"collection"`
	Distance      string   `koanf:"distance" yaml:"distance"`
	APIKey        Secret   `koanf:"api_key" yaml:"api_key"`
	Timeout       Duration `koanf:"timeout" yaml:"timeout"`
	ClearStrategy string   `koanf:"clear_strategy" yaml:"clear_strategy"`
}

// QdrantConfig configures the Qdrant gRPC backend.
type QdrantConfig struct {
	Host       string `koanf:"host" yaml:"host"`
	Port       int    `koanf:"port" yaml:"port"`
	Collection string `koanf:"collection" yaml:"collection"`
	Distance   string `koanf:"distance" yaml:"distance"`
	APIKey     Secret `koanf:"api_key" yaml:"api_key"`
	UseTLS     bool   `koanf:"use_tls" yaml:"use_tls"`
	MaxRetries int    `koanf:"max_retries" yaml:"max_retries"`
}

// ChromemConfig configures the embedded chromem-go backend.
type ChromemConfig struct {
	Path       string `koanf:"path" yaml:"path"`
	Collection string `koanf:"collection" yaml:"collection"`
	Compress   bool   `koanf:"compress" yaml:"compress"`
}

// EmbeddingsConfig selects the embedding provider.
type EmbeddingsConfig struct {
	Provider  string   `koanf:"provider" yaml:"provider"`
	Model     string   `koanf:"model" yaml:"model"`
	BaseURL   string   `koanf:"base_url" yaml:"base_url"`
	APIKey    Secret   `koanf:"api_key" yaml:"api_key"`
	CacheDir  string   `koanf:"cache_dir" yaml:"cache_dir"`
	RateLimit float64  `koanf:"rate_limit" yaml:"rate_limit"`
	Timeout   Duration `koanf:"timeout" yaml:"timeout"`
	BatchSize int      `koanf:"batch_size" yaml:"batch_size"`
}

// GenerationConfig selects the answer model.
type GenerationConfig struct {
	Provider  string   `koanf:"provider" yaml:"provider"`
	Model     string   `koanf:"model" yaml:"model"`
	BaseURL   string   `koanf:"base_url" yaml:"base_url"`
	APIKey    Secret   `koanf:"api_key" yaml:"api_key"`
	MaxTokens int      `koanf:"max_tokens" yaml:"max_tokens"`
	Timeout   Duration `koanf:"timeout" yaml:"timeout"`
}

// IngestConfig tunes document ingestion.
type IngestConfig struct {
	MaxWords    int    `koanf:"max_words" yaml:"max_words"`
	BatchSize   int    `koanf:"batch_size" yaml:"batch_size"`
	Extractor   string `koanf:"extractor" yaml:"extractor"`
	UploadDir   string `koanf:"upload_dir" yaml:"upload_dir"`
	MaxUploadMB int    `koanf:"max_upload_mb" yaml:"max_upload_mb"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host" yaml:"host"`
	Port            int      `koanf:"http_port" yaml:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// LoggingConfig holds the subset of logging settings exposed to users.
type LoggingConfig struct {
	Level  string `koanf:"level" yaml:"level"`
	Format string `koanf:"format" yaml:"format"`
}

// TelemetryConfig holds OpenTelemetry settings.
type TelemetryConfig struct {
	Enabled     bool    `koanf:"enabled" yaml:"enabled"`
	Endpoint    string  `koanf:"endpoint" yaml:"endpoint"`
	ServiceName string  `koanf:"service_name" yaml:"service_name"`
	Protocol    string  `koanf:"protocol" yaml:"protocol"`
	Insecure    bool    `koanf:"insecure" yaml:"insecure"`
	SampleRate  float64 `koanf:"sample_rate" yaml:"sample_rate"`
}

// EventsConfig configures NATS event publication. An empty URL disables it.
type EventsConfig struct {
	NATSURL string `koanf:"nats_url" yaml:"nats_url"`
}

// RedactionConfig controls secret scrubbing of chunk text.
type RedactionConfig struct {
	Enabled   bool   `koanf:"enabled" yaml:"enabled"`
	Allowlist string `koanf:"allowlist" yaml:"allowlist"`
}

// WatchConfig tunes the directory watcher.
type WatchConfig struct {
	Debounce Duration `koanf:"debounce" yaml:"debounce"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Backend:   vectorstore.ProviderLocal,
			Dimension: 384,
			IndexDir:  "index",
			Remote: RemoteConfig{
				URL:           "http://127.0.0.1:6333",
				Collection:    "chunks",
				Distance:      "Cosine",
				Timeout:       Duration(30 * time.Second),
				ClearStrategy: vectorstore.ClearDeletePoints,
			},
			Qdrant: QdrantConfig{
				Host:       "localhost",
				Port:       6334,
				Collection: "chunks",
				Distance:   "Cosine",
				MaxRetries: 3,
			},
			Chromem: ChromemConfig{
				Path:       "index/chromem",
				Collection: "chunks",
				Compress:   true,
			},
		},
		Embeddings: EmbeddingsConfig{
			Provider: embeddings.ProviderFastEmbed,
			Model:    embeddings.DefaultModel,
			Timeout:  Duration(60 * time.Second),
		},
		Generation: GenerationConfig{
			Provider:  generation.ProviderNone,
			MaxTokens: generation.DefaultMaxTokens,
			Timeout:   Duration(120 * time.Second),
		},
		Ingest: IngestConfig{
			MaxWords:    180,
			Extractor:   "native",
			UploadDir:   "uploads",
			MaxUploadMB: 50,
		},
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8000,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			Endpoint:    "localhost:4317",
			ServiceName: "pdfrag",
			Protocol:    "grpc",
			Insecure:    true,
			SampleRate:  1.0,
		},
		Watch: WatchConfig{
			Debounce: Duration(2 * time.Second),
		},
	}
}

var (
	backends            = []string{vectorstore.ProviderLocal, vectorstore.ProviderMemory, vectorstore.ProviderRemote, vectorstore.ProviderQdrant, vectorstore.ProviderChromem}
	distances           = []string{"Cosine", "Dot", "Euclid", "Manhattan"}
	embeddingProviders  = []string{embeddings.ProviderFastEmbed, embeddings.ProviderTEI, embeddings.ProviderOpenAI, embeddings.ProviderOllama}
	generationProviders = []string{generation.ProviderNone, generation.ProviderOllama, generation.ProviderOpenAI}
	extractors          = []string{"native", "pdftotext"}
	logLevels           = []string{"debug", "info", "warn", "error"}
)

// Validate checks the configuration.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
		}
	}

	s := c.Storage
	check(slices.Contains(backends, s.Backend), "storage.backend %q (supported: %s)", s.Backend, strings.Join(backends, ", "))
	check(s.Dimension >= 0, "storage.dimension must not be negative, got %d", s.Dimension)
	check(s.Backend != vectorstore.ProviderLocal || s.IndexDir != "", "storage.index_dir is required for the local backend")
	if s.Backend == vectorstore.ProviderRemote {
		u, err := url.Parse(s.Remote.URL)
		check(err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != "", "storage.remote.url %q must be an http(s) URL", s.Remote.URL)
		check(slices.Contains(distances, s.Remote.Distance), "storage.remote.distance %q (supported: %s)", s.Remote.Distance, strings.Join(distances, ", "))
		check(s.Remote.ClearStrategy == vectorstore.ClearDeletePoints || s.Remote.ClearStrategy == vectorstore.ClearRecreate,
			"storage.remote.clear_strategy %q (supported: %s, %s)", s.Remote.ClearStrategy, vectorstore.ClearDeletePoints, vectorstore.ClearRecreate)
	}
	if s.Backend == vectorstore.ProviderQdrant {
		check(slices.Contains(distances, s.Qdrant.Distance), "storage.qdrant.distance %q (supported: %s)", s.Qdrant.Distance, strings.Join(distances, ", "))
		check(s.Qdrant.Port > 0 && s.Qdrant.Port <= 65535, "storage.qdrant.port %d out of range", s.Qdrant.Port)
	}

	check(slices.Contains(embeddingProviders, c.Embeddings.Provider), "embeddings.provider %q (supported: %s)", c.Embeddings.Provider, strings.Join(embeddingProviders, ", "))
	check(c.Embeddings.RateLimit >= 0, "embeddings.rate_limit must be >= 0")
	check(slices.Contains(generationProviders, c.Generation.Provider), "generation.provider %q (supported: %s)", c.Generation.Provider, strings.Join(generationProviders, ", "))
	check(c.Generation.MaxTokens > 0, "generation.max_tokens must be positive, got %d", c.Generation.MaxTokens)

	check(c.Ingest.MaxWords > 0, "ingest.max_words must be positive, got %d", c.Ingest.MaxWords)
	check(c.Ingest.BatchSize >= 0, "ingest.batch_size must be >= 0, got %d", c.Ingest.BatchSize)
	check(slices.Contains(extractors, c.Ingest.Extractor), "ingest.extractor %q (supported: %s)", c.Ingest.Extractor, strings.Join(extractors, ", "))
	check(c.Ingest.MaxUploadMB > 0, "ingest.max_upload_mb must be positive")

	check(c.Server.Port > 0 && c.Server.Port <= 65535, "server.http_port %d (must be 1-65535)", c.Server.Port)
	check(c.Server.ShutdownTimeout > 0, "server.shutdown_timeout must be positive")

	check(slices.Contains(logLevels, strings.ToLower(c.Logging.Level)), "logging.level %q (supported: %s)", c.Logging.Level, strings.Join(logLevels, ", "))
	check(c.Logging.Format == "json" || c.Logging.Format == "console", "logging.format must be json or console, got %q", c.Logging.Format)

	if c.Telemetry.Enabled {
		check(c.Telemetry.Endpoint != "", "telemetry.endpoint is required when telemetry is enabled")
		check(c.Telemetry.Protocol == "grpc" || c.Telemetry.Protocol == "http/protobuf", "telemetry.protocol must be grpc or http/protobuf, got %q", c.Telemetry.Protocol)
		check(c.Telemetry.SampleRate >= 0 && c.Telemetry.SampleRate <= 1, "telemetry.sample_rate must be between 0 and 1")
	}
	check(c.Watch.Debounce > 0, "watch.debounce must be positive")

	return errors.Join(errs...)
}

// VectorStore converts the storage section to a vectorstore.Config.
func (c *Config) VectorStore() vectorstore.Config {
	s := c.Storage
	return vectorstore.Config{
		Provider:       s.Backend,
		Dimension:      s.Dimension,
		ResetOnStartup: s.ResetOnStartup,
		Local:          vectorstore.LocalConfig{Dir: s.IndexDir},
		Remote: vectorstore.RemoteConfig{
			URL:           s.Remote.URL,
			Collection:    s.Remote.Collection,
			Distance:      s.Remote.Distance,
			APIKey:        s.Remote.APIKey.Value(),
			Timeout:       s.Remote.Timeout.Duration(),
			ClearStrategy: s.Remote.ClearStrategy,
		},
		Qdrant: vectorstore.QdrantConfig{
			Host:       s.Qdrant.Host,
			Port:       s.Qdrant.Port,
			Collection: s.Qdrant.Collection,
			Distance:   s.Qdrant.Distance,
			APIKey:     s.Qdrant.APIKey.Value(),
			UseTLS:     s.Qdrant.UseTLS,
			MaxRetries: s.Qdrant.MaxRetries,
		},
		Chromem: vectorstore.ChromemConfig{
			Path:       s.Chromem.Path,
			Collection: s.Chromem.Collection,
			Compress:   s.Chromem.Compress,
		},
	}
}

// EmbeddingProvider converts the embeddings section. The storage dimension
// pins the provider dimension so both sides agree.
func (c *Config) EmbeddingProvider() embeddings.ProviderConfig {
	e := c.Embeddings
	return embeddings.ProviderConfig{
		Provider:  e.Provider,
		Model:     e.Model,
		BaseURL:   e.BaseURL,
		APIKey:    e.APIKey.Value(),
		CacheDir:  e.CacheDir,
		Dimension: c.Storage.Dimension,
		RateLimit: e.RateLimit,
		Timeout:   e.Timeout.Duration(),
		BatchSize: e.BatchSize,
	}
}

// Generator converts the generation section.
func (c *Config) Generator() generation.Config {
	g := c.Generation
	return generation.Config{
		Provider:  g.Provider,
		Model:     g.Model,
		BaseURL:   g.BaseURL,
		APIKey:    g.APIKey.Value(),
		MaxTokens: g.MaxTokens,
		Timeout:   g.Timeout.Duration(),
	}
}

// Retrieval converts the ingest and generation budgets.
func (c *Config) Retrieval() retrieval.Config {
	return retrieval.Config{
		MaxWords:  c.Ingest.MaxWords,
		BatchSize: c.Ingest.BatchSize,
		MaxTokens: c.Generation.MaxTokens,
	}
}

// EventsPublisher converts the events section.
func (c *Config) EventsPublisher() events.Config {
	return events.Config{URL: c.Events.NATSURL}
}
