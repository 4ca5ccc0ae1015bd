package embeddings

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/pdfrag/internal/vectorstore"
)

var (
	// ErrEmptyInput indicates empty or nil input texts.
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmbeddingFailed indicates embedding generation failure.
	ErrEmbeddingFailed = errors.New("embedding generation failed")

	// ErrFastEmbedNotAvailable is returned by builds without cgo.
	ErrFastEmbedNotAvailable = errors.New("fastembed: not available (binary built without CGO support, use the tei, openai or ollama provider instead)")
)

// Provider names accepted by NewProvider.
const (
	ProviderFastEmbed = "fastembed"
	ProviderTEI       = "tei"
	ProviderOpenAI    = "openai"
	ProviderOllama    = "ollama"
)

// DefaultModel is the model used when none is configured. It matches the
// 384-dimension default of the index.
const DefaultModel = "sentence-transformers/all-MiniLM-L6-v2"

// Provider embeds documents and queries. EmbedDocuments returns exactly one
// vector per input, in input order.
type Provider interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	// Dimension returns the embedding dimension for the current model.
	Dimension() int
	// Close releases resources held by the provider.
	Close() error
}

// ProviderConfig holds configuration for creating an embedding provider.
type ProviderConfig struct {
	// Provider is one of fastembed (default), tei, openai or ollama.
	Provider string
	// Model is the embedding model name.
	Model string
	// BaseURL of the HTTP providers.
	BaseURL string
	// APIKey for openai-compatible endpoints.
	APIKey string
	// CacheDir is the model cache directory (FastEmbed only).
	CacheDir string
	// Dimension overrides the dimension inferred from the model name.
	Dimension int
	// RateLimit caps TEI requests per second. Zero disables throttling.
	RateLimit float64
	// Timeout per HTTP request.
	Timeout time.Duration
	// BatchSize bounds how many texts go into one backend call.
	BatchSize int
}

// detectDimensionFromModel returns the embedding dimension for a model name.
// Falls back to 384 if model is unknown.
func detectDimensionFromModel(model string) int {
	if dim, ok := fastEmbedModelDimension(model); ok {
		return dim
	}
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "text-embedding-3-large"):
		return 3072
	case strings.Contains(m, "text-embedding-3-small"), strings.Contains(m, "ada-002"):
		return 1536
	case strings.Contains(m, "nomic-embed"):
		return 768
	case strings.Contains(m, "mxbai-embed-large"):
		return 1024
	case strings.Contains(m, "base"):
		return 768
	case strings.Contains(m, "large"):
		return 1024
	default:
		return 384
	}
}

// NewProvider creates an embedding provider based on the configuration.
func NewProvider(cfg ProviderConfig, logger *zap.Logger) (Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Dimension < 0 {
		return nil, fmt.Errorf("%w: dimension must be >= 0", ErrInvalidConfig)
	}

	var (
		inner Provider
		err   error
	)
	switch cfg.Provider {
	case ProviderFastEmbed, "":
		inner, err = wrapProvider(NewFastEmbedProvider(FastEmbedConfig{
			Model:    cfg.Model,
			CacheDir: cfg.CacheDir,
		}))
	case ProviderTEI:
		inner, err = wrapProvider(NewTEIProvider(TEIConfig{
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			Dimension: cfg.Dimension,
			RateLimit: cfg.RateLimit,
			Timeout:   cfg.Timeout,
		}))
	case ProviderOpenAI:
		inner, err = wrapProvider(NewOpenAIProvider(OpenAIConfig{
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			APIKey:    cfg.APIKey,
			Dimension: cfg.Dimension,
			BatchSize: cfg.BatchSize,
		}))
	case ProviderOllama:
		inner, err = wrapProvider(NewOllamaProvider(OllamaConfig{
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			Dimension: cfg.Dimension,
			Timeout:   cfg.Timeout,
		}))
	default:
		return nil, fmt.Errorf("%w: unknown provider %q (supported: fastembed, tei, openai, ollama)", ErrInvalidConfig, cfg.Provider)
	}
	if err != nil {
		return nil, err
	}

	logger.Info("embedding provider ready",
		zap.String("provider", providerName(cfg.Provider)),
		zap.String("model", cfg.Model),
		zap.Int("dimension", inner.Dimension()))

	return Instrument(inner, cfg.Model, NewMetrics(nil, logger)), nil
}

func wrapProvider[P Provider](p P, err error) (Provider, error) {
	if err != nil {
		return nil, err
	}
	return p, nil
}

func providerName(p string) string {
	if p == "" {
		return ProviderFastEmbed
	}
	return p
}

// Instrument wraps p so that inputs are validated, outputs are normalized
// and checked against p.Dimension, and every call is recorded in m.
func Instrument(p Provider, model string, m *Metrics) Provider {
	return &instrumented{inner: p, model: model, metrics: m}
}

type instrumented struct {
	inner   Provider
	model   string
	metrics *Metrics
}

func (p *instrumented) EmbedDocuments(ctx context.Context, texts []string) (vectors [][]float32, err error) {
	start := time.Now()
	defer func() {
		p.metrics.record(ctx, call{model: p.model, operation: "embed_documents",
			texts: len(texts), vectors: len(vectors), elapsed: time.Since(start), err: err})
	}()

	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}
	vectors, err = p.inner.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("%w: got %d vectors for %d texts", ErrEmbeddingFailed, len(vectors), len(texts))
	}
	for i, v := range vectors {
		if err := p.check(v); err != nil {
			return nil, fmt.Errorf("text %d: %w", i, err)
		}
		vectors[i] = vectorstore.Normalize(v)
	}
	return vectors, nil
}

func (p *instrumented) EmbedQuery(ctx context.Context, text string) (vector []float32, err error) {
	start := time.Now()
	defer func() {
		p.metrics.record(ctx, call{model: p.model, operation: "embed_query",
			texts: 1, vectors: 1, elapsed: time.Since(start), err: err})
	}()

	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
	}
	vector, err = p.inner.EmbedQuery(ctx, text)
	if err != nil {
		return nil, err
	}
	if err := p.check(vector); err != nil {
		return nil, err
	}
	return vectorstore.Normalize(vector), nil
}

func (p *instrumented) check(v []float32) error {
	if len(v) == 0 {
		return fmt.Errorf("%w: empty vector", ErrEmbeddingFailed)
	}
	if dim := p.inner.Dimension(); dim > 0 && len(v) != dim {
		return fmt.Errorf("%w: vector has %d dimensions, model has %d", ErrEmbeddingFailed, len(v), dim)
	}
	return nil
}

func (p *instrumented) Dimension() int { return p.inner.Dimension() }

func (p *instrumented) Close() error { return p.inner.Close() }

// toFloat32 converts a float64 embedding as returned by some APIs.
func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}
