package embeddings

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/ollama/ollama/api"
)

// OllamaConfig configures the Ollama embedding provider.
type OllamaConfig struct {
	// BaseURL of the Ollama server (default: http://localhost:11434).
	BaseURL string

	// Model such as all-minilm or nomic-embed-text.
	Model string

	// Dimension overrides the dimension inferred from Model.
	Dimension int

	// Timeout per request (default: 60s).
	Timeout time.Duration
}

// OllamaProvider embeds one text per Embeddings call.
type OllamaProvider struct {
	client    *api.Client
	model     string
	dimension int
}

// NewOllamaProvider creates an Ollama provider.
func NewOllamaProvider(config OllamaConfig) (*OllamaProvider, error) {
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:11434"
	}
	if config.Model == "" {
		return nil, fmt.Errorf("%w: model required", ErrInvalidConfig)
	}
	if config.Timeout == 0 {
		config.Timeout = 60 * time.Second
	}
	base, err := url.Parse(config.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("%w: invalid ollama url %q", ErrInvalidConfig, config.BaseURL)
	}

	dim := config.Dimension
	if dim == 0 {
		dim = detectDimensionFromModel(config.Model)
	}
	return &OllamaProvider{
		client:    api.NewClient(base, &http.Client{Timeout: config.Timeout}),
		model:     config.Model,
		dimension: dim,
	}, nil
}

func (p *OllamaProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}
	vectors := make([][]float32, 0, len(texts))
	for _, text := range texts {
		v, err := p.EmbedQuery(ctx, text)
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, v)
	}
	return vectors, nil
}

func (p *OllamaProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	resp, err := p.client.Embeddings(ctx, &api.EmbeddingRequest{
		Model:  p.model,
		Prompt: text,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	return toFloat32(resp.Embedding), nil
}

func (p *OllamaProvider) Dimension() int { return p.dimension }

func (p *OllamaProvider) Close() error { return nil }
