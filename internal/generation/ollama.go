package generation

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"
)

// Ollama generates with a model served by Ollama.
type Ollama struct {
	client    *api.Client
	model     string
	maxTokens int
}

// NewOllama creates an Ollama generator.
func NewOllama(cfg Config) (*Ollama, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("%w: model required", ErrInvalidConfig)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Minute
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("%w: invalid ollama url %q", ErrInvalidConfig, cfg.BaseURL)
	}
	return &Ollama{
		client:    api.NewClient(base, &http.Client{Timeout: cfg.Timeout}),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
	}, nil
}

// Generate runs a single non-streaming completion at temperature 0.
func (o *Ollama) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	stream := false
	req := &api.GenerateRequest{
		Model:  o.model,
		Prompt: prompt,
		Stream: &stream,
		Options: map[string]any{
			"temperature": 0.0,
			"num_predict": maxTokensOr(maxTokens, o.maxTokens),
			"stop":        StopWords,
		},
	}

	var out strings.Builder
	err := o.client.Generate(ctx, req, func(resp api.GenerateResponse) error {
		out.WriteString(resp.Response)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("ollama generate: %w", err)
	}
	return strings.TrimSpace(out.String()), nil
}
