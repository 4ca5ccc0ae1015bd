package generation

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// OpenAI generates through any OpenAI-compatible chat endpoint.
type OpenAI struct {
	llm       llms.Model
	maxTokens int
}

// NewOpenAI creates an OpenAI-compatible generator.
func NewOpenAI(cfg Config) (*OpenAI, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("%w: model required", ErrInvalidConfig)
	}
	token := cfg.APIKey
	if token == "" {
		// langchaingo requires a token, use placeholder for local servers
		token = "placeholder"
	}
	opts := []openai.Option{
		openai.WithModel(cfg.Model),
		openai.WithToken(token),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating OpenAI client: %w", err)
	}
	return &OpenAI{llm: llm, maxTokens: cfg.MaxTokens}, nil
}

// Generate runs a single-prompt completion at temperature 0.
func (o *OpenAI) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	out, err := llms.GenerateFromSinglePrompt(ctx, o.llm, prompt,
		llms.WithMaxTokens(maxTokensOr(maxTokens, o.maxTokens)),
		llms.WithTemperature(0),
		llms.WithStopWords(StopWords),
	)
	if err != nil {
		return "", fmt.Errorf("openai generate: %w", err)
	}
	return strings.TrimSpace(out), nil
}
