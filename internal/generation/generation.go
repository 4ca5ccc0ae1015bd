// Package generation produces answers from retrieved context using a local
// or hosted language model.
//
// Generation is optional and never fatal: callers wrap a Generator with Safe
// so that provider failures come back as text carrying ErrorMarker instead
// of an error.
package generation

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Provider names accepted by New.
const (
	ProviderNone   = "none"
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
)

// DefaultMaxTokens bounds the answer length when no limit is given.
const DefaultMaxTokens = 256

// StopWords end generation before the model starts a new turn.
var StopWords = []string{"\nQuestion:", "Answer:"}

// ErrInvalidConfig indicates invalid generator configuration.
var ErrInvalidConfig = errors.New("invalid generation configuration")

// Generator completes a prompt. maxTokens <= 0 uses DefaultMaxTokens.
type Generator interface {
	Generate(ctx context.Context, prompt string, maxTokens int) (string, error)
}

// Config selects and configures a generator.
type Config struct {
	// Provider is none (default), ollama or openai.
	Provider string
	// Model name, e.g. llama3.2 or gpt-4o-mini.
	Model string
	// BaseURL of the model server.
	BaseURL string
	// APIKey for openai-compatible endpoints.
	APIKey string
	// MaxTokens is the default answer budget.
	MaxTokens int
	// Timeout per generation request.
	Timeout time.Duration
}

// New returns the configured generator, or nil for the none provider.
func New(cfg Config) (Generator, error) {
	switch cfg.Provider {
	case ProviderNone, "":
		return nil, nil
	case ProviderOllama:
		return wrap(NewOllama(cfg))
	case ProviderOpenAI:
		return wrap(NewOpenAI(cfg))
	default:
		return nil, fmt.Errorf("%w: unknown provider %q (supported: none, ollama, openai)", ErrInvalidConfig, cfg.Provider)
	}
}

func wrap[G Generator](g G, err error) (Generator, error) {
	if err != nil {
		return nil, err
	}
	return g, nil
}

func maxTokensOr(n, fallback int) int {
	if n > 0 {
		return n
	}
	if fallback > 0 {
		return fallback
	}
	return DefaultMaxTokens
}
