//go:build cgo

package embeddings

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	fastembed "github.com/anush008/fastembed-go"
)

var errProviderClosed = errors.New("fastembed: provider closed")

// FastEmbedConfig configures the local ONNX provider.
type FastEmbedConfig struct {
	// Model is a Hugging Face name or fastembed id. Empty selects DefaultModel.
	Model string
	// CacheDir holds downloaded model files. Defaults to ./local_cache.
	CacheDir string
	// MaxLength is the token limit per input. Longer chunks are truncated by
	// the tokenizer. Defaults to 512.
	MaxLength int
	// BatchSize bounds how many chunks go through ONNX at once. Defaults to 64.
	BatchSize int
}

// FastEmbedProvider embeds chunks in-process with fastembed-go. Calls are
// serialized with Close but may otherwise run concurrently.
type FastEmbedProvider struct {
	mu        sync.RWMutex
	model     *fastembed.FlagEmbedding
	dimension int
	batchSize int
}

func NewFastEmbedProvider(cfg FastEmbedConfig) (*FastEmbedProvider, error) {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	spec, ok := fastembedModels[cfg.Model]
	if !ok {
		return nil, fmt.Errorf("%w: fastembed has no model %q", ErrInvalidConfig, cfg.Model)
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = filepath.Join(".", "local_cache")
	}
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = 512
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}

	quiet := false
	model, err := fastembed.NewFlagEmbedding(&fastembed.InitOptions{
		Model:                fastembed.EmbeddingModel(spec.id),
		CacheDir:             cfg.CacheDir,
		MaxLength:            cfg.MaxLength,
		ShowDownloadProgress: &quiet,
	})
	if err != nil {
		return nil, fmt.Errorf("loading fastembed model %s: %w", spec.id, err)
	}
	return &FastEmbedProvider{model: model, dimension: spec.dimension, batchSize: cfg.BatchSize}, nil
}

// EmbedDocuments embeds chunks as passages, one ONNX batch at a time so a
// cancelled ingest stops between batches.
func (p *FastEmbedProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.model == nil {
		return nil, errProviderClosed
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += p.batchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(start+p.batchSize, len(texts))
		vectors, err := p.model.PassageEmbed(texts[start:end], p.batchSize)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
		}
		out = append(out, vectors...)
	}
	return out, nil
}

func (p *FastEmbedProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.model == nil {
		return nil, errProviderClosed
	}
	vector, err := p.model.QueryEmbed(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	return vector, nil
}

func (p *FastEmbedProvider) Dimension() int { return p.dimension }

// Close releases the ONNX session. It is safe to call more than once.
func (p *FastEmbedProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.model == nil {
		return nil
	}
	err := p.model.Destroy()
	p.model = nil
	return err
}
