// Package retrievaltest provides in-memory collaborators for exercising a
// retrieval.Service from other packages' tests.
package retrievaltest

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/pdfrag/internal/extract"
	"github.com/fyrsmithlabs/pdfrag/internal/retrieval"
	"github.com/fyrsmithlabs/pdfrag/internal/vectorstore"
)

// Keywords are the axes KeywordEmbedder projects text onto.
var Keywords = []string{"alpha", "beta", "gamma", "delta"}

// KeywordEmbedder embeds text as normalized keyword counts, so that a query
// naming a keyword ranks chunks mentioning it first.
type KeywordEmbedder struct {
	mu    sync.Mutex
	calls int
	Err   error
}

func vector(text string) []float32 {
	v := make([]float32, len(Keywords)+1)
	lower := strings.ToLower(text)
	for i, kw := range Keywords {
		v[i] = float32(strings.Count(lower, kw))
	}
	v[len(Keywords)] = 0.01
	return vectorstore.Normalize(v)
}

func (e *KeywordEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.Err != nil {
		return nil, e.Err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = vector(t)
	}
	return out, nil
}

func (e *KeywordEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.Err != nil {
		return nil, e.Err
	}
	return vector(text), nil
}

func (e *KeywordEmbedder) Dimension() int { return len(Keywords) + 1 }
func (e *KeywordEmbedder) Close() error   { return nil }

// Calls returns how many EmbedDocuments calls were made.
func (e *KeywordEmbedder) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// MapExtractor serves text by file basename. Unknown files are unreadable.
type MapExtractor struct {
	mu    sync.Mutex
	texts map[string]string
}

// NewMapExtractor returns an extractor preloaded with texts.
func NewMapExtractor(texts map[string]string) *MapExtractor {
	m := &MapExtractor{texts: make(map[string]string)}
	for k, v := range texts {
		m.texts[k] = v
	}
	return m
}

// Set registers text for a basename.
func (m *MapExtractor) Set(name, text string) {
	m.mu.Lock()
	m.texts[name] = text
	m.mu.Unlock()
}

func (m *MapExtractor) Extract(_ context.Context, path string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	text, ok := m.texts[filepath.Base(path)]
	if !ok {
		return "", fmt.Errorf("%w: %s", extract.ErrUnreadablePDF, filepath.Base(path))
	}
	return text, nil
}

// GeneratorFunc adapts a function to generation.Generator.
type GeneratorFunc func(ctx context.Context, prompt string, maxTokens int) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	return f(ctx, prompt, maxTokens)
}

// Fixture bundles a service with its doubles.
type Fixture struct {
	Service   *retrieval.Service
	Store     vectorstore.Store
	Embedder  *KeywordEmbedder
	Extractor *MapExtractor
}

// New builds a service over an in-memory store. The store is closed when the
// test ends.
func New(tb testing.TB, texts map[string]string, opts ...retrieval.Option) *Fixture {
	tb.Helper()
	store, err := vectorstore.NewStore(vectorstore.Config{Provider: vectorstore.ProviderMemory}, zap.NewNop())
	if err != nil {
		tb.Fatalf("memory store: %v", err)
	}
	tb.Cleanup(func() { _ = store.Close() })

	f := &Fixture{Store: store, Embedder: &KeywordEmbedder{}, Extractor: NewMapExtractor(texts)}
	f.Service, err = retrieval.NewService(retrieval.Config{}, f.Extractor, f.Embedder, store, opts...)
	if err != nil {
		tb.Fatalf("retrieval service: %v", err)
	}
	return f
}

// Seed indexes text under docID and fails tb on error.
func (f *Fixture) Seed(tb testing.TB, docID, text string) {
	tb.Helper()
	if _, err := f.Service.IngestText(context.Background(), docID, text); err != nil {
		tb.Fatalf("seed %s: %v", docID, err)
	}
}
