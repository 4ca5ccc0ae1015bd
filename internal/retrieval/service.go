// Package retrieval ties extraction, chunking, embedding and the index store
// together into the ingest, retrieve and answer operations.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/pdfrag/internal/chunker"
	"github.com/fyrsmithlabs/pdfrag/internal/embeddings"
	"github.com/fyrsmithlabs/pdfrag/internal/events"
	"github.com/fyrsmithlabs/pdfrag/internal/extract"
	"github.com/fyrsmithlabs/pdfrag/internal/generation"
	"github.com/fyrsmithlabs/pdfrag/internal/redact"
	"github.com/fyrsmithlabs/pdfrag/internal/vectorstore"
)

const (
	// DefaultK is the number of hits returned when k is not positive.
	DefaultK = 4

	// NoResults is the answer text when the index has nothing relevant.
	NoResults = "[No results found]"

	// SnippetSeparator joins hit texts when no generator is used.
	SnippetSeparator = "\n---\n"
)

var (
	// ErrEmptyQuery is returned for blank queries.
	ErrEmptyQuery = errors.New("query cannot be empty")

	// ErrEmptyDocID is returned by IngestText without a document id.
	ErrEmptyDocID = errors.New("document id cannot be empty")
)

var tracer = otel.Tracer("github.com/fyrsmithlabs/pdfrag/internal/retrieval")

// Config tunes ingestion and answering.
type Config struct {
	// MaxWords is the chunk word budget (default: chunker.DefaultMaxWords).
	MaxWords int
	// BatchSize splits embedding calls. Zero embeds everything in one call.
	BatchSize int
	// MaxTokens bounds generated answers (default: generation.DefaultMaxTokens).
	MaxTokens int
}

// Service runs ingest and query flows against one index store.
type Service struct {
	cfg       Config
	extractor extract.Extractor
	embedder  embeddings.Provider
	store     vectorstore.Store
	generator generation.Generator
	redactor  redact.Redactor
	publisher events.Publisher
	logger    *zap.Logger
}

// Option configures optional collaborators.
type Option func(*Service)

// WithGenerator enables answer synthesis. The generator is wrapped with
// generation.Safe.
func WithGenerator(g generation.Generator) Option {
	return func(s *Service) {
		if g != nil {
			s.generator = generation.Safe(g)
		}
	}
}

// WithRedactor scrubs secrets from chunk text before it is embedded.
func WithRedactor(r redact.Redactor) Option {
	return func(s *Service) {
		if r != nil {
			s.redactor = r
		}
	}
}

// WithPublisher announces ingests and clears.
func WithPublisher(p events.Publisher) Option {
	return func(s *Service) {
		if p != nil {
			s.publisher = p
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewService creates a Service. extractor, embedder and store are required.
func NewService(cfg Config, extractor extract.Extractor, embedder embeddings.Provider, store vectorstore.Store, opts ...Option) (*Service, error) {
	if extractor == nil {
		return nil, fmt.Errorf("extractor cannot be nil")
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder cannot be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("vector store cannot be nil")
	}
	if cfg.MaxWords <= 0 {
		cfg.MaxWords = chunker.DefaultMaxWords
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = generation.DefaultMaxTokens
	}
	if cfg.BatchSize < 0 {
		cfg.BatchSize = 0
	}

	s := &Service{
		cfg:       cfg,
		extractor: extractor,
		embedder:  embedder,
		store:     store,
		redactor:  redact.Nop{},
		publisher: events.Nop{},
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// CanGenerate reports whether a generator is configured.
func (s *Service) CanGenerate() bool { return s.generator != nil }

// Retrieve embeds query and returns the k most similar chunks. An empty or
// absent collection yields an empty slice.
func (s *Service) Retrieve(ctx context.Context, query string, k int) ([]vectorstore.Hit, error) {
	ctx, span := tracer.Start(ctx, "retrieval.Retrieve")
	defer span.End()

	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}
	if k <= 0 {
		k = DefaultK
	}
	span.SetAttributes(attribute.Int("k", k))

	vector, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "embed query failed")
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	hits, err := s.store.Search(ctx, vector, k, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "search failed")
		return nil, fmt.Errorf("searching index: %w", err)
	}
	if hits == nil {
		hits = []vectorstore.Hit{}
	}

	span.SetAttributes(attribute.Int("hits", len(hits)))
	s.logger.Debug("retrieve completed", zap.Int("k", k), zap.Int("hits", len(hits)))
	return hits, nil
}

// Answer is the result of a query.
type Answer struct {
	Text string
	Hits []vectorstore.Hit
	// Degraded is set when generation failed; Text then carries the
	// generation.ErrorMarker and Hits are still valid.
	Degraded bool
}

// Answer retrieves the top k chunks for query and, when generate is set and
// a generator is configured, synthesizes an answer grounded in them.
// Otherwise the chunk texts are returned joined by SnippetSeparator.
func (s *Service) Answer(ctx context.Context, query string, k int, generate bool) (*Answer, error) {
	hits, err := s.Retrieve(ctx, query, k)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return &Answer{Text: NoResults, Hits: hits}, nil
	}

	if !generate || s.generator == nil {
		texts := make([]string, len(hits))
		for i, h := range hits {
			texts[i] = h.Text
		}
		return &Answer{Text: strings.Join(texts, SnippetSeparator), Hits: hits}, nil
	}

	ctx, span := tracer.Start(ctx, "retrieval.Generate")
	defer span.End()

	prompt := generation.BuildPrompt(query, hits)
	text, err := s.generator.Generate(ctx, prompt, s.cfg.MaxTokens)
	if err != nil {
		text = generation.MarkError(err)
	}
	answer := &Answer{Text: text, Hits: hits}
	if generation.HasErrorMarker(text) {
		answer.Degraded = true
		span.SetStatus(codes.Error, "generation degraded")
		s.logger.Warn("answer generation degraded", zap.String("detail", text))
	}
	return answer, nil
}

// Clear empties the index.
func (s *Service) Clear(ctx context.Context) error {
	if err := s.store.Clear(ctx); err != nil {
		return fmt.Errorf("clearing index: %w", err)
	}
	s.logger.Info("index cleared")
	s.publish(ctx, events.SubjectIndexCleared, events.IndexCleared{Timestamp: time.Now().UTC()})
	return nil
}

// Count returns the number of indexed chunks.
func (s *Service) Count(ctx context.Context) (int, error) {
	return s.store.Count(ctx)
}

func (s *Service) publish(ctx context.Context, subject string, event any) {
	if err := s.publisher.Publish(ctx, subject, event); err != nil {
		s.logger.Warn("failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}

func docIDFor(path string) string {
	return filepath.Base(path)
}
