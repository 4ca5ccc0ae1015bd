package services

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/pdfrag/internal/config"
	"github.com/fyrsmithlabs/pdfrag/internal/embeddings"
	"github.com/fyrsmithlabs/pdfrag/internal/events"
	"github.com/fyrsmithlabs/pdfrag/internal/extract"
	"github.com/fyrsmithlabs/pdfrag/internal/generation"
	"github.com/fyrsmithlabs/pdfrag/internal/redact"
	"github.com/fyrsmithlabs/pdfrag/internal/retrieval"
	"github.com/fyrsmithlabs/pdfrag/internal/vectorstore"
)

// Registry provides access to the wired services. Close releases them.
type Registry interface {
	Retrieval() *retrieval.Service
	VectorStore() vectorstore.Store
	Embedder() embeddings.Provider
	Extractor() extract.Extractor
	Publisher() events.Publisher
	Close() error
}

// Options configures the registry with service instances.
type Options struct {
	Retrieval   *retrieval.Service
	VectorStore vectorstore.Store
	Embedder    embeddings.Provider
	Extractor   extract.Extractor
	Publisher   events.Publisher
}

type registry struct {
	retrieval   *retrieval.Service
	vectorStore vectorstore.Store
	embedder    embeddings.Provider
	extractor   extract.Extractor
	publisher   events.Publisher
}

// NewRegistry creates a registry from already built services.
func NewRegistry(opts Options) Registry {
	return &registry{
		retrieval:   opts.Retrieval,
		vectorStore: opts.VectorStore,
		embedder:    opts.Embedder,
		extractor:   opts.Extractor,
		publisher:   opts.Publisher,
	}
}

func (r *registry) Retrieval() *retrieval.Service   { return r.retrieval }
func (r *registry) VectorStore() vectorstore.Store  { return r.vectorStore }
func (r *registry) Embedder() embeddings.Provider   { return r.embedder }
func (r *registry) Extractor() extract.Extractor    { return r.extractor }
func (r *registry) Publisher() events.Publisher     { return r.publisher }

// Close drains the publisher, then closes the embedder and the store.
func (r *registry) Close() error {
	var errs []error
	if r.publisher != nil {
		r.publisher.Close()
	}
	if r.embedder != nil {
		if err := r.embedder.Close(); err != nil {
			errs = append(errs, fmt.Errorf("embedder close: %w", err))
		}
	}
	if r.vectorStore != nil {
		if err := r.vectorStore.Close(); err != nil {
			errs = append(errs, fmt.Errorf("vector store close: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Build constructs every collaborator from cfg. Anything already built is
// closed again when a later step fails.
func Build(cfg *config.Config, logger *zap.Logger) (_ Registry, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &registry{}
	defer func() {
		if err != nil {
			_ = r.Close()
		}
	}()

	r.embedder, err = embeddings.NewProvider(cfg.EmbeddingProvider(), logger.Named("embeddings"))
	if err != nil {
		return nil, fmt.Errorf("embedding provider: %w", err)
	}
	storeCfg := cfg.VectorStore()
	switch d := r.embedder.Dimension(); {
	case d > 0 && storeCfg.Dimension == 0:
		// storage.dimension: 0 takes the dimension from the embedding model.
		storeCfg.Dimension = d
	case d > 0 && d != storeCfg.Dimension:
		return nil, fmt.Errorf("%w: embedding model produces %d dimensions, storage.dimension is %d",
			vectorstore.ErrDimensionMismatch, d, storeCfg.Dimension)
	}

	r.vectorStore, err = vectorstore.NewStore(storeCfg, logger.Named("vectorstore"))
	if err != nil {
		return nil, fmt.Errorf("vector store: %w", err)
	}

	r.extractor, err = extract.New(cfg.Ingest.Extractor)
	if err != nil {
		return nil, fmt.Errorf("extractor: %w", err)
	}

	generator, err := generation.New(cfg.Generator())
	if err != nil {
		return nil, fmt.Errorf("generator: %w", err)
	}

	var redactor redact.Redactor = redact.Nop{}
	if cfg.Redaction.Enabled {
		allowlist, err := redact.LoadAllowlist(cfg.Redaction.Allowlist)
		if err != nil {
			return nil, fmt.Errorf("redaction allowlist: %w", err)
		}
		redactor = redact.NewGitleaks(allowlist)
	}

	r.publisher, err = events.New(cfg.EventsPublisher())
	if err != nil {
		return nil, fmt.Errorf("events publisher: %w", err)
	}

	opts := []retrieval.Option{
		retrieval.WithRedactor(redactor),
		retrieval.WithPublisher(r.publisher),
		retrieval.WithLogger(logger.Named("retrieval")),
	}
	if generator != nil {
		opts = append(opts, retrieval.WithGenerator(generator))
	}
	r.retrieval, err = retrieval.NewService(cfg.Retrieval(), r.extractor, r.embedder, r.vectorStore, opts...)
	if err != nil {
		return nil, err
	}

	logger.Info("services initialized",
		zap.String("backend", cfg.Storage.Backend),
		zap.String("embeddings", cfg.Embeddings.Provider),
		zap.String("generation", cfg.Generation.Provider),
		zap.Bool("redaction", cfg.Redaction.Enabled),
		zap.Bool("events", cfg.Events.NATSURL != ""),
	)
	return r, nil
}
