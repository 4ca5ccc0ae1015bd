package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

const backendChromem = "chromem"

// Metadata keys stored on each chromem document.
const (
	chromemKeyDocID      = "doc_id"
	chromemKeyChunkIndex = "chunk_index"
	chromemKeySeq        = "seq"
)

// ChromemConfig configures the embedded chromem-go backend.
type ChromemConfig struct {
	// Path is the persistence directory. Empty keeps the database in memory.
	Path string

	// Compress enables gzip compression of persisted documents.
	Compress bool

	// Collection name (default: chunks).
	Collection string

	// Dimension fixes the collection dimension. Zero lets the first upsert
	// decide.
	Dimension int

	// ResetOnStartup deletes the collection when the store is created.
	ResetOnStartup bool
}

// ApplyDefaults sets default values for unset fields.
func (c *ChromemConfig) ApplyDefaults() {
	if c.Collection == "" {
		c.Collection = "chunks"
	}
}

// Validate checks the configuration.
func (c ChromemConfig) Validate() error {
	if err := ValidateCollectionName(c.Collection); err != nil {
		return err
	}
	if c.Dimension < 0 {
		return fmt.Errorf("%w: dimension must be >= 0", ErrInvalidConfig)
	}
	return nil
}

// errNoEmbeddingFunc is returned if chromem ever asks us to embed text. All
// documents and queries carry precomputed vectors.
var errNoEmbeddingFunc = errors.New("chromem store requires precomputed embeddings")

// ChromemStore implements Store on an embedded chromem-go database.
//
// chromem does not preserve insertion order on ties, so every document
// records a sequence number and results are re-sorted by (score, seq).
type ChromemStore struct {
	db     *chromem.DB
	config ChromemConfig
	logger *zap.Logger

	mu         sync.RWMutex
	collection *chromem.Collection
	dim        int
	seq        int
}

// NewChromemStore opens (or creates) the database and collection.
func NewChromemStore(config ChromemConfig, logger *zap.Logger) (*ChromemStore, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var db *chromem.DB
	if config.Path == "" {
		db = chromem.NewDB()
	} else {
		path := expandPath(config.Path)
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("creating chromem dir: %w", err)
		}
		var err error
		db, err = openChromemDB(path, config.Compress, logger)
		if err != nil {
			return nil, fmt.Errorf("opening chromem db: %w", err)
		}
	}

	s := &ChromemStore{
		db:     db,
		config: config,
		logger: logger,
		dim:    config.Dimension,
	}

	if config.ResetOnStartup {
		if err := db.DeleteCollection(config.Collection); err != nil {
			return nil, fmt.Errorf("resetting collection: %w", err)
		}
	}

	collection, err := db.GetOrCreateCollection(config.Collection, nil, noEmbedding)
	if err != nil {
		return nil, fmt.Errorf("opening collection: %w", err)
	}
	s.collection = collection
	s.seq = collection.Count()

	logger.Info("chromem vectorstore ready",
		zap.String("path", config.Path),
		zap.String("collection", config.Collection),
		zap.Int("points", s.seq))
	Points.WithLabelValues(backendChromem).Set(float64(s.seq))
	return s, nil
}

func noEmbedding(context.Context, string) ([]float32, error) {
	return nil, errNoEmbeddingFunc
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// Upsert adds the batch as chromem documents carrying their embeddings.
func (s *ChromemStore) Upsert(ctx context.Context, vectors [][]float32, payloads []Payload) (n int, err error) {
	ctx, span := tracer.Start(ctx, "ChromemStore.Upsert")
	defer span.End()
	start := time.Now()
	defer func() { observe(backendChromem, "upsert", start, err) }()

	span.SetAttributes(attribute.Int("batch_size", len(vectors)))

	s.mu.Lock()
	defer s.mu.Unlock()

	dim, err := checkBatch(vectors, payloads, s.dim)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}
	if len(vectors) == 0 {
		return 0, nil
	}

	docs := make([]chromem.Document, len(vectors))
	for i, v := range vectors {
		p := payloads[i]
		docs[i] = chromem.Document{
			ID:      p.ID,
			Content: p.Text,
			Metadata: map[string]string{
				chromemKeyDocID:      p.DocID,
				chromemKeyChunkIndex: strconv.Itoa(p.ChunkIndex),
				chromemKeySeq:        strconv.Itoa(s.seq + i),
			},
			Embedding: append([]float32(nil), v...),
		}
	}

	if err := s.collection.AddDocuments(ctx, docs, 1); err != nil {
		err = fmt.Errorf("adding documents: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}

	s.dim = dim
	s.seq += len(docs)
	Points.WithLabelValues(backendChromem).Set(float64(s.collection.Count()))

	span.SetStatus(codes.Ok, "success")
	return len(docs), nil
}

// Search queries chromem with the precomputed vector.
func (s *ChromemStore) Search(ctx context.Context, query []float32, k int, filter *Filter) (hits []Hit, err error) {
	ctx, span := tracer.Start(ctx, "ChromemStore.Search")
	defer span.End()
	start := time.Now()
	defer func() { observe(backendChromem, "search", start, err) }()

	span.SetAttributes(attribute.Int("k", k))

	s.mu.RLock()
	defer s.mu.RUnlock()

	count := s.collection.Count()
	if k <= 0 || count == 0 {
		return []Hit{}, nil
	}
	if s.dim != 0 && len(query) != s.dim {
		err = fmt.Errorf("%w: query has %d dimensions, collection has %d", ErrDimensionMismatch, len(query), s.dim)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var where map[string]string
	if !filter.IsEmpty() {
		where = map[string]string{chromemKeyDocID: filter.DocID}
	}

	// Fetch every candidate so ties at the cut-off can be resolved by
	// insertion order.
	results, err := s.collection.QueryEmbedding(ctx, append([]float32(nil), query...), count, where, nil)
	if err != nil {
		err = fmt.Errorf("querying collection: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return seqOf(results[i].Metadata) < seqOf(results[j].Metadata)
	})
	if len(results) > k {
		results = results[:k]
	}

	hits = make([]Hit, len(results))
	for i, r := range results {
		idx, _ := strconv.Atoi(r.Metadata[chromemKeyChunkIndex])
		hits[i] = newHit(Payload{
			ID:         r.ID,
			DocID:      r.Metadata[chromemKeyDocID],
			ChunkIndex: idx,
			Text:       r.Content,
		}, r.Similarity)
	}

	span.SetAttributes(attribute.Int("results_count", len(hits)))
	span.SetStatus(codes.Ok, "success")
	return hits, nil
}

func seqOf(md map[string]string) int {
	n, err := strconv.Atoi(md[chromemKeySeq])
	if err != nil {
		return int(^uint(0) >> 1)
	}
	return n
}

// Clear deletes and recreates the collection.
func (s *ChromemStore) Clear(ctx context.Context) (err error) {
	_, span := tracer.Start(ctx, "ChromemStore.Clear")
	defer span.End()
	start := time.Now()
	defer func() { observe(backendChromem, "clear", start, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.DeleteCollection(s.config.Collection); err != nil {
		err = fmt.Errorf("deleting collection: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	collection, err := s.db.CreateCollection(s.config.Collection, nil, noEmbedding)
	if err != nil {
		err = fmt.Errorf("recreating collection: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	s.collection = collection
	s.dim = s.config.Dimension
	s.seq = 0
	Points.WithLabelValues(backendChromem).Set(0)
	span.SetStatus(codes.Ok, "success")
	return nil
}

// Count returns the number of stored documents.
func (s *ChromemStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collection.Count(), nil
}

// Close is a no-op; chromem persists on every write.
func (s *ChromemStore) Close() error {
	return nil
}

var _ Store = (*ChromemStore)(nil)
