package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

const backendLocal = "local"

// LocalConfig configures the brute-force local backend.
type LocalConfig struct {
	// Dir holds the snapshot. Empty keeps the collection in memory only.
	Dir string

	// Dimension fixes the collection dimension. Zero lets the first upsert
	// decide.
	Dimension int

	// ResetOnStartup discards any existing snapshot.
	ResetOnStartup bool
}

// Validate checks the configuration.
func (c LocalConfig) Validate() error {
	if c.Dimension < 0 {
		return fmt.Errorf("%w: dimension must be >= 0, got %d", ErrInvalidConfig, c.Dimension)
	}
	return nil
}

// LocalStore is an exact nearest-neighbour index held in memory and mirrored
// to a three-file snapshot.
//
// Every Search scans all vectors. There is no incremental structure.
type LocalStore struct {
	config LocalConfig
	logger *zap.Logger

	mu       sync.RWMutex
	dim      int
	vectors  [][]float32
	payloads []Payload
}

// NewLocalStore opens or creates a local store. A missing or damaged
// snapshot is not an error; the store starts empty and a warning is logged.
func NewLocalStore(config LocalConfig, logger *zap.Logger) (*LocalStore, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &LocalStore{
		config: config,
		logger: logger,
		dim:    config.Dimension,
	}
	// Starts empty; a loaded snapshot overwrites this below.
	Points.WithLabelValues(backendLocal).Set(0)

	if config.Dir == "" {
		logger.Info("local vectorstore running in memory only")
		return s, nil
	}

	if err := os.MkdirAll(config.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating index dir: %w", err)
	}

	if config.ResetOnStartup {
		if err := removeSnapshot(config.Dir); err != nil {
			return nil, fmt.Errorf("resetting index: %w", err)
		}
		logger.Info("local index reset on startup", zap.String("dir", config.Dir))
		return s, nil
	}

	snap, err := readSnapshot(config.Dir)
	switch {
	case err == nil:
		if config.Dimension != 0 && snap.dim != config.Dimension && len(snap.vectors) > 0 {
			logger.Warn("snapshot dimension differs from configured dimension, keeping snapshot",
				zap.Int("snapshot_dim", snap.dim),
				zap.Int("configured_dim", config.Dimension))
		}
		if len(snap.vectors) > 0 {
			s.dim = snap.dim
		}
		s.vectors = snap.vectors
		s.payloads = snap.payloads
		logger.Info("loaded local index",
			zap.String("dir", config.Dir),
			zap.Int("points", len(s.vectors)),
			zap.Int("dimension", s.dim))
	case errors.Is(err, ErrNoIndex):
		logger.Warn("no usable local index, starting empty",
			zap.String("dir", config.Dir),
			zap.Error(err))
	default:
		return nil, err
	}

	Points.WithLabelValues(backendLocal).Set(float64(len(s.vectors)))
	return s, nil
}

// Dimension returns the collection dimension, or 0 if not yet established.
func (s *LocalStore) Dimension() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dim
}

// Upsert appends the batch and persists the new snapshot before publishing
// it in memory.
func (s *LocalStore) Upsert(ctx context.Context, vectors [][]float32, payloads []Payload) (n int, err error) {
	ctx, span := tracer.Start(ctx, "LocalStore.Upsert")
	defer span.End()
	start := time.Now()
	defer func() { observe(backendLocal, "upsert", start, err) }()

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

	nextVectors := make([][]float32, 0, len(s.vectors)+len(vectors))
	nextVectors = append(nextVectors, s.vectors...)
	for _, v := range vectors {
		nextVectors = append(nextVectors, append([]float32(nil), v...))
	}
	nextPayloads := make([]Payload, 0, len(s.payloads)+len(payloads))
	nextPayloads = append(nextPayloads, s.payloads...)
	nextPayloads = append(nextPayloads, payloads...)

	if s.config.Dir != "" {
		if err := writeSnapshot(s.config.Dir, &snapshot{dim: dim, vectors: nextVectors, payloads: nextPayloads}); err != nil {
			err = fmt.Errorf("persisting snapshot: %w", err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return 0, err
		}
	}

	s.dim = dim
	s.vectors = nextVectors
	s.payloads = nextPayloads
	Points.WithLabelValues(backendLocal).Set(float64(len(s.vectors)))

	s.logger.Debug("upserted points",
		zap.Int("count", len(vectors)),
		zap.Int("total", len(s.vectors)))

	span.SetAttributes(attribute.Int("total_points", len(s.vectors)))
	span.SetStatus(codes.Ok, "success")
	return len(vectors), nil
}

// Search scores every stored vector against query and keeps the best k.
func (s *LocalStore) Search(ctx context.Context, query []float32, k int, filter *Filter) (hits []Hit, err error) {
	_, span := tracer.Start(ctx, "LocalStore.Search")
	defer span.End()
	start := time.Now()
	defer func() { observe(backendLocal, "search", start, err) }()

	span.SetAttributes(attribute.Int("k", k))

	s.mu.RLock()
	defer s.mu.RUnlock()

	if k <= 0 || len(s.vectors) == 0 {
		return []Hit{}, nil
	}
	if len(query) != s.dim {
		err = fmt.Errorf("%w: query has %d dimensions, collection has %d", ErrDimensionMismatch, len(query), s.dim)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if k > len(s.vectors) {
		k = len(s.vectors)
	}
	best := newTopK(k)
	for i, v := range s.vectors {
		if !filter.Matches(s.payloads[i]) {
			continue
		}
		best.offer(scored{pos: i, score: cosineSimilarity(query, v)})
	}

	ranked := best.sorted()
	hits = make([]Hit, len(ranked))
	for i, c := range ranked {
		hits[i] = newHit(s.payloads[c.pos], c.score)
	}

	span.SetAttributes(
		attribute.Int("scanned", len(s.vectors)),
		attribute.Int("results_count", len(hits)),
	)
	span.SetStatus(codes.Ok, "success")
	return hits, nil
}

// Clear drops every point and the snapshot on disk.
func (s *LocalStore) Clear(ctx context.Context) (err error) {
	_, span := tracer.Start(ctx, "LocalStore.Clear")
	defer span.End()
	start := time.Now()
	defer func() { observe(backendLocal, "clear", start, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.config.Dir != "" {
		if err := removeSnapshot(s.config.Dir); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
	}

	s.vectors = nil
	s.payloads = nil
	s.dim = s.config.Dimension
	Points.WithLabelValues(backendLocal).Set(0)

	s.logger.Info("local index cleared")
	span.SetStatus(codes.Ok, "success")
	return nil
}

// Count returns the number of stored points.
func (s *LocalStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.vectors), nil
}

// Close is a no-op; every Upsert is already durable.
func (s *LocalStore) Close() error {
	return nil
}

var _ Store = (*LocalStore)(nil)
