package vectorstore

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const backendQdrant = "qdrant"

var collectionNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// ValidateCollectionName rejects names that are empty, too long or contain
// characters outside [a-zA-Z0-9_-].
func ValidateCollectionName(name string) error {
	if !collectionNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidCollectionName, name)
	}
	return nil
}

// QdrantConfig configures the Qdrant gRPC backend.
type QdrantConfig struct {
	// Host is the Qdrant server hostname (default: localhost).
	Host string

	// Port is the gRPC port (default: 6334).
	Port int

	// Collection name (default: chunks).
	Collection string

	// Distance metric: Cosine, Dot, Euclid or Manhattan (default: Cosine).
	Distance string

	// Dimension used when creating the collection. Zero uses the first
	// upserted vector.
	Dimension int

	// APIKey for Qdrant Cloud.
	APIKey string

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool

	// MaxRetries for transient failures (default: 3).
	MaxRetries int

	// RetryBackoff is the initial backoff, doubled per attempt (default: 1s).
	RetryBackoff time.Duration

	// MaxMessageSize for gRPC messages in bytes (default: 50MB).
	MaxMessageSize int

	// ResetOnStartup clears the collection when the store is created.
	ResetOnStartup bool
}

// ApplyDefaults sets default values for unset fields.
func (c *QdrantConfig) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.Collection == "" {
		c.Collection = "chunks"
	}
	if c.Distance == "" {
		c.Distance = "Cosine"
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = time.Second
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 50 * 1024 * 1024
	}
}

// Validate checks the configuration.
func (c QdrantConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: host required", ErrInvalidConfig)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port %d", ErrInvalidConfig, c.Port)
	}
	if err := ValidateCollectionName(c.Collection); err != nil {
		return err
	}
	if _, ok := grpcDistance(c.Distance); !ok {
		return fmt.Errorf("%w: unknown distance %q", ErrInvalidConfig, c.Distance)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("%w: max retries must be >= 0", ErrInvalidConfig)
	}
	return nil
}

func grpcDistance(d string) (qdrant.Distance, bool) {
	switch d {
	case "Cosine":
		return qdrant.Distance_Cosine, true
	case "Dot":
		return qdrant.Distance_Dot, true
	case "Euclid":
		return qdrant.Distance_Euclid, true
	case "Manhattan":
		return qdrant.Distance_Manhattan, true
	}
	return 0, false
}

// IsTransientError reports whether a gRPC error is worth retrying.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
		return true
	default:
		return false
	}
}

// QdrantStore implements Store against Qdrant's gRPC API.
type QdrantStore struct {
	client *qdrant.Client
	config QdrantConfig
	logger *zap.Logger

	mu    sync.Mutex
	ready bool
	dim   int
}

// NewQdrantStore connects to Qdrant and verifies the server is healthy.
func NewQdrantStore(config QdrantConfig, logger *zap.Logger) (*QdrantStore, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if !config.UseTLS {
		logger.Warn("qdrant gRPC using plaintext, TLS disabled", zap.String("host", config.Host))
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   config.Host,
		Port:   config.Port,
		APIKey: config.APIKey,
		UseTLS: config.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(config.MaxMessageSize),
				grpc.MaxCallSendMsgSize(config.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	s := &QdrantStore{
		client: client,
		config: config,
		logger: logger,
		dim:    config.Dimension,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.HealthCheck(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: health check: %v", ErrConnectionFailed, err)
	}

	if config.ResetOnStartup {
		if err := s.Clear(ctx); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("resetting collection: %w", err)
		}
	}
	return s, nil
}

// retryOperation runs operation, retrying transient failures with
// exponential backoff.
func (s *QdrantStore) retryOperation(ctx context.Context, op string, operation func() error) error {
	backoff := s.config.RetryBackoff
	for attempt := 0; ; attempt++ {
		err := operation()
		if err == nil {
			return nil
		}
		if !IsTransientError(err) || attempt == s.config.MaxRetries {
			return s.backendError(op, err)
		}
		s.logger.Debug("retrying qdrant operation",
			zap.String("op", op),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return s.backendError(op, ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
		}
	}
}

func (s *QdrantStore) backendError(op string, err error) error {
	be := &BackendError{Backend: backendQdrant, Op: op, Err: err}
	if st, ok := status.FromError(err); ok {
		be.Message = fmt.Sprintf("%s: %s", st.Code(), st.Message())
	}
	return be
}

func (s *QdrantStore) ensureLocked(ctx context.Context, dim int) error {
	if s.ready {
		return nil
	}
	exists, err := s.loadCollectionLocked(ctx)
	if err != nil || exists {
		return err
	}

	if s.dim != 0 {
		dim = s.dim
	}
	if dim <= 0 {
		return fmt.Errorf("%w: dimension required to create collection", ErrInvalidConfig)
	}
	distance, _ := grpcDistance(s.config.Distance)

	err = s.retryOperation(ctx, "create_collection", func() error {
		return s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: s.config.Collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(dim),
				Distance: distance,
			}),
		})
	})
	if err != nil {
		// Lost a creation race: adopt the existing collection.
		st, _ := status.FromError(unwrapBackend(err))
		if st.Code() == grpccodes.AlreadyExists || strings.Contains(strings.ToLower(err.Error()), "already exists") {
			_, loadErr := s.loadCollectionLocked(ctx)
			return loadErr
		}
		return err
	}

	s.ready = true
	s.dim = dim
	s.logger.Info("created qdrant collection",
		zap.String("collection", s.config.Collection),
		zap.Int("dimension", dim))
	return nil
}

func unwrapBackend(err error) error {
	if be, ok := err.(*BackendError); ok && be.Err != nil {
		return be.Err
	}
	return err
}

func (s *QdrantStore) loadCollectionLocked(ctx context.Context) (bool, error) {
	var info *qdrant.CollectionInfo
	err := s.retryOperation(ctx, "get_collection", func() error {
		res, err := s.client.GetCollectionInfo(ctx, s.config.Collection)
		if err != nil {
			if st, ok := status.FromError(err); ok && st.Code() == grpccodes.NotFound {
				return nil
			}
			return err
		}
		info = res
		return nil
	})
	if err != nil {
		return false, err
	}
	if info == nil {
		return false, nil
	}

	if params := info.GetConfig().GetParams().GetVectorsConfig().GetParams(); params != nil && params.GetSize() > 0 {
		s.dim = int(params.GetSize())
	}
	s.ready = true
	return true, nil
}

// Upsert writes the batch with fresh UUID point ids and waits for the write
// to be applied.
func (s *QdrantStore) Upsert(ctx context.Context, vectors [][]float32, payloads []Payload) (n int, err error) {
	ctx, span := tracer.Start(ctx, "QdrantStore.Upsert")
	defer span.End()
	start := time.Now()
	defer func() { observe(backendQdrant, "upsert", start, err) }()

	span.SetAttributes(
		attribute.String("collection", s.config.Collection),
		attribute.Int("batch_size", len(vectors)),
	)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := checkBatch(vectors, payloads, 0); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}
	if len(vectors) == 0 {
		return 0, nil
	}
	if err := s.ensureLocked(ctx, len(vectors[0])); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}
	if _, err := checkBatch(vectors, payloads, s.dim); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}

	points := make([]*qdrant.PointStruct, len(vectors))
	for i, v := range vectors {
		p := payloads[i]
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(uuid.New().String()),
			Vectors: qdrant.NewVectors(v...),
			Payload: map[string]*qdrant.Value{
				"id":          qdrant.NewValueString(p.ID),
				"doc_id":      qdrant.NewValueString(p.DocID),
				"chunk_index": qdrant.NewValueInt(int64(p.ChunkIndex)),
				"text":        qdrant.NewValueString(p.Text),
			},
		}
	}

	err = s.retryOperation(ctx, "upsert", func() error {
		_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: s.config.Collection,
			Wait:           qdrant.PtrOf(true),
			Points:         points,
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}

	span.SetStatus(codes.Ok, "success")
	return len(points), nil
}

// Search runs a nearest-neighbour query. A missing collection yields an
// empty result.
func (s *QdrantStore) Search(ctx context.Context, query []float32, k int, filter *Filter) (hits []Hit, err error) {
	ctx, span := tracer.Start(ctx, "QdrantStore.Search")
	defer span.End()
	start := time.Now()
	defer func() { observe(backendQdrant, "search", start, err) }()

	span.SetAttributes(
		attribute.String("collection", s.config.Collection),
		attribute.Int("k", k),
	)

	if k <= 0 {
		return []Hit{}, nil
	}

	s.mu.Lock()
	if !s.ready {
		exists, err := s.loadCollectionLocked(ctx)
		if err != nil || !exists {
			s.mu.Unlock()
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return nil, err
			}
			return []Hit{}, nil
		}
	}
	dim := s.dim
	s.mu.Unlock()

	if dim != 0 && len(query) != dim {
		err = fmt.Errorf("%w: query has %d dimensions, collection has %d", ErrDimensionMismatch, len(query), dim)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var qfilter *qdrant.Filter
	if !filter.IsEmpty() {
		qfilter = &qdrant.Filter{
			Must: []*qdrant.Condition{{
				ConditionOneOf: &qdrant.Condition_Field{
					Field: &qdrant.FieldCondition{
						Key: "doc_id",
						Match: &qdrant.Match{
							MatchValue: &qdrant.Match_Keyword{Keyword: filter.DocID},
						},
					},
				},
			}},
		}
	}

	var (
		results []*qdrant.ScoredPoint
		missing bool
	)
	err = s.retryOperation(ctx, "search", func() error {
		res, err := s.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: s.config.Collection,
			Query:          qdrant.NewQuery(query...),
			Limit:          qdrant.PtrOf(uint64(k)),
			WithPayload:    qdrant.NewWithPayload(true),
			Filter:         qfilter,
		})
		if err != nil {
			if st, ok := status.FromError(err); ok && st.Code() == grpccodes.NotFound {
				missing = true
				return nil
			}
			return err
		}
		results = res
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if missing {
		// Deleted out of band; the next write recreates it.
		s.mu.Lock()
		s.ready = false
		s.mu.Unlock()
		return []Hit{}, nil
	}

	hits = make([]Hit, 0, len(results))
	for _, point := range results {
		hits = append(hits, newHit(payloadFromQdrant(point.GetPayload()), point.GetScore()))
	}

	span.SetAttributes(attribute.Int("results_count", len(hits)))
	span.SetStatus(codes.Ok, "success")
	return hits, nil
}

func payloadFromQdrant(values map[string]*qdrant.Value) Payload {
	var p Payload
	for k, v := range values {
		switch k {
		case "id":
			p.ID = v.GetStringValue()
		case "doc_id":
			p.DocID = v.GetStringValue()
		case "chunk_index":
			p.ChunkIndex = int(v.GetIntegerValue())
		case "text":
			p.Text = v.GetStringValue()
		}
	}
	return p
}

// Clear deletes every point with an empty filter, keeping the collection
// configuration.
func (s *QdrantStore) Clear(ctx context.Context) (err error) {
	ctx, span := tracer.Start(ctx, "QdrantStore.Clear")
	defer span.End()
	start := time.Now()
	defer func() { observe(backendQdrant, "clear", start, err) }()

	span.SetAttributes(attribute.String("collection", s.config.Collection))

	s.mu.Lock()
	defer s.mu.Unlock()

	exists, err := s.loadCollectionLocked(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if !exists {
		return nil
	}

	err = s.retryOperation(ctx, "clear", func() error {
		_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: s.config.Collection,
			Wait:           qdrant.PtrOf(true),
			Points: &qdrant.PointsSelector{
				PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
					Filter: &qdrant.Filter{},
				},
			},
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	Points.WithLabelValues(backendQdrant).Set(0)
	s.logger.Info("qdrant collection cleared", zap.String("collection", s.config.Collection))
	span.SetStatus(codes.Ok, "success")
	return nil
}

// Count returns the exact number of points.
func (s *QdrantStore) Count(ctx context.Context) (n int, err error) {
	start := time.Now()
	defer func() { observe(backendQdrant, "count", start, err) }()

	var count uint64
	err = s.retryOperation(ctx, "count", func() error {
		c, err := s.client.Count(ctx, &qdrant.CountPoints{
			CollectionName: s.config.Collection,
			Exact:          qdrant.PtrOf(true),
		})
		if err != nil {
			if st, ok := status.FromError(err); ok && st.Code() == grpccodes.NotFound {
				count = 0
				return nil
			}
			return err
		}
		count = c
		return nil
	})
	if err != nil {
		return 0, err
	}
	Points.WithLabelValues(backendQdrant).Set(float64(count))
	return int(count), nil
}

// Close closes the gRPC connection.
func (s *QdrantStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

var _ Store = (*QdrantStore)(nil)
