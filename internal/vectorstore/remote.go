package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

const backendRemote = "remote"

// Clear strategies for RemoteStore.
const (
	// ClearDeletePoints deletes all points with a match-all filter and keeps
	// the collection configuration.
	ClearDeletePoints = "delete_points"

	// ClearRecreate drops the collection, waits until it is gone and creates
	// it again.
	ClearRecreate = "recreate"
)

// RemoteConfig configures the Qdrant REST backend.
type RemoteConfig struct {
	// URL is the Qdrant REST endpoint (default: http://127.0.0.1:6333).
	URL string

	// Collection name (default: chunks).
	Collection string

	// Distance metric: Cosine, Dot, Euclid or Manhattan (default: Cosine).
	Distance string

	// Dimension used when the collection has to be created. Zero uses the
	// length of the first upserted vector.
	Dimension int

	// APIKey is sent as the api-key header when set.
	APIKey string

	// Timeout per HTTP request (default: 30s).
	Timeout time.Duration

	// ClearStrategy is ClearDeletePoints (default) or ClearRecreate.
	ClearStrategy string

	// ClearPollInterval and ClearPollTimeout bound the wait for an
	// asynchronous collection delete under ClearRecreate.
	ClearPollInterval time.Duration
	ClearPollTimeout  time.Duration

	// ResetOnStartup clears the collection when the store is created.
	ResetOnStartup bool
}

// ApplyDefaults sets default values for unset fields.
func (c *RemoteConfig) ApplyDefaults() {
	if c.URL == "" {
		c.URL = "http://127.0.0.1:6333"
	}
	c.URL = strings.TrimRight(c.URL, "/")
	if c.Collection == "" {
		c.Collection = "chunks"
	}
	if c.Distance == "" {
		c.Distance = "Cosine"
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.ClearStrategy == "" {
		c.ClearStrategy = ClearDeletePoints
	}
	if c.ClearPollInterval == 0 {
		c.ClearPollInterval = 200 * time.Millisecond
	}
	if c.ClearPollTimeout == 0 {
		c.ClearPollTimeout = 30 * time.Second
	}
}

// Validate checks the configuration.
func (c RemoteConfig) Validate() error {
	u, err := url.Parse(c.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: invalid remote url %q", ErrInvalidConfig, c.URL)
	}
	if err := ValidateCollectionName(c.Collection); err != nil {
		return err
	}
	if !validDistance(c.Distance) {
		return fmt.Errorf("%w: unknown distance %q", ErrInvalidConfig, c.Distance)
	}
	if c.Dimension < 0 {
		return fmt.Errorf("%w: dimension must be >= 0", ErrInvalidConfig)
	}
	switch c.ClearStrategy {
	case ClearDeletePoints, ClearRecreate:
	default:
		return fmt.Errorf("%w: unknown clear strategy %q", ErrInvalidConfig, c.ClearStrategy)
	}
	return nil
}

func validDistance(d string) bool {
	switch d {
	case "Cosine", "Dot", "Euclid", "Manhattan":
		return true
	}
	return false
}

// RemoteStore delegates storage and search to Qdrant over its REST API.
//
// Point ids are always fresh UUIDs; the chunk id travels in the payload.
// Network failures and non-2xx responses surface as *BackendError.
type RemoteStore struct {
	config RemoteConfig
	client *http.Client
	logger *zap.Logger

	// mu serializes writers and guards collection state.
	mu    sync.Mutex
	ready bool
	dim   int
}

// NewRemoteStore creates a Qdrant REST store. The collection is created
// lazily on the first upsert.
func NewRemoteStore(config RemoteConfig, logger *zap.Logger) (*RemoteStore, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &RemoteStore{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
		logger: logger,
		dim:    config.Dimension,
	}

	if config.ResetOnStartup {
		ctx, cancel := context.WithTimeout(context.Background(), config.Timeout)
		defer cancel()
		if err := s.Clear(ctx); err != nil {
			return nil, fmt.Errorf("resetting remote collection: %w", err)
		}
	}
	return s, nil
}

type qdrantPoint struct {
	ID      string    `json:"id"`
	Vector  []float32 `json:"vector"`
	Payload Payload   `json:"payload"`
}

type qdrantScoredPoint struct {
	ID      any     `json:"id"`
	Score   float32 `json:"score"`
	Payload Payload `json:"payload"`
}

type qdrantFilter struct {
	Must []qdrantCondition `json:"must,omitempty"`
}

type qdrantCondition struct {
	Key   string      `json:"key"`
	Match qdrantMatch `json:"match"`
}

type qdrantMatch struct {
	Value string `json:"value"`
}

type qdrantSearchRequest struct {
	Vector      []float32     `json:"vector"`
	Limit       int           `json:"limit"`
	WithPayload bool          `json:"with_payload"`
	WithVectors bool          `json:"with_vectors"`
	Filter      *qdrantFilter `json:"filter,omitempty"`
}

type qdrantCollectionInfo struct {
	Result struct {
		Config struct {
			Params struct {
				Vectors struct {
					Size     int    `json:"size"`
					Distance string `json:"distance"`
				} `json:"vectors"`
			} `json:"params"`
		} `json:"config"`
	} `json:"result"`
}

// EnsureCollection creates the collection if it does not exist. An existing
// collection is adopted and its vector size becomes the store dimension.
func (s *RemoteStore) EnsureCollection(ctx context.Context, dim int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureLocked(ctx, dim)
}

func (s *RemoteStore) ensureLocked(ctx context.Context, dim int) error {
	if s.ready {
		return nil
	}

	exists, err := s.loadCollectionLocked(ctx)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	if s.dim != 0 {
		dim = s.dim
	}
	if dim <= 0 {
		return fmt.Errorf("%w: dimension required to create collection", ErrInvalidConfig)
	}

	body := map[string]any{
		"vectors": map[string]any{
			"size":     dim,
			"distance": s.config.Distance,
		},
	}
	status, respBody, err := s.send(ctx, "create_collection", http.MethodPut, s.collectionPath(""), body)
	if err != nil {
		return err
	}
	switch {
	case status == http.StatusOK || status == http.StatusCreated:
	case status == http.StatusConflict || strings.Contains(strings.ToLower(string(respBody)), "already exists"):
		// Created concurrently; adopt whatever is there.
		if _, err := s.loadCollectionLocked(ctx); err != nil {
			return err
		}
		if s.ready {
			return nil
		}
	default:
		return s.statusError("create_collection", status, respBody)
	}

	s.ready = true
	s.dim = dim
	s.logger.Info("created remote collection",
		zap.String("collection", s.config.Collection),
		zap.Int("dimension", dim),
		zap.String("distance", s.config.Distance))
	return nil
}

// loadCollectionLocked fetches collection info. It returns false when the
// collection does not exist.
func (s *RemoteStore) loadCollectionLocked(ctx context.Context) (bool, error) {
	status, respBody, err := s.send(ctx, "get_collection", http.MethodGet, s.collectionPath(""), nil)
	if err != nil {
		return false, err
	}
	if status == http.StatusNotFound {
		return false, nil
	}
	if status != http.StatusOK {
		return false, s.statusError("get_collection", status, respBody)
	}

	var info qdrantCollectionInfo
	if err := json.Unmarshal(respBody, &info); err != nil {
		return false, &BackendError{Backend: backendRemote, Op: "get_collection", Err: fmt.Errorf("decoding response: %w", err)}
	}
	size := info.Result.Config.Params.Vectors.Size
	if size > 0 {
		if s.dim != 0 && s.dim != size {
			s.logger.Warn("remote collection dimension differs from configured dimension",
				zap.Int("remote_dim", size),
				zap.Int("configured_dim", s.dim))
		}
		s.dim = size
	}
	s.ready = true
	return true, nil
}

// Upsert sends the batch in a single write with fresh point ids.
func (s *RemoteStore) Upsert(ctx context.Context, vectors [][]float32, payloads []Payload) (n int, err error) {
	ctx, span := tracer.Start(ctx, "RemoteStore.Upsert")
	defer span.End()
	start := time.Now()
	defer func() { observe(backendRemote, "upsert", start, err) }()

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

	points := make([]qdrantPoint, len(vectors))
	for i := range vectors {
		points[i] = qdrantPoint{
			ID:      uuid.NewString(),
			Vector:  vectors[i],
			Payload: payloads[i],
		}
	}

	status, respBody, err := s.send(ctx, "upsert", http.MethodPut, s.collectionPath("/points?wait=true"), map[string]any{"points": points})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}
	if status < 200 || status >= 300 {
		err := s.statusError("upsert", status, respBody)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}

	s.logger.Debug("upserted remote points",
		zap.String("collection", s.config.Collection),
		zap.Int("count", len(points)))

	span.SetStatus(codes.Ok, "success")
	return len(points), nil
}

// Search forwards the query vector with payloads requested and vectors
// omitted. A missing collection yields an empty result.
func (s *RemoteStore) Search(ctx context.Context, query []float32, k int, filter *Filter) (hits []Hit, err error) {
	ctx, span := tracer.Start(ctx, "RemoteStore.Search")
	defer span.End()
	start := time.Now()
	defer func() { observe(backendRemote, "search", start, err) }()

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
		if err != nil {
			s.mu.Unlock()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		if !exists {
			s.mu.Unlock()
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

	req := qdrantSearchRequest{
		Vector:      query,
		Limit:       k,
		WithPayload: true,
		WithVectors: false,
	}
	if !filter.IsEmpty() {
		req.Filter = &qdrantFilter{Must: []qdrantCondition{{Key: "doc_id", Match: qdrantMatch{Value: filter.DocID}}}}
	}

	status, respBody, err := s.send(ctx, "search", http.MethodPost, s.collectionPath("/points/search"), req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if status == http.StatusNotFound {
		s.mu.Lock()
		s.ready = false
		s.mu.Unlock()
		return []Hit{}, nil
	}
	if status != http.StatusOK {
		err := s.statusError("search", status, respBody)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var resp struct {
		Result []qdrantScoredPoint `json:"result"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		err = &BackendError{Backend: backendRemote, Op: "search", Err: fmt.Errorf("decoding response: %w", err)}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	hits = make([]Hit, 0, len(resp.Result))
	for _, p := range resp.Result {
		hits = append(hits, newHit(p.Payload, p.Score))
	}

	span.SetAttributes(attribute.Int("results_count", len(hits)))
	span.SetStatus(codes.Ok, "success")
	return hits, nil
}

// Clear empties the collection using the configured strategy.
func (s *RemoteStore) Clear(ctx context.Context) (err error) {
	ctx, span := tracer.Start(ctx, "RemoteStore.Clear")
	defer span.End()
	start := time.Now()
	defer func() { observe(backendRemote, "clear", start, err) }()

	span.SetAttributes(
		attribute.String("collection", s.config.Collection),
		attribute.String("strategy", s.config.ClearStrategy),
	)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.config.ClearStrategy == ClearRecreate {
		err = s.recreateLocked(ctx)
	} else {
		err = s.deletePointsLocked(ctx)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	Points.WithLabelValues(backendRemote).Set(0)
	s.logger.Info("remote collection cleared",
		zap.String("collection", s.config.Collection),
		zap.String("strategy", s.config.ClearStrategy))
	span.SetStatus(codes.Ok, "success")
	return nil
}

func (s *RemoteStore) deletePointsLocked(ctx context.Context) error {
	body := map[string]any{"filter": qdrantFilter{}}
	status, respBody, err := s.send(ctx, "clear", http.MethodPost, s.collectionPath("/points/delete?wait=true"), body)
	if err != nil {
		return err
	}
	switch {
	case status == http.StatusNotFound:
		s.ready = false
		return nil
	case status >= 200 && status < 300:
		return nil
	default:
		return s.statusError("clear", status, respBody)
	}
}

func (s *RemoteStore) recreateLocked(ctx context.Context) error {
	status, respBody, err := s.send(ctx, "delete_collection", http.MethodDelete, s.collectionPath(""), nil)
	if err != nil {
		return err
	}
	if status != http.StatusNotFound && (status < 200 || status >= 300) {
		return s.statusError("delete_collection", status, respBody)
	}
	s.ready = false

	if err := s.waitGoneLocked(ctx); err != nil {
		return err
	}

	// Without a known dimension the collection is recreated by the next
	// upsert.
	if s.dim == 0 {
		return nil
	}
	return s.ensureLocked(ctx, s.dim)
}

// waitGoneLocked polls until the collection no longer exists.
func (s *RemoteStore) waitGoneLocked(ctx context.Context) error {
	deadline := time.Now().Add(s.config.ClearPollTimeout)
	for {
		status, respBody, err := s.send(ctx, "get_collection", http.MethodGet, s.collectionPath(""), nil)
		if err != nil {
			return err
		}
		if status == http.StatusNotFound {
			return nil
		}
		if status != http.StatusOK {
			return s.statusError("get_collection", status, respBody)
		}
		if time.Now().After(deadline) {
			return &BackendError{
				Backend: backendRemote,
				Op:      "clear",
				Message: fmt.Sprintf("collection %s still present after %s", s.config.Collection, s.config.ClearPollTimeout),
			}
		}
		select {
		case <-ctx.Done():
			return &BackendError{Backend: backendRemote, Op: "clear", Err: ctx.Err()}
		case <-time.After(s.config.ClearPollInterval):
		}
	}
}

// Count returns the exact number of points. A missing collection counts as 0.
func (s *RemoteStore) Count(ctx context.Context) (n int, err error) {
	ctx, span := tracer.Start(ctx, "RemoteStore.Count")
	defer span.End()
	start := time.Now()
	defer func() { observe(backendRemote, "count", start, err) }()

	status, respBody, err := s.send(ctx, "count", http.MethodPost, s.collectionPath("/points/count"), map[string]any{"exact": true})
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	if status == http.StatusNotFound {
		return 0, nil
	}
	if status != http.StatusOK {
		err := s.statusError("count", status, respBody)
		span.RecordError(err)
		return 0, err
	}

	var resp struct {
		Result struct {
			Count int `json:"count"`
		} `json:"result"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return 0, &BackendError{Backend: backendRemote, Op: "count", Err: fmt.Errorf("decoding response: %w", err)}
	}
	Points.WithLabelValues(backendRemote).Set(float64(resp.Result.Count))
	return resp.Result.Count, nil
}

// Close releases idle connections.
func (s *RemoteStore) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

func (s *RemoteStore) collectionPath(suffix string) string {
	return fmt.Sprintf("%s/collections/%s%s", s.config.URL, url.PathEscape(s.config.Collection), suffix)
}

// send performs one JSON request and returns the status and raw body.
// Transport failures are returned as *BackendError; status handling is left
// to the caller.
func (s *RemoteStore) send(ctx context.Context, op, method, target string, body any) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("marshaling %s request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("creating %s request: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.config.APIKey != "" {
		req.Header.Set("api-key", s.config.APIKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, nil, &BackendError{Backend: backendRemote, Op: op, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, &BackendError{Backend: backendRemote, Op: op, Status: resp.StatusCode, Err: fmt.Errorf("reading response: %w", err)}
	}
	return resp.StatusCode, respBody, nil
}

func (s *RemoteStore) statusError(op string, status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	return &BackendError{Backend: backendRemote, Op: op, Status: status, Message: msg}
}

var _ Store = (*RemoteStore)(nil)
