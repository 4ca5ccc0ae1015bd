package vectorstore

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeQdrant is an in-memory stand-in for the Qdrant REST API.
type fakeQdrant struct {
	mu          sync.Mutex
	collections map[string]*fakeCollection
	requests    []string
	apiKeys     []string

	// deleteDelay keeps a deleted collection visible for this many GETs.
	deleteDelay int
	pendingGone map[string]int

	failUpsert int // respond with this status on upsert when non-zero
}

type fakeCollection struct {
	size     int
	distance string
	points   []qdrantPoint
}

func newFakeQdrant(t *testing.T) (*fakeQdrant, *httptest.Server) {
	t.Helper()
	f := &fakeQdrant{
		collections: map[string]*fakeCollection{},
		pendingGone: map[string]int{},
	}
	srv := httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeQdrant) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.requests = append(f.requests, r.Method+" "+r.URL.Path)
	f.apiKeys = append(f.apiKeys, r.Header.Get("api-key"))

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "collections" {
		http.NotFound(w, r)
		return
	}
	name := parts[1]
	col := f.collections[name]

	writeJSON := func(status int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(v)
	}
	notFound := func() {
		writeJSON(http.StatusNotFound, map[string]any{"status": map[string]string{"error": "Not found: Collection `" + name + "` doesn't exist!"}})
	}

	switch {
	case len(parts) == 2 && r.Method == http.MethodGet:
		if n, ok := f.pendingGone[name]; ok {
			if n > 0 {
				f.pendingGone[name] = n - 1
				writeJSON(http.StatusOK, map[string]any{"result": map[string]any{}})
				return
			}
			delete(f.pendingGone, name)
		}
		if col == nil {
			notFound()
			return
		}
		writeJSON(http.StatusOK, map[string]any{"result": map[string]any{
			"points_count": len(col.points),
			"config": map[string]any{"params": map[string]any{"vectors": map[string]any{
				"size": col.size, "distance": col.distance,
			}}},
		}})

	case len(parts) == 2 && r.Method == http.MethodPut:
		if col != nil {
			writeJSON(http.StatusConflict, map[string]any{"status": map[string]string{"error": "Wrong input: Collection `" + name + "` already exists!"}})
			return
		}
		var body struct {
			Vectors struct {
				Size     int    `json:"size"`
				Distance string `json:"distance"`
			} `json:"vectors"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.collections[name] = &fakeCollection{size: body.Vectors.Size, distance: body.Vectors.Distance}
		writeJSON(http.StatusOK, map[string]any{"result": true})

	case len(parts) == 2 && r.Method == http.MethodDelete:
		if col == nil {
			writeJSON(http.StatusOK, map[string]any{"result": false})
			return
		}
		delete(f.collections, name)
		if f.deleteDelay > 0 {
			f.pendingGone[name] = f.deleteDelay
		}
		writeJSON(http.StatusOK, map[string]any{"result": true})

	case len(parts) == 3 && parts[2] == "points" && r.Method == http.MethodPut:
		if col == nil {
			notFound()
			return
		}
		if f.failUpsert != 0 {
			writeJSON(f.failUpsert, map[string]any{"status": map[string]string{"error": "storage full"}})
			return
		}
		var body struct {
			Points []qdrantPoint `json:"points"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		for _, p := range body.Points {
			if len(p.Vector) != col.size {
				writeJSON(http.StatusBadRequest, map[string]any{"status": map[string]string{"error": "Wrong input: Vector dimension error"}})
				return
			}
		}
		col.points = append(col.points, body.Points...)
		writeJSON(http.StatusOK, map[string]any{"result": map[string]string{"status": "completed"}})

	case len(parts) == 4 && parts[3] == "search":
		if col == nil {
			notFound()
			return
		}
		var req qdrantSearchRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		type res struct {
			ID      string  `json:"id"`
			Score   float32 `json:"score"`
			Payload Payload `json:"payload"`
		}
		var results []res
		for _, p := range col.points {
			if req.Filter != nil && len(req.Filter.Must) > 0 && p.Payload.DocID != req.Filter.Must[0].Match.Value {
				continue
			}
			results = append(results, res{ID: p.ID, Score: cosineSimilarity(req.Vector, p.Vector), Payload: p.Payload})
		}
		sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
		if len(results) > req.Limit {
			results = results[:req.Limit]
		}
		if results == nil {
			results = []res{}
		}
		writeJSON(http.StatusOK, map[string]any{"result": results})

	case len(parts) == 4 && parts[3] == "delete":
		if col == nil {
			notFound()
			return
		}
		col.points = nil
		writeJSON(http.StatusOK, map[string]any{"result": map[string]string{"status": "completed"}})

	case len(parts) == 4 && parts[3] == "count":
		if col == nil {
			notFound()
			return
		}
		writeJSON(http.StatusOK, map[string]any{"result": map[string]int{"count": len(col.points)}})

	default:
		http.NotFound(w, r)
	}
}

func (f *fakeQdrant) requestLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests...)
}

func newTestRemoteStore(t *testing.T, url string, mutate ...func(*RemoteConfig)) *RemoteStore {
	t.Helper()
	cfg := RemoteConfig{URL: url, Collection: "chunks", ClearPollInterval: time.Millisecond}
	for _, m := range mutate {
		m(&cfg)
	}
	store, err := NewRemoteStore(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRemoteStore_Contract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		_, srv := newFakeQdrant(t)
		return newTestRemoteStore(t, srv.URL)
	})
}

func TestRemoteStore_RecreateContract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		fake, srv := newFakeQdrant(t)
		fake.deleteDelay = 2
		return newTestRemoteStore(t, srv.URL, func(c *RemoteConfig) { c.ClearStrategy = ClearRecreate })
	})
}

func TestRemoteStore_CreatesCollectionOnFirstUpsert(t *testing.T) {
	fake, srv := newFakeQdrant(t)
	store := newTestRemoteStore(t, srv.URL, func(c *RemoteConfig) { c.APIKey = "secret" })

	vectors, payloads := testBatch("doc.pdf", 384, 2, 0)
	_, err := store.Upsert(context.Background(), vectors, payloads)
	require.NoError(t, err)

	fake.mu.Lock()
	col := fake.collections["chunks"]
	require.NotNil(t, col)
	assert.Equal(t, 384, col.size)
	assert.Equal(t, "Cosine", col.distance)
	require.Len(t, col.points, 2)
	assert.NotEqual(t, col.points[0].ID, col.points[1].ID)
	assert.Equal(t, payloads[0], col.points[0].Payload)
	for _, key := range fake.apiKeys {
		assert.Equal(t, "secret", key)
	}
	fake.mu.Unlock()

	assert.Equal(t, []string{
		"GET /collections/chunks",
		"PUT /collections/chunks",
		"PUT /collections/chunks/points",
	}, fake.requestLog())
}

func TestRemoteStore_AdoptsExistingCollection(t *testing.T) {
	fake, srv := newFakeQdrant(t)
	fake.collections["chunks"] = &fakeCollection{size: 384, distance: "Cosine"}
	store := newTestRemoteStore(t, srv.URL)

	bad, badPayloads := testBatch("doc.pdf", 128, 1, 0)
	_, err := store.Upsert(context.Background(), bad, badPayloads)
	require.ErrorIs(t, err, ErrDimensionMismatch)

	assert.NotContains(t, fake.requestLog(), "PUT /collections/chunks/points", "mismatched batch must not reach the server")
}

func TestRemoteStore_EnsureCollectionConflictIsSuccess(t *testing.T) {
	var creates atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			if creates.Load() == 0 {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			_, _ = w.Write([]byte(`{"result":{"config":{"params":{"vectors":{"size":8,"distance":"Cosine"}}}}}`))
		case http.MethodPut:
			creates.Add(1)
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"status":{"error":"Collection chunks already exists!"}}`))
		}
	}))
	defer srv.Close()

	store := newTestRemoteStore(t, srv.URL)
	require.NoError(t, store.EnsureCollection(context.Background(), 8))
	assert.Equal(t, int32(1), creates.Load())
}

func TestRemoteStore_EnsureCollectionFailureIsSurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"status":{"error":"forbidden"}}`))
	}))
	defer srv.Close()

	store := newTestRemoteStore(t, srv.URL)
	err := store.EnsureCollection(context.Background(), 8)

	var be *BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, http.StatusForbidden, be.Status)
	assert.Equal(t, "create_collection", be.Op)
	assert.Contains(t, be.Message, "forbidden")
	assert.False(t, be.Retryable())
}

func TestRemoteStore_UpsertFailureIsBackendError(t *testing.T) {
	fake, srv := newFakeQdrant(t)
	fake.failUpsert = http.StatusServiceUnavailable
	store := newTestRemoteStore(t, srv.URL)

	vectors, payloads := testBatch("doc.pdf", 16, 1, 0)
	n, err := store.Upsert(context.Background(), vectors, payloads)
	assert.Zero(t, n)

	var be *BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, http.StatusServiceUnavailable, be.Status)
	assert.True(t, be.Retryable())
	assert.Contains(t, err.Error(), "storage full")
}

func TestRemoteStore_NetworkErrorIsBackendError(t *testing.T) {
	_, srv := newFakeQdrant(t)
	store := newTestRemoteStore(t, srv.URL)
	srv.Close()

	_, err := store.Search(context.Background(), unitVector(8, 1), 3, nil)
	var be *BackendError
	require.ErrorAs(t, err, &be)
	assert.Zero(t, be.Status)
	assert.True(t, be.Retryable())
}

func TestRemoteStore_SearchRequestShape(t *testing.T) {
	var (
		mu  sync.Mutex
		got map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet:
			_, _ = w.Write([]byte(`{"result":{"config":{"params":{"vectors":{"size":2,"distance":"Cosine"}}}}}`))
		case strings.HasSuffix(r.URL.Path, "/points/search"):
			mu.Lock()
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			mu.Unlock()
			_, _ = w.Write([]byte(`{"result":[{"id":"3f1c","score":0.75,"payload":{"id":"a.pdf:2:abcd","doc_id":"a.pdf","chunk_index":2,"text":"hello"}}]}`))
		}
	}))
	defer srv.Close()

	store := newTestRemoteStore(t, srv.URL)
	hits, err := store.Search(context.Background(), []float32{0.6, 0.8}, 4, &Filter{DocID: "a.pdf"})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, float64(4), got["limit"])
	assert.Equal(t, true, got["with_payload"])
	assert.Equal(t, false, got["with_vectors"])
	assert.Contains(t, got, "filter")

	require.Len(t, hits, 1)
	assert.Equal(t, Hit{ChunkID: "a.pdf:2:abcd", DocID: "a.pdf", ChunkIndex: 2, Text: "hello", Score: 0.75, Distance: 0.25}, hits[0])
}

func TestRemoteStore_SearchMissingCollection(t *testing.T) {
	_, srv := newFakeQdrant(t)
	store := newTestRemoteStore(t, srv.URL)

	hits, err := store.Search(context.Background(), unitVector(8, 1), 3, nil)
	require.NoError(t, err)
	assert.Empty(t, hits)

	count, err := store.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestRemoteStore_ClearDeletePointsKeepsCollection(t *testing.T) {
	fake, srv := newFakeQdrant(t)
	store := newTestRemoteStore(t, srv.URL)
	ctx := context.Background()

	vectors, payloads := testBatch("doc.pdf", 16, 3, 0)
	_, err := store.Upsert(ctx, vectors, payloads)
	require.NoError(t, err)
	require.NoError(t, store.Clear(ctx))

	fake.mu.Lock()
	col := fake.collections["chunks"]
	require.NotNil(t, col)
	assert.Equal(t, 16, col.size)
	assert.Empty(t, col.points)
	fake.mu.Unlock()

	assert.Contains(t, fake.requestLog(), "POST /collections/chunks/points/delete")
}

func TestRemoteStore_ClearRecreateWaitsForDeletion(t *testing.T) {
	fake, srv := newFakeQdrant(t)
	fake.deleteDelay = 3
	store := newTestRemoteStore(t, srv.URL, func(c *RemoteConfig) { c.ClearStrategy = ClearRecreate })
	ctx := context.Background()

	vectors, payloads := testBatch("doc.pdf", 16, 3, 0)
	_, err := store.Upsert(ctx, vectors, payloads)
	require.NoError(t, err)
	require.NoError(t, store.Clear(ctx))

	fake.mu.Lock()
	col := fake.collections["chunks"]
	require.NotNil(t, col, "collection must be recreated before clear returns")
	assert.Equal(t, 16, col.size)
	assert.Empty(t, col.points)
	fake.mu.Unlock()

	log := fake.requestLog()
	var gets int
	for _, r := range log {
		if r == "GET /collections/chunks" {
			gets++
		}
	}
	assert.GreaterOrEqual(t, gets, 4, "clear must poll until the delete completes")
}

func TestRemoteStore_ClearRecreateTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"result":{}}`))
	}))
	defer srv.Close()

	store := newTestRemoteStore(t, srv.URL, func(c *RemoteConfig) {
		c.ClearStrategy = ClearRecreate
		c.ClearPollTimeout = 10 * time.Millisecond
	})
	err := store.Clear(context.Background())

	var be *BackendError
	require.ErrorAs(t, err, &be)
	assert.Contains(t, be.Message, "still present")
}

func TestRemoteStore_ResetOnStartup(t *testing.T) {
	fake, srv := newFakeQdrant(t)
	fake.collections["chunks"] = &fakeCollection{size: 4, distance: "Cosine", points: []qdrantPoint{{ID: "x", Vector: axis(4, 0)}}}

	newTestRemoteStore(t, srv.URL, func(c *RemoteConfig) { c.ResetOnStartup = true })

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Empty(t, fake.collections["chunks"].points)
}

func TestRemoteConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*RemoteConfig)
		wantErr error
	}{
		{name: "defaults", mutate: func(*RemoteConfig) {}},
		{name: "bad url", mutate: func(c *RemoteConfig) { c.URL = "::nope" }, wantErr: ErrInvalidConfig},
		{name: "bad distance", mutate: func(c *RemoteConfig) { c.Distance = "Hamming" }, wantErr: ErrInvalidConfig},
		{name: "bad collection", mutate: func(c *RemoteConfig) { c.Collection = "a/b" }, wantErr: ErrInvalidCollectionName},
		{name: "bad strategy", mutate: func(c *RemoteConfig) { c.ClearStrategy = "nuke" }, wantErr: ErrInvalidConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cfg RemoteConfig
			cfg.ApplyDefaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}
}
