package vectorstore

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// unitVector returns a deterministic unit vector derived from seed.
func unitVector(dim, seed int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = float32(math.Sin(float64(seed*31+i*7+1))) + 0.01
	}
	return Normalize(v)
}

// axis returns the i-th standard basis vector.
func axis(dim, i int) []float32 {
	v := make([]float32, dim)
	v[i] = 1
	return v
}

// testBatch builds n unit vectors with payloads for docID.
func testBatch(docID string, dim, n, seedOffset int) ([][]float32, []Payload) {
	vectors := make([][]float32, n)
	payloads := make([]Payload, n)
	for i := 0; i < n; i++ {
		vectors[i] = unitVector(dim, seedOffset+i)
		payloads[i] = Payload{
			ID:         fmt.Sprintf("%s:%d:%08x", docID, i, seedOffset+i),
			DocID:      docID,
			ChunkIndex: i,
			Text:       fmt.Sprintf("%s chunk %d", docID, i),
		}
	}
	return vectors, payloads
}

func newTestLocalStore(t *testing.T, dir string) *LocalStore {
	t.Helper()
	store, err := NewLocalStore(LocalConfig{Dir: dir}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}
