package vectorstore

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float32
	}{
		{name: "identical", a: []float32{1, 2, 3}, b: []float32{1, 2, 3}, want: 1},
		{name: "opposite", a: []float32{1, 0}, b: []float32{-1, 0}, want: -1},
		{name: "orthogonal", a: []float32{1, 0}, b: []float32{0, 1}, want: 0},
		{name: "scaled", a: []float32{1, 1}, b: []float32{5, 5}, want: 1},
		{name: "zero vector", a: []float32{0, 0}, b: []float32{1, 1}, want: 0},
		{name: "length mismatch", a: []float32{1}, b: []float32{1, 0}, want: 0},
		{name: "empty", a: nil, b: nil, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, cosineSimilarity(tt.a, tt.b), 1e-6)
		})
	}
}

func TestNormalize(t *testing.T) {
	v := Normalize([]float32{3, 4})
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)

	zero := Normalize([]float32{0, 0})
	assert.Equal(t, []float32{0, 0}, zero)
}

func TestTopK_MatchesFullSort(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	candidates := make([]scored, 500)
	for i := range candidates {
		// Coarse scores force plenty of ties.
		candidates[i] = scored{pos: i, score: float32(rng.Intn(20)) / 20}
	}

	for _, k := range []int{1, 5, 37, 500} {
		best := newTopK(k)
		for _, c := range candidates {
			best.offer(c)
		}
		got := best.sorted()

		want := append([]scored(nil), candidates...)
		sort.SliceStable(want, func(i, j int) bool { return want[i].score > want[j].score })
		require.Len(t, got, k)
		assert.Equal(t, want[:k], got, "k=%d", k)
	}
}

func TestTopK_ZeroK(t *testing.T) {
	best := newTopK(0)
	best.offer(scored{pos: 0, score: 1})
	assert.Empty(t, best.sorted())
}
