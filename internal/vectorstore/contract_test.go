package vectorstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreContract exercises the behaviour every backend must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Helper()
	const dim = 384

	t.Run("empty collection returns no hits", func(t *testing.T) {
		store := newStore(t)
		hits, err := store.Search(context.Background(), unitVector(dim, 1), 5, nil)
		require.NoError(t, err)
		assert.Empty(t, hits)
	})

	t.Run("stored vector ranks first", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		vectors, payloads := testBatch("doc.pdf", dim, 3, 0)

		n, err := store.Upsert(ctx, vectors, payloads)
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		hits, err := store.Search(ctx, vectors[1], 3, nil)
		require.NoError(t, err)
		require.NotEmpty(t, hits)
		assert.Equal(t, payloads[1].ID, hits[0].ChunkID)
		assert.Equal(t, "doc.pdf", hits[0].DocID)
		assert.Equal(t, 1, hits[0].ChunkIndex)
		assert.Equal(t, payloads[1].Text, hits[0].Text)
		assert.InDelta(t, 1.0, hits[0].Score, 1e-4)
		assert.InDelta(t, 0.0, hits[0].Distance, 1e-4)
	})

	t.Run("k is clamped and hits are ordered", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		vectors, payloads := testBatch("doc.pdf", dim, 3, 10)
		_, err := store.Upsert(ctx, vectors, payloads)
		require.NoError(t, err)

		hits, err := store.Search(ctx, unitVector(dim, 99), 5, nil)
		require.NoError(t, err)
		require.Len(t, hits, 3)
		for i := 1; i < len(hits); i++ {
			assert.GreaterOrEqual(t, hits[i-1].Score, hits[i].Score)
		}
	})

	t.Run("non-positive k returns no hits", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		vectors, payloads := testBatch("doc.pdf", dim, 2, 0)
		_, err := store.Upsert(ctx, vectors, payloads)
		require.NoError(t, err)

		hits, err := store.Search(ctx, vectors[0], 0, nil)
		require.NoError(t, err)
		assert.Empty(t, hits)
	})

	t.Run("two documents accumulate", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		v1, p1 := testBatch("a.pdf", dim, 3, 0)
		v2, p2 := testBatch("b.pdf", dim, 2, 100)
		_, err := store.Upsert(ctx, v1, p1)
		require.NoError(t, err)
		_, err = store.Upsert(ctx, v2, p2)
		require.NoError(t, err)

		count, err := store.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 5, count)

		hits, err := store.Search(ctx, v2[0], 2, nil)
		require.NoError(t, err)
		assert.Len(t, hits, 2)
	})

	t.Run("dimension mismatch leaves collection unchanged", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		vectors, payloads := testBatch("doc.pdf", dim, 2, 0)
		_, err := store.Upsert(ctx, vectors, payloads)
		require.NoError(t, err)

		bad, badPayloads := testBatch("bad.pdf", 128, 1, 0)
		n, err := store.Upsert(ctx, bad, badPayloads)
		require.ErrorIs(t, err, ErrDimensionMismatch)
		assert.Zero(t, n)

		count, err := store.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, count)
	})

	t.Run("mixed dimensions within a batch are rejected", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		vectors, payloads := testBatch("doc.pdf", dim, 2, 0)
		vectors[1] = unitVector(128, 5)

		_, err := store.Upsert(ctx, vectors, payloads)
		require.ErrorIs(t, err, ErrDimensionMismatch)

		count, err := store.Count(ctx)
		require.NoError(t, err)
		assert.Zero(t, count)
	})

	t.Run("length mismatch is rejected", func(t *testing.T) {
		store := newStore(t)
		vectors, payloads := testBatch("doc.pdf", dim, 2, 0)
		_, err := store.Upsert(context.Background(), vectors, payloads[:1])
		require.ErrorIs(t, err, ErrLengthMismatch)
	})

	t.Run("clear empties and allows reuse", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		vectors, payloads := testBatch("doc.pdf", dim, 3, 0)
		_, err := store.Upsert(ctx, vectors, payloads)
		require.NoError(t, err)

		require.NoError(t, store.Clear(ctx))
		hits, err := store.Search(ctx, vectors[0], 5, nil)
		require.NoError(t, err)
		assert.Empty(t, hits)

		require.NoError(t, store.Clear(ctx), "clear must be idempotent")

		n, err := store.Upsert(ctx, vectors[:1], payloads[:1])
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		count, err := store.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})

	t.Run("ties keep insertion order", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		v := unitVector(dim, 7)
		payloads := []Payload{
			{ID: "doc.pdf:0:first", DocID: "doc.pdf", ChunkIndex: 0, Text: "first"},
			{ID: "doc.pdf:1:second", DocID: "doc.pdf", ChunkIndex: 1, Text: "second"},
			{ID: "doc.pdf:2:third", DocID: "doc.pdf", ChunkIndex: 2, Text: "third"},
		}
		_, err := store.Upsert(ctx, [][]float32{v, v, v}, payloads)
		require.NoError(t, err)

		hits, err := store.Search(ctx, v, 3, nil)
		require.NoError(t, err)
		require.Len(t, hits, 3)
		assert.Equal(t, "doc.pdf:0:first", hits[0].ChunkID)
		assert.Equal(t, "doc.pdf:1:second", hits[1].ChunkID)
		assert.Equal(t, "doc.pdf:2:third", hits[2].ChunkID)
	})

	t.Run("filter restricts to one document", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		v1, p1 := testBatch("a.pdf", dim, 3, 0)
		v2, p2 := testBatch("b.pdf", dim, 2, 50)
		_, err := store.Upsert(ctx, v1, p1)
		require.NoError(t, err)
		_, err = store.Upsert(ctx, v2, p2)
		require.NoError(t, err)

		hits, err := store.Search(ctx, v1[0], 5, &Filter{DocID: "b.pdf"})
		require.NoError(t, err)
		require.Len(t, hits, 2)
		for _, h := range hits {
			assert.Equal(t, "b.pdf", h.DocID)
		}
	})

	t.Run("identical content is not deduplicated", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		vectors, payloads := testBatch("doc.pdf", dim, 1, 0)
		_, err := store.Upsert(ctx, vectors, payloads)
		require.NoError(t, err)
		_, err = store.Upsert(ctx, vectors, []Payload{{ID: "doc.pdf:0:again", DocID: "doc.pdf", Text: payloads[0].Text}})
		require.NoError(t, err)

		count, err := store.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, count)
	})
}
