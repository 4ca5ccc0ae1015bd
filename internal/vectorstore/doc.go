// Package vectorstore stores chunk embeddings and answers similarity queries.
//
// All backends implement the same Store contract:
//
//   - Upsert persists a batch of vectors with their payloads. The collection
//     dimension is fixed by configuration or by the first successful upsert;
//     a vector of any other length fails with ErrDimensionMismatch and leaves
//     the collection untouched.
//   - Search returns at most min(k, size) hits ordered by descending cosine
//     similarity. An empty or absent collection yields an empty result.
//   - Clear empties the collection. It is idempotent.
//
// # Backends
//
//   - local: exact brute-force search over an in-memory list backed by a
//     three-file snapshot (embeddings.f32, metas.json, chunks.json). The set is
//     replaced atomically by writing a new generation directory and swapping
//     the CURRENT pointer file. With an empty directory the store is memory only.
//   - remote: Qdrant over its REST API.
//   - qdrant: Qdrant over gRPC via github.com/qdrant/go-client.
//   - chromem: embedded chromem-go database.
//
// The local backend keeps no incremental index. Every search rescans every
// stored vector, which bounds it to small collections (tens of thousands of
// chunks).
//
// # Usage
//
//	store, err := vectorstore.NewStore(vectorstore.Config{
//	    Provider: vectorstore.ProviderLocal,
//	    Local:    vectorstore.LocalConfig{Dir: "data/index"},
//	}, logger)
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
//	n, err := store.Upsert(ctx, vectors, payloads)
//	hits, err := store.Search(ctx, query, 4, nil)
package vectorstore
