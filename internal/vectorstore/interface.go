package vectorstore

import (
	"context"
	"errors"
)

// Sentinel errors for vector store operations.
var (
	// ErrDimensionMismatch is returned when a vector length differs from the
	// collection dimension.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")

	// ErrLengthMismatch indicates vectors and payloads of different lengths.
	ErrLengthMismatch = errors.New("vectors and payloads length mismatch")

	// ErrEmptyVector indicates a zero-length vector.
	ErrEmptyVector = errors.New("empty vector")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrUnsupportedProvider is returned by NewStore for unknown providers.
	ErrUnsupportedProvider = errors.New("unsupported vectorstore provider")

	// ErrNoIndex reports that no usable snapshot exists on disk.
	ErrNoIndex = errors.New("no index present")

	// ErrConnectionFailed indicates gRPC connection issues.
	ErrConnectionFailed = errors.New("failed to connect to Qdrant")

	// ErrInvalidCollectionName indicates collection name validation failure.
	ErrInvalidCollectionName = errors.New("invalid collection name")
)

// Store is the contract every index backend implements.
//
// Backends are safe for concurrent use. Writers (Upsert, Clear) are
// serialized against each other; readers (Search, Count) always observe a
// complete snapshot, never a partially written one.
type Store interface {
	// Upsert persists vectors with their payloads and returns the number of
	// points inserted.
	//
	// len(vectors) must equal len(payloads) and every vector must match the
	// collection dimension. On any error the collection is unchanged.
	// Upsert does not deduplicate: ingesting the same text twice stores two
	// points.
	Upsert(ctx context.Context, vectors [][]float32, payloads []Payload) (int, error)

	// Search returns up to k hits ordered by descending similarity. Ties keep
	// insertion order. k larger than the collection is clamped; an empty or
	// absent collection returns an empty slice and no error.
	Search(ctx context.Context, query []float32, k int, filter *Filter) ([]Hit, error)

	// Clear removes every point. Calling it on an empty collection is a no-op.
	Clear(ctx context.Context) error

	// Count returns the number of stored points.
	Count(ctx context.Context) (int, error)

	// Close releases backend resources.
	Close() error
}
