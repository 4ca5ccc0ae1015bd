package vectorstore

import (
	"fmt"
)

// Payload is the metadata stored with each vector.
type Payload struct {
	// ID is the chunk identifier, formatted doc_id:index:suffix.
	ID string `json:"id"`

	// DocID identifies the source document (its file basename).
	DocID string `json:"doc_id"`

	// ChunkIndex is the zero-based position of the chunk in its document.
	ChunkIndex int `json:"chunk_index"`

	// Text is the raw chunk text.
	Text string `json:"text"`
}

// Hit is a single search result.
type Hit struct {
	ChunkID    string  `json:"chunk_id"`
	DocID      string  `json:"doc_id"`
	ChunkIndex int     `json:"chunk_index"`
	Text       string  `json:"text"`
	Score      float32 `json:"score"`    // cosine similarity, 1.0 is identical
	Distance   float32 `json:"distance"` // 1 - Score
}

// Filter narrows a search. A nil Filter or a zero value matches everything.
type Filter struct {
	DocID string `json:"doc_id,omitempty"`
}

// IsEmpty reports whether the filter matches every point.
func (f *Filter) IsEmpty() bool {
	return f == nil || f.DocID == ""
}

// Matches reports whether p passes the filter.
func (f *Filter) Matches(p Payload) bool {
	if f.IsEmpty() {
		return true
	}
	return p.DocID == f.DocID
}

func newHit(p Payload, score float32) Hit {
	return Hit{
		ChunkID:    p.ID,
		DocID:      p.DocID,
		ChunkIndex: p.ChunkIndex,
		Text:       p.Text,
		Score:      score,
		Distance:   1 - score,
	}
}

// BackendError is returned when a remote backend fails. Status carries the
// HTTP status code (0 for transport errors) so callers can decide to retry.
type BackendError struct {
	Backend string
	Op      string
	Status  int
	Message string
	Err     error
}

func (e *BackendError) Error() string {
	switch {
	case e.Status != 0 && e.Message != "":
		return fmt.Sprintf("%s %s: status %d: %s", e.Backend, e.Op, e.Status, e.Message)
	case e.Status != 0:
		return fmt.Sprintf("%s %s: status %d", e.Backend, e.Op, e.Status)
	case e.Err != nil:
		return fmt.Sprintf("%s %s: %v", e.Backend, e.Op, e.Err)
	default:
		return fmt.Sprintf("%s %s failed", e.Backend, e.Op)
	}
}

func (e *BackendError) Unwrap() error { return e.Err }

// Retryable reports whether the failure is likely transient.
func (e *BackendError) Retryable() bool {
	if e.Status == 0 {
		return e.Err != nil
	}
	return e.Status == 408 || e.Status == 429 || e.Status >= 500
}

// checkBatch validates an upsert batch against dim. A dim of zero means the
// collection has no dimension yet; the first vector sets it. It returns the
// effective dimension.
func checkBatch(vectors [][]float32, payloads []Payload, dim int) (int, error) {
	if len(vectors) != len(payloads) {
		return 0, fmt.Errorf("%w: %d vectors, %d payloads", ErrLengthMismatch, len(vectors), len(payloads))
	}
	for i, v := range vectors {
		if len(v) == 0 {
			return 0, fmt.Errorf("vector %d: %w", i, ErrEmptyVector)
		}
		if dim == 0 {
			dim = len(v)
		}
		if len(v) != dim {
			return 0, fmt.Errorf("%w: vector %d has %d dimensions, collection has %d", ErrDimensionMismatch, i, len(v), dim)
		}
	}
	return dim, nil
}
