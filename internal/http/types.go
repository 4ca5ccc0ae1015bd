package http

import "github.com/fyrsmithlabs/pdfrag/internal/vectorstore"

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Backend string `json:"backend"`
	Chunks  int    `json:"chunks"`
	Error   string `json:"error,omitempty"`
}

// IngestResponse is the response body for POST /api/v1/ingest.
type IngestResponse struct {
	Message         string `json:"message"`
	ChunksProcessed int    `json:"chunks_processed"`
	DocumentID      string `json:"document_id"`
	Redacted        int    `json:"redacted,omitempty"`
}

// IngestTextRequest is the JSON form of POST /api/v1/ingest, for text that
// was extracted outside the server.
type IngestTextRequest struct {
	DocumentID string `json:"document_id"`
	Text       string `json:"text"`
}

// QueryRequest is the request body for POST /api/v1/query and
// POST /api/v1/retrieve. Generate is ignored by retrieve.
type QueryRequest struct {
	Query    string `json:"query"`
	K        *int   `json:"k,omitempty"`
	Generate *bool  `json:"generate,omitempty"`
}

// Source is one retrieved chunk as rendered to clients.
type Source struct {
	Document string  `json:"document"`
	Chunk    int     `json:"chunk"`
	ChunkID  string  `json:"chunk_id"`
	Text     string  `json:"text"`
	Score    float32 `json:"score"`
}

// QueryResponse is the response body for POST /api/v1/query.
type QueryResponse struct {
	Answer  string   `json:"answer"`
	Sources []Source `json:"sources"`
}

// RetrieveResponse is the response body for POST /api/v1/retrieve.
type RetrieveResponse struct {
	Results []Source `json:"results"`
}

// MessageResponse carries a human-readable confirmation.
type MessageResponse struct {
	Message string `json:"message"`
}

// ErrorResponse is returned for every failed request. Sources is set when
// retrieval succeeded but answer generation did not.
type ErrorResponse struct {
	Error   string   `json:"error"`
	Sources []Source `json:"sources,omitempty"`
}

func toSources(hits []vectorstore.Hit) []Source {
	out := make([]Source, len(hits))
	for i, h := range hits {
		out[i] = Source{
			Document: h.DocID,
			Chunk:    h.ChunkIndex,
			ChunkID:  h.ChunkID,
			Text:     h.Text,
			Score:    h.Score,
		}
	}
	return out
}
