package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/pdfrag/internal/retrieval"
	"github.com/fyrsmithlabs/pdfrag/internal/sanitize"
	"github.com/fyrsmithlabs/pdfrag/internal/vectorstore"
)

// maxK bounds the k argument of the query tools.
const maxK = 50

var errInvalidArgument = errors.New("invalid argument")

func (s *Server) registerTools() {
	s.registerQueryTools()
	s.registerIndexTools()
}

// resolveK applies the default and bounds to a tool's k argument.
func resolveK(k int) (int, error) {
	switch {
	case k == 0:
		return retrieval.DefaultK, nil
	case k < 0 || k > maxK:
		return 0, fmt.Errorf("%w: k must be between 1 and %d", errInvalidArgument, maxK)
	default:
		return k, nil
	}
}

type source struct {
	Document string  `json:"document" jsonschema:"Source document id (file basename)"`
	Chunk    int     `json:"chunk" jsonschema:"Zero-based chunk index within the document"`
	ChunkID  string  `json:"chunk_id" jsonschema:"Chunk identifier"`
	Text     string  `json:"text" jsonschema:"Chunk text"`
	Score    float32 `json:"score" jsonschema:"Cosine similarity, higher is closer"`
}

func toSources(hits []vectorstore.Hit) []source {
	out := make([]source, len(hits))
	for i, h := range hits {
		out[i] = source{Document: h.DocID, Chunk: h.ChunkIndex, ChunkID: h.ChunkID, Text: h.Text, Score: h.Score}
	}
	return out
}

// ===== QUERY TOOLS =====

type retrieveInput struct {
	Query string `json:"query" jsonschema:"Natural language query"`
	K     int    `json:"k,omitempty" jsonschema:"Number of chunks to return (default 4, max 50)"`
}

type retrieveOutput struct {
	Results []source `json:"results" jsonschema:"Chunks ordered by descending score"`
	Count   int      `json:"count" jsonschema:"Number of results"`
}

type answerInput struct {
	Query    string `json:"query" jsonschema:"Question to answer from the indexed PDFs"`
	K        int    `json:"k,omitempty" jsonschema:"Number of chunks to ground the answer on (default 4, max 50)"`
	Generate *bool  `json:"generate,omitempty" jsonschema:"Synthesize an answer with the configured model (default true); false returns raw snippets"`
}

type answerOutput struct {
	Answer   string   `json:"answer" jsonschema:"Generated answer or joined snippets"`
	Sources  []source `json:"sources" jsonschema:"Chunks the answer was grounded on"`
	Degraded bool     `json:"degraded" jsonschema:"True when generation failed and answer carries the error"`
}

func (s *Server) registerQueryTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "rag_retrieve",
		Description: "Return the chunks of indexed PDFs most similar to a query",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, args retrieveInput) (res *mcp.CallToolResult, out retrieveOutput, err error) {
		done := s.metrics.track(ctx, "rag_retrieve")
		defer func() { done(err) }()

		k, err := resolveK(args.K)
		if err != nil {
			return nil, retrieveOutput{}, err
		}
		hits, err := s.service.Retrieve(ctx, args.Query, k)
		if err != nil {
			return nil, retrieveOutput{}, fmt.Errorf("retrieve failed: %w", err)
		}

		out = retrieveOutput{Results: toSources(hits), Count: len(hits)}
		var b strings.Builder
		fmt.Fprintf(&b, "Found %d chunks", len(hits))
		for i, h := range hits {
			fmt.Fprintf(&b, "\n[%d] %s#%d (%.3f)", i+1, h.DocID, h.ChunkIndex, h.Score)
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: b.String()}},
		}, out, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "rag_answer",
		Description: "Answer a question from the indexed PDFs and cite the chunks used",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, args answerInput) (res *mcp.CallToolResult, out answerOutput, err error) {
		done := s.metrics.track(ctx, "rag_answer")
		defer func() { done(err) }()

		k, err := resolveK(args.K)
		if err != nil {
			return nil, answerOutput{}, err
		}
		generate := args.Generate == nil || *args.Generate

		answer, err := s.service.Answer(ctx, args.Query, k, generate)
		if err != nil {
			return nil, answerOutput{}, fmt.Errorf("answer failed: %w", err)
		}
		if answer.Degraded {
			s.logger.Warn("answer generation degraded", zap.String("answer", answer.Text))
		}

		out = answerOutput{Answer: answer.Text, Sources: toSources(answer.Hits), Degraded: answer.Degraded}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: answer.Text}},
			IsError: answer.Degraded,
		}, out, nil
	})
}

// ===== INDEX TOOLS =====

type ingestInput struct {
	Paths []string `json:"paths" jsonschema:"PDF files, directories or glob patterns to index"`
}

type ingestOutput struct {
	Chunks    int      `json:"chunks" jsonschema:"Number of chunks indexed"`
	Documents []string `json:"documents" jsonschema:"Document ids indexed"`
	Failures  []string `json:"failures,omitempty" jsonschema:"Files that could not be read, with the reason"`
	Redacted  int      `json:"redacted,omitempty" jsonschema:"Secrets redacted from chunk text"`
}

type clearInput struct{}

type clearOutput struct {
	Cleared bool `json:"cleared" jsonschema:"True when the index was emptied"`
}

func (s *Server) registerIndexTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "rag_ingest",
		Description: "Extract, chunk, embed and index PDFs from local paths",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, args ingestInput) (res *mcp.CallToolResult, out ingestOutput, err error) {
		done := s.metrics.track(ctx, "rag_ingest")
		defer func() { done(err) }()

		if len(args.Paths) == 0 {
			return nil, ingestOutput{}, fmt.Errorf("%w: paths is required", errInvalidArgument)
		}
		if err := sanitize.ValidateGlobPatterns(args.Paths); err != nil {
			return nil, ingestOutput{}, fmt.Errorf("%w: %v", errInvalidArgument, err)
		}
		result, err := s.service.Ingest(ctx, args.Paths)
		if err != nil {
			return nil, ingestOutput{}, fmt.Errorf("ingest failed: %w", err)
		}

		out = ingestOutput{Chunks: result.Chunks, Redacted: result.Redacted, Documents: []string{}}
		for _, d := range result.Documents {
			out.Documents = append(out.Documents, d.DocID)
		}
		for _, f := range result.Failures {
			out.Failures = append(out.Failures, fmt.Sprintf("%s: %v", f.Path, f.Err))
		}
		text := fmt.Sprintf("Ingested %d chunks from %d files", result.Chunks, len(result.Documents))
		if len(out.Failures) > 0 {
			text += fmt.Sprintf(" (%d failed)", len(out.Failures))
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: text}},
		}, out, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "rag_clear",
		Description: "Remove every chunk from the index",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, _ clearInput) (res *mcp.CallToolResult, out clearOutput, err error) {
		done := s.metrics.track(ctx, "rag_clear")
		defer func() { done(err) }()

		if err := s.service.Clear(ctx); err != nil {
			return nil, clearOutput{}, fmt.Errorf("clear failed: %w", err)
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: "index cleared"}},
		}, clearOutput{Cleared: true}, nil
	})
}
