package retrieval

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/pdfrag/internal/chunker"
	"github.com/fyrsmithlabs/pdfrag/internal/events"
	"github.com/fyrsmithlabs/pdfrag/internal/ignore"
	"github.com/fyrsmithlabs/pdfrag/internal/vectorstore"
)

// IngestResult summarizes one ingest call.
type IngestResult struct {
	// Chunks is the number of chunks written to the index.
	Chunks    int
	Documents []DocumentResult
	Failures  []Failure
	// Redacted counts secrets replaced in chunk text.
	Redacted int
}

// DocumentResult describes one successfully extracted document.
type DocumentResult struct {
	Path   string
	DocID  string
	Chunks int
}

// Failure records a file that could not be extracted.
type Failure struct {
	Path string
	Err  error
}

// ResolveSources expands file paths, glob patterns and directories into a
// sorted, de-duplicated list of PDF paths. Directories contribute the PDFs directly
// inside them, minus those their .ragignore excludes. Non-PDF matches are
// dropped; the extension check ignores case.
func ResolveSources(patterns []string) ([]string, error) {
	seen := make(map[string]struct{})
	var paths []string
	add := func(p string) {
		if !isPDF(p) {
			return
		}
		p = filepath.Clean(p)
		if _, ok := seen[p]; ok {
			return
		}
		seen[p] = struct{}{}
		paths = append(paths, p)
	}

	for _, pattern := range patterns {
		info, statErr := os.Stat(pattern)
		if statErr == nil && info.Mode().IsRegular() {
			// An existing file is taken literally; its name may contain
			// glob metacharacters such as "report[1].pdf".
			add(pattern)
			continue
		}
		if statErr == nil && info.IsDir() {
			entries, err := os.ReadDir(pattern)
			if err != nil {
				return nil, fmt.Errorf("reading directory %s: %w", pattern, err)
			}
			skip, err := ignore.Load(pattern)
			if err != nil {
				return nil, fmt.Errorf("reading directory %s: %w", pattern, err)
			}
			for _, e := range entries {
				if e.Type().IsRegular() && !skip.Match(e.Name()) {
					add(filepath.Join(pattern, e.Name()))
				}
			}
			continue
		}

		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
		}
		for _, m := range matches {
			if info, err := os.Stat(m); err == nil && !info.IsDir() {
				add(m)
			}
		}
	}

	slices.Sort(paths)
	return paths, nil
}

func isPDF(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".pdf")
}

type document struct {
	path   string
	docID  string
	chunks []string
}

// Ingest extracts, chunks, embeds and stores every PDF matched by patterns.
//
// A file that fails extraction is recorded in Failures and the rest of the
// batch continues. Finding no PDFs, or no text in them, is a normal result
// with zero chunks. Embedding or store failures abort the whole batch and
// leave the index unchanged.
func (s *Service) Ingest(ctx context.Context, patterns []string) (*IngestResult, error) {
	ctx, span := tracer.Start(ctx, "retrieval.Ingest")
	defer span.End()

	paths, err := ResolveSources(patterns)
	if err != nil {
		return nil, err
	}
	result := &IngestResult{}
	if len(paths) == 0 {
		s.logger.Warn("no PDFs found", zap.Strings("patterns", patterns))
		return result, nil
	}
	span.SetAttributes(attribute.Int("files", len(paths)))

	var docs []document
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		text, err := s.extractor.Extract(ctx, path)
		if err != nil {
			s.logger.Warn("failed to extract PDF", zap.String("path", path), zap.Error(err))
			result.Failures = append(result.Failures, Failure{Path: path, Err: err})
			continue
		}
		docs = append(docs, document{
			path:   path,
			docID:  docIDFor(path),
			chunks: chunker.Chunk(text, s.cfg.MaxWords),
		})
	}

	if err := s.index(ctx, docs, result); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "ingest failed")
		return nil, err
	}
	span.SetAttributes(attribute.Int("chunks", result.Chunks))
	return result, nil
}

// IngestText indexes text that was already extracted, under docID.
func (s *Service) IngestText(ctx context.Context, docID, text string) (*IngestResult, error) {
	if strings.TrimSpace(docID) == "" {
		return nil, ErrEmptyDocID
	}
	result := &IngestResult{}
	docs := []document{{path: docID, docID: docID, chunks: chunker.Chunk(text, s.cfg.MaxWords)}}
	if err := s.index(ctx, docs, result); err != nil {
		return nil, err
	}
	return result, nil
}

// index embeds the chunks of docs in one pass and upserts them together.
func (s *Service) index(ctx context.Context, docs []document, result *IngestResult) error {
	var (
		texts    []string
		payloads []vectorstore.Payload
	)
	for _, d := range docs {
		for i, text := range d.chunks {
			texts = append(texts, text)
			payloads = append(payloads, vectorstore.Payload{
				ID:         chunker.ID(d.docID, i),
				DocID:      d.docID,
				ChunkIndex: i,
			})
		}
		result.Documents = append(result.Documents, DocumentResult{Path: d.path, DocID: d.docID, Chunks: len(d.chunks)})
	}

	if len(texts) == 0 {
		s.logger.Warn("no text chunks extracted", zap.Int("documents", len(docs)))
		return nil
	}

	texts, redacted, err := s.redactor.RedactAll(texts)
	if err != nil {
		return fmt.Errorf("redacting chunks: %w", err)
	}
	if redacted > 0 {
		s.logger.Info("redacted secrets from chunks", zap.Int("count", redacted))
	}
	for i := range payloads {
		payloads[i].Text = texts[i]
	}

	vectors, err := s.embed(ctx, texts)
	if err != nil {
		return err
	}

	n, err := s.store.Upsert(ctx, vectors, payloads)
	if err != nil {
		return fmt.Errorf("storing chunks: %w", err)
	}
	result.Chunks = n
	result.Redacted = redacted

	s.logger.Info("ingest completed",
		zap.Int("documents", len(docs)),
		zap.Int("chunks", n),
		zap.Int("failures", len(result.Failures)))

	docIDs := make([]string, len(result.Documents))
	for i, d := range result.Documents {
		docIDs[i] = d.DocID
	}
	s.publish(ctx, events.SubjectIngestCompleted, events.IngestCompleted{
		Chunks:    n,
		Documents: docIDs,
		Failures:  len(result.Failures),
		Timestamp: time.Now().UTC(),
	})
	return nil
}

func (s *Service) embed(ctx context.Context, texts []string) ([][]float32, error) {
	size := s.cfg.BatchSize
	if size <= 0 || size >= len(texts) {
		vectors, err := s.embedder.EmbedDocuments(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("embedding chunks: %w", err)
		}
		return vectors, nil
	}

	vectors := make([][]float32, 0, len(texts))
	for batch := range slices.Chunk(texts, size) {
		out, err := s.embedder.EmbedDocuments(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("embedding chunks %d-%d: %w", len(vectors), len(vectors)+len(batch), err)
		}
		vectors = append(vectors, out...)
	}
	return vectors, nil
}
