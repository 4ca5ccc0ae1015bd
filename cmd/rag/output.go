package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/fyrsmithlabs/pdfrag/internal/retrieval"
	"github.com/fyrsmithlabs/pdfrag/internal/vectorstore"
)

const snippetLimit = 220

var (
	headingColor = color.New(color.FgCyan, color.Bold)
	infoColor    = color.New(color.FgGreen)
	warnColor    = color.New(color.FgYellow)
	errorColor   = color.New(color.FgRed)
)

// snippet flattens text onto one line and cuts it at snippetLimit runes.
func snippet(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) > snippetLimit {
		return string(runes[:snippetLimit]) + " ..."
	}
	return text
}

func printAnswer(w io.Writer, text string, degraded bool) {
	_, _ = headingColor.Fprintln(w, "\n=== ANSWER ===")
	switch {
	case degraded:
		_, _ = errorColor.Fprintln(w, text)
	case text == "":
		fmt.Fprintln(w, "[Empty answer]")
	default:
		fmt.Fprintln(w, text)
	}
}

func printSources(w io.Writer, hits []vectorstore.Hit, showSnippets bool) {
	_, _ = headingColor.Fprintln(w, "\n=== SOURCES ===")
	for i, h := range hits {
		fmt.Fprintf(w, "[%d] Document: %s, Chunk: %d\n", i+1, h.DocID, h.ChunkIndex)
		if showSnippets {
			fmt.Fprintf(w, "     ⤷ %s\n", snippet(h.Text))
		}
	}
}

func printIngestResult(w io.Writer, res *retrieval.IngestResult) {
	if len(res.Documents) == 0 && len(res.Failures) == 0 {
		_, _ = warnColor.Fprintln(w, "[INFO] No PDFs found.")
		return
	}
	_, _ = infoColor.Fprintf(w, "[INFO] Ingested %d chunks from %d files\n", res.Chunks, len(res.Documents))
	for _, d := range res.Documents {
		fmt.Fprintf(w, "  %s: %d chunks\n", d.DocID, d.Chunks)
	}
	if res.Redacted > 0 {
		_, _ = warnColor.Fprintf(w, "[INFO] Redacted %d secrets\n", res.Redacted)
	}
	for _, f := range res.Failures {
		_, _ = errorColor.Fprintf(w, "[WARN] %s: %v\n", f.Path, f.Err)
	}
}
