// Package mcp exposes the retrieval service as Model Context Protocol tools
// over stdio.
//
// Tools:
//
//	rag_retrieve  top-k chunks for a query
//	rag_answer    answer (or snippets) plus sources
//	rag_ingest    index PDFs by path, directory or glob
//	rag_clear     empty the index
//
// Tool results carry both a short text summary and structured output.
package mcp
