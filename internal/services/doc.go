// Package services wires the configured collaborators into a retrieval
// service.
//
// Build constructs the index store, embedding provider, extractor,
// optional generator, redactor and event publisher from a config.Config,
// and returns a Registry that owns them. Every binary goes through Build so
// that the CLI, daemon, MCP server and watcher see the same index.
package services
