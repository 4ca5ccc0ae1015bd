// Package logging provides structured logging with OpenTelemetry integration.
//
// Logger wraps Zap with context-aware methods that add trace_id, span_id
// and request.id from the context. Output goes to stderr, to an OpenTelemetry
// log provider through the otelzap bridge, or both. Stdout is left to command
// output and the MCP stdio transport.
//
// Components that take a plain *zap.Logger (vectorstore, retrieval) get it
// from Underlying.
//
//	logger, err := logging.NewLogger(logging.NewDefaultConfig(), nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//	logger.Info(ctx, "ingest completed", zap.Int("chunks", n))
package logging
