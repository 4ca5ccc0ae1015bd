package embeddings

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/pdfrag/internal/embeddings"

// Metrics records embedding calls. A nil *Metrics records nothing.
type Metrics struct {
	duration metric.Float64Histogram
	texts    metric.Int64Histogram
	vectors  metric.Int64Counter
	errors   metric.Int64Counter
}

// NewMetrics creates instruments on meter, or on the global provider when
// meter is nil. Instruments that fail to register are skipped.
func NewMetrics(meter metric.Meter, logger *zap.Logger) *Metrics {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var (
		m    Metrics
		errs []error
		err  error
	)
	m.duration, err = meter.Float64Histogram("pdfrag.embedding.duration_seconds",
		metric.WithDescription("Embedding call latency by model and operation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	errs = append(errs, err)
	m.texts, err = meter.Int64Histogram("pdfrag.embedding.batch_size",
		metric.WithDescription("Texts per embedding call."),
		metric.WithUnit("{text}"),
		metric.WithExplicitBucketBoundaries(1, 4, 8, 16, 32, 64, 128, 256),
	)
	errs = append(errs, err)
	m.vectors, err = meter.Int64Counter("pdfrag.embedding.vectors_total",
		metric.WithDescription("Vectors returned by the embedding backend."),
		metric.WithUnit("{vector}"),
	)
	errs = append(errs, err)
	m.errors, err = meter.Int64Counter("pdfrag.embedding.errors_total",
		metric.WithDescription("Failed embedding calls by model, operation and kind."),
		metric.WithUnit("{error}"),
	)
	errs = append(errs, err)
	if err := errors.Join(errs...); err != nil {
		logger.Warn("failed to register embedding metrics", zap.Error(err))
	}
	return &m
}

// call describes one EmbedDocuments or EmbedQuery invocation.
type call struct {
	model     string
	operation string
	texts     int
	vectors   int
	elapsed   time.Duration
	err       error
}

func (m *Metrics) record(ctx context.Context, c call) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("model", c.model),
		attribute.String("operation", c.operation),
	)
	if m.duration != nil {
		m.duration.Record(ctx, c.elapsed.Seconds(), attrs)
	}
	if m.texts != nil && c.texts > 0 {
		m.texts.Record(ctx, int64(c.texts), attrs)
	}
	if c.err != nil {
		if m.errors != nil {
			m.errors.Add(ctx, 1, metric.WithAttributes(
				attribute.String("model", c.model),
				attribute.String("operation", c.operation),
				attribute.String("kind", errorKind(c.err)),
			))
		}
		return
	}
	if m.vectors != nil {
		m.vectors.Add(ctx, int64(c.vectors), attrs)
	}
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrEmptyInput):
		return "empty_input"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	case errors.Is(err, ErrEmbeddingFailed):
		return "invalid_output"
	default:
		return "backend"
	}
}
