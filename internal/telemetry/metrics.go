package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the ingestion and query instruments. A nil *Metrics records nothing.
type Metrics struct {
	ChunksIngested   metric.Int64Counter
	BatchesFlushed   metric.Int64Counter
	DocumentsSkipped metric.Int64Counter
	QueryDuration    metric.Float64Histogram
	QueryErrors      metric.Int64Counter
}

// InitMetrics creates the instruments on the global meter provider.
func InitMetrics() (*Metrics, error) {
	return NewMetrics(otel.GetMeterProvider())
}

func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	meter := provider.Meter(instrumentationName)

	chunksIngested, err := meter.Int64Counter(
		"ingest.chunks.total",
		metric.WithDescription("Chunks embedded and upserted"),
	)
	if err != nil {
		return nil, err
	}

	batchesFlushed, err := meter.Int64Counter(
		"ingest.batches.total",
		metric.WithDescription("Upsert batches by outcome"),
	)
	if err != nil {
		return nil, err
	}

	documentsSkipped, err := meter.Int64Counter(
		"ingest.documents.skipped",
		metric.WithDescription("Documents skipped after a read or chunking failure"),
	)
	if err != nil {
		return nil, err
	}

	queryDuration, err := meter.Float64Histogram(
		"rag.ask.duration",
		metric.WithDescription("Ask duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	queryErrors, err := meter.Int64Counter(
		"rag.ask.errors",
		metric.WithDescription("Failed asks by stage"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		ChunksIngested:   chunksIngested,
		BatchesFlushed:   batchesFlushed,
		DocumentsSkipped: documentsSkipped,
		QueryDuration:    queryDuration,
		QueryErrors:      queryErrors,
	}, nil
}

func (m *Metrics) RecordBatch(ctx context.Context, size int, success bool) {
	if m == nil {
		return
	}
	m.BatchesFlushed.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", success)))
	if success {
		m.ChunksIngested.Add(ctx, int64(size))
	}
}

func (m *Metrics) RecordSkippedDocument(ctx context.Context, document string) {
	if m == nil {
		return
	}
	m.DocumentsSkipped.Add(ctx, 1, metric.WithAttributes(attribute.String("document", document)))
}

// RecordAsk records one ask. stage is empty on success, otherwise the failing step.
func (m *Metrics) RecordAsk(ctx context.Context, seconds float64, stage string) {
	if m == nil {
		return
	}
	m.QueryDuration.Record(ctx, seconds, metric.WithAttributes(attribute.Bool("success", stage == "")))
	if stage != "" {
		m.QueryErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
	}
}
