package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// SyncMetrics records spans and counters for sync activity. All methods
// are safe on a nil receiver, so callers that run without telemetry can
// simply pass nil.
type SyncMetrics struct {
	tracer trace.Tracer

	cycles   metric.Int64Counter
	cycleDur metric.Float64Histogram
	tables   metric.Int64Counter
	tableDur metric.Float64Histogram
	batches  metric.Int64Counter
	rows     metric.Int64Counter
	failures metric.Int64Counter
}

// NewSyncMetrics builds the instrument set on the global meter provider.
// Call after Init; with telemetry disabled the instruments are no-ops.
func NewSyncMetrics() (*SyncMetrics, error) {
	meter := Meter("")
	m := &SyncMetrics{tracer: Tracer("")}

	var err error
	if m.cycles, err = meter.Int64Counter("dbsync.cycles",
		metric.WithDescription("Completed sync cycles")); err != nil {
		return nil, err
	}
	if m.cycleDur, err = meter.Float64Histogram("dbsync.cycle.duration",
		metric.WithDescription("Sync cycle duration"),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if m.tables, err = meter.Int64Counter("dbsync.tables",
		metric.WithDescription("Table sync passes started")); err != nil {
		return nil, err
	}
	if m.tableDur, err = meter.Float64Histogram("dbsync.table.duration",
		metric.WithDescription("Single table sync duration"),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if m.batches, err = meter.Int64Counter("dbsync.batches",
		metric.WithDescription("Batches committed to the target")); err != nil {
		return nil, err
	}
	if m.rows, err = meter.Int64Counter("dbsync.rows",
		metric.WithDescription("Rows upserted into the target")); err != nil {
		return nil, err
	}
	if m.failures, err = meter.Int64Counter("dbsync.failures",
		metric.WithDescription("Table sync passes that ended in error")); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordCycle counts one finished cycle over the given number of branches.
func (m *SyncMetrics) RecordCycle(ctx context.Context, branches int, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.Int("dbsync.branches", branches))
	m.cycles.Add(ctx, 1, attrs)
	m.cycleDur.Record(ctx, float64(elapsed.Milliseconds()), attrs)
}

// RecordBatch counts one committed batch and the rows it carried.
func (m *SyncMetrics) RecordBatch(ctx context.Context, branch, table string, rowCount int) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("dbsync.branch", branch),
		attribute.String("dbsync.table", table),
	)
	m.batches.Add(ctx, 1, attrs)
	m.rows.Add(ctx, int64(rowCount), attrs)
}

// TableSync opens a span covering one (branch, table) pass and returns a
// finish func the caller invokes with the terminal status and error.
func (m *SyncMetrics) TableSync(ctx context.Context, branch, table string) (context.Context, func(status string, rowCount int, err error)) {
	if m == nil {
		return ctx, func(string, int, error) {}
	}
	attrs := []attribute.KeyValue{
		attribute.String("dbsync.branch", branch),
		attribute.String("dbsync.table", table),
	}
	ctx, span := m.tracer.Start(ctx, "dbsync.table",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
	m.tables.Add(ctx, 1, metric.WithAttributes(attrs...))
	start := time.Now()

	return ctx, func(status string, rowCount int, err error) {
		done := append(attrs, attribute.String("dbsync.status", status))
		m.tableDur.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(done...))
		if err != nil {
			m.failures.Add(ctx, 1, metric.WithAttributes(done...))
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(
			attribute.Int("dbsync.rows", rowCount),
			attribute.String("dbsync.status", status),
		)
		span.End()
	}
}
