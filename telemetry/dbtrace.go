package telemetry

import (
	"context"

	"github.com/jackc/pgx/v5"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// QueryTracer tags the active span with the statement text of each
// pgx query. It decorates only: the span comes from the surrounding
// operation boundary (an HTTP server span, usually), and a missing
// span makes every hook a no-op.
//
// Wire it into a pool config:
//
//	cfg, _ := pgxpool.ParseConfig(dsn)
//	cfg.ConnConfig.Tracer = &telemetry.QueryTracer{Logger: logger}
type QueryTracer struct {
	Logger *Logger

	// Enrichers override the default database enricher.
	Enrichers []Enricher
}

func (t *QueryTracer) enrichers() []Enricher {
	if t.Enrichers != nil {
		return t.Enrichers
	}
	return []Enricher{DBEnricher(semconv.DBSystemPostgreSQL)}
}

// TraceQueryStart implements pgx.QueryTracer.
func (t *QueryTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	applyEnrichers(ctx, t.Logger, t.enrichers(), Exchange{
		Direction: DirectionDatabase,
		Operation: data.SQL,
	})
	return ctx
}

// TraceQueryEnd implements pgx.QueryTracer.
func (t *QueryTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	if data.Err != nil {
		RecordSpanError(ctx, data.Err)
	}
}
