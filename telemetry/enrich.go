package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// Direction tells an Enricher which side of an exchange it is seeing.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
	DirectionDatabase Direction = "database"
)

// Exchange describes one completed operation boundary: an inbound or
// outbound HTTP request/response pair, or a database call.
type Exchange struct {
	Direction  Direction
	Method     string
	Route      string
	StatusCode int
	// Operation carries the statement text for database exchanges.
	Operation string
}

// Enricher computes attributes for the span wrapping an exchange.
//
// The contract is fail-open: an error (or panic) inside an enricher is
// logged and the exchange proceeds without those attributes; it never
// aborts the underlying request or response. Enrichers only decorate —
// the span itself is created by the surrounding operation boundary.
type Enricher interface {
	Enrich(ex Exchange) ([]attribute.KeyValue, error)
}

// EnricherFunc adapts a function to the Enricher interface.
type EnricherFunc func(ex Exchange) ([]attribute.KeyValue, error)

func (f EnricherFunc) Enrich(ex Exchange) ([]attribute.KeyValue, error) {
	return f(ex)
}

// HTTPEnricher tags spans with the standard HTTP attributes for both
// inbound and outbound exchanges.
func HTTPEnricher() Enricher {
	return EnricherFunc(func(ex Exchange) ([]attribute.KeyValue, error) {
		attrs := []attribute.KeyValue{
			semconv.HTTPMethod(ex.Method),
			semconv.HTTPRoute(ex.Route),
		}
		if ex.StatusCode > 0 {
			attrs = append(attrs, semconv.HTTPStatusCode(ex.StatusCode))
		}
		return attrs, nil
	})
}

// DBEnricher tags spans from database exchanges with the operation text.
func DBEnricher(system attribute.KeyValue) Enricher {
	return EnricherFunc(func(ex Exchange) ([]attribute.KeyValue, error) {
		return []attribute.KeyValue{
			system,
			semconv.DBStatement(ex.Operation),
		}, nil
	})
}

// applyEnrichers runs each enricher against the exchange and attaches
// the resulting attributes to the active span. Honors the fail-open
// contract: every failure is contained and logged.
func applyEnrichers(ctx context.Context, logger *Logger, enrichers []Enricher, ex Exchange) {
	for _, enricher := range enrichers {
		attrs, err := safeEnrich(enricher, ex)
		if err != nil {
			if logger != nil {
				logger.Error("span enrichment failed", map[string]interface{}{
					"direction": string(ex.Direction),
					"route":     ex.Route,
					"error":     err.Error(),
				})
			}
			continue
		}
		SetSpanAttributes(ctx, attrs...)
	}
}

func safeEnrich(enricher Enricher, ex Exchange) (attrs []attribute.KeyValue, err error) {
	defer func() {
		if r := recover(); r != nil {
			attrs = nil
			err = fmt.Errorf("enricher panicked: %v", r)
		}
	}()
	return enricher.Enrich(ex)
}
