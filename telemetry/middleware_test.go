package telemetry

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// setupTestTracing installs an in-memory exporter as the global tracer
// provider, the way a pipeline would, and restores the previous
// globals on cleanup.
func setupTestTracing(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))

	prevProvider := otel.GetTracerProvider()
	prevPropagator := otel.GetTextMapPropagator()
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	t.Cleanup(func() {
		otel.SetTracerProvider(prevProvider)
		otel.SetTextMapPropagator(prevPropagator)
	})
	return exporter
}

func TestTracingMiddleware_ResponsePassesThrough(t *testing.T) {
	setupTestTracing(t)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("short and stout"))
	})
	traced := TracingMiddleware("test-service")(handler)

	rec := httptest.NewRecorder()
	traced.ServeHTTP(rec, httptest.NewRequest("GET", "/api/test", nil))

	if rec.Code != http.StatusTeapot {
		t.Errorf("expected status 418, got %d", rec.Code)
	}
	if rec.Body.String() != "short and stout" {
		t.Errorf("middleware altered the response body: %q", rec.Body.String())
	}
}

func TestTracingMiddleware_MalformedTraceparentStartsRootTrace(t *testing.T) {
	exporter := setupTestTracing(t)

	traced := TracingMiddleware("test-service")(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))

	req := httptest.NewRequest("GET", "/api/test", nil)
	req.Header.Set("traceparent", "garbage-not-a-traceparent")
	rec := httptest.NewRecorder()
	traced.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("malformed header must not fail the request, got %d", rec.Code)
	}
	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Parent.IsValid() {
		t.Error("malformed traceparent must start a new root trace")
	}
}

func TestTracingMiddleware_EnrichmentAttributes(t *testing.T) {
	exporter := setupTestTracing(t)

	traced := TracingMiddlewareWithConfig("test-service", &MiddlewareConfig{
		Logger: NewLogger("test"),
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	rec := httptest.NewRecorder()
	traced.ServeHTTP(rec, httptest.NewRequest("POST", "/api/orders", nil))

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}

	attrs := make(map[attribute.Key]attribute.Value)
	for _, kv := range spans[0].Attributes {
		attrs[kv.Key] = kv.Value
	}
	if got := attrs["http.route"].AsString(); got != "/api/orders" {
		t.Errorf("expected http.route=/api/orders, got %q", got)
	}
	if got := attrs["http.status_code"].AsInt64(); got != http.StatusCreated {
		t.Errorf("expected http.status_code=201, got %d", got)
	}
}

func TestTracingMiddleware_FailingEnricherDoesNotAbortRequest(t *testing.T) {
	setupTestTracing(t)

	logger := NewLogger("test")
	logger.SetOutput(io.Discard)

	boom := EnricherFunc(func(ex Exchange) ([]attribute.KeyValue, error) {
		panic("attribute computation exploded")
	})
	traced := TracingMiddlewareWithConfig("test-service", &MiddlewareConfig{
		Enrichers: []Enricher{boom, HTTPEnricher()},
		Logger:    logger,
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))

	rec := httptest.NewRecorder()
	traced.ServeHTTP(rec, httptest.NewRequest("GET", "/api/test", nil))

	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Errorf("enricher failure leaked into the response: %d %q", rec.Code, rec.Body.String())
	}
}

func TestPropagation_ChildSpanLinksToParent(t *testing.T) {
	exporter := setupTestTracing(t)

	// Callee: a second service wrapped in the tracing middleware.
	callee := httptest.NewServer(TracingMiddleware("callee")(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("pong")) })))
	defer callee.Close()

	client := NewTracedHTTPClient(nil, NewLogger("test"))

	// Caller: one traced operation issuing the outbound call.
	tracer := otel.Tracer("caller")
	ctx, parent := tracer.Start(context.Background(), "value-trade")
	req, _ := http.NewRequestWithContext(ctx, "GET", callee.URL+"/price/AAPL", nil)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("outbound call failed: %v", err)
	}
	resp.Body.Close()
	parent.End()

	spans := exporter.GetSpans()
	// Expect: server span (callee), client span, and the caller's local span.
	if len(spans) != 3 {
		t.Fatalf("expected 3 spans, got %d", len(spans))
	}

	var serverSpan, clientSpan, localSpan *tracetest.SpanStub
	for i := range spans {
		switch spans[i].Name {
		case "value-trade":
			localSpan = &spans[i]
		default:
			if spans[i].Parent.IsValid() && spans[i].Parent.IsRemote() {
				serverSpan = &spans[i]
			} else {
				clientSpan = &spans[i]
			}
		}
	}
	if serverSpan == nil || clientSpan == nil || localSpan == nil {
		t.Fatal("missing expected spans")
	}

	traceID := localSpan.SpanContext.TraceID()
	if clientSpan.SpanContext.TraceID() != traceID || serverSpan.SpanContext.TraceID() != traceID {
		t.Error("all spans in the hop must share one trace id")
	}
	if serverSpan.Parent.SpanID() != clientSpan.SpanContext.SpanID() {
		t.Error("callee span's parent must be the caller's client span")
	}
	if clientSpan.Parent.SpanID() != localSpan.SpanContext.SpanID() {
		t.Error("client span's parent must be the caller's local span")
	}
	if serverSpan.EndTime.Sub(serverSpan.StartTime) > localSpan.EndTime.Sub(localSpan.StartTime) {
		t.Error("child duration must not exceed the parent's")
	}
}

func TestPayloadSizeMiddleware_CountsDeclaredBodies(t *testing.T) {
	reg, reader := newTestRegistry(nil)
	defer reg.Close()

	handlerCalls := 0
	sampled := PayloadSizeMiddleware(reg, nil)(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			handlerCalls++
			w.WriteHeader(http.StatusOK)
		}))

	const n = 5
	for i := 0; i < n; i++ {
		req := httptest.NewRequest("POST", "/trade", strings.NewReader(`{"symbol":"AAPL","quantity":10}`))
		sampled.ServeHTTP(httptest.NewRecorder(), req)
	}
	// Bodyless GETs must contribute zero samples.
	for i := 0; i < 3; i++ {
		sampled.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/trade", nil))
	}

	if handlerCalls != n+3 {
		t.Errorf("expected the next handler on every request, got %d calls", handlerCalls)
	}

	rm := collect(t, reader)
	m, ok := findMetric(rm, PayloadSizeInstrument)
	if !ok {
		t.Fatal("payload size histogram missing")
	}
	hist := m.Data.(metricdata.Histogram[float64])
	if len(hist.DataPoints) != 1 {
		t.Fatalf("expected a single (method, route) tag set, got %d", len(hist.DataPoints))
	}
	dp := hist.DataPoints[0]
	if dp.Count != n {
		t.Errorf("expected %d samples, got %d", n, dp.Count)
	}
	if v, _ := dp.Attributes.Value("method"); v.AsString() != "POST" {
		t.Errorf("expected method=POST tag, got %q", v.AsString())
	}
	if v, _ := dp.Attributes.Value("route"); v.AsString() != "/trade" {
		t.Errorf("expected route=/trade tag, got %q", v.AsString())
	}
}

func TestPayloadSizeMiddleware_DoesNotConsumeBody(t *testing.T) {
	reg, _ := newTestRegistry(nil)
	defer reg.Close()

	var body string
	sampled := PayloadSizeMiddleware(reg, nil)(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			data, err := io.ReadAll(r.Body)
			if err != nil {
				t.Errorf("downstream body read failed: %v", err)
			}
			body = string(data)
		}))

	req := httptest.NewRequest("POST", "/trade", strings.NewReader("payload-bytes"))
	sampled.ServeHTTP(httptest.NewRecorder(), req)

	if body != "payload-bytes" {
		t.Errorf("downstream handler saw %q", body)
	}
}

func TestPayloadSizeMiddleware_RegistrationConflictFailsOpen(t *testing.T) {
	reg, _ := newTestRegistry(nil)
	defer reg.Close()

	// Occupy the instrument name with a conflicting kind.
	if _, err := reg.GetOrCreate("tradewatch.http", PayloadSizeInstrument, KindCounter, "1", ""); err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	logger := NewLogger("test")
	logger.SetOutput(io.Discard)

	called := false
	sampled := PayloadSizeMiddleware(reg, &PayloadSizeConfig{Logger: logger})(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) { called = true }))

	sampled.ServeHTTP(httptest.NewRecorder(),
		httptest.NewRequest("POST", "/trade", strings.NewReader("x")))
	if !called {
		t.Error("sampler must delegate even when its instrument is unavailable")
	}
}

func TestTraceContextOf(t *testing.T) {
	setupTestTracing(t)

	if tc := TraceContextOf(context.Background()); tc.TraceID != "" {
		t.Errorf("expected empty trace context, got %+v", tc)
	}

	ctx, span := otel.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	tc := TraceContextOf(ctx)
	if tc.TraceID != span.SpanContext().TraceID().String() {
		t.Errorf("trace id mismatch: %s", tc.TraceID)
	}
	if tc.SpanID != span.SpanContext().SpanID().String() {
		t.Errorf("span id mismatch: %s", tc.SpanID)
	}
	if !tc.Sampled {
		t.Error("expected sampled trace context")
	}
}

func TestRecordSpanError_NilSafe(t *testing.T) {
	var missing context.Context
	RecordSpanError(missing, errors.New("boom"))
	RecordSpanError(context.Background(), nil)
}
