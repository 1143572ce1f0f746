package telemetry

import (
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// MiddlewareConfig configures the tracing middleware.
type MiddlewareConfig struct {
	// ExcludedPaths lists URL paths to exclude from tracing, typically
	// health and scrape endpoints.
	ExcludedPaths []string

	// SpanNameFormatter customizes span names. Defaults to
	// "HTTP {method} {path}".
	SpanNameFormatter func(operation string, r *http.Request) string

	// Enrichers decorate the server span after the handler completes.
	// Defaults to HTTPEnricher.
	Enrichers []Enricher

	// Logger receives enrichment failures. Optional.
	Logger *Logger

	// RouteResolver maps a request to a low-cardinality route label
	// for enrichment. Defaults to the URL path.
	RouteResolver func(r *http.Request) string
}

// TracingMiddleware wraps an HTTP handler so each request runs inside
// a server span.
//
// The W3C traceparent header is extracted from the incoming request
// and used as the parent context; when it is absent or malformed a new
// root trace starts — never an error. The span is closed when the
// handler returns and enrichers then tag it with method, route and
// status code.
//
// Safe to use before a pipeline exists: without a configured tracer
// provider it degrades to a no-op tracer.
func TracingMiddleware(serviceName string) func(http.Handler) http.Handler {
	return TracingMiddlewareWithConfig(serviceName, nil)
}

// TracingMiddlewareWithConfig is TracingMiddleware with custom options.
func TracingMiddlewareWithConfig(serviceName string, config *MiddlewareConfig) func(http.Handler) http.Handler {
	if config == nil {
		config = &MiddlewareConfig{}
	}
	if config.SpanNameFormatter == nil {
		config.SpanNameFormatter = func(operation string, r *http.Request) string {
			return "HTTP " + r.Method + " " + r.URL.Path
		}
	}
	if config.Enrichers == nil {
		config.Enrichers = []Enricher{HTTPEnricher()}
	}
	resolveRoute := config.RouteResolver
	if resolveRoute == nil {
		resolveRoute = func(r *http.Request) string { return r.URL.Path }
	}

	opts := []otelhttp.Option{
		otelhttp.WithSpanNameFormatter(config.SpanNameFormatter),
	}
	if len(config.ExcludedPaths) > 0 {
		excluded := make(map[string]bool, len(config.ExcludedPaths))
		for _, path := range config.ExcludedPaths {
			excluded[path] = true
		}
		opts = append(opts, otelhttp.WithFilter(func(r *http.Request) bool {
			return !excluded[r.URL.Path]
		}))
	}

	return func(next http.Handler) http.Handler {
		enriched := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			applyEnrichers(r.Context(), config.Logger, config.Enrichers, Exchange{
				Direction:  DirectionInbound,
				Method:     r.Method,
				Route:      resolveRoute(r),
				StatusCode: rec.status,
			})
		})
		return otelhttp.NewHandler(enriched, serviceName, opts...)
	}
}

// statusRecorder captures the status code written by the downstream
// handler without altering the response.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// NewTracedHTTPClient creates an HTTP client that injects the W3C
// traceparent header on every outbound request, creates a client span
// for the call, and tags it via the given enrichers after the response
// arrives. The child span on the callee links to this span through the
// propagated identifiers; no coordination beyond the header exists
// between the two processes.
//
// Pass nil for baseTransport to use http.DefaultTransport. The client
// is safe for concurrent use and should be reused.
func NewTracedHTTPClient(baseTransport http.RoundTripper, logger *Logger, enrichers ...Enricher) *http.Client {
	if baseTransport == nil {
		baseTransport = http.DefaultTransport
	}
	if enrichers == nil {
		enrichers = []Enricher{HTTPEnricher()}
	}
	return &http.Client{
		Transport: otelhttp.NewTransport(&enrichTransport{
			base:      baseTransport,
			logger:    logger,
			enrichers: enrichers,
		}),
	}
}

// enrichTransport sits under the otelhttp transport, so the request
// context already carries the client span when RoundTrip runs.
type enrichTransport struct {
	base      http.RoundTripper
	logger    *Logger
	enrichers []Enricher
}

func (t *enrichTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)

	ex := Exchange{
		Direction: DirectionOutbound,
		Method:    req.Method,
		Route:     req.URL.Path,
	}
	if resp != nil {
		ex.StatusCode = resp.StatusCode
	}
	applyEnrichers(req.Context(), t.logger, t.enrichers, ex)

	return resp, err
}

// PayloadSizeConfig configures PayloadSizeMiddleware.
type PayloadSizeConfig struct {
	// MeterName scopes the histogram instrument. Defaults to
	// "tradewatch.http".
	MeterName string

	// RouteResolver maps a request to its route tag. Defaults to the
	// URL path; supply a pattern-based resolver to keep cardinality
	// down when paths embed identifiers.
	RouteResolver func(r *http.Request) string

	// Logger receives recording failures. Optional.
	Logger *Logger
}

// PayloadSizeInstrument is the histogram fed by PayloadSizeMiddleware.
const PayloadSizeInstrument = "http.server.request.body.size"

// PayloadSizeMiddleware samples the declared request body size into a
// histogram tagged {method, route}. Positioned first in the inbound
// chain.
//
// Only the declared Content-Length is read — the body is never
// buffered or consumed, preserving streaming for downstream handlers.
// Requests without a positive declared length (a bodyless GET, chunked
// uploads) record nothing. The next handler always runs and the
// response is never altered, whether or not recording succeeded.
func PayloadSizeMiddleware(registry *Registry, config *PayloadSizeConfig) func(http.Handler) http.Handler {
	if config == nil {
		config = &PayloadSizeConfig{}
	}
	meterName := config.MeterName
	if meterName == "" {
		meterName = "tradewatch.http"
	}
	resolveRoute := config.RouteResolver
	if resolveRoute == nil {
		resolveRoute = func(r *http.Request) string { return r.URL.Path }
	}

	instrument, err := registry.GetOrCreate(meterName, PayloadSizeInstrument,
		KindHistogram, "By", "Declared size of inbound request bodies")
	if err != nil {
		if config.Logger != nil {
			config.Logger.Error("payload size sampler disabled", map[string]interface{}{
				"instrument": PayloadSizeInstrument,
				"error":      err.Error(),
			})
		}
		return func(next http.Handler) http.Handler { return next }
	}

	errLimiter := NewRateLimiter(10 * time.Second)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > 0 {
				err := registry.Record(r.Context(), instrument, float64(r.ContentLength),
					"method", r.Method,
					"route", resolveRoute(r),
				)
				if err != nil && config.Logger != nil && errLimiter.Allow() {
					config.Logger.Error("payload size sample dropped", map[string]interface{}{
						"error": err.Error(),
					})
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
