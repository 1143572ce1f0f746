// Package telemetry is the instrumentation core shared by the
// tradewatch services: it composes the trace, metric and log pipelines
// for a service identity, propagates trace context across HTTP hops,
// catalogs metric instruments, and samples inbound payload sizes.
//
// Wiring happens once in main():
//
//	cfg := telemetry.UseProfile(telemetry.ProfileProduction)
//	cfg.ServiceName = "price-service"
//	pipeline, err := telemetry.NewPipeline(cfg)
//	if err != nil { ... }
//	defer pipeline.Shutdown(context.Background())
//
//	registry := pipeline.NewRegistry()
//
//	handler := telemetry.TracingMiddleware("price-service")(
//	    telemetry.PayloadSizeMiddleware(registry, nil)(mux))
//
// Outbound calls propagate trace context through a traced client:
//
//	client := telemetry.NewTracedHTTPClient(nil, pipeline.Logger())
//
// Telemetry is best-effort by contract: exporter failures retry with
// bounded backoff and then drop, enrichment failures are contained,
// and nothing on the telemetry path ever blocks or fails a business
// request.
package telemetry
