// Package observability provides logging, metrics, and tracing
// for the gateway.
//
// # Logging
//
// The Logger interface provides structured logging over zap:
//
//	logger, err := observability.NewLogger(observability.LogConfig{Level: "info", Format: "json"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//
//	logger.Info("request admitted",
//	    observability.String("upstream", "orders"),
//	    observability.Int("remaining", 9),
//	)
//
// Packages that own admission state (rate limiter, breakers, router)
// take a *zap.Logger directly; use Logger.Zap to obtain it.
//
// # Metrics
//
// Metrics owns a private Prometheus registry. Component collectors are
// registered into it and served by Server:
//
//	metrics := observability.NewMetrics("tradegw")
//	srv := observability.NewServer(observability.ServerConfig{Address: ":9091"}, metrics, zapLogger)
//
// # Tracing
//
// OpenTelemetry tracing with optional OTLP gRPC export:
//
//	tracer, err := observability.NewTracer(observability.TracerConfig{ServiceName: "tradegw"})
//	defer tracer.Shutdown(ctx)
package observability
