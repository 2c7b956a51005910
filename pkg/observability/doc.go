// Package observability provides structured logging, Prometheus metrics,
// health checks and OpenTelemetry tracing setup for orgfeed.
//
// # Structured Logging
//
// Create the process logger once and hand it to every component:
//
//	log := observability.NewLogger("info", "json", os.Stdout)
//	log.WithField("org_id", orgID).Info("Session opened")
//
// Request handlers use FromContext to pick up request and trace ids.
//
// # Prometheus Metrics
//
// Metrics implements the counter interfaces of the change bus, the view
// materializer, the notification router and the event dispatcher, so one
// value is passed to all of them:
//
//	metrics := observability.NewMetrics(registry)
//	bus := changebus.NewBus(cfg, log, metrics)
//
// # Health Checks
//
// HealthChecker backs /healthz (liveness) and /readyz (database and Redis).
// Redis being down degrades readiness without failing it.
//
// # Tracing
//
// InitOTel installs OTLP/gRPC trace and metric exporters as the global
// providers. When disabled the no-op providers stay in place and spans
// created by the services cost nothing.
package observability
