// Package observability provides structured logging, metrics, and tracing for
// the query service.
//
// # Logging
//
// Logger wraps log/slog with secret redaction and request correlation. Values
// stored in the context under RequestIDKey, UserIDKey, TenantKey, and RunIDKey
// are attached to every record. Tenant identifiers are hashed with a Hasher
// before they reach a log line, and SQL text passes through MaskPII.
//
//	logger := observability.NewLogger(observability.LogConfig{Level: "info"})
//	ctx = observability.AddTenant(ctx, hasher.Hash(orgID))
//	logger.Info(ctx, "query executed", "rows", 12)
//
// # Metrics
//
// Metrics registers the sqlagent_* Prometheus collectors with an injected
// Registerer so tests can use an isolated registry:
//
//	metrics := observability.NewMetrics(prometheus.NewRegistry())
//	metrics.RecordAgentRun("completed", 1.2)
//
// # Tracing
//
// Tracer exports spans over OTLP/gRPC when an endpoint is configured and
// falls back to the global no-op provider otherwise.
package observability
