// Package instrumentation provides OpenTelemetry metrics and tracing for
// this bridge's session, dispatch, OAuth, refresh, storage, and security
// layers.
//
// # Quick Start
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "mcpbridge",
//		ServiceVersion: "1.0.0",
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
// When Config.Enabled is false, Meter/Tracer return no-op implementations:
// zero overhead, no allocations.
//
// # Available Metrics
//
// Session lifecycle: session.created, session.deleted, session.evicted{reason}.
//
// MCP Dispatcher: tools.call.total{tool, is_error}, tools.call.duration{tool},
// requests.cancelled.
//
// OAuth Flow Engine: authorization.started{client_id}, callback.processed{success},
// code.exchanged{pkce_method}, token.revoked, client.registered.
//
// Refresher: refresh.performed{rotated}, refresh.deduplicated, refresh.failed.
//
// Security: rate_limit.exceeded, pkce.validation_failed, auth.failures.total{reason},
// credential.rebind_attempts, audit.events.total{event_type}.
//
// Storage: storage.operation.total{operation, result}, storage.operation.duration{operation},
// storage.size.sessions, storage.size.rs_tokens, storage.size.auth_txns.
//
// # Security Considerations
//
// Never attach actual credential values (RS tokens, provider tokens,
// authorization codes, client secrets) as span or metric attributes — only
// metadata (token type, expiry, rotation flag). Traces and metrics are
// persisted and replicated more widely than request logs and are subject
// to the same compliance requirements (GDPR, PCI-DSS). Client IP addresses
// may be PII; gate them behind Config.LogClientIPs / ShouldLogClientIPs().
package instrumentation
