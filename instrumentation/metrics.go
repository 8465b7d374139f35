package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds every metric instrument this bridge records against,
// grouped by the layer that owns them.
type Metrics struct {
	// HTTP Façade
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Session lifecycle
	SessionsCreated metric.Int64Counter
	SessionsDeleted metric.Int64Counter
	SessionsEvicted metric.Int64Counter

	// MCP Dispatcher
	ToolCallsTotal    metric.Int64Counter
	ToolCallDuration  metric.Float64Histogram
	RequestsCancelled metric.Int64Counter

	// OAuth Flow Engine
	AuthorizationStarted metric.Int64Counter
	CallbackProcessed    metric.Int64Counter
	CodeExchanged        metric.Int64Counter
	TokenRevoked         metric.Int64Counter
	ClientRegistered     metric.Int64Counter

	// Refresher
	RefreshesPerformed    metric.Int64Counter
	RefreshesDeduplicated metric.Int64Counter
	RefreshesFailed       metric.Int64Counter

	// Security/audit
	RateLimitExceeded        metric.Int64Counter
	PKCEValidationFailed     metric.Int64Counter
	AuthFailuresTotal        metric.Int64Counter
	CredentialRebindAttempts metric.Int64Counter
	AuditEventsTotal         metric.Int64Counter

	// Storage
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	StorageSizeSessions      metric.Int64ObservableGauge
	StorageSizeRSTokens      metric.Int64ObservableGauge
	StorageSizeAuthTxns      metric.Int64ObservableGauge
}

// newMetrics creates and registers every metric instrument.
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	httpMeter := inst.Meter("http")
	sessionMeter := inst.Meter("session")
	mcpMeter := inst.Meter("mcp")
	oauthMeter := inst.Meter("oauth")
	refreshMeter := inst.Meter("refresh")
	securityMeter := inst.Meter("security")
	storageMeter := inst.Meter("storage")

	var err error

	if m.HTTPRequestsTotal, err = httpMeter.Int64Counter(
		"http.requests.total",
		metric.WithDescription("Total number of HTTP requests handled by the façade"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, fmt.Errorf("instrumentation: create http.requests.total: %w", err)
	}

	if m.HTTPRequestDuration, err = httpMeter.Float64Histogram(
		"http.request.duration",
		metric.WithDescription("HTTP request duration"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, fmt.Errorf("instrumentation: create http.request.duration: %w", err)
	}

	if m.SessionsCreated, err = sessionMeter.Int64Counter(
		"session.created",
		metric.WithDescription("Number of MCP sessions created"),
		metric.WithUnit("{session}"),
	); err != nil {
		return nil, fmt.Errorf("instrumentation: create session.created: %w", err)
	}

	if m.SessionsDeleted, err = sessionMeter.Int64Counter(
		"session.deleted",
		metric.WithDescription("Number of MCP sessions deleted via DELETE /mcp"),
		metric.WithUnit("{session}"),
	); err != nil {
		return nil, fmt.Errorf("instrumentation: create session.deleted: %w", err)
	}

	if m.SessionsEvicted, err = sessionMeter.Int64Counter(
		"session.evicted",
		metric.WithDescription("Number of MCP sessions evicted by TTL sweep or per-key session caps"),
		metric.WithUnit("{session}"),
	); err != nil {
		return nil, fmt.Errorf("instrumentation: create session.evicted: %w", err)
	}

	if m.ToolCallsTotal, err = mcpMeter.Int64Counter(
		"tools.call.total",
		metric.WithDescription("Number of tools/call invocations"),
		metric.WithUnit("{call}"),
	); err != nil {
		return nil, fmt.Errorf("instrumentation: create tools.call.total: %w", err)
	}

	if m.ToolCallDuration, err = mcpMeter.Float64Histogram(
		"tools.call.duration",
		metric.WithDescription("tools/call handler duration"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, fmt.Errorf("instrumentation: create tools.call.duration: %w", err)
	}

	if m.RequestsCancelled, err = mcpMeter.Int64Counter(
		"requests.cancelled",
		metric.WithDescription("Number of in-flight requests cancelled via notifications/cancelled"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, fmt.Errorf("instrumentation: create requests.cancelled: %w", err)
	}

	if m.AuthorizationStarted, err = oauthMeter.Int64Counter(
		"authorization.started",
		metric.WithDescription("Number of /authorize requests started"),
		metric.WithUnit("{flow}"),
	); err != nil {
		return nil, fmt.Errorf("instrumentation: create authorization.started: %w", err)
	}

	if m.CallbackProcessed, err = oauthMeter.Int64Counter(
		"callback.processed",
		metric.WithDescription("Number of /oauth/callback redirects processed"),
		metric.WithUnit("{callback}"),
	); err != nil {
		return nil, fmt.Errorf("instrumentation: create callback.processed: %w", err)
	}

	if m.CodeExchanged, err = oauthMeter.Int64Counter(
		"code.exchanged",
		metric.WithDescription("Number of authorization codes exchanged for an RS token pair"),
		metric.WithUnit("{exchange}"),
	); err != nil {
		return nil, fmt.Errorf("instrumentation: create code.exchanged: %w", err)
	}

	if m.TokenRevoked, err = oauthMeter.Int64Counter(
		"token.revoked",
		metric.WithDescription("Number of /revoke calls handled"),
		metric.WithUnit("{revocation}"),
	); err != nil {
		return nil, fmt.Errorf("instrumentation: create token.revoked: %w", err)
	}

	if m.ClientRegistered, err = oauthMeter.Int64Counter(
		"client.registered",
		metric.WithDescription("Number of dynamic client registrations handled"),
		metric.WithUnit("{client}"),
	); err != nil {
		return nil, fmt.Errorf("instrumentation: create client.registered: %w", err)
	}

	if m.RefreshesPerformed, err = refreshMeter.Int64Counter(
		"refresh.performed",
		metric.WithDescription("Number of upstream refresh_token exchanges actually performed"),
		metric.WithUnit("{refresh}"),
	); err != nil {
		return nil, fmt.Errorf("instrumentation: create refresh.performed: %w", err)
	}

	if m.RefreshesDeduplicated, err = refreshMeter.Int64Counter(
		"refresh.deduplicated",
		metric.WithDescription("Number of EnsureFresh calls served by an in-flight refresh via singleflight"),
		metric.WithUnit("{call}"),
	); err != nil {
		return nil, fmt.Errorf("instrumentation: create refresh.deduplicated: %w", err)
	}

	if m.RefreshesFailed, err = refreshMeter.Int64Counter(
		"refresh.failed",
		metric.WithDescription("Number of upstream refresh attempts that failed and fell back to the stale token"),
		metric.WithUnit("{refresh}"),
	); err != nil {
		return nil, fmt.Errorf("instrumentation: create refresh.failed: %w", err)
	}

	if m.RateLimitExceeded, err = securityMeter.Int64Counter(
		"rate_limit.exceeded",
		metric.WithDescription("Number of requests rejected by the inbound /mcp rate limiter"),
		metric.WithUnit("{violation}"),
	); err != nil {
		return nil, fmt.Errorf("instrumentation: create rate_limit.exceeded: %w", err)
	}

	if m.PKCEValidationFailed, err = securityMeter.Int64Counter(
		"pkce.validation_failed",
		metric.WithDescription("Number of PKCE code_verifier validation failures"),
		metric.WithUnit("{failure}"),
	); err != nil {
		return nil, fmt.Errorf("instrumentation: create pkce.validation_failed: %w", err)
	}

	if m.AuthFailuresTotal, err = securityMeter.Int64Counter(
		"auth.failures.total",
		metric.WithDescription("Number of requests rejected with a 401 challenge"),
		metric.WithUnit("{failure}"),
	); err != nil {
		return nil, fmt.Errorf("instrumentation: create auth.failures.total: %w", err)
	}

	if m.CredentialRebindAttempts, err = securityMeter.Int64Counter(
		"credential.rebind_attempts",
		metric.WithDescription("Number of requests presenting an api_key fingerprint that mismatches a session's bound key"),
		metric.WithUnit("{attempt}"),
	); err != nil {
		return nil, fmt.Errorf("instrumentation: create credential.rebind_attempts: %w", err)
	}

	if m.AuditEventsTotal, err = securityMeter.Int64Counter(
		"audit.events.total",
		metric.WithDescription("Total number of audit log events emitted"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, fmt.Errorf("instrumentation: create audit.events.total: %w", err)
	}

	if m.StorageOperationTotal, err = storageMeter.Int64Counter(
		"storage.operation.total",
		metric.WithDescription("Total number of Token Store / Session Store operations"),
		metric.WithUnit("{operation}"),
	); err != nil {
		return nil, fmt.Errorf("instrumentation: create storage.operation.total: %w", err)
	}

	if m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		"storage.operation.duration",
		metric.WithDescription("Storage operation duration"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, fmt.Errorf("instrumentation: create storage.operation.duration: %w", err)
	}

	if m.StorageSizeSessions, err = storageMeter.Int64ObservableGauge(
		"storage.size.sessions",
		metric.WithDescription("Current number of live sessions"),
		metric.WithUnit("{session}"),
	); err != nil {
		return nil, fmt.Errorf("instrumentation: create storage.size.sessions: %w", err)
	}

	if m.StorageSizeRSTokens, err = storageMeter.Int64ObservableGauge(
		"storage.size.rs_tokens",
		metric.WithDescription("Current number of live RS token mappings"),
		metric.WithUnit("{token}"),
	); err != nil {
		return nil, fmt.Errorf("instrumentation: create storage.size.rs_tokens: %w", err)
	}

	if m.StorageSizeAuthTxns, err = storageMeter.Int64ObservableGauge(
		"storage.size.auth_txns",
		metric.WithDescription("Current number of pending authorization transactions"),
		metric.WithUnit("{transaction}"),
	); err != nil {
		return nil, fmt.Errorf("instrumentation: create storage.size.auth_txns: %w", err)
	}

	return m, nil
}

// RecordHTTPRequest records one façade HTTP request.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	attrs := []attribute.KeyValue{
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", statusCode),
	}
	m.HTTPRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.HTTPRequestDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordSessionCreated records a new session.
func (m *Metrics) RecordSessionCreated(ctx context.Context) {
	m.SessionsCreated.Add(ctx, 1)
}

// RecordSessionDeleted records a session torn down via DELETE /mcp.
func (m *Metrics) RecordSessionDeleted(ctx context.Context) {
	m.SessionsDeleted.Add(ctx, 1)
}

// RecordSessionEvicted records a session removed by the idle-TTL sweep or
// a per-key session cap.
func (m *Metrics) RecordSessionEvicted(ctx context.Context, reason string) {
	m.SessionsEvicted.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordToolCall records one tools/call invocation.
func (m *Metrics) RecordToolCall(ctx context.Context, toolName string, isError bool, durationMs float64) {
	attrs := []attribute.KeyValue{
		attribute.String("tool", toolName),
		attribute.Bool("is_error", isError),
	}
	m.ToolCallsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.ToolCallDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("tool", toolName)))
}

// RecordRequestCancelled records a request cancelled via notifications/cancelled.
func (m *Metrics) RecordRequestCancelled(ctx context.Context) {
	m.RequestsCancelled.Add(ctx, 1)
}

// RecordAuthorizationStarted records an /authorize request.
func (m *Metrics) RecordAuthorizationStarted(ctx context.Context, clientID string) {
	m.AuthorizationStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("client_id", clientID)))
}

// RecordCallbackProcessed records an /oauth/callback redirect.
func (m *Metrics) RecordCallbackProcessed(ctx context.Context, success bool) {
	m.CallbackProcessed.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", success)))
}

// RecordCodeExchange records an authorization_code grant exchange.
func (m *Metrics) RecordCodeExchange(ctx context.Context, pkceMethod string) {
	m.CodeExchanged.Add(ctx, 1, metric.WithAttributes(attribute.String("pkce_method", pkceMethod)))
}

// RecordTokenRevocation records a /revoke call.
func (m *Metrics) RecordTokenRevocation(ctx context.Context) {
	m.TokenRevoked.Add(ctx, 1)
}

// RecordClientRegistration records a /register call.
func (m *Metrics) RecordClientRegistration(ctx context.Context) {
	m.ClientRegistered.Add(ctx, 1)
}

// RecordRefreshPerformed records an upstream refresh_token exchange.
func (m *Metrics) RecordRefreshPerformed(ctx context.Context, rotated bool) {
	m.RefreshesPerformed.Add(ctx, 1, metric.WithAttributes(attribute.Bool("rotated", rotated)))
}

// RecordRefreshDeduplicated records an EnsureFresh call that joined an
// already in-flight refresh instead of calling upstream itself.
func (m *Metrics) RecordRefreshDeduplicated(ctx context.Context) {
	m.RefreshesDeduplicated.Add(ctx, 1)
}

// RecordRefreshFailed records an upstream refresh attempt that failed.
func (m *Metrics) RecordRefreshFailed(ctx context.Context) {
	m.RefreshesFailed.Add(ctx, 1)
}

// RecordRateLimitExceeded records an inbound /mcp rate-limit rejection.
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context) {
	m.RateLimitExceeded.Add(ctx, 1)
}

// RecordPKCEValidationFailed records a code_verifier mismatch.
func (m *Metrics) RecordPKCEValidationFailed(ctx context.Context) {
	m.PKCEValidationFailed.Add(ctx, 1)
}

// RecordAuthFailure records a 401 challenge issued by the façade.
func (m *Metrics) RecordAuthFailure(ctx context.Context, reason string) {
	m.AuthFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordCredentialRebindAttempt records a session soft-binding mismatch.
func (m *Metrics) RecordCredentialRebindAttempt(ctx context.Context) {
	m.CredentialRebindAttempts.Add(ctx, 1)
}

// RecordAuditEvent records an audit log event.
func (m *Metrics) RecordAuditEvent(ctx context.Context, eventType string) {
	m.AuditEventsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}

// RecordStorageOperation records one Token Store / Session Store call.
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	attrs := []attribute.KeyValue{
		attribute.String("operation", operation),
		attribute.String("result", result),
	}
	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("operation", operation)))
}
