package instrumentation

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

func TestRecordError(t *testing.T) {
	inst, err := New(Config{Enabled: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	ctx := context.Background()
	_, span := inst.Tracer("mcp").Start(ctx, "test-span")
	defer span.End()

	RecordError(span, errors.New("test error"))
}

func TestSetSpanSuccess(t *testing.T) {
	inst, err := New(Config{Enabled: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	ctx := context.Background()
	_, span := inst.Tracer("mcp").Start(ctx, "test-span")
	defer span.End()

	SetSpanSuccess(span)
}

func TestAddMCPRequestAttributes(t *testing.T) {
	inst, err := New(Config{Enabled: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	ctx := context.Background()
	_, span := inst.Tracer("mcp").Start(ctx, "test-span")
	defer span.End()

	AddMCPRequestAttributes(span, "sess-1", "req-1", "tools/call")
	AddMCPRequestAttributes(span, "", "", "")
}

func TestAddToolCallAttributes(t *testing.T) {
	inst, err := New(Config{Enabled: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	ctx := context.Background()
	_, span := inst.Tracer("mcp").Start(ctx, "test-span")
	defer span.End()

	AddToolCallAttributes(span, "search", false)
	AddToolCallAttributes(span, "search", true)
	AddToolCallAttributes(span, "", false)
}

func TestAddPKCEAttributes(t *testing.T) {
	inst, err := New(Config{Enabled: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	ctx := context.Background()
	_, span := inst.Tracer("oauth").Start(ctx, "test-span")
	defer span.End()

	AddPKCEAttributes(span, "S256")
	AddPKCEAttributes(span, "plain")
	AddPKCEAttributes(span, "")
}

func TestAddStorageAttributes(t *testing.T) {
	inst, err := New(Config{Enabled: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	ctx := context.Background()
	_, span := inst.Tracer("storage").Start(ctx, "test-span")
	defer span.End()

	AddStorageAttributes(span, "session.get", "memory")
	AddStorageAttributes(span, "token.save", "redis")
}

func TestAddHTTPAttributes(t *testing.T) {
	inst, err := New(Config{Enabled: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	ctx := context.Background()
	_, span := inst.Tracer("http").Start(ctx, "test-span")
	defer span.End()

	AddHTTPAttributes(span, "POST", "/mcp", 200)
	AddHTTPAttributes(span, "GET", "/.well-known/oauth-authorization-server", 200)
}

func TestAddSecurityAttributes(t *testing.T) {
	inst, err := New(Config{Enabled: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	ctx := context.Background()
	_, span := inst.Tracer("security").Start(ctx, "test-span")
	defer span.End()

	AddSecurityAttributes(span, "192.168.1.1")
	AddSecurityAttributes(span, "")
}

func TestSpanLifecycle(t *testing.T) {
	inst, err := New(Config{Enabled: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	ctx := context.Background()
	_, span := inst.Tracer("mcp").Start(ctx, "mcp.tools_call")

	AddMCPRequestAttributes(span, "sess-1", "req-1", "tools/call")
	AddToolCallAttributes(span, "search", false)
	AddHTTPAttributes(span, "POST", "/mcp", 200)

	RecordError(span, errors.New("validation failed"))
	span.End()
}

func TestSpanNesting(t *testing.T) {
	inst, err := New(Config{Enabled: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	ctx := context.Background()

	ctx, span1 := inst.Tracer("http").Start(ctx, "http.request")
	AddHTTPAttributes(span1, "POST", "/mcp", 200)

	ctx, span2 := inst.Tracer("mcp").Start(ctx, "mcp.dispatch")
	AddMCPRequestAttributes(span2, "sess-1", "req-1", "tools/call")

	_, span3 := inst.Tracer("storage").Start(ctx, "storage.session_get")
	AddStorageAttributes(span3, "session.get", "memory")
	SetSpanSuccess(span3)
	span3.End()

	SetSpanSuccess(span2)
	span2.End()

	SetSpanSuccess(span1)
	span1.End()
}

func TestSpanConcurrency(t *testing.T) {
	inst, err := New(Config{Enabled: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	ctx := context.Background()
	done := make(chan bool)

	for i := 0; i < 10; i++ {
		go func() {
			for j := 0; j < 100; j++ {
				_, span := inst.Tracer("mcp").Start(ctx, "concurrent-span")
				AddMCPRequestAttributes(span, "sess", "req", "tools/call")
				AddToolCallAttributes(span, "search", false)
				SetSpanSuccess(span)
				span.End()
			}
			done <- true
		}()
	}

	for i := 0; i < 10; i++ {
		<-done
	}
}

func TestNoOpSpans(t *testing.T) {
	inst, err := New(Config{Enabled: false})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	ctx := context.Background()

	_, span := inst.Tracer("mcp").Start(ctx, "test-span")
	AddMCPRequestAttributes(span, "sess", "req", "tools/call")
	AddToolCallAttributes(span, "search", false)
	AddHTTPAttributes(span, "GET", "/mcp", 200)
	AddStorageAttributes(span, "session.get", "memory")
	AddSecurityAttributes(span, "192.168.1.1")
	RecordError(span, errors.New("test"))
	SetSpanSuccess(span)
	span.SetStatus(codes.Ok, "")
	span.End()
}

func TestSetSpanError(t *testing.T) {
	inst, err := New(Config{Enabled: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	ctx := context.Background()
	_, span := inst.Tracer("mcp").Start(ctx, "test-span")
	defer span.End()

	SetSpanError(span, "test error message")
}

func TestSetSpanError_NilSpan(t *testing.T) {
	SetSpanError(nil, "test error message")
}

func TestSetSpanAttributes(t *testing.T) {
	inst, err := New(Config{Enabled: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	ctx := context.Background()
	_, span := inst.Tracer("mcp").Start(ctx, "test-span")
	defer span.End()

	SetSpanAttributes(span,
		attribute.String("key1", "value1"),
		attribute.Int("key2", 42),
	)
}

func TestSetSpanAttributes_NilSpan(t *testing.T) {
	SetSpanAttributes(nil,
		attribute.String("key1", "value1"),
		attribute.Int("key2", 42),
	)
}

func TestNilSafeHelpers_WithNilSpans(t *testing.T) {
	SetSpanError(nil, "error")
	SetSpanAttributes(nil, attribute.String("key", "value"))
	RecordError(nil, errors.New("test"))
	SetSpanSuccess(nil)
	AddMCPRequestAttributes(nil, "sess", "req", "tools/call")
	AddToolCallAttributes(nil, "search", false)
	AddPKCEAttributes(nil, "S256")
	AddStorageAttributes(nil, "session.get", "memory")
	AddHTTPAttributes(nil, "GET", "/mcp", 200)
	AddSecurityAttributes(nil, "192.168.1.1")
}
