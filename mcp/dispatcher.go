package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/mcpbridge/resource-server/auth"
	"github.com/mcpbridge/resource-server/instrumentation"
	"github.com/mcpbridge/resource-server/reqctx"
	"github.com/mcpbridge/resource-server/storage"
)

// loggingLevels holds the RFC 5424 severity names logging/setLevel
// accepts.
var loggingLevels = map[string]struct{}{
	"debug": {}, "info": {}, "notice": {}, "warning": {},
	"error": {}, "critical": {}, "alert": {}, "emergency": {},
}

// Dispatcher implements the MCP method table over a Registry of tools,
// resources, and prompts. It owns no transport; Handle is called once per
// decoded JSON-RPC request or notification.
type Dispatcher struct {
	registry   *Registry
	sessions   storage.SessionStore
	requests   *reqctx.Registry
	serverInfo ServerInfo

	logger  *slog.Logger
	metrics *instrumentation.Metrics
	tracer  trace.Tracer
}

// New builds a Dispatcher.
func New(registry *Registry, sessions storage.SessionStore, requests *reqctx.Registry, serverInfo ServerInfo, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry:   registry,
		sessions:   sessions,
		requests:   requests,
		serverInfo: serverInfo,
		logger:     logger,
	}
}

// WithMetrics attaches an instrumentation holder the dispatcher records
// tools/call and notifications/cancelled counts against. A nil metrics
// holder (the default) leaves recording a no-op.
func (d *Dispatcher) WithMetrics(metrics *instrumentation.Metrics) *Dispatcher {
	d.metrics = metrics
	return d
}

// WithTracer attaches a tracer the dispatcher starts a span against for
// each tools/call invocation. A nil tracer (the default) leaves tracing a
// no-op.
func (d *Dispatcher) WithTracer(tracer trace.Tracer) *Dispatcher {
	d.tracer = tracer
	return d
}

// negotiateProtocolVersion wraps NegotiateProtocolVersion, substituting the
// server's configured fallback for LatestProtocolVersion when the client
// offered a version this dispatcher doesn't recognize.
func (d *Dispatcher) negotiateProtocolVersion(requested string) string {
	negotiated := NegotiateProtocolVersion(requested)
	if negotiated == LatestProtocolVersion && requested != LatestProtocolVersion && d.serverInfo.FallbackProtocolVersion != "" {
		return d.serverInfo.FallbackProtocolVersion
	}
	return negotiated
}

// InitializeParams is the initialize request's params object.
type InitializeParams struct {
	ProtocolVersion string                 `json:"protocolVersion"`
	Capabilities    map[string]interface{} `json:"capabilities,omitempty"`
	ClientInfo      ServerInfo             `json:"clientInfo,omitempty"`
}

// Handle dispatches a single decoded request and returns the response to
// send, or nil for a notification that produces no response. sessionID is
// the owning session ("" if the transport hasn't assigned one yet, which is
// only valid for the initialize call itself). authSnapshot is the resolved
// credential set in effect for this request, stashed in the Request-Context
// Registry for handlers to read back via reqctx.FromContext.
func (d *Dispatcher) Handle(ctx context.Context, sessionID string, authSnapshot *auth.ResolvedAuth, req *Request) *Response {
	if req.IsNotification() {
		d.handleNotification(ctx, sessionID, req)
		return nil
	}

	result, rpcErr := d.dispatch(ctx, sessionID, authSnapshot, req)
	if rpcErr != nil {
		return NewErrorResponse(req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
	}
	resp, err := NewResultResponse(req.ID, result)
	if err != nil {
		return NewErrorResponse(req.ID, ErrorCodeInternalError, err.Error(), nil)
	}
	return resp
}

func (d *Dispatcher) dispatch(ctx context.Context, sessionID string, authSnapshot *auth.ResolvedAuth, req *Request) (interface{}, *Error) {
	switch req.Method {
	case "initialize":
		return d.initialize(ctx, sessionID, req.Params)
	case "tools/list":
		return d.toolsList(req.Params)
	case "tools/call":
		return d.toolsCall(ctx, sessionID, authSnapshot, req)
	case "resources/list":
		return d.resourcesList(req.Params)
	case "resources/templates/list":
		return d.resourceTemplatesList(req.Params)
	case "prompts/list":
		return d.promptsList(req.Params)
	case "ping":
		return struct{}{}, nil
	case "logging/setLevel":
		return d.loggingSetLevel(req.Params)
	default:
		return nil, NewError(ErrorCodeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method), nil)
	}
}

func (d *Dispatcher) handleNotification(ctx context.Context, sessionID string, req *Request) {
	switch req.Method {
	case "notifications/initialized":
		if d.sessions == nil || sessionID == "" {
			return
		}
		initialized := true
		if _, err := d.sessions.Update(ctx, sessionID, storage.SessionPatch{Initialized: &initialized}); err != nil {
			d.logger.Warn("mcp: failed to record session initialized", "session_id", sessionID, "error", err)
		}
	case "notifications/cancelled":
		d.handleCancelled(ctx, req.Params)
	default:
		d.logger.Debug("mcp: ignoring unknown notification", "method", req.Method)
	}
}

func (d *Dispatcher) handleCancelled(ctx context.Context, params json.RawMessage) {
	var p struct {
		RequestID string `json:"requestId"`
		Reason    string `json:"reason"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		d.logger.Debug("mcp: malformed notifications/cancelled params", "error", err)
		return
	}
	if d.requests == nil {
		return
	}
	if !d.requests.Cancel(p.RequestID, p.Reason) {
		d.logger.Debug("mcp: notifications/cancelled targeted an unknown or already-finished request", "request_id", p.RequestID)
		return
	}
	if d.metrics != nil {
		d.metrics.RecordRequestCancelled(ctx)
	}
}

func (d *Dispatcher) initialize(ctx context.Context, sessionID string, params json.RawMessage) (interface{}, *Error) {
	var p InitializeParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, NewError(ErrorCodeInvalidParams, "invalid initialize params", nil)
		}
	}
	negotiated := d.negotiateProtocolVersion(p.ProtocolVersion)

	if d.sessions != nil && sessionID != "" {
		if _, err := d.sessions.Update(ctx, sessionID, storage.SessionPatch{ProtocolVersion: &negotiated}); err != nil {
			d.logger.Warn("mcp: failed to record negotiated protocol version", "session_id", sessionID, "error", err)
		}
	}

	return InitializeResult{
		ProtocolVersion: negotiated,
		Capabilities:    DefaultCapabilities(),
		ServerInfo:      d.serverInfo,
		Instructions:    d.serverInfo.Instructions,
	}, nil
}

type listParams struct {
	Cursor string `json:"cursor,omitempty"`
}

func (d *Dispatcher) toolsList(params json.RawMessage) (interface{}, *Error) {
	tools := d.registry.ListTools()
	out := make([]toolListEntry, 0, len(tools))
	for _, t := range tools {
		out = append(out, toolListEntry{
			Name:         t.Name,
			Description:  t.Description,
			InputSchema:  t.InputSchema,
			OutputSchema: t.OutputSchema,
			Annotations:  t.Annotations,
		})
	}
	return struct {
		Tools []toolListEntry `json:"tools"`
	}{Tools: out}, nil
}

type toolListEntry struct {
	Name         string           `json:"name"`
	Description  string           `json:"description,omitempty"`
	InputSchema  interface{}      `json:"inputSchema,omitempty"`
	OutputSchema interface{}      `json:"outputSchema,omitempty"`
	Annotations  *ToolAnnotations `json:"annotations,omitempty"`
}

type toolsCallParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
	Meta      map[string]interface{} `json:"_meta,omitempty"`
}

type toolsCallResult struct {
	Content           []ContentBlock `json:"content"`
	StructuredContent interface{}    `json:"structuredContent,omitempty"`
	IsError           bool           `json:"isError,omitempty"`
}

func (d *Dispatcher) toolsCall(ctx context.Context, sessionID string, authSnapshot *auth.ResolvedAuth, req *Request) (interface{}, *Error) {
	var p toolsCallParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return nil, NewError(ErrorCodeInvalidParams, "invalid tools/call params", nil)
	}

	start := time.Now()
	var span trace.Span
	if d.tracer != nil {
		ctx, span = d.tracer.Start(ctx, "mcp.tools_call")
		instrumentation.AddMCPRequestAttributes(span, sessionID, req.ID.String(), req.Method)
		instrumentation.AddToolCallAttributes(span, p.Name, false)
		defer span.End()
	}

	result, rpcErr := d.toolsCallTraced(ctx, sessionID, authSnapshot, req, p)

	isError := rpcErr != nil
	if r, ok := result.(toolsCallResult); ok {
		isError = isError || r.IsError
	}
	if d.metrics != nil {
		d.metrics.RecordToolCall(ctx, p.Name, isError, float64(time.Since(start).Milliseconds()))
	}
	if span != nil {
		if isError {
			instrumentation.SetSpanError(span, "tool call failed")
		} else {
			instrumentation.SetSpanSuccess(span)
		}
	}
	return result, rpcErr
}

func (d *Dispatcher) toolsCallTraced(ctx context.Context, sessionID string, authSnapshot *auth.ResolvedAuth, req *Request, p toolsCallParams) (interface{}, *Error) {
	tool := d.registry.Tool(p.Name)
	if tool == nil || tool.Handler == nil {
		return nil, NewError(ErrorCodeMethodNotFound, fmt.Sprintf("unknown tool: %s", p.Name), nil)
	}

	if err := tool.ValidateInput(p.Arguments); err != nil {
		return toolsCallResult{
			Content: []ContentBlock{TextContent(fmt.Sprintf("Invalid input: %s", err))},
			IsError: true,
		}, nil
	}

	var rc *reqctx.RequestContext
	if d.requests != nil {
		rc = d.requests.Create(req.ID.String(), sessionID, authSnapshot)
		defer d.requests.Delete(req.ID.String())
	}

	callCtx := ctx
	if rc != nil {
		callCtx = reqctx.WithRequestContext(ctx, rc)
	}

	content, structuredContent, err := tool.Handler(callCtx, p.Arguments)
	if rc != nil && rc.Cancellation.IsCancelled() {
		return nil, NewError(ErrorCodeInternalError, "Request was cancelled", nil)
	}
	if err != nil {
		return toolsCallResult{
			Content: []ContentBlock{TextContent(err.Error())},
			IsError: true,
		}, nil
	}

	if tool.HasOutputSchema() {
		if structuredContent == nil {
			return toolsCallResult{
				Content: []ContentBlock{TextContent("tool declares an output schema but returned no structuredContent")},
				IsError: true,
			}, nil
		}
		if err := tool.ValidateOutput(structuredContent); err != nil {
			return toolsCallResult{
				Content: []ContentBlock{TextContent(fmt.Sprintf("Invalid output: %s", err))},
				IsError: true,
			}, nil
		}
	}

	return toolsCallResult{Content: content, StructuredContent: structuredContent}, nil
}

func (d *Dispatcher) resourcesList(params json.RawMessage) (interface{}, *Error) {
	var p listParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, NewError(ErrorCodeInvalidParams, "invalid cursor", nil)
		}
	}
	page, next, err := d.registry.ListResources(p.Cursor)
	if err != nil {
		return nil, NewError(ErrorCodeInvalidParams, err.Error(), nil)
	}
	return struct {
		Resources  []Resource `json:"resources"`
		NextCursor string     `json:"nextCursor,omitempty"`
	}{Resources: page, NextCursor: next}, nil
}

func (d *Dispatcher) resourceTemplatesList(params json.RawMessage) (interface{}, *Error) {
	var p listParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, NewError(ErrorCodeInvalidParams, "invalid cursor", nil)
		}
	}
	page, next, err := d.registry.ListResourceTemplates(p.Cursor)
	if err != nil {
		return nil, NewError(ErrorCodeInvalidParams, err.Error(), nil)
	}
	return struct {
		ResourceTemplates []ResourceTemplate `json:"resourceTemplates"`
		NextCursor        string             `json:"nextCursor,omitempty"`
	}{ResourceTemplates: page, NextCursor: next}, nil
}

func (d *Dispatcher) promptsList(params json.RawMessage) (interface{}, *Error) {
	var p listParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, NewError(ErrorCodeInvalidParams, "invalid cursor", nil)
		}
	}
	page, next, err := d.registry.ListPrompts(p.Cursor)
	if err != nil {
		return nil, NewError(ErrorCodeInvalidParams, err.Error(), nil)
	}
	return struct {
		Prompts    []Prompt `json:"prompts"`
		NextCursor string   `json:"nextCursor,omitempty"`
	}{Prompts: page, NextCursor: next}, nil
}

func (d *Dispatcher) loggingSetLevel(params json.RawMessage) (interface{}, *Error) {
	var p struct {
		Level string `json:"level"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, NewError(ErrorCodeInvalidParams, "invalid logging/setLevel params", nil)
	}
	if _, ok := loggingLevels[p.Level]; !ok {
		return nil, NewError(ErrorCodeInvalidParams, fmt.Sprintf("unsupported logging level: %s", p.Level), nil)
	}
	return struct{}{}, nil
}
