package mcp

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpbridge/resource-server/reqctx"
	"github.com/mcpbridge/resource-server/storage/memory"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *Registry, *reqctx.Registry) {
	t.Helper()
	reg := NewRegistry()
	sessions := memory.NewSessionStore()
	t.Cleanup(func() { _ = sessions.Close(context.Background()) })
	requests := reqctx.NewRegistry(nil)
	t.Cleanup(requests.Stop)

	d := New(reg, sessions, requests, ServerInfo{Name: "mcpbridge", Version: "test"}, nil)
	return d, reg, requests
}

func rawParams(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func TestDispatcher_Initialize_NegotiatesKnownVersion(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	req := &Request{Method: "initialize", ID: NewRequestID("1"), Params: rawParams(t, InitializeParams{ProtocolVersion: "2024-11-05"})}

	resp := d.Handle(context.Background(), "", nil, req)
	require.Nil(t, resp.Error)

	var result InitializeResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, "2024-11-05", result.ProtocolVersion)
	assert.Equal(t, "mcpbridge", result.ServerInfo.Name)
}

func TestDispatcher_Initialize_UnknownVersionNegotiatesDown(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	req := &Request{Method: "initialize", ID: NewRequestID("1"), Params: rawParams(t, InitializeParams{ProtocolVersion: "1999-01-01"})}

	resp := d.Handle(context.Background(), "", nil, req)
	require.Nil(t, resp.Error)

	var result InitializeResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, LatestProtocolVersion, result.ProtocolVersion)
}

func TestDispatcher_Initialize_UnknownVersionUsesConfiguredFallback(t *testing.T) {
	reg := NewRegistry()
	sessions := memory.NewSessionStore()
	t.Cleanup(func() { _ = sessions.Close(context.Background()) })
	requests := reqctx.NewRegistry(nil)
	t.Cleanup(requests.Stop)

	d := New(reg, sessions, requests, ServerInfo{
		Name: "mcpbridge", Version: "test", FallbackProtocolVersion: "2024-11-05",
	}, nil)

	req := &Request{Method: "initialize", ID: NewRequestID("1"), Params: rawParams(t, InitializeParams{ProtocolVersion: "1999-01-01"})}
	resp := d.Handle(context.Background(), "", nil, req)
	require.Nil(t, resp.Error)

	var result InitializeResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, "2024-11-05", result.ProtocolVersion)
}

func TestDispatcher_Initialize_ReturnsInstructions(t *testing.T) {
	reg := NewRegistry()
	sessions := memory.NewSessionStore()
	t.Cleanup(func() { _ = sessions.Close(context.Background()) })
	requests := reqctx.NewRegistry(nil)
	t.Cleanup(requests.Stop)

	d := New(reg, sessions, requests, ServerInfo{
		Name: "mcpbridge", Version: "test", Instructions: "call tools/list before tools/call",
	}, nil)

	req := &Request{Method: "initialize", ID: NewRequestID("1"), Params: rawParams(t, InitializeParams{ProtocolVersion: "2024-11-05"})}
	resp := d.Handle(context.Background(), "", nil, req)
	require.Nil(t, resp.Error)

	var result InitializeResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, "call tools/list before tools/call", result.Instructions)
}

func TestDispatcher_Ping(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	resp := d.Handle(context.Background(), "", nil, &Request{Method: "ping", ID: NewRequestID("1")})
	require.Nil(t, resp.Error)
	assert.JSONEq(t, "{}", string(resp.Result))
}

func TestDispatcher_UnknownMethod(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	resp := d.Handle(context.Background(), "", nil, &Request{Method: "no/such/method", ID: NewRequestID("1")})
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrorCodeMethodNotFound, resp.Error.Code)
}

func TestDispatcher_LoggingSetLevel_ValidAndInvalid(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	resp := d.Handle(context.Background(), "", nil, &Request{
		Method: "logging/setLevel", ID: NewRequestID("1"),
		Params: rawParams(t, map[string]string{"level": "warning"}),
	})
	assert.Nil(t, resp.Error)

	resp = d.Handle(context.Background(), "", nil, &Request{
		Method: "logging/setLevel", ID: NewRequestID("2"),
		Params: rawParams(t, map[string]string{"level": "not-a-level"}),
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrorCodeInvalidParams, resp.Error.Code)
}

func echoTool() Tool {
	return Tool{
		Name:        "echo",
		Description: "echoes its message argument back",
		InputSchema: &jsonschema.Schema{
			Type:     "object",
			Required: []string{"message"},
			Properties: map[string]*jsonschema.Schema{
				"message": {Type: "string"},
			},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) ([]ContentBlock, interface{}, error) {
			return []ContentBlock{TextContent(args["message"].(string))}, nil, nil
		},
	}
}

func TestDispatcher_ToolsList(t *testing.T) {
	d, reg, _ := newTestDispatcher(t)
	require.NoError(t, reg.RegisterTool(echoTool()))

	resp := d.Handle(context.Background(), "", nil, &Request{Method: "tools/list", ID: NewRequestID("1")})
	require.Nil(t, resp.Error)

	var result struct {
		Tools []toolListEntry `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.Len(t, result.Tools, 1)
	assert.Equal(t, "echo", result.Tools[0].Name)
}

func TestDispatcher_ToolsCall_Success(t *testing.T) {
	d, reg, _ := newTestDispatcher(t)
	require.NoError(t, reg.RegisterTool(echoTool()))

	resp := d.Handle(context.Background(), "sess-1", nil, &Request{
		Method: "tools/call", ID: NewRequestID("1"),
		Params: rawParams(t, toolsCallParams{Name: "echo", Arguments: map[string]interface{}{"message": "hi"}}),
	})
	require.Nil(t, resp.Error)

	var result toolsCallResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.Len(t, result.Content, 1)
	assert.Equal(t, "hi", result.Content[0].Text)
	assert.False(t, result.IsError)
}

func TestDispatcher_ToolsCall_InvalidInputReturnsIsError(t *testing.T) {
	d, reg, _ := newTestDispatcher(t)
	require.NoError(t, reg.RegisterTool(echoTool()))

	resp := d.Handle(context.Background(), "sess-1", nil, &Request{
		Method: "tools/call", ID: NewRequestID("1"),
		Params: rawParams(t, toolsCallParams{Name: "echo", Arguments: map[string]interface{}{}}),
	})
	require.Nil(t, resp.Error)

	var result toolsCallResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.True(t, result.IsError)
}

func TestDispatcher_ToolsCall_UnknownToolIsMethodNotFound(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	resp := d.Handle(context.Background(), "sess-1", nil, &Request{
		Method: "tools/call", ID: NewRequestID("1"),
		Params: rawParams(t, toolsCallParams{Name: "ghost"}),
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrorCodeMethodNotFound, resp.Error.Code)
}

func TestDispatcher_ToolsCall_OutputSchemaRequiresStructuredContent(t *testing.T) {
	d, reg, _ := newTestDispatcher(t)
	tool := Tool{
		Name: "no-structured-output",
		OutputSchema: &jsonschema.Schema{
			Type:     "object",
			Required: []string{"answer"},
			Properties: map[string]*jsonschema.Schema{
				"answer": {Type: "string"},
			},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) ([]ContentBlock, interface{}, error) {
			return []ContentBlock{TextContent("done")}, nil, nil
		},
	}
	require.NoError(t, reg.RegisterTool(tool))

	resp := d.Handle(context.Background(), "sess-1", nil, &Request{
		Method: "tools/call", ID: NewRequestID("1"),
		Params: rawParams(t, toolsCallParams{Name: "no-structured-output"}),
	})
	require.Nil(t, resp.Error)

	var result toolsCallResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.True(t, result.IsError)
}

func TestDispatcher_ToolsCall_CancellationDuringHandlerReturnsInternalError(t *testing.T) {
	d, reg, requests := newTestDispatcher(t)
	tool := Tool{
		Name: "slow",
		Handler: func(ctx context.Context, args map[string]interface{}) ([]ContentBlock, interface{}, error) {
			rc, ok := reqctx.FromContext(ctx)
			require.True(t, ok)
			requests.Cancel(rc.RequestID, "client gave up")
			return nil, nil, nil
		},
	}
	require.NoError(t, reg.RegisterTool(tool))

	resp := d.Handle(context.Background(), "sess-1", nil, &Request{
		Method: "tools/call", ID: NewRequestID("req-cancel"),
		Params: rawParams(t, toolsCallParams{Name: "slow"}),
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrorCodeInternalError, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "cancelled")

	_, stillTracked := requests.Get("req-cancel")
	assert.False(t, stillTracked, "the cancellation handle must be removed once the call finishes")
}

func TestDispatcher_ResourcesList_Paginates(t *testing.T) {
	d, reg, _ := newTestDispatcher(t)
	for i := 0; i < 150; i++ {
		reg.RegisterResource(Resource{URI: "file:///a", Name: "a"})
	}

	resp := d.Handle(context.Background(), "", nil, &Request{Method: "resources/list", ID: NewRequestID("1")})
	require.Nil(t, resp.Error)

	var result struct {
		Resources  []Resource `json:"resources"`
		NextCursor string     `json:"nextCursor,omitempty"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Len(t, result.Resources, ResourceTemplatesPageSize)
	assert.NotEmpty(t, result.NextCursor)
}

func TestDispatcher_NotificationsInitialized_SetsSessionFlag(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	sessions := memory.NewSessionStore()
	t.Cleanup(func() { _ = sessions.Close(context.Background()) })
	d.sessions = sessions

	_, err := sessions.Create(context.Background(), "sess-1", "key")
	require.NoError(t, err)

	resp := d.Handle(context.Background(), "sess-1", nil, &Request{Method: "notifications/initialized"})
	assert.Nil(t, resp)

	rec, err := sessions.Get(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.True(t, rec.Initialized)
}

func TestDispatcher_NotificationsCancelled_UnknownRequestIDIsSilentlyTolerated(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	resp := d.Handle(context.Background(), "sess-1", nil, &Request{
		Method: "notifications/cancelled",
		Params: rawParams(t, map[string]string{"requestId": "does-not-exist"}),
	})
	assert.Nil(t, resp)
}

func TestDispatcher_NotificationsCancelled_CancelsTrackedRequest(t *testing.T) {
	d, _, requests := newTestDispatcher(t)
	rc := requests.Create("req-1", "sess-1", nil)

	resp := d.Handle(context.Background(), "sess-1", nil, &Request{
		Method: "notifications/cancelled",
		Params: rawParams(t, map[string]string{"requestId": "req-1", "reason": "superseded"}),
	})
	assert.Nil(t, resp)
	assert.True(t, rc.Cancellation.IsCancelled())
}
