package mcp

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestID_MarshalUnmarshal_String(t *testing.T) {
	id := NewRequestID("abc")
	raw, err := json.Marshal(id)
	require.NoError(t, err)
	assert.Equal(t, `"abc"`, string(raw))

	var got RequestID
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "abc", got.String())
}

func TestRequestID_UnmarshalNumber(t *testing.T) {
	var id RequestID
	require.NoError(t, json.Unmarshal([]byte("42"), &id))
	assert.Equal(t, "42", id.String())
}

func TestRequestID_UnmarshalRejectsObject(t *testing.T) {
	var id RequestID
	err := json.Unmarshal([]byte(`{}`), &id)
	assert.Error(t, err)
}

func TestAnyMessage_RejectsUnknownVersion(t *testing.T) {
	var m AnyMessage
	err := json.Unmarshal([]byte(`{"jsonrpc":"1.0","method":"ping"}`), &m)
	assert.Error(t, err)
}

func TestAnyMessage_RequestHasNoResultOrError(t *testing.T) {
	var m AnyMessage
	err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","method":"ping","result":{}}`), &m)
	assert.Error(t, err)
}

func TestAnyMessage_ResponseNeedsExactlyOneOfResultOrError(t *testing.T) {
	var m AnyMessage
	err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","id":1}`), &m)
	assert.Error(t, err)

	err = json.Unmarshal([]byte(`{"jsonrpc":"2.0","id":1,"result":{},"error":{"code":-32603,"message":"boom"}}`), &m)
	assert.Error(t, err)
}

func TestAnyMessage_TypeClassification(t *testing.T) {
	var request AnyMessage
	require.NoError(t, json.Unmarshal([]byte(`{"jsonrpc":"2.0","method":"ping","id":1}`), &request))
	assert.Equal(t, MessageTypeRequest, request.Type())

	var notification AnyMessage
	require.NoError(t, json.Unmarshal([]byte(`{"jsonrpc":"2.0","method":"notifications/cancelled"}`), &notification))
	assert.Equal(t, MessageTypeNotification, notification.Type())

	var response AnyMessage
	require.NoError(t, json.Unmarshal([]byte(`{"jsonrpc":"2.0","id":1,"result":{}}`), &response))
	assert.Equal(t, MessageTypeResponse, response.Type())
}

func TestNewResultResponse_And_NewErrorResponse(t *testing.T) {
	id := NewRequestID("req-1")

	resp, err := NewResultResponse(id, map[string]string{"ok": "true"})
	require.NoError(t, err)
	assert.Nil(t, resp.Error)
	assert.JSONEq(t, `{"ok":"true"}`, string(resp.Result))

	errResp := NewErrorResponse(id, ErrorCodeInvalidParams, "bad params", nil)
	assert.Equal(t, ErrorCodeInvalidParams, errResp.Error.Code)
	assert.Nil(t, errResp.Result)
}
