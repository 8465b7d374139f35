package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrorCode is a JSON-RPC 2.0 error code.
type ErrorCode int

const (
	ErrorCodeParseError     ErrorCode = -32700
	ErrorCodeInvalidRequest ErrorCode = -32600
	ErrorCodeMethodNotFound ErrorCode = -32601
	ErrorCodeInvalidParams  ErrorCode = -32602
	ErrorCodeInternalError  ErrorCode = -32603

	// ErrorCodeServerError is used for auth/session envelope errors that
	// don't fit the JSON-RPC-defined codes above: an unknown or expired
	// Mcp-Session-Id, a request issued before initialize completed, and
	// similar transport-adjacent failures the dispatcher surfaces as a
	// JSON-RPC error rather than an HTTP status.
	ErrorCodeServerError ErrorCode = -32000
)

// RequestID wraps a JSON-RPC request id, which must marshal as either a JSON
// string or a JSON number, never as anything else (including null, once
// present).
type RequestID struct {
	value interface{}
}

// NewRequestID wraps a string or numeric value as a RequestID.
func NewRequestID(value interface{}) *RequestID {
	return &RequestID{value: value}
}

// Value returns the wrapped id.
func (id *RequestID) Value() interface{} {
	if id == nil {
		return nil
	}
	return id.value
}

// IsNil reports whether id is a nil *RequestID (a notification has none).
func (id *RequestID) IsNil() bool {
	return id == nil
}

// String renders the id for logging; safe on a nil receiver.
func (id *RequestID) String() string {
	if id == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%v", id.value)
}

// MarshalJSON encodes the id as a bare string or number.
func (id *RequestID) MarshalJSON() ([]byte, error) {
	if id == nil {
		return []byte("null"), nil
	}
	return json.Marshal(id.value)
}

// UnmarshalJSON decodes a bare string or number into the id.
func (id *RequestID) UnmarshalJSON(data []byte) error {
	var asNumber json.Number
	if err := json.Unmarshal(data, &asNumber); err == nil {
		id.value = asNumber
		return nil
	}
	var asString string
	if err := json.Unmarshal(data, &asString); err == nil {
		id.value = asString
		return nil
	}
	return errors.New("jsonrpc: request id must be a string or number")
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    ErrorCode   `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc: %d %s", e.Code, e.Message)
}

// NewError builds an *Error.
func NewError(code ErrorCode, message string, data interface{}) *Error {
	return &Error{Code: code, Message: message, Data: data}
}

// Request is a JSON-RPC 2.0 request or notification (ID is nil for a
// notification).
type Request struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Method         string          `json:"method"`
	Params         json.RawMessage `json:"params,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// IsNotification reports whether the request carries no id.
func (r *Request) IsNotification() bool {
	return r.ID == nil
}

// Response is a JSON-RPC 2.0 response: exactly one of Result or Error is
// set.
type Response struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
	ID             *RequestID      `json:"id"`
}

// NewResultResponse marshals result into a success Response.
func NewResultResponse(id *RequestID, result interface{}) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("jsonrpc: marshal result: %w", err)
	}
	return &Response{JSONRPCVersion: "2.0", Result: raw, ID: id}, nil
}

// NewErrorResponse builds a failure Response.
func NewErrorResponse(id *RequestID, code ErrorCode, message string, data interface{}) *Response {
	return &Response{JSONRPCVersion: "2.0", Error: NewError(code, message, data), ID: id}
}

// AnyMessage decodes either a request/notification or a response, and
// enforces JSON-RPC 2.0's structural rules on the way in: a message with a
// non-empty method is a request (and must carry no result/error); a message
// without one is a response (and must carry exactly one of result/error).
type AnyMessage struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Method         string          `json:"method,omitempty"`
	Params         json.RawMessage `json:"params,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// MessageType identifies what an AnyMessage decoded as.
type MessageType string

const (
	MessageTypeRequest      MessageType = "request"
	MessageTypeNotification MessageType = "notification"
	MessageTypeResponse     MessageType = "response"
)

// Type classifies the decoded message.
func (m *AnyMessage) Type() MessageType {
	if m.Method != "" {
		if m.ID == nil {
			return MessageTypeNotification
		}
		return MessageTypeRequest
	}
	return MessageTypeResponse
}

// AsRequest converts a request/notification-typed message to a *Request.
func (m *AnyMessage) AsRequest() *Request {
	return &Request{
		JSONRPCVersion: m.JSONRPCVersion,
		Method:         m.Method,
		Params:         m.Params,
		ID:             m.ID,
	}
}

// AsResponse converts a response-typed message to a *Response.
func (m *AnyMessage) AsResponse() *Response {
	return &Response{
		JSONRPCVersion: m.JSONRPCVersion,
		Result:         m.Result,
		Error:          m.Error,
		ID:             m.ID,
	}
}

// UnmarshalJSON enforces JSON-RPC 2.0 message shape on decode.
func (m *AnyMessage) UnmarshalJSON(data []byte) error {
	type wire struct {
		JSONRPCVersion string          `json:"jsonrpc"`
		Method         string          `json:"method,omitempty"`
		Params         json.RawMessage `json:"params,omitempty"`
		Result         json.RawMessage `json:"result,omitempty"`
		Error          *Error          `json:"error,omitempty"`
		ID             *RequestID      `json:"id,omitempty"`
	}
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("jsonrpc: decode message: %w", err)
	}
	if w.JSONRPCVersion != "2.0" {
		return fmt.Errorf("jsonrpc: unsupported jsonrpc version %q", w.JSONRPCVersion)
	}
	if w.Method != "" {
		if len(w.Result) > 0 || w.Error != nil {
			return errors.New("jsonrpc: a message with a method must not carry result or error")
		}
	} else {
		hasResult := len(w.Result) > 0
		hasError := w.Error != nil
		if hasResult == hasError {
			return errors.New("jsonrpc: a response must carry exactly one of result or error")
		}
	}
	m.JSONRPCVersion = w.JSONRPCVersion
	m.Method = w.Method
	m.Params = w.Params
	m.Result = w.Result
	m.Error = w.Error
	m.ID = w.ID
	return nil
}
