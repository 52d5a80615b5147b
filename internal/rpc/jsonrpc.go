// Package rpc implements the JSON-RPC 2.0 surface spoken to API
// clients over WebSocket and newline-delimited TCP.
package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Standard JSON-RPC 2.0 error codes, plus the gateway's application
// range.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeNotAuthenticated = -32000
	CodeRateLimited      = -32001
	CodePermissionDenied = -32002
	CodeSessionExpired   = -32003
	CodeGatewayError     = -32004
)

// Request is one JSON-RPC 2.0 call. A missing id marks a notification,
// which never receives a response.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Notification reports whether the request expects no response.
func (r *Request) Notification() bool {
	return len(r.ID) == 0 || bytes.Equal(r.ID, []byte("null"))
}

// Valid reports whether the request satisfies the 2.0 envelope rules.
func (r *Request) Valid() bool {
	return r.JSONRPC == "2.0" && r.Method != ""
}

// Error is the JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Errorf builds an *Error with a formatted message.
func Errorf(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithData attaches structured context to the error and returns it.
func (e *Error) WithData(data any) *Error {
	e.Data = data
	return e
}

// Notification serializes a server-initiated push frame.
func Notification(method string, params any) ([]byte, error) {
	return json.Marshal(struct {
		JSONRPC string `json:"jsonrpc"`
		Method  string `json:"method"`
		Params  any    `json:"params,omitempty"`
	}{JSONRPC: "2.0", Method: method, Params: params})
}

// Response is one JSON-RPC 2.0 reply.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

func resultResponse(id json.RawMessage, result any) *Response {
	if result == nil {
		result = struct{}{}
	}
	return &Response{JSONRPC: "2.0", ID: id, Result: result}
}

func errorResponse(id json.RawMessage, err *Error) *Response {
	if id == nil {
		id = json.RawMessage("null")
	}
	return &Response{JSONRPC: "2.0", ID: id, Error: err}
}

// parseRequests splits a raw frame into its requests. batch is true for
// JSON arrays, including the invalid empty batch.
func parseRequests(raw []byte) (reqs []json.RawMessage, batch bool, err *Error) {
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, false, Errorf(CodeParseError, "empty frame")
	}
	if trimmed[0] == '[' {
		var items []json.RawMessage
		if jerr := json.Unmarshal(raw, &items); jerr != nil {
			return nil, false, Errorf(CodeParseError, "parse error")
		}
		return items, true, nil
	}
	if !json.Valid(raw) {
		return nil, false, Errorf(CodeParseError, "parse error")
	}
	return []json.RawMessage{raw}, false, nil
}
