// Package rpc defines the JSON-RPC 2.0 envelope and method payloads of
// the host control API.
package rpc

import (
	"encoding/json"
	"fmt"
)

const Version = "2.0"

type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the caller expects no response.
func (r Request) IsNotification() bool {
	return len(r.ID) == 0
}

// DecodedID returns the request id as a JSON value, or nil.
func (r Request) DecodedID() any {
	if len(r.ID) == 0 {
		return nil
	}
	var id any
	if err := json.Unmarshal(r.ID, &id); err != nil {
		return nil
	}
	return id
}

type Response struct {
	JSONRPC string `json:"jsonrpc"`
	ID      any    `json:"id,omitempty"`
	Result  any    `json:"result,omitempty"`
	Error   *Error `json:"error,omitempty"`
}

type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

func NewNotification(method string, params any) Notification {
	return Notification{JSONRPC: Version, Method: method, Params: params}
}

type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func ResultResponse(id, result any) Response {
	return Response{JSONRPC: Version, ID: id, Result: result}
}

func ErrorResponse(id any, code int, msg string, data any) Response {
	return Response{
		JSONRPC: Version,
		ID:      id,
		Error:   &Error{Code: code, Message: msg, Data: data},
	}
}

const (
	ErrParse          = -32700
	ErrInvalidRequest = -32600
	ErrMethodNotFound = -32601
	ErrInvalidParams  = -32602
	ErrInternal       = -32603

	ErrForbiddenPath = -32002
	ErrTimeout       = -32003
	ErrRunNotFound   = -32005
	ErrResourceLimit = -32008
	ErrSpawnFailed   = -32009
	ErrTermNotFound  = -32010
)
