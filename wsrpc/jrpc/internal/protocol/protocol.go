// Package protocol defines the wire protocol for the subset of JSON-RPC 2.0 served by jrpc: every request carries an
// integer ID and notifications are not supported.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Version is the only protocol version accepted and produced.
const Version = `2.0`

// Reserved error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603

	// RouteError is not part of JSON-RPC 2.0; it is produced when a request reaches a method table that has already
	// been closed.
	RouteError = -32500
)

// A Request is a message sent from a client to a service.
type Request struct {
	Version string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      int64           `json:"id"`
}

// A Response is a message sent from a service to a client.  Exactly one of Result and Error is set.  ID is nil when
// the request ID could not be recovered.
type Response struct {
	Version string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      *int64          `json:"id"`
}

// Succ returns a success response for id.
func Succ(id int64, result json.RawMessage) Response {
	return Response{Version: Version, Result: result, ID: &id}
}

// Fail returns an error response; id may be nil.
func Fail(id *int64, err *Error) Response {
	return Response{Version: Version, Error: err, ID: id}
}

// Valid reports whether exactly one of Result and Error is set.
func (r *Response) Valid() bool { return (r.Error == nil) != (len(r.Result) == 0) }

// An Error is the error object of a failed response.
type Error struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements error.
func (e *Error) Error() string { return fmt.Sprintf(`%v (%d)`, e.Message, e.Code) }
