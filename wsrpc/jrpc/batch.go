package jrpc

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/swdunlop/wsjrpc-go/wsrpc/jrpc/internal/protocol"
	"golang.org/x/sync/errgroup"
)

// Handle decodes a payload holding one JSON document, dispatches the request or batch it contains, and returns the
// encoded response.  Handle always returns a response: malformed payloads produce a ParseError and malformed
// requests produce an InvalidRequest error.
func (t *Table) Handle(ctx context.Context, payload []byte) []byte {
	js, err := json.Marshal(t.Dispatch(ctx, payload))
	if err != nil {
		// Responses are built from encoded results and checked error data, so this is not expected.
		js, _ = json.Marshal(protocol.Fail(nil, NewError(InternalError, `Internal error`)))
	}
	return js
}

// A Reply is the answer to one payload: either a single response or the responses to a batch.
type Reply struct {
	Single *Response
	Batch  []Response
}

// MarshalJSON implements json.Marshaler.
func (r Reply) MarshalJSON() ([]byte, error) {
	if r.Single != nil {
		return json.Marshal(r.Single)
	}
	if r.Batch == nil {
		return []byte(`[]`), nil
	}
	return json.Marshal(r.Batch)
}

// Dispatch is Handle without the final encoding.
func (t *Table) Dispatch(ctx context.Context, payload []byte) Reply {
	if !json.Valid(payload) {
		return single(protocol.Fail(nil, NewError(ParseError, `Parse error`)))
	}
	switch firstByte(payload) {
	case '{':
		return single(t.dispatch(ctx, payload))
	case '[':
		return t.batch(ctx, payload)
	default:
		return single(protocol.Fail(nil, NewError(ParseError, `Parse error`)))
	}
}

func single(rsp Response) Reply { return Reply{Single: &rsp} }

func firstByte(js []byte) byte {
	js = bytes.TrimLeft(js, " \t\r\n")
	if len(js) == 0 {
		return 0
	}
	return js[0]
}

// batch dispatches every element of a batch concurrently.  One response is produced per element, and a failing
// element never affects its siblings.
func (t *Table) batch(ctx context.Context, payload []byte) Reply {
	var elems []json.RawMessage
	err := json.Unmarshal(payload, &elems)
	if err != nil {
		return single(protocol.Fail(nil, NewError(ParseError, `Parse error`)))
	}
	if len(elems) == 0 {
		return single(protocol.Fail(nil, NewError(InvalidRequest, `Invalid request`)))
	}

	out := make([]Response, len(elems))
	var group errgroup.Group
	group.SetLimit(t.batchLimit)
	for i, elem := range elems {
		group.Go(func() error {
			out[i] = t.dispatch(ctx, elem)
			return nil
		})
	}
	// Every element writes only its own slot; Wait orders all of those writes before out is read.
	_ = group.Wait()
	return Reply{Batch: out}
}

// dispatch validates one request object and calls it.  Each element of a batch checks whether the table has been
// closed when it starts, so elements that start after Close receive a RouteError.
func (t *Table) dispatch(ctx context.Context, raw json.RawMessage) Response {
	req, id, rpcErr := parseRequest(raw)
	if t.closed.Load() {
		return protocol.Fail(id, routeError())
	}
	if rpcErr != nil {
		return protocol.Fail(id, rpcErr)
	}
	return t.Call(ctx, req)
}

type envelope struct {
	Version string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      json.RawMessage `json:"id"`
}

// parseRequest decodes a request object, recovering the request ID when possible even if the rest of the object is
// malformed.
func parseRequest(raw json.RawMessage) (Request, *int64, *Error) {
	var env envelope
	err := json.Unmarshal(raw, &env) // fields that do decode are kept even if another field has the wrong type
	id, ok := parseID(env.ID)
	switch {
	case err != nil:
		return Request{}, id, &Error{Code: InvalidRequest, Message: `Invalid request`, Data: err.Error()}
	case !ok:
		return Request{}, nil, &Error{Code: InvalidRequest, Message: `Invalid request`, Data: `id must be an integer`}
	case env.Version != protocol.Version:
		return Request{}, id, &Error{Code: InvalidRequest, Message: `Invalid request`, Data: `jsonrpc must be "2.0"`}
	case env.Method == ``:
		return Request{}, id, &Error{Code: InvalidRequest, Message: `Invalid request`, Data: `method is required`}
	}
	return Request{Version: env.Version, Method: env.Method, Params: env.Params, ID: *id}, id, nil
}

func parseID(js json.RawMessage) (*int64, bool) {
	js = bytes.TrimSpace(js)
	if len(js) == 0 || bytes.Equal(js, null) {
		return nil, false
	}
	var id int64
	if json.Unmarshal(js, &id) != nil {
		return nil, false
	}
	return &id, true
}
