// Package jrpc implements a JSON-RPC 2.0 method table.  Methods are bound to ordinary Go functions with one of the
// generic adapters (Call, Fn, StateFn, StateParamsFn, ParamsStateFn) which decode parameters, look up shared state
// and encode results, so the table itself never needs to know a handler's signature.
//
// A table is built once with New and then shared, read only, by every connection that serves it.
package jrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/swdunlop/html-go/hog"
	"github.com/swdunlop/wsjrpc-go/wsrpc/jrpc/internal/protocol"
	"github.com/swdunlop/wsjrpc-go/wsrpc/state"
)

type (
	// A Request is a decoded JSON-RPC request.
	Request = protocol.Request

	// A Response is a JSON-RPC response, carrying either a result or an error.
	Response = protocol.Response

	// An Error is a JSON-RPC error object.  Handlers may return an *Error, or an error wrapping one, to control the
	// code, message and data sent to the client.
	Error = protocol.Error
)

// Error codes produced by the table itself.  Application errors should use codes outside -32768..-32000.
const (
	ParseError     = protocol.ParseError
	InvalidRequest = protocol.InvalidRequest
	MethodNotFound = protocol.MethodNotFound
	InvalidParams  = protocol.InvalidParams
	InternalError  = protocol.InternalError
	RouteError     = protocol.RouteError
)

// NewError returns an *Error with the given code and message.
func NewError(code int64, msg string) *Error { return &Error{Code: code, Message: msg} }

// New builds a method table from the provided options.  New panics if two methods share a name, if the same state
// type is provided twice, or if a handler needs state that was never provided; these are wiring mistakes and should
// stop a server before it starts accepting connections.
func New(options ...Option) *Table {
	var cfg config
	cfg.init(options...)
	return cfg.build()
}

// An Option affects the construction of a method table.
type Option func(*config)

// State provides a shared value to any handler that declares a *S.  Only one value may be provided per type.
func State[S any](value *S) Option {
	return func(cfg *config) { state.Insert(cfg.states, value) }
}

// Use specifies middleware that is applied to all requests.  Middleware is applied in the order it is provided, so
// the last middleware is the outermost.
func Use(fn func(Handler) Handler) Option {
	return func(cfg *config) { cfg.middleware = append(cfg.middleware, fn) }
}

// Trace adds middleware that annotates the request logger with the request ID and method, then logs each request at
// debug level once it has been answered.
func Trace() Option {
	return Use(func(next Handler) Handler {
		return func(ctx *Scope) {
			ctx.Context = hog.With(ctx.Context, func(z zerolog.Context) zerolog.Context {
				return z.Int64(`id`, ctx.ID).Str(`method`, ctx.Method)
			})
			started := time.Now()
			next(ctx)
			evt := hog.From(ctx).Debug().Dur(`elapsed`, time.Since(started))
			if ctx.rsp != nil && ctx.rsp.Error != nil {
				evt = evt.Int64(`code`, ctx.rsp.Error.Code)
			}
			evt.Msg(`RPC request`)
		}
	})
}

// MapError specifies how handler errors that are not an *Error are converted for the client.  The default reports
// them as internal errors with the error text as the message.
func MapError(fn func(error) *Error) Option {
	return func(cfg *config) { cfg.mapError = fn }
}

// BatchLimit limits how many elements of a single batch are dispatched at once.  Zero or a negative limit, the
// default, imposes no limit.
func BatchLimit(n int) Option {
	return func(cfg *config) {
		if n < 1 {
			n = -1
		}
		cfg.batchLimit = n
	}
}

// Handle binds a method directly to a Handler.  The handler must answer with ctx.Succ or ctx.Fail.
func Handle(method string, handler Handler) Option {
	return func(cfg *config) {
		cfg.bind(method, func(*state.Registry) Handler { return handler })
	}
}

type config struct {
	states     *state.Registry
	binders    map[string]binder
	middleware []func(Handler) Handler
	mapError   func(error) *Error
	batchLimit int
}

// A binder produces the handler for a method once all state has been provided.
type binder func(*state.Registry) Handler

func (cfg *config) init(options ...Option) {
	cfg.states = state.New()
	cfg.binders = make(map[string]binder, len(options))
	cfg.mapError = internalError
	cfg.batchLimit = -1
	for _, opt := range options {
		opt(cfg)
	}
}

func (cfg *config) bind(method string, fn binder) {
	if _, dup := cfg.binders[method]; dup {
		panic(fmt.Sprintf(`jrpc: method %q registered twice`, method))
	}
	cfg.binders[method] = fn
}

func (cfg *config) build() *Table {
	cfg.states.Freeze()
	t := &Table{
		methods:    make(map[string]Handler, len(cfg.binders)),
		states:     cfg.states,
		mapError:   cfg.mapError,
		batchLimit: cfg.batchLimit,
	}
	for method, bind := range cfg.binders {
		t.methods[method] = bind(cfg.states)
	}
	t.handler = t.route
	for _, fn := range cfg.middleware {
		t.handler = fn(t.handler)
	}
	return t
}

// A Table maps method names to handlers.  Tables are safe for concurrent use by many connections.
type Table struct {
	methods    map[string]Handler
	handler    Handler
	states     *state.Registry
	mapError   func(error) *Error
	batchLimit int
	closed     atomic.Bool
}

// A Handler is a function that handles an RPC request by calling ctx.Succ or ctx.Fail.
type Handler func(*Scope)

// Has reports whether method is bound in the table.
func (t *Table) Has(method string) bool {
	_, ok := t.methods[method]
	return ok
}

// Close revokes the table.  Requests dispatched after Close, including batch elements that had not started yet,
// are answered with a RouteError instead of reaching their handler.  Handlers that are already running finish
// normally.
func (t *Table) Close() { t.closed.Store(true) }

// Closed reports whether Close has been called.
func (t *Table) Closed() bool { return t.closed.Load() }

// Call dispatches a single request and returns its response.  The handler runs on the calling goroutine; calls to
// the same or different methods may run concurrently.
func (t *Table) Call(ctx context.Context, req Request) Response {
	if t.closed.Load() {
		return protocol.Fail(&req.ID, routeError())
	}
	scope := t.For(ctx, req)
	t.invoke(scope)
	if scope.rsp == nil {
		return protocol.Fail(&req.ID, NewError(InternalError, `Internal error`))
	}
	return *scope.rsp
}

func (t *Table) invoke(scope *Scope) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		hog.From(scope).Error().
			Str(`method`, scope.Method).Int64(`id`, scope.ID).Interface(`panic`, r).
			Msg(`RPC handler panicked`)
		rsp := protocol.Fail(&scope.ID, NewError(InternalError, `Internal error`))
		scope.rsp = &rsp
	}()
	t.handler(scope)
}

func (t *Table) route(ctx *Scope) {
	handler := t.methods[ctx.Method]
	if handler == nil {
		_ = ctx.Fail(&Error{Code: MethodNotFound, Message: `Method not found`, Data: ctx.Method})
		return
	}
	handler(ctx)
}

// errorFor converts a handler error into an error object.
func (t *Table) errorFor(err error) *Error {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	var coder interface{ RPCError() *Error }
	if errors.As(err, &coder) {
		return coder.RPCError()
	}
	if ret := t.mapError(err); ret != nil {
		return ret
	}
	return internalError(err)
}

func internalError(err error) *Error { return NewError(InternalError, err.Error()) }

func routeError() *Error { return NewError(RouteError, `Server Internal Route error`) }

// For creates the scope of a request handled by this table.  Generally this is not necessary but it can be useful
// for testing handlers directly.
func (t *Table) For(ctx context.Context, req Request) *Scope {
	self := &Scope{Request: req, table: t}
	self.Context = context.WithValue(ctx, ctxKey{}, self)
	return self
}

// From returns the scope of the request from a Go context.  May return nil if there is no RPC scope in the Go
// context.
func From(ctx context.Context) *Scope {
	rcx, _ := ctx.Value(ctxKey{}).(*Scope)
	return rcx
}

type ctxKey struct{}

// A Scope describes the scope of an RPC request.
type Scope struct {
	context.Context
	Request
	table *Table
	rsp   *Response
}

// Succ answers the request with result, which is encoded as JSON.
func (ctx *Scope) Succ(result any) error {
	js, err := json.Marshal(result)
	if err != nil {
		_ = ctx.respond(protocol.Fail(&ctx.ID, NewError(InternalError, `Internal error`)))
		return fmt.Errorf(`%w while encoding result`, err)
	}
	return ctx.respond(protocol.Succ(ctx.ID, js))
}

// Fail answers the request with an error.  See Table for how errors are converted to error objects.
func (ctx *Scope) Fail(err error) error {
	if err == nil {
		err = errors.New(`handler failed without an error`)
	}
	rpcErr := ctx.table.errorFor(err)
	if rpcErr.Data != nil {
		if _, encErr := json.Marshal(rpcErr.Data); encErr != nil {
			rpcErr = &Error{Code: rpcErr.Code, Message: rpcErr.Message}
		}
	}
	return ctx.respond(protocol.Fail(&ctx.ID, rpcErr))
}

// Response returns the response recorded for this request, if any.
func (ctx *Scope) Response() (Response, bool) {
	if ctx.rsp == nil {
		return Response{}, false
	}
	return *ctx.rsp, true
}

func (ctx *Scope) respond(ret Response) error {
	if ctx.rsp != nil {
		// A handler answered twice, which is a programming error.  The first answer stands.
		return fmt.Errorf(`response already sent for %q`, ctx.Method)
	}
	ctx.rsp = &ret
	return nil
}
