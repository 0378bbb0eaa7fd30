package jrpc

import (
	"bytes"
	"encoding/json"

	"github.com/swdunlop/wsjrpc-go/wsrpc/state"
)

// Call binds a method that takes no parameters and no state.  Any parameters sent by the client are ignored.
func Call[O any](method string, fn func(*Scope) (O, error)) Option {
	return func(cfg *config) {
		cfg.bind(method, func(*state.Registry) Handler {
			return func(ctx *Scope) {
				out, err := fn(ctx)
				reply(ctx, out, err)
			}
		})
	}
}

// Fn binds a method whose parameters are decoded into an I.  If decoding fails, the client receives an
// InvalidParams error and fn is not called.
func Fn[I, O any](method string, fn func(*Scope, I) (O, error)) Option {
	return func(cfg *config) {
		cfg.bind(method, func(*state.Registry) Handler {
			return func(ctx *Scope) {
				in, ok := decode[I](ctx)
				if !ok {
					return
				}
				out, err := fn(ctx, in)
				reply(ctx, out, err)
			}
		})
	}
}

// StateFn binds a method that needs the shared *S provided with State.
func StateFn[S, O any](method string, fn func(*Scope, *S) (O, error)) Option {
	return func(cfg *config) {
		cfg.bind(method, func(reg *state.Registry) Handler {
			s := state.MustGet[S](reg)
			return func(ctx *Scope) {
				out, err := fn(ctx, s)
				reply(ctx, out, err)
			}
		})
	}
}

// StateParamsFn binds a method that needs the shared *S and parameters decoded into an I.
func StateParamsFn[S, I, O any](method string, fn func(*Scope, *S, I) (O, error)) Option {
	return func(cfg *config) {
		cfg.bind(method, func(reg *state.Registry) Handler {
			s := state.MustGet[S](reg)
			return func(ctx *Scope) {
				in, ok := decode[I](ctx)
				if !ok {
					return
				}
				out, err := fn(ctx, s, in)
				reply(ctx, out, err)
			}
		})
	}
}

// ParamsStateFn is StateParamsFn for functions that take their parameters before their state.
func ParamsStateFn[I, S, O any](method string, fn func(*Scope, I, *S) (O, error)) Option {
	return StateParamsFn(method, func(ctx *Scope, s *S, in I) (O, error) { return fn(ctx, in, s) })
}

// decode decodes the request parameters into an I, answering with InvalidParams on failure.  Absent and null
// parameters leave I at its zero value.  Object fields that I does not declare are rejected.
func decode[I any](ctx *Scope) (in I, ok bool) {
	if len(ctx.Params) == 0 || bytes.Equal(ctx.Params, null) {
		return in, true
	}
	dec := json.NewDecoder(bytes.NewReader(ctx.Params))
	dec.DisallowUnknownFields()
	err := dec.Decode(&in)
	if err != nil {
		_ = ctx.Fail(&Error{Code: InvalidParams, Message: `Invalid params`, Data: err.Error()})
		return in, false
	}
	return in, true
}

func reply[O any](ctx *Scope, out O, err error) {
	if err != nil {
		_ = ctx.Fail(err)
		return
	}
	_ = ctx.Succ(out)
}

var null = []byte(`null`)
