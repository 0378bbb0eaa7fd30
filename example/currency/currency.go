// Package currency is a small example application for wsrpc: a store of currency details shared by every
// connection and a counter, both guarded by their own locks.
package currency

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/swdunlop/wsjrpc-go/wsrpc/jrpc"
)

// Application error codes.  These stay clear of the range reserved by JSON-RPC.
const (
	ParamIsNone Error = 1000
	Unexpected  Error = 9999
)

// An Error is an application error code that maps itself to a JSON-RPC error object.
type Error int64

func (e Error) Error() string { return e.message() }

// RPCError implements the interface jrpc uses to convert handler errors.
func (e Error) RPCError() *jrpc.Error { return jrpc.NewError(int64(e), e.message()) }

func (e Error) message() string {
	switch e {
	case ParamIsNone:
		return `Param is none`
	default:
		return `Unexpect error`
	}
}

// A Detail describes one currency.
type Detail struct {
	Value  uint64 `json:"value"`
	ID     string `json:"id"`
	Dcds   string `json:"dcds"`
	Locked bool   `json:"locked"`
	Owner  string `json:"owner"`
}

// DetailParams are the parameters of currency.ids.detail.
type DetailParams struct {
	IDs []string `json:"ids"`
}

// A Store holds currency details by id.
type Store struct {
	mu      sync.RWMutex
	details map[string]Detail
}

// NewStore returns a store holding the given details.
func NewStore(details ...Detail) *Store {
	s := &Store{details: make(map[string]Detail, len(details))}
	for _, d := range details {
		s.details[d.ID] = d
	}
	return s
}

// Put adds or replaces a detail.
func (s *Store) Put(d Detail) error {
	if d.ID == `` {
		return errors.New(`currency id is required`)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.details[d.ID] = d
	return nil
}

// DetailsByIDs returns the details for the ids that are known, in the order requested.  An empty id list is
// ParamIsNone.
func (s *Store) DetailsByIDs(ids []string) ([]Detail, error) {
	if len(ids) == 0 {
		return nil, ParamIsNone
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Detail, 0, len(ids))
	for _, id := range ids {
		if d, ok := s.details[id]; ok {
			out = append(out, d)
		}
	}
	return out, nil
}

// IDs lists every known id in sorted order.
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.details))
	for id := range s.details {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// A Counter counts calls to counter.add across every connection.
type Counter struct {
	mu sync.Mutex
	n  int64
}

// Add increments the counter and returns the new total.
func (c *Counter) Add() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return c.n
}

// Value is the parameter and result of echo.
type Value struct {
	Value int `json:"value"`
}

// Options returns table options that register the store, the counter and every example method.
func Options(store *Store, counter *Counter) []jrpc.Option {
	return []jrpc.Option{
		jrpc.State(store),
		jrpc.State(counter),
		jrpc.StateParamsFn(`currency.ids.detail`, func(_ *jrpc.Scope, s *Store, p DetailParams) ([]Detail, error) {
			return s.DetailsByIDs(p.IDs)
		}),
		jrpc.ParamsStateFn(`currency.put`, func(_ *jrpc.Scope, d Detail, s *Store) (Detail, error) {
			err := s.Put(d)
			if err != nil {
				return d, &jrpc.Error{Code: jrpc.InvalidParams, Message: `Invalid params`, Data: err.Error()}
			}
			return d, nil
		}),
		jrpc.StateFn(`currency.ids`, func(_ *jrpc.Scope, s *Store) ([]string, error) {
			return s.IDs(), nil
		}),
		jrpc.StateFn(`counter.add`, func(_ *jrpc.Scope, c *Counter) (int64, error) {
			return c.Add(), nil
		}),
		jrpc.Fn(`echo`, func(_ *jrpc.Scope, v Value) (Value, error) {
			return v, nil
		}),
		jrpc.Call(`ping`, func(*jrpc.Scope) (string, error) {
			return `pong`, nil
		}),
	}
}

// Table builds a method table for the example application.  Extra options, such as jrpc.Trace, are applied after
// the example methods.
func Table(store *Store, counter *Counter, extra ...jrpc.Option) *jrpc.Table {
	return jrpc.New(append(Options(store, counter), extra...)...)
}

// Sample returns a store seeded with a few details, useful for demonstrations.
func Sample() *Store {
	details := make([]Detail, 0, 3)
	for i, owner := range []string{`alice`, `bob`, `carol`} {
		details = append(details, Detail{
			Value: uint64(100 * (i + 1)),
			ID:    fmt.Sprintf(`c%d`, i+1),
			Dcds:  `demo`,
			Owner: owner,
		})
	}
	return NewStore(details...)
}
