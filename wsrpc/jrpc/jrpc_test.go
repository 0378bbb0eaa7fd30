package jrpc_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/swdunlop/wsjrpc-go/wsrpc/jrpc"
)

type echoParams struct {
	Value int `json:"value"`
}

type shared struct {
	mu    sync.Mutex
	count int
	name  string
}

type appError struct{ reason string }

func (e appError) Error() string { return e.reason }

func (e appError) RPCError() *jrpc.Error {
	return &jrpc.Error{Code: 1000, Message: `Param is none`, Data: e.reason}
}

func echo(_ *jrpc.Scope, p echoParams) (echoParams, error) { return p, nil }

func newTable(t *testing.T, options ...jrpc.Option) *jrpc.Table {
	t.Helper()
	base := []jrpc.Option{
		jrpc.State(&shared{name: `abcdefg`}),
		jrpc.Fn(`echo`, echo),
		jrpc.Call(`ping`, func(*jrpc.Scope) (string, error) { return `pong`, nil }),
		jrpc.StateFn(`name`, func(_ *jrpc.Scope, s *shared) (string, error) { return s.name, nil }),
		jrpc.StateParamsFn(`add`, func(_ *jrpc.Scope, s *shared, n int) (int, error) {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.count += n
			return s.count, nil
		}),
		jrpc.ParamsStateFn(`greet`, func(_ *jrpc.Scope, greeting string, s *shared) (string, error) {
			return greeting + `, ` + s.name, nil
		}),
		jrpc.Fn(`fail`, func(_ *jrpc.Scope, reason string) (any, error) { return nil, appError{reason} }),
	}
	return jrpc.New(append(base, options...)...)
}

// response is a decoded response that tolerates any id and result.
type response struct {
	Version string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *jrpc.Error     `json:"error"`
	ID      *int64          `json:"id"`
}

func handle(t *testing.T, table *jrpc.Table, payload string) response {
	t.Helper()
	var rsp response
	js := table.Handle(context.Background(), []byte(payload))
	if err := json.Unmarshal(js, &rsp); err != nil {
		t.Fatalf(`%v while decoding %s`, err, js)
	}
	if (rsp.Error == nil) == (rsp.Result == nil) {
		t.Fatalf(`response %s must carry exactly one of result and error`, js)
	}
	return rsp
}

func handleBatch(t *testing.T, table *jrpc.Table, payload string) map[int64]response {
	t.Helper()
	var rsps []response
	js := table.Handle(context.Background(), []byte(payload))
	if err := json.Unmarshal(js, &rsps); err != nil {
		t.Fatalf(`%v while decoding %s`, err, js)
	}
	byID := make(map[int64]response, len(rsps))
	for _, rsp := range rsps {
		if rsp.ID == nil {
			t.Fatalf(`batch response without id in %s`, js)
		}
		byID[*rsp.ID] = rsp
	}
	if len(byID) != len(rsps) {
		t.Fatalf(`duplicate ids in %s`, js)
	}
	return byID
}

func TestEchoScenario(t *testing.T) {
	table := newTable(t)
	js := table.Handle(context.Background(), []byte(`{"jsonrpc":"2.0","method":"echo","params":{"value":7},"id":1}`))
	if got, want := string(js), `{"jsonrpc":"2.0","result":{"value":7},"id":1}`; got != want {
		t.Errorf(`got %s, want %s`, got, want)
	}
}

func TestHandlerShapes(t *testing.T) {
	table := newTable(t)
	tests := []struct {
		name    string
		payload string
		want    string
	}{
		{`no input`, `{"jsonrpc":"2.0","method":"ping","id":1}`, `"pong"`},
		{`no input ignores params`, `{"jsonrpc":"2.0","method":"ping","params":[1,2],"id":2}`, `"pong"`},
		{`state only`, `{"jsonrpc":"2.0","method":"name","params":{},"id":3}`, `"abcdefg"`},
		{`params only`, `{"jsonrpc":"2.0","method":"echo","params":{"value":-3},"id":4}`, `{"value":-3}`},
		{`null params`, `{"jsonrpc":"2.0","method":"echo","params":null,"id":5}`, `{"value":0}`},
		{`state then params`, `{"jsonrpc":"2.0","method":"add","params":5,"id":6}`, `5`},
		{`params then state`, `{"jsonrpc":"2.0","method":"greet","params":"hello","id":7}`, `"hello, abcdefg"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rsp := handle(t, table, tt.payload)
			if rsp.Error != nil {
				t.Fatalf(`unexpected error %v`, rsp.Error)
			}
			if string(rsp.Result) != tt.want {
				t.Errorf(`got %s, want %s`, rsp.Result, tt.want)
			}
		})
	}
}

func TestErrorCodes(t *testing.T) {
	table := newTable(t)
	tests := []struct {
		name    string
		payload string
		code    int64
		id      *int64
	}{
		{`missing method`, `{"jsonrpc":"2.0","method":"missing","params":{},"id":2}`, jrpc.MethodNotFound, ptr(2)},
		{`invalid params`, `{"jsonrpc":"2.0","method":"echo","params":{"value":"seven"},"id":3}`, jrpc.InvalidParams, ptr(3)},
		{`params of the wrong shape`, `{"jsonrpc":"2.0","method":"echo","params":[7],"id":4}`, jrpc.InvalidParams, ptr(4)},
		{`unknown param field`, `{"jsonrpc":"2.0","method":"echo","params":{"err_param":1},"id":6}`, jrpc.InvalidParams, ptr(6)},
		{`application error`, `{"jsonrpc":"2.0","method":"fail","params":"empty","id":5}`, 1000, ptr(5)},
		{`malformed json`, `{"jsonrpc":"2.0",`, jrpc.ParseError, nil},
		{`number`, `5`, jrpc.ParseError, nil},
		{`string`, `"echo"`, jrpc.ParseError, nil},
		{`empty`, ``, jrpc.ParseError, nil},
		{`empty batch`, `[]`, jrpc.InvalidRequest, nil},
		{`missing id`, `{"jsonrpc":"2.0","method":"echo"}`, jrpc.InvalidRequest, nil},
		{`fractional id`, `{"jsonrpc":"2.0","method":"echo","id":1.5}`, jrpc.InvalidRequest, nil},
		{`wrong version`, `{"jsonrpc":"1.0","method":"echo","id":8}`, jrpc.InvalidRequest, ptr(8)},
		{`method not a string`, `{"jsonrpc":"2.0","method":7,"id":9}`, jrpc.InvalidRequest, ptr(9)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rsp := handle(t, table, tt.payload)
			if rsp.Error == nil {
				t.Fatalf(`expected an error, got result %s`, rsp.Result)
			}
			if rsp.Error.Code != tt.code {
				t.Errorf(`got code %d, want %d`, rsp.Error.Code, tt.code)
			}
			if diff := cmp.Diff(tt.id, rsp.ID); diff != `` {
				t.Errorf(`id mismatch (-want +got):\n%s`, diff)
			}
		})
	}
}

func TestInvalidParamsSkipsHandler(t *testing.T) {
	var calls atomic.Int32
	table := jrpc.New(jrpc.Fn(`count`, func(_ *jrpc.Scope, p echoParams) (int, error) {
		calls.Add(1)
		return p.Value, nil
	}))
	for _, params := range []string{`{"value":{}}`, `{"err_param":1}`, `{"value":1,"extra":true}`} {
		rsp := handle(t, table, `{"jsonrpc":"2.0","method":"count","params":`+params+`,"id":1}`)
		if rsp.Error == nil || rsp.Error.Code != jrpc.InvalidParams {
			t.Errorf(`%s: expected invalid params, got %+v`, params, rsp)
		}
	}
	if n := calls.Load(); n != 0 {
		t.Errorf(`handler was called %d times`, n)
	}
}

func TestBatchScenario(t *testing.T) {
	table := newTable(t)
	rsps := handleBatch(t, table, `[
		{"jsonrpc":"2.0","method":"echo","params":{"value":1},"id":10},
		{"jsonrpc":"2.0","method":"missing","params":{},"id":11},
		{"jsonrpc":"2.0","method":"echo","params":{"value":3},"id":12}
	]`)
	if len(rsps) != 3 {
		t.Fatalf(`got %d responses, want 3`, len(rsps))
	}
	if rsp := rsps[11]; rsp.Error == nil || rsp.Error.Code != jrpc.MethodNotFound {
		t.Errorf(`expected method not found for id 11, got %+v`, rsp)
	}
	for id, want := range map[int64]string{10: `{"value":1}`, 12: `{"value":3}`} {
		if got := string(rsps[id].Result); got != want {
			t.Errorf(`id %d: got %s, want %s`, id, got, want)
		}
	}
}

func TestBatchIsolatesMalformedElements(t *testing.T) {
	table := newTable(t)
	js := table.Handle(context.Background(), []byte(`[
		{"jsonrpc":"2.0","method":"echo","params":{"value":1},"id":1},
		5,
		{"jsonrpc":"2.0","method":"echo","params":{"value":"x"},"id":3},
		{"jsonrpc":"2.0","method":7,"id":4},
		{"jsonrpc":"2.0","method":"fail","params":"boom","id":5}
	]`))
	var rsps []response
	if err := json.Unmarshal(js, &rsps); err != nil {
		t.Fatal(err)
	}
	if len(rsps) != 5 {
		t.Fatalf(`got %d responses, want 5: %s`, len(rsps), js)
	}
	codes := map[string]int64{}
	for _, rsp := range rsps {
		key := `null`
		if rsp.ID != nil {
			key = fmt.Sprint(*rsp.ID)
		}
		if rsp.Error != nil {
			codes[key] = rsp.Error.Code
		} else {
			codes[key] = 0
		}
	}
	want := map[string]int64{
		`1`:    0,
		`null`: jrpc.InvalidRequest,
		`3`:    jrpc.InvalidParams,
		`4`:    jrpc.InvalidRequest,
		`5`:    1000,
	}
	if diff := cmp.Diff(want, codes); diff != `` {
		t.Errorf(`codes by id (-want +got):\n%s`, diff)
	}
}

func TestBatchRunsConcurrently(t *testing.T) {
	const n = 8
	var arrived sync.WaitGroup
	arrived.Add(n)
	table := jrpc.New(jrpc.Fn(`rendezvous`, func(_ *jrpc.Scope, id int) (int, error) {
		arrived.Done()
		arrived.Wait() // only returns once every element of the batch is running
		return id, nil
	}))

	var sb strings.Builder
	sb.WriteString(`[`)
	for i := 0; i < n; i++ {
		if i > 0 {
			sb.WriteString(`,`)
		}
		fmt.Fprintf(&sb, `{"jsonrpc":"2.0","method":"rendezvous","params":%d,"id":%d}`, i, i)
	}
	sb.WriteString(`]`)

	done := make(chan map[int64]response, 1)
	go func() { done <- handleBatch(t, table, sb.String()) }()
	select {
	case rsps := <-done:
		if len(rsps) != n {
			t.Fatalf(`got %d responses, want %d`, len(rsps), n)
		}
	case <-time.After(5 * time.Second):
		t.Fatal(`batch elements were not dispatched concurrently`)
	}
}

func TestConcurrentCallsShareLockedState(t *testing.T) {
	table := newTable(t)
	const calls = 200
	var wg sync.WaitGroup
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = table.Handle(context.Background(), []byte(`{"jsonrpc":"2.0","method":"add","params":1,"id":1}`))
		}()
	}
	wg.Wait()
	rsp := handle(t, table, `{"jsonrpc":"2.0","method":"add","params":0,"id":2}`)
	if got, want := string(rsp.Result), fmt.Sprint(calls); got != want {
		t.Errorf(`got count %s, want %s`, got, want)
	}
}

func TestBatchLimitBelowOneIsUnlimited(t *testing.T) {
	for _, limit := range []int{0, -5} {
		table := newTable(t, jrpc.BatchLimit(limit))
		done := make(chan []byte, 1)
		go func() {
			done <- table.Handle(context.Background(), []byte(`[
				{"jsonrpc":"2.0","method":"echo","params":{"value":1},"id":1},
				{"jsonrpc":"2.0","method":"ping","id":2}
			]`))
		}()
		select {
		case js := <-done:
			var rsps []response
			if err := json.Unmarshal(js, &rsps); err != nil {
				t.Fatalf(`%v while decoding %s`, err, js)
			}
			if len(rsps) != 2 {
				t.Errorf(`limit %d: got %d responses, want 2`, limit, len(rsps))
			}
		case <-time.After(5 * time.Second):
			t.Fatalf(`limit %d: batch was never answered`, limit)
		}
	}
}

func TestClosedTable(t *testing.T) {
	table := newTable(t)
	table.Close()
	rsp := handle(t, table, `{"jsonrpc":"2.0","method":"echo","params":{"value":1},"id":1}`)
	if rsp.Error == nil || rsp.Error.Code != jrpc.RouteError {
		t.Fatalf(`expected route error, got %+v`, rsp)
	}
	if rsp.ID == nil || *rsp.ID != 1 {
		t.Errorf(`expected id 1, got %v`, rsp.ID)
	}
}

func TestCloseDuringBatch(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	table := jrpc.New(
		jrpc.BatchLimit(1),
		jrpc.Fn(`echo`, echo),
		jrpc.Call(`block`, func(*jrpc.Scope) (string, error) {
			close(started)
			<-release
			return `done`, nil
		}),
	)

	done := make(chan map[int64]response, 1)
	go func() {
		done <- handleBatch(t, table, `[
			{"jsonrpc":"2.0","method":"block","id":1},
			{"jsonrpc":"2.0","method":"echo","params":{"value":2},"id":2},
			{"jsonrpc":"2.0","method":"echo","params":{"value":3},"id":3}
		]`)
	}()
	<-started
	table.Close()
	close(release)

	rsps := <-done
	if got := string(rsps[1].Result); got != `"done"` {
		t.Errorf(`running element should finish normally, got %+v`, rsps[1])
	}
	for _, id := range []int64{2, 3} {
		if rsp := rsps[id]; rsp.Error == nil || rsp.Error.Code != jrpc.RouteError {
			t.Errorf(`id %d: expected route error, got %+v`, id, rsp)
		}
	}
}

func TestErrorMapping(t *testing.T) {
	table := jrpc.New(
		jrpc.MapError(func(err error) *jrpc.Error { return &jrpc.Error{Code: 42, Message: `mapped: ` + err.Error()} }),
		jrpc.Call(`plain`, func(*jrpc.Scope) (any, error) { return nil, errors.New(`plain`) }),
		jrpc.Call(`wrapped`, func(*jrpc.Scope) (any, error) {
			return nil, fmt.Errorf(`%w while testing`, jrpc.NewError(7, `seven`))
		}),
		jrpc.Call(`panics`, func(*jrpc.Scope) (any, error) { panic(`boom`) }),
		jrpc.Call(`unencodable`, func(*jrpc.Scope) (any, error) { return make(chan int), nil }),
		jrpc.Handle(`silent`, func(*jrpc.Scope) {}),
	)
	tests := []struct {
		method string
		want   jrpc.Error
	}{
		{`plain`, jrpc.Error{Code: 42, Message: `mapped: plain`}},
		{`wrapped`, jrpc.Error{Code: 7, Message: `seven`}},
		{`panics`, jrpc.Error{Code: jrpc.InternalError, Message: `Internal error`}},
		{`unencodable`, jrpc.Error{Code: jrpc.InternalError, Message: `Internal error`}},
		{`silent`, jrpc.Error{Code: jrpc.InternalError, Message: `Internal error`}},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			rsp := handle(t, table, fmt.Sprintf(`{"jsonrpc":"2.0","method":%q,"id":1}`, tt.method))
			if rsp.Error == nil {
				t.Fatalf(`expected error, got %s`, rsp.Result)
			}
			if diff := cmp.Diff(tt.want, *rsp.Error); diff != `` {
				t.Errorf(`error mismatch (-want +got):\n%s`, diff)
			}
		})
	}
}

func TestMiddleware(t *testing.T) {
	var order []string
	var mu sync.Mutex
	note := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}
	mw := func(name string) func(jrpc.Handler) jrpc.Handler {
		return func(next jrpc.Handler) jrpc.Handler {
			return func(ctx *jrpc.Scope) {
				note(name)
				if jrpc.From(ctx) != ctx {
					t.Error(`scope is not reachable from its own context`)
				}
				next(ctx)
			}
		}
	}
	table := jrpc.New(jrpc.Trace(), jrpc.Use(mw(`inner`)), jrpc.Use(mw(`outer`)), jrpc.Fn(`echo`, echo))
	rsp := handle(t, table, `{"jsonrpc":"2.0","method":"missing","id":1}`)
	if rsp.Error == nil || rsp.Error.Code != jrpc.MethodNotFound {
		t.Errorf(`middleware must also see unknown methods, got %+v`, rsp)
	}
	if diff := cmp.Diff([]string{`outer`, `inner`}, order); diff != `` {
		t.Errorf(`middleware order (-want +got):\n%s`, diff)
	}
}

func TestWiringPanics(t *testing.T) {
	tests := []struct {
		name    string
		options []jrpc.Option
		want    string
	}{
		{`duplicate method`, []jrpc.Option{jrpc.Fn(`echo`, echo), jrpc.Fn(`echo`, echo)}, `registered twice`},
		{`duplicate state`, []jrpc.Option{jrpc.State(&shared{}), jrpc.State(&shared{})}, `inserted twice`},
		{`missing state`, []jrpc.Option{
			jrpc.StateFn(`name`, func(_ *jrpc.Scope, s *shared) (string, error) { return s.name, nil }),
		}, `no jrpc_test.shared registered`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				r := recover()
				if msg, _ := r.(string); !strings.Contains(msg, tt.want) {
					t.Errorf(`got panic %v, want one mentioning %q`, r, tt.want)
				}
			}()
			jrpc.New(tt.options...)
		})
	}
}

func TestStateMayFollowMethods(t *testing.T) {
	table := jrpc.New(
		jrpc.StateFn(`name`, func(_ *jrpc.Scope, s *shared) (string, error) { return s.name, nil }),
		jrpc.State(&shared{name: `late`}),
	)
	rsp := handle(t, table, `{"jsonrpc":"2.0","method":"name","id":1}`)
	if string(rsp.Result) != `"late"` {
		t.Errorf(`got %s, want "late"`, rsp.Result)
	}
}

func ptr(n int64) *int64 { return &n }
