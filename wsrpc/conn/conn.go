// Package conn serves a JSON-RPC method table over one connection at a time.  Each connection runs three stages: a
// read stage that turns frames into request payloads, a dispatch stage that answers them with the method table, and
// a write stage that turns responses back into frames.  The stages are joined by small bounded queues so that a slow
// client or slow handlers push back on the reader, and the connection ends as soon as any one stage ends.
package conn

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/swdunlop/html-go/hog"
	"github.com/swdunlop/wsjrpc-go/wsrpc/jrpc"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"nhooyr.io/websocket"
)

// Errors returned by Serve, identifying the stage that ended the connection.  They wrap the underlying cause.
var (
	ErrReadEnded     = errors.New(`read stage ended`)
	ErrDispatchEnded = errors.New(`dispatch stage ended`)
	ErrWriteEnded    = errors.New(`write stage ended`)

	errInboundClosed = errors.New(`inbound queue closed`)
)

// Handle returns a http.Handler that upgrades the connection to a WebSocket and serves the table until the
// connection ends.
func Handle(table *jrpc.Table, options ...Option) http.Handler {
	var cfg config
	cfg.init(table, options...)
	return &cfg
}

// Serve serves the table over tr until any stage of the connection ends, then closes tr.  The returned error wraps
// ErrReadEnded, ErrDispatchEnded or ErrWriteEnded to explain why the connection ended; it is never nil.
func Serve(ctx context.Context, tr Transport, table *jrpc.Table, options ...Option) error {
	var cfg config
	cfg.init(table, options...)
	defer func() { _ = tr.Close() }()
	return cfg.serve(ctx, tr)
}

// An Option affects how connections are served.
type Option func(*config)

// QueueSize sets the capacity of the queues between stages.  Defaults to 10.
func QueueSize(n int) Option {
	return func(cfg *config) { cfg.queueSize = n }
}

// Concurrency limits how many payloads from one connection are dispatched at the same time.  Defaults to 16.
func Concurrency(n int) Option {
	return func(cfg *config) { cfg.concurrency = n }
}

// ReadLimit specifies the maximum size of a read message.  Defaults to -1 which imposes no limit.
func ReadLimit(limit int64) Option {
	return func(cfg *config) { cfg.readLimit = limit }
}

// BinaryCodec accepts binary frames, converting each to JSON with codec before dispatch and converting the response back
// into a binary frame.  Without this option binary frames are ignored.
func BinaryCodec(codec Codec) Option {
	return func(cfg *config) { cfg.binary = codec }
}

// MessagePack accepts binary frames holding MessagePack encoded requests.
func MessagePack() Option { return BinaryCodec(MsgpackCodec{}) }

// CBOR accepts binary frames holding CBOR encoded requests.
func CBOR() Option { return BinaryCodec(CBORCodec{}) }

// AcceptOptions specifies the options used when upgrading HTTP requests to WebSockets.
func AcceptOptions(opts *websocket.AcceptOptions) Option {
	return func(cfg *config) { cfg.accept = opts }
}

type config struct {
	table       *jrpc.Table
	queueSize   int
	concurrency int
	readLimit   int64
	binary      Codec
	accept      *websocket.AcceptOptions
}

func (cfg *config) init(table *jrpc.Table, options ...Option) {
	cfg.table = table
	cfg.queueSize = 10
	cfg.concurrency = 16
	cfg.readLimit = -1
	for _, opt := range options {
		opt(cfg)
	}
	if cfg.concurrency < 1 {
		cfg.concurrency = 1
	}
	if cfg.queueSize < 0 {
		cfg.queueSize = 0
	}
}

// ServeHTTP implements http.Handler.
func (cfg *config) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	err := cfg.serveHTTP(w, r)
	if err != nil {
		hog.For(r).Warn().Err(err).Msg(`JSON-RPC connection failed`)
	}
}

func (cfg *config) serveHTTP(w http.ResponseWriter, r *http.Request) error {
	c, err := websocket.Accept(w, r, cfg.accept)
	if err != nil {
		return fmt.Errorf(`%w while accepting WebSocket`, err) // Accept has already answered the request
	}
	defer func() { _ = c.CloseNow() }()
	c.SetReadLimit(cfg.readLimit)

	ctx := hog.With(r.Context(), func(z zerolog.Context) zerolog.Context {
		return z.Str(`conn`, uuid.NewString()).Str(`peer`, r.RemoteAddr)
	})
	hog.From(ctx).Info().Msg(`client connected`)
	tr := Websocket(c)
	err = cfg.serve(ctx, tr)
	_ = tr.Close()
	evt := hog.From(ctx).Info()
	if status := websocket.CloseStatus(err); status >= 0 {
		evt = evt.Str(`status`, status.String())
	}
	evt.Err(err).Msg(`client disconnected`)
	return nil
}

// message is a payload moving between stages.
type message struct {
	binary  bool
	payload []byte
}

func (cfg *config) serve(ctx context.Context, tr Transport) error {
	inbound := make(chan message, cfg.queueSize)
	outbound := make(chan message, cfg.queueSize)

	// Every stage returns a non-nil error, so the first one to return cancels the others.
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return cfg.readStage(ctx, tr, inbound) })
	group.Go(func() error { return cfg.dispatchStage(ctx, inbound, outbound) })
	group.Go(func() error { return cfg.writeStage(ctx, tr, outbound) })
	return group.Wait()
}

func (cfg *config) readStage(ctx context.Context, tr Transport, inbound chan<- message) error {
	defer close(inbound)
	log := hog.From(ctx)
	for {
		frame, err := tr.Read(ctx)
		if err != nil {
			return fmt.Errorf(`%w: %w`, ErrReadEnded, err)
		}
		var msg message
		switch frame.Kind {
		case Text:
			msg.payload = frame.Data
		case Binary:
			if cfg.binary == nil {
				log.Debug().Int(`size`, len(frame.Data)).Msg(`ignoring binary frame`)
				continue
			}
			msg.binary = true
			msg.payload, err = cfg.binary.Decode(frame.Data)
			if err != nil {
				// An empty payload is answered with a parse error.
				log.Debug().Err(err).Msg(`invalid binary frame`)
			}
		case Ping, Pong:
			log.Debug().Stringer(`kind`, frame.Kind).Msg(`ignoring control frame`)
			continue
		case Close:
			return fmt.Errorf(`%w: peer sent close frame`, ErrReadEnded)
		default:
			log.Debug().Stringer(`kind`, frame.Kind).Msg(`ignoring unknown frame`)
			continue
		}
		select {
		case inbound <- msg:
		case <-ctx.Done():
			return fmt.Errorf(`%w: %w`, ErrReadEnded, ctx.Err())
		}
	}
}

// dispatchStage answers payloads concurrently, up to the configured limit.  Handlers run detached from connection
// cancellation: once started they run to completion, and their response is dropped if the connection has ended.
func (cfg *config) dispatchStage(ctx context.Context, inbound <-chan message, outbound chan<- message) error {
	sem := semaphore.NewWeighted(int64(cfg.concurrency))
	detached := context.WithoutCancel(ctx)
	for {
		var msg message
		select {
		case it, ok := <-inbound:
			if !ok {
				return fmt.Errorf(`%w: %w`, ErrDispatchEnded, errInboundClosed)
			}
			msg = it
		case <-ctx.Done():
			return fmt.Errorf(`%w: %w`, ErrDispatchEnded, ctx.Err())
		}
		err := sem.Acquire(ctx, 1)
		if err != nil {
			return fmt.Errorf(`%w: %w`, ErrDispatchEnded, err)
		}
		go func() {
			defer sem.Release(1)
			rsp := message{binary: msg.binary, payload: cfg.table.Handle(detached, msg.payload)}
			select {
			case outbound <- rsp:
			case <-ctx.Done():
				hog.From(detached).Debug().Msg(`dropping response for closed connection`)
			}
		}()
	}
}

// writeStage writes responses until the connection ends.  The outbound queue is never closed because detached
// dispatches may still be finishing; the write stage ends with the connection context instead.
func (cfg *config) writeStage(ctx context.Context, tr Transport, outbound <-chan message) error {
	for {
		var msg message
		select {
		case msg = <-outbound:
		case <-ctx.Done():
			return fmt.Errorf(`%w: %w`, ErrWriteEnded, ctx.Err())
		}
		frame := Frame{Kind: Text, Data: msg.payload}
		if msg.binary {
			bin, err := cfg.binary.Encode(msg.payload)
			if err != nil {
				hog.From(ctx).Error().Err(err).Msg(`cannot encode binary response`)
				continue
			}
			frame = Frame{Kind: Binary, Data: bin}
		}
		err := tr.Write(ctx, frame)
		if err != nil {
			return fmt.Errorf(`%w: %w`, ErrWriteEnded, err)
		}
	}
}
