// Package wsrpc serves JSON-RPC 2.0 method tables over WebSockets.  A Config collects routes and hooks, then Serve
// accepts connections until its context ends, running one connection pipeline (see the conn package) per client.
// Every connection shares the same immutable method tables.
package wsrpc

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/rs/zerolog/pkgerrors"
	"github.com/swdunlop/html-go/hog"
	"github.com/swdunlop/wsjrpc-go/wsrpc/conn"
	"github.com/swdunlop/wsjrpc-go/wsrpc/hook"
	"github.com/swdunlop/wsjrpc-go/wsrpc/jrpc"
)

func init() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: `2006-01-02 15:04:05`}).With().Timestamp().Logger()
	zlog.Logger = log
	zerolog.DefaultContextLogger = &log
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack
}

// Main is intended to be used as your main function and will serve the given options until interrupted.  If the
// environment variable LISTEN_ADDRESS is set, it overrides listenAddress.
func Main(listenAddress string, options ...Option) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	if address := os.Getenv(`LISTEN_ADDRESS`); address != `` {
		listenAddress = address
	}
	return Serve(ctx, listenAddress, options...)
}

// Serve will serve the given options at the specified address until the context is cancelled.
func Serve(ctx context.Context, address string, options ...Option) error {
	cfg, err := New(options...)
	if err != nil {
		return err
	}
	return cfg.Serve(ctx, address)
}

// New returns a new server configuration.
func New(options ...Option) (*Config, error) {
	cfg := new(Config)
	err := cfg.Apply(options...)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// RPC returns an option that serves a method table over WebSockets at the given http.ServeMux pattern.  The table
// is closed when the server stops, so requests still in flight at that point receive a route error.
func RPC(pattern string, table *jrpc.Table, options ...conn.Option) Option {
	return func(cfg *Config) error {
		if table == nil {
			return errors.New(`no method table provided`)
		}
		cfg.tables = append(cfg.tables, table)
		return Handle(pattern, conn.Handle(table, options...))(cfg)
	}
}

// Handle returns an option that serves an ordinary http.Handler at the given http.ServeMux pattern.
func Handle(pattern string, handler http.Handler) Option {
	return func(cfg *Config) error {
		if handler == nil {
			return errors.New(`no handler provided`)
		}
		for i := len(cfg.middleware) - 1; i >= 0; i-- {
			handler = cfg.middleware[i](handler)
		}
		cfg.routes = append(cfg.routes, route{pattern, handler})
		return nil
	}
}

// Use returns an option that applies the given middleware to all subsequent handlers, including the WebSocket
// upgrade of subsequent RPC options.  The earliest middleware added is the outermost layer and runs first.
func Use(middleware ...func(http.Handler) http.Handler) Option {
	return func(cfg *Config) error {
		cfg.middleware = append(cfg.middleware, middleware...)
		return nil
	}
}

// A Config is a server configuration.
type Config struct {
	serve   bool            // true once Serve has been called
	serving bool            // true after Serve has been called and before it returns
	hooks   []any           // hooks to apply
	done    <-chan struct{} // closed when the server starts to shut down
	routes  []route
	tables  []*jrpc.Table

	middleware []func(http.Handler) http.Handler
}

type route struct {
	pattern string
	handler http.Handler
}

// Done returns a channel that will be closed when the server starts to shut down.  This is nil unless the server has
// been started with a context.
func (cfg *Config) Done() <-chan struct{} {
	return cfg.done
}

// Hook adds hooks to the configuration, see the hook package for interfaces that hooks can implement.  This is
// normally done by various options.
func (cfg *Config) Hook(hooks ...any) {
	cfg.hooks = append(cfg.hooks, hooks...)
}

// Apply applies the given options to the config; should not be called after Serve.
func (cfg *Config) Apply(options ...Option) error {
	if cfg.serving {
		return errors.New(`cannot apply options while a server is running`)
	} else if cfg.serve {
		return errors.New(`cannot apply options after a server has been run`)
	}

	for _, option := range options {
		err := option(cfg)
		if err != nil {
			return err
		}
	}
	return nil
}

// Serve will accept connections at the provided address until the context is cancelled.  If the address starts with
// "." or "/", it will be interpreted as a Unix domain socket.  Otherwise, it will be interpreted as a TCP address.
// Hooks implementing hook.Listen replace this listener entirely.
//
// Errors accepting one client are logged and do not affect other clients; Serve only returns early if the listener
// itself fails.
func (cfg *Config) Serve(ctx context.Context, address string) error {
	if cfg.serve {
		return errors.New(`a server can only be served once`)
	}
	cfg.serve = true
	cfg.serving = true

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	cfg.done = ctx.Done()
	defer func() { cfg.done, cfg.serving = nil, false }()
	defer cfg.close()

	var mux http.ServeMux
	for _, it := range cfg.routes {
		mux.Handle(it.pattern, it.handler)
	}
	for _, it := range cfg.hooks {
		if impl, ok := it.(hook.Mux); ok {
			impl.WireMux(&mux)
		}
	}

	var svr http.Server
	svr.Handler = &mux
	// Connections outlive their HTTP request once upgraded, so they are tied to ctx instead of to svr.Shutdown.
	svr.BaseContext = func(net.Listener) context.Context { return ctx }
	for _, it := range cfg.hooks {
		if impl, ok := it.(hook.Server); ok {
			impl.WireServer(&svr)
		}
	}

	lr, err := cfg.listen(ctx, address)
	if err != nil {
		return err
	}
	// no need to defer lr.Close, svr.Shutdown will close it

	go func() {
		<-ctx.Done()
		_ = svr.Shutdown(context.Background())
	}()

	hog.From(ctx).Info().Str(`address`, lr.Addr().String()).Msg(`starting JSON-RPC service`)
	err = svr.Serve(lr)
	hog.From(ctx).Info().Err(err).Msg(`JSON-RPC service stopped`)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	_ = lr.Close() // just in case, since we did not have a shutdown or server close.
	return err
}

func (cfg *Config) listen(ctx context.Context, address string) (net.Listener, error) {
	for _, it := range cfg.hooks {
		if impl, ok := it.(hook.Listen); ok {
			return impl.Listen(ctx)
		}
	}
	var lcf net.ListenConfig
	for _, it := range cfg.hooks {
		if impl, ok := it.(hook.ListenConfig); ok {
			impl.WireListenConfig(&lcf)
		}
	}
	network := `tcp`
	if strings.HasPrefix(address, `.`) || strings.HasPrefix(address, `/`) {
		network = `unix`
	}
	return lcf.Listen(ctx, network, address)
}

// close revokes every table and releases hooks that hold resources.
func (cfg *Config) close() {
	for _, table := range cfg.tables {
		table.Close()
	}
	for _, it := range cfg.hooks {
		if impl, ok := it.(io.Closer); ok {
			_ = impl.Close()
		}
	}
}

// An Option is a function that modifies a Config before it is served.
type Option func(*Config) error
