// Package tailscale provides a wsrpc option that listens on a Tailscale network instead of a local socket.
package tailscale

import (
	"context"
	"errors"
	"net"

	"github.com/swdunlop/wsjrpc-go/wsrpc"
	"github.com/swdunlop/wsjrpc-go/wsrpc/hook"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"
)

// Wire returns a wsrpc.Option that joins a Tailscale network and listens on address there.
func Wire(address string, options ...Option) wsrpc.Option {
	return func(r *wsrpc.Config) error {
		var cfg config
		cfg.listen = address
		for _, option := range options {
			err := option(&cfg)
			if err != nil {
				return err
			}
		}
		return cfg.wire(r)
	}
}

type config struct {
	tsnet   tsnet.Server
	funnel  bool
	noTLS   bool
	upHooks []func(*tsnet.Server, *ipnstate.Status) error
	listen  string
}

func (cfg *config) wire(r *wsrpc.Config) error {
	if cfg.funnel && cfg.noTLS {
		return errors.New(`funnels are required to use TLS by Tailscale`)
	}
	if cfg.listen == `` {
		if cfg.noTLS {
			cfg.listen = `:80`
		} else {
			cfg.listen = `:443`
		}
	}
	r.Hook(cfg)
	return nil
}

// Listen implements hook.Listen.
func (cfg *config) Listen(ctx context.Context) (net.Listener, error) {
	status, err := cfg.tsnet.Up(ctx)
	if err != nil {
		return nil, err
	}
	for _, fn := range cfg.upHooks {
		err = fn(&cfg.tsnet, status)
		if err != nil {
			_ = cfg.tsnet.Close()
			return nil, err
		}
	}
	switch {
	case cfg.funnel:
		return cfg.tsnet.ListenFunnel(`tcp`, cfg.listen)
	case cfg.noTLS:
		return cfg.tsnet.Listen(`tcp`, cfg.listen)
	default:
		return cfg.tsnet.ListenTLS(`tcp`, cfg.listen)
	}
}

// Close leaves the Tailscale network once the server stops.
func (cfg *config) Close() error { return cfg.tsnet.Close() }

var _ hook.Listen = (*config)(nil)

// An Option configures the Tailscale node.
type Option func(*config) error

// Dir specifies the state directory for the Tailscale node.
func Dir(dir string) Option {
	return func(cfg *config) error {
		cfg.tsnet.Dir = dir
		return nil
	}
}

// Hostname specifies the name of your Tailscale host.  Defaults to the system hostname.
func Hostname(hostname string) Option {
	return func(cfg *config) error {
		cfg.tsnet.Hostname = hostname
		return nil
	}
}

// Funnel tells Tailscale to allow public IPs to connect to your service.
func Funnel() Option {
	return func(cfg *config) error {
		cfg.funnel = true
		return nil
	}
}

// NoTLS tells Tailscale to not use TLS.  This is incompatible with Funnel.
func NoTLS() Option {
	return func(cfg *config) error {
		cfg.noTLS = true
		return nil
	}
}

// Logf sets the logging function for the Tailscale node.  Tailscale is EXTREMELY chatty.
func Logf(f func(format string, args ...any)) Option {
	return func(cfg *config) error {
		cfg.tsnet.Logf = f
		return nil
	}
}

// HookUp adds a function that will be called when the Tailscale connection is established and authorized.  If the
// hook returns an error, the Tailscale connection will be closed.
func HookUp(fn func(*tsnet.Server, *ipnstate.Status) error) Option {
	return func(cfg *config) error {
		cfg.upHooks = append(cfg.upHooks, fn)
		return nil
	}
}
