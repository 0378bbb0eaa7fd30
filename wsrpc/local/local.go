// Package local provides a wsrpc option that listens on a local TCP or Unix socket.  Unix sockets abandoned by a
// crashed server are cleaned up before listening, but a socket with a live server behind it is left alone.
package local

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"time"

	"github.com/swdunlop/wsjrpc-go/wsrpc"
	"github.com/swdunlop/wsjrpc-go/wsrpc/hook"
)

// Wire returns a wsrpc.Option that configures a network listener.
func Wire(options ...Option) wsrpc.Option {
	return func(r *wsrpc.Config) error {
		var cfg config
		for _, option := range options {
			err := option(&cfg)
			if err != nil {
				return err
			}
		}
		return cfg.wire(r)
	}
}

// An Option is a function that configures a local listener.
type Option func(*config) error

type config struct {
	listen struct {
		network string
		address string
		config  net.ListenConfig
	}
}

// TCP returns an Option that sets the listener to a TCP socket on the provided address.
func TCP(address string) Option {
	return Listen(`tcp`, address)
}

// Unix returns an Option that sets the listener to a Unix socket on the provided path.
func Unix(path string) Option {
	return Listen(`unix`, path)
}

// Listen returns an Option that sets the listener to the provided network and address.
func Listen(network, address string) Option {
	return func(cfg *config) error {
		cfg.listen.network = network
		cfg.listen.address = address
		return nil
	}
}

// KeepAlive specifies the keepalive period for connections accepted by the listener.
func KeepAlive(period time.Duration) Option {
	return func(cfg *config) error {
		cfg.listen.config.KeepAlive = period
		return nil
	}
}

// ListenConfig returns an Option that adjusts the net.ListenConfig used to create the listener.
func ListenConfig(options ...func(*net.ListenConfig)) Option {
	return func(cfg *config) error {
		for _, option := range options {
			option(&cfg.listen.config)
		}
		return nil
	}
}

// Listen implements hook.Listen by returning a net.Listener for the configured network and address.  A Unix socket
// left behind by a server that is no longer running is removed first.
func (cfg *config) Listen(ctx context.Context) (net.Listener, error) {
	if cfg.listen.network == `unix` {
		err := removeStaleSocket(ctx, cfg.listen.address)
		if err != nil {
			return nil, err
		}
	}
	return cfg.listen.config.Listen(ctx, cfg.listen.network, cfg.listen.address)
}

func removeStaleSocket(ctx context.Context, path string) error {
	info, err := os.Lstat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil
	case err != nil:
		return fmt.Errorf(`%w while checking for a stale socket`, err)
	case info.Mode()&fs.ModeSocket == 0:
		return fmt.Errorf(`%q exists and is not a socket`, path)
	}
	var d net.Dialer
	c, err := d.DialContext(ctx, `unix`, path)
	if err == nil {
		_ = c.Close()
		return fmt.Errorf(`%q is in use by another server`, path)
	}
	err = os.Remove(path)
	if err != nil {
		return fmt.Errorf(`%w while removing a stale socket`, err)
	}
	return nil
}

var _ hook.Listen = (*config)(nil)

func (cfg *config) wire(r *wsrpc.Config) error {
	if cfg.listen.network == `` || cfg.listen.address == `` {
		return errors.New(`local listeners must configure both network and address`)
	}
	r.Hook(cfg)
	return nil
}
