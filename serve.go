package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/swdunlop/wsjrpc-go/example/currency"
	"github.com/swdunlop/wsjrpc-go/wsrpc"
	"github.com/swdunlop/wsjrpc-go/wsrpc/conn"
	"github.com/swdunlop/wsjrpc-go/wsrpc/jrpc"
	"github.com/swdunlop/wsjrpc-go/wsrpc/local"
	"github.com/swdunlop/wsjrpc-go/wsrpc/tailscale"
	"github.com/swdunlop/zugzug-go"
	"github.com/swdunlop/zugzug-go/zug/parser"
)

func init() {
	tasks = append(tasks, zugzug.Tasks{
		{Name: "serve", Use: "Serves the currency example over WebSockets", Fn: runServe, Parser: parser.New(
			parser.String(&rpcPath, "path", "p", "The HTTP path that accepts WebSocket clients (default: \"/\")"),
		), Settings: zugzug.Settings{
			{Var: &listenNetwork, Name: `LISTEN_NETWORK`,
				Use: "Listening network for the address (default: \"tcp\" if Tailscale not used)"},
			{Var: &listenAddress, Name: `LISTEN_ADDRESS`,
				Use: "Listening address for the service (default: 127.0.0.1:9000 if TCP used)"},

			{Var: &tailscaleHostname, Name: `TAILSCALE_HOSTNAME`,
				Use: "Specifies the hostname on your Tailscale network"},
			{Var: &tailscaleFunnel, Name: `TAILSCALE_FUNNEL`,
				Use: "Enables internet access via a Tailscale funnel"},
			{Var: &tailscaleListen, Name: `TAILSCALE_LISTEN`,
				Use: "Listening address for clients from your Tailscale network (default: \":443\" or \":80\")"},
			{Var: &tailscaleDir, Name: `TAILSCALE_DIR`,
				Use: "State directory for Tailscale"},
			{Var: &noTailscaleTLS, Name: `NO_TAILSCALE_TLS`,
				Use: "Disables TLS for Tailscale"},

			{Var: &enableMsgpack, Name: `ENABLE_MSGPACK`,
				Use: "Accepts MessagePack requests in binary frames"},
			{Var: &enableTrace, Name: `ENABLE_TRACE`,
				Use: "Logs every request at debug level"},
		}},
	}...)
}

func runServe(ctx context.Context) error {
	if len(parser.Args(ctx)) > 0 {
		return errors.New(`serve does not take arguments`)
	}
	if rpcPath == `` {
		rpcPath = `/`
	}

	listen, err := listenOption()
	if err != nil {
		return err
	}

	var tableOptions []jrpc.Option
	if enableTrace {
		tableOptions = append(tableOptions, jrpc.Trace())
	}
	var connOptions []conn.Option
	if enableMsgpack {
		connOptions = append(connOptions, conn.MessagePack())
	}
	table := currency.Table(currency.Sample(), new(currency.Counter), tableOptions...)

	cfg, err := wsrpc.New(listen, wsrpc.RPC(rpcPath, table, connOptions...))
	if err != nil {
		return err
	}
	return cfg.Serve(ctx, listenAddress)
}

// listenOption picks a Tailscale listener when any Tailscale setting is present and a local one otherwise.
func listenOption() (wsrpc.Option, error) {
	var options []tailscale.Option
	useTailscale := tailscaleListen != `` || tailscaleHostname != `` || tailscaleFunnel
	if tailscaleFunnel {
		if noTailscaleTLS {
			return nil, errors.New("Tailscale funnel requires TLS")
		}
		options = append(options, tailscale.Funnel())
	}
	if tailscaleHostname != `` {
		options = append(options, tailscale.Hostname(tailscaleHostname))
	}
	if noTailscaleTLS {
		options = append(options, tailscale.NoTLS())
	}
	if tailscaleDir != `` {
		options = append(options, tailscale.Dir(tailscaleDir))
	}
	if useTailscale {
		if listenNetwork != `` {
			return nil, errors.New(`LISTEN_NETWORK cannot be combined with Tailscale settings`)
		}
		return tailscale.Wire(tailscaleListen, options...), nil
	}

	if listenNetwork == `` {
		listenNetwork = `tcp`
	}
	if listenAddress == `` {
		if listenNetwork != `tcp` {
			return nil, fmt.Errorf(`LISTEN_ADDRESS must be specified for LISTEN_NETWORK other than "tcp"`)
		}
		listenAddress = `127.0.0.1:9000`
	}
	return local.Wire(local.Listen(listenNetwork, listenAddress)), nil
}

var (
	rpcPath string

	listenNetwork string
	listenAddress string

	tailscaleFunnel   bool
	tailscaleHostname string
	tailscaleListen   string
	tailscaleDir      string
	noTailscaleTLS    bool

	enableMsgpack bool
	enableTrace   bool
)
