// Command example serves the currency example over WebSockets at ws://127.0.0.1:9000/ and also accepts
// MessagePack binary frames.  Set LISTEN_ADDRESS to listen elsewhere.
package main

import (
	zlog "github.com/rs/zerolog/log"
	"github.com/swdunlop/html-go/hog"
	"github.com/swdunlop/wsjrpc-go/example/currency"
	"github.com/swdunlop/wsjrpc-go/wsrpc"
	"github.com/swdunlop/wsjrpc-go/wsrpc/conn"
	"github.com/swdunlop/wsjrpc-go/wsrpc/jrpc"
)

func main() {
	table := currency.Table(currency.Sample(), new(currency.Counter),
		jrpc.Trace(),
		jrpc.Use(func(next jrpc.Handler) jrpc.Handler {
			return func(ctx *jrpc.Scope) {
				evt := hog.From(ctx).Trace()
				if evt.Enabled() && len(ctx.Params) > 0 {
					evt.RawJSON(`params`, ctx.Params).Msg(`request`)
				}
				next(ctx)
			}
		}),
	)
	err := wsrpc.Main(`127.0.0.1:9000`, wsrpc.RPC(`/`, table, conn.MessagePack()))
	if err != nil {
		zlog.Fatal().Err(err).Msg(`example server failed`)
	}
}
