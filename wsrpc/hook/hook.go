// Package hook defines interfaces that the wsrpc.Config.Hook option recognizes and will apply at various stages of
// setting up a new server.
package hook

import (
	"context"
	"net"
	"net/http"
)

// Listen hooks replace the listener the server would otherwise create for its address.  Only the first Listen hook
// is used.
type Listen interface {
	Listen(context.Context) (net.Listener, error)
}

// ListenConfig hooks are called when the server is setting up its own listener.
type ListenConfig interface {
	WireListenConfig(*net.ListenConfig)
}

// Server hooks are called when the server is setting up a new HTTP server.
type Server interface {
	WireServer(*http.Server)
}

// Mux hooks are called when the server is setting up a new HTTP multiplexer.
type Mux interface {
	WireMux(*http.ServeMux)
}
