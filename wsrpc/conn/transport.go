package conn

import (
	"context"
	"fmt"

	"nhooyr.io/websocket"
)

// A Kind identifies the kind of a frame.
type Kind int

const (
	Text Kind = iota
	Binary
	Ping
	Pong
	Close
)

func (k Kind) String() string {
	switch k {
	case Text:
		return `text`
	case Binary:
		return `binary`
	case Ping:
		return `ping`
	case Pong:
		return `pong`
	case Close:
		return `close`
	default:
		return fmt.Sprintf(`kind(%d)`, int(k))
	}
}

// A Frame is one discrete message of a transport.
type Frame struct {
	Kind Kind
	Data []byte
}

// A Transport is a message oriented duplex channel, such as a WebSocket.  Read and Write may be called concurrently
// with each other, but never concurrently with themselves.  Both must return promptly once ctx is cancelled.
type Transport interface {
	Read(ctx context.Context) (Frame, error)
	Write(ctx context.Context, frame Frame) error
	Close() error
}

// Websocket adapts a WebSocket connection to a Transport.  Control frames are answered by the websocket package
// itself, so only text and binary frames are ever read.
func Websocket(c *websocket.Conn) Transport { return wsTransport{c} }

type wsTransport struct{ c *websocket.Conn }

func (ws wsTransport) Read(ctx context.Context) (Frame, error) {
	mt, msg, err := ws.c.Read(ctx)
	if err != nil {
		return Frame{}, err
	}
	if mt == websocket.MessageBinary {
		return Frame{Kind: Binary, Data: msg}, nil
	}
	return Frame{Kind: Text, Data: msg}, nil
}

func (ws wsTransport) Write(ctx context.Context, frame Frame) error {
	switch frame.Kind {
	case Text:
		return ws.c.Write(ctx, websocket.MessageText, frame.Data)
	case Binary:
		return ws.c.Write(ctx, websocket.MessageBinary, frame.Data)
	default:
		return fmt.Errorf(`cannot write %v frames`, frame.Kind)
	}
}

func (ws wsTransport) Close() error { return ws.c.Close(websocket.StatusNormalClosure, ``) }
