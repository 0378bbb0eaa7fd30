package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/swdunlop/html-go/hog"
	"github.com/swdunlop/zugzug-go"
	"github.com/swdunlop/zugzug-go/zug/parser"
	"nhooyr.io/websocket"
)

func init() {
	tasks = append(tasks, zugzug.Tasks{
		{Name: "call", Use: "Sends JSON-RPC requests read from stdin and prints every response", Fn: runCall, Parser: parser.New(
			parser.String(&rpcURL, "url", "u", "The WebSocket URL of the service (default: ws://127.0.0.1:9000)"),
		), Settings: zugzug.Settings{
			{Var: &rpcURL, Name: `RPC_URL`,
				Use: "The WebSocket URL of the service (default: ws://127.0.0.1:9000)"},
			{Var: &reconnectInterval, Name: `RECONNECT_INTERVAL`,
				Use: "How long to wait before reconnecting after the service goes away (default: 3s)"},
		}},
	}...)
}

func runCall(ctx context.Context) error {
	if rpcURL == `` {
		rpcURL = `ws://127.0.0.1:9000`
	}
	interval := 3 * time.Second
	if reconnectInterval != `` {
		var err error
		interval, err = time.ParseDuration(reconnectInterval)
		if err != nil {
			return fmt.Errorf(`%w while parsing RECONNECT_INTERVAL`, err)
		}
	}
	return callLoop(ctx, rpcURL, interval, os.Stdin, os.Stdout)
}

// callLoop keeps a connection to url open, sending each line from in as a text frame and printing each response
// to out.  It returns nil once in is exhausted or ctx ends.
func callLoop(ctx context.Context, url string, interval time.Duration, in io.Reader, out io.Writer) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(nil, 1<<24)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == `` {
				continue
			}
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
	}()

	log := hog.From(ctx)
	for {
		c, _, err := websocket.Dial(ctx, url, nil)
		switch {
		case ctx.Err() != nil:
			return nil
		case err != nil:
			log.Info().Err(err).Str(`url`, url).Msg(`connect failed, reconnecting`)
		default:
			log.Info().Str(`url`, url).Msg(`connected`)
			err = session(ctx, c, lines, interval, out)
			if err == nil || ctx.Err() != nil {
				return nil
			}
			log.Warn().Err(err).Msg(`server closed connection`)
		}
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return nil
		}
	}
}

// session runs one connection.  It returns nil when lines is exhausted, after allowing the service up to drain to
// answer outstanding requests.
func session(ctx context.Context, c *websocket.Conn, lines <-chan string, drain time.Duration, out io.Writer) error {
	defer c.CloseNow()
	c.SetReadLimit(-1)

	errs := make(chan error, 1)
	go func() {
		for {
			_, msg, err := c.Read(ctx)
			if err != nil {
				errs <- err
				return
			}
			_, _ = fmt.Fprintf(out, "resp: %s\n", msg)
		}
	}()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				select {
				case <-errs:
				case <-time.After(drain):
				}
				_ = c.Close(websocket.StatusNormalClosure, ``)
				return nil
			}
			err := c.Write(ctx, websocket.MessageText, []byte(line))
			if err != nil {
				return fmt.Errorf(`%w while sending request`, err)
			}
		case err := <-errs:
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return errors.New(`server closed the connection`)
			}
			return err
		case <-ctx.Done():
			return nil
		}
	}
}

var (
	rpcURL            string
	reconnectInterval string
)
