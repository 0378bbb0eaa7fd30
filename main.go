// Command wsjrpc serves the currency example over WebSockets and provides an interactive client for any JSON-RPC
// WebSocket service.
package main

import (
	"errors"
	"io/fs"
	"os"
	"sort"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/rs/zerolog/pkgerrors"
	"github.com/swdunlop/zugzug-go"
)

func init() {
	// Logs go to stderr so that responses printed by the call task stay alone on stdout.
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: `2006-01-02 15:04:05`}).With().Timestamp().Logger()
	zerolog.DefaultContextLogger = &log
	zlog.Logger = log
}

var tasks = zugzug.Tasks{}

func main() {
	// Settings may also come from a .env file in the working directory; the environment takes precedence.
	err := godotenv.Load()
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		zlog.Warn().Err(err).Msg(`cannot load .env`)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Name < tasks[j].Name })
	zugzug.Main(tasks)
}
