// Command buildcache runs the reference cache server and exposes the hash
// cache, key engine and remote client from the command line.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"
)

var version = "dev"

// Globals are flags shared by every command.
type Globals struct {
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info" enum:"debug,info,warn,error" env:"BUILDCACHE_LOG_LEVEL"`
	LogFormat string `help:"Log format (text, json)." default:"text" enum:"text,json" env:"BUILDCACHE_LOG_FORMAT"`

	logger *slog.Logger
}

// CLI is the command tree.
type CLI struct {
	Globals

	Serve ServeCmd `cmd:"" help:"Run the reference cache server."`
	Hash  HashCmd  `cmd:"" help:"Print content hashes of files, directories or archive members (archive.jar!member)."`
	Key   KeyCmd   `cmd:"" help:"Compute a rule key from ordered name=value fields."`
	Fetch FetchCmd `cmd:"" help:"Fetch an artifact by key."`
	Store StoreCmd `cmd:"" help:"Store a file under a key."`

	Version kong.VersionFlag `help:"Print version and exit."`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("buildcache"),
		kong.Description("Content hashing, rule keys and a remote artifact cache."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)

	logger, err := newLogger(cli.LogLevel, cli.LogFormat)
	kctx.FatalIfErrorf(err)
	slog.SetDefault(logger)
	cli.logger = logger

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	kctx.BindTo(ctx, (*context.Context)(nil))
	kctx.FatalIfErrorf(kctx.Run(&cli.Globals))
}

func newLogger(levelName, format string) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(levelName)); err != nil {
		return nil, fmt.Errorf("invalid log level: %s", levelName)
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: time.TimeOnly,
		})
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
	return slog.New(handler), nil
}
