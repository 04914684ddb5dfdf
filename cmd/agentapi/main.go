// Command agentapi runs the AI agent service: the HTTP ingress (serve) and
// the queue consumers (worker).
//
// Usage:
//
//	agentapi serve
//	agentapi worker --workers 5
package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"strings"

	"github.com/alecthomas/kong"
)

// CLI defines the command-line interface.
type CLI struct {
	Version VersionCmd `cmd:"" help:"Show version information."`
	Serve   ServeCmd   `cmd:"" help:"Start the HTTP ingress server."`
	Worker  WorkerCmd  `cmd:"" help:"Start the queue worker pool."`
	Ingest  IngestCmd  `cmd:"" help:"Index agent document directories into their RAG indexes."`

	LogLevel string `help:"Log level (debug, info, warn, error). Overrides LOG_LEVEL." default:""`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("agentapi version %s\n", version)
	return nil
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("agentapi"),
		kong.Description("Multi-tenant AI agent service with RAG, tools and webhooks"),
		kong.UsageOnError(),
	)

	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
