// Command paygent runs the payment pipeline daemon: the control API, the
// approval expiry sweep, the renewal loop and, when enabled, the MCP tools
// over SSE. With -stdio the MCP tools are served on stdin/stdout instead.
//
// Exit codes: 0 = success, 1 = error.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/paygent-labs/paygent/internal/app"
	"github.com/paygent-labs/paygent/internal/config"
)

func main() {
	stdio := flag.Bool("stdio", false, "serve the MCP tools over stdin/stdout")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		fmt.Fprintln(os.Stderr, "No .env file found, using environment")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := app.NewLogger(cfg.Log)
	logger.Info("starting paygent",
		slog.String("version", app.BuildVersion()),
		slog.String("store", cfg.Store.Driver),
		slog.String("facilitator", cfg.Facilitator.Mode),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("wire pipeline", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer a.Close()

	if *stdio {
		err = a.MCP.RunStdio(ctx)
	} else {
		err = a.Run(ctx)
	}
	if err != nil && ctx.Err() == nil {
		logger.Error("paygent stopped", slog.String("error", err.Error()))
		a.Close()
		os.Exit(1)
	}
	logger.Info("paygent stopped")
}
