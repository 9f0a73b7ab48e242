package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"tabletalk/internal/app"
)

func main() {
	cfg, err := app.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	addr := flag.String("addr", cfg.Addr, "server listen address")
	wsPath := flag.String("ws-path", cfg.WSPath, "websocket path")
	dbPath := flag.String("db", cfg.DBPath, "sqlite database path")
	pushURL := flag.String("push-url", cfg.PushGatewayURL, "push gateway URL (empty logs pushes instead)")
	logLevel := flag.String("log-level", cfg.LogLevel, "log level (trace, debug, info, warn, error)")
	flag.Parse()

	cfg.Addr = *addr
	cfg.WSPath = *wsPath
	cfg.DBPath = *dbPath
	cfg.PushGatewayURL = *pushURL
	cfg.LogLevel = *logLevel

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	handle, err := app.RunServer(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}

	if err := handle.Wait(); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}
