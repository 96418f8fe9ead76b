// pose-worker: precise head pose service for attentiond
// Serves the worker protocol on stdio (default) or over WebSocket with -listen,
// backed by OpenCV SolvePnP.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/teslashibe/go-attention/internal/log"
	"github.com/teslashibe/go-attention/pkg/worker/pnp"
)

var (
	listen   = flag.String("listen", "", "Serve over WebSocket on this address instead of stdio")
	logLevel = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
)

func main() {
	flag.Parse()
	logger := log.Init(*logLevel).With("component", "pose_worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	solver := pnp.New()
	if err := solver.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "pose-worker: %v\n", err)
		os.Exit(1)
	}
	defer solver.Close()

	if *listen == "" {
		if err := serveStdio(ctx, os.Stdin, os.Stdout, solver, logger); err != nil {
			logger.Error("stdio worker failed", "error", err)
			os.Exit(1)
		}
		return
	}

	app := newServiceApp(ctx, solver, logger)
	go func() {
		<-ctx.Done()
		_ = app.Shutdown()
	}()
	logger.Info("listening", "addr", *listen, "endpoint", "/ws/pose")
	if err := app.Listen(*listen); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
