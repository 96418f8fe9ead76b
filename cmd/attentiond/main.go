// attentiond: real-time attention classification service
// Landmark sources stream faces over WebSocket; state, session reports and
// calibration are served over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/teslashibe/go-attention/internal/config"
	"github.com/teslashibe/go-attention/internal/log"
	"github.com/teslashibe/go-attention/internal/observe"
	"github.com/teslashibe/go-attention/pkg/attention"
	"github.com/teslashibe/go-attention/pkg/calibration"
	"github.com/teslashibe/go-attention/pkg/cloud"
	"github.com/teslashibe/go-attention/pkg/landmark"
	"github.com/teslashibe/go-attention/pkg/protocol"
	"github.com/teslashibe/go-attention/pkg/session"
	"github.com/teslashibe/go-attention/pkg/web"
)

var (
	version     = "0.1.0"
	configPath  = flag.String("config", "", "Path to YAML config file")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println("attentiond", version)
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "attentiond: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	logger := log.Init(cfg.Server.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "attentiond",
		ServiceVersion: version,
	})
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = shutdownMetrics(sctx)
	}()
	metrics := observe.DefaultMetrics()

	store, closeStore, err := openStore(ctx, cfg.Calibration)
	if err != nil {
		return err
	}
	defer closeStore()

	w, err := newWorker(cfg.Worker, logger)
	if err != nil {
		return err
	}

	engCfg, err := cfg.Engine()
	if err != nil {
		return err
	}
	engCfg.Calibration.Store = store
	engine, err := attention.New(engCfg, w,
		attention.WithLogger(logger),
		attention.WithMetrics(metrics))
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	srv := web.NewServer(engine, web.Config{
		Addr:          cfg.Server.Listen,
		DebugInterval: cfg.Server.DebugInterval,
		StaticDir:     cfg.Server.StaticDir,
	}, web.WithLogger(logger), web.WithMetrics(metrics))

	sources := cloud.NewHub(cloud.WithLogger(logger), cloud.WithMetrics(metrics))
	sources.RegisterRoutes(srv.App())
	sources.RegisterAPIRoutes(srv.App().Group("/api"))

	frames := make(chan *landmark.Frame, cfg.Server.FrameBuffer)
	sources.OnFrame(func(sourceID string, f *landmark.Frame) {
		select {
		case frames <- f:
		default:
			logger.Debug("frame queue full, dropping frame", "source_id", sourceID)
		}
	})

	wireNotifications(engine, srv, sources)

	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "👁️  attentiond v"+version)
	fmt.Fprintf(os.Stderr, "   Sources:  ws://localhost%s/ws/source/:id\n", cfg.Server.Listen)
	fmt.Fprintf(os.Stderr, "   State:    http://localhost%s/api/state\n", cfg.Server.Listen)
	fmt.Fprintf(os.Stderr, "   Debug:    ws://localhost%s/ws/debug\n", cfg.Server.Listen)
	fmt.Fprintln(os.Stderr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := engine.Run(gctx, frames)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		return srv.Run(gctx)
	})

	err = g.Wait()
	logger.Info("shut down", "session_id", engine.DebugSnapshot().SessionID)
	return err
}

// wireNotifications forwards engine events to debug clients and sources.
func wireNotifications(engine *attention.Engine, srv *web.Server, sources *cloud.Hub) {
	publish := func(msg *protocol.Message, err error) {
		if err != nil {
			log.Warn("encode notification failed", "error", err)
			return
		}
		srv.Publish(msg)
		sources.Broadcast(msg)
	}

	engine.OnDistraction(func(n attention.Notification) {
		publish(protocol.NewDistractionMessage(n.State.String(), n.At))
	})
	engine.OnTrigger(func(ev session.Event) {
		publish(protocol.NewTriggerMessage(protocol.TriggerData{
			ID:         ev.ID,
			Type:       string(ev.Type),
			DurationMs: ev.DurationMs,
			Word:       ev.Context.Word,
			WordIndex:  ev.Context.WordIndex,
		}))
	})
	engine.OnCalibrationComplete(func(p calibration.Profile) {
		publish(protocol.NewCalibrationMessage(protocol.CalibrationData{
			HMin:    p.H.Min,
			HMax:    p.H.Max,
			VMin:    p.V.Min,
			VMax:    p.V.Max,
			Samples: p.Samples,
		}))
	})
}
