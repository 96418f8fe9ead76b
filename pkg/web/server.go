// Package web serves the attention engine over HTTP: a REST API for state,
// session reports and calibration, Prometheus metrics, and a websocket
// debug stream for visualization.
package web

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/teslashibe/go-attention/internal/observe"
	"github.com/teslashibe/go-attention/pkg/attention"
	"github.com/teslashibe/go-attention/pkg/classifier"
	"github.com/teslashibe/go-attention/pkg/hub"
	"github.com/teslashibe/go-attention/pkg/protocol"
	"github.com/teslashibe/go-attention/pkg/session"
)

// Engine is the part of attention.Engine the server exposes.
type Engine interface {
	CurrentState() classifier.State
	DebugSnapshot() attention.Snapshot
	Summary() session.Summary
	Events() []session.Event
	StartCalibration(durationSeconds float64) (string, error)
	ResetCalibration(ctx context.Context) error
	ResetSession()
	SetCurrentWord(word string, index int)
}

// Config configures the server.
type Config struct {
	// Addr is the listen address. Default: ":8080".
	Addr string

	// DebugInterval is how often snapshots go to debug clients.
	// Default: 100ms.
	DebugInterval time.Duration

	// StaticDir serves a dashboard when set.
	StaticDir string
}

// Server is the HTTP surface of the daemon.
type Server struct {
	app      *fiber.App
	cfg      Config
	engine   Engine
	debugHub *hub.Hub
	logger   *slog.Logger
	metrics  *observe.Metrics
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetrics records request latency and debug client counts on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// NewServer creates the server and registers its routes.
func NewServer(engine Engine, cfg Config, opts ...Option) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.DebugInterval <= 0 {
		cfg.DebugInterval = 100 * time.Millisecond
	}
	s := &Server{
		cfg:    cfg,
		engine: engine,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "web")
	s.debugHub = hub.New("debug", s.logger)
	if s.metrics != nil {
		s.debugHub.OnCountChange(func(delta int) {
			s.metrics.DebugClients.Add(context.Background(), int64(delta))
		})
	}

	app := fiber.New(fiber.Config{
		AppName:               "attentiond",
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	// CORS for local development
	app.Use(cors.New())
	if s.metrics != nil {
		app.Use(s.timing)
	}
	if cfg.StaticDir != "" {
		app.Static("/", cfg.StaticDir)
	}

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "state": s.engine.CurrentState().String()})
	})

	api := app.Group("/api")
	api.Get("/state", s.handleState)
	api.Get("/debug", s.handleDebug)
	api.Get("/summary", s.handleSummary)
	api.Get("/events", s.handleEvents)
	api.Post("/calibration", s.handleStartCalibration)
	api.Delete("/calibration", s.handleResetCalibration)
	api.Post("/session/reset", s.handleResetSession)
	api.Put("/session/word", s.handleSetWord)

	app.Use("/ws/debug", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/debug", websocket.New(s.handleDebugWS))

	s.app = app
	return s
}

// App returns the fiber app so other components can mount routes.
func (s *Server) App() *fiber.App {
	return s.app
}

// DebugHub returns the hub feeding /ws/debug clients.
func (s *Server) DebugHub() *hub.Hub {
	return s.debugHub
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	go s.debugHub.Run(ctx)
	go s.streamDebug(ctx)

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", s.cfg.Addr)
		errc <- s.app.Listen(s.cfg.Addr)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.app.ShutdownWithContext(shutdownCtx)
	}
}

// Publish sends a protocol message to every debug client.
func (s *Server) Publish(msg *protocol.Message) {
	m, err := hub.FromProtocol(msg)
	if err != nil {
		s.logger.Warn("encode message failed", "type", msg.Type, "error", err)
		return
	}
	s.debugHub.Broadcast(m)
}

// streamDebug pushes snapshots while anyone is watching.
func (s *Server) streamDebug(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.DebugInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.debugHub.ClientCount() == 0 {
				continue
			}
			msg, err := protocol.NewDebugMessage(s.engine.DebugSnapshot())
			if err != nil {
				s.logger.Warn("encode snapshot failed", "error", err)
				continue
			}
			s.Publish(msg)
		}
	}
}

// timing records request latency by route template.
func (s *Server) timing(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()

	status := c.Response().StatusCode()
	if fe, ok := err.(*fiber.Error); ok {
		status = fe.Code
	}
	s.metrics.HTTPRequestDuration.Record(c.UserContext(), time.Since(start).Seconds(),
		metric.WithAttributes(
			attribute.String("method", c.Method()),
			attribute.String("route", c.Route().Path),
			attribute.String("status", strconv.Itoa(status)),
		))
	return err
}
