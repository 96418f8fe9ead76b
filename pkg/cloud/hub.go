// Package cloud provides the WebSocket ingest hub for landmark sources:
// browsers or detector processes that stream face landmarks to the daemon.
package cloud

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/teslashibe/go-attention/internal/observe"
	"github.com/teslashibe/go-attention/pkg/landmark"
	"github.com/teslashibe/go-attention/pkg/protocol"
)

// maxMessageSize fits a 478-point face with room to spare.
const maxMessageSize = 256 * 1024

// SourceConnection represents a connected landmark source
type SourceConnection struct {
	ID        string
	Conn      *websocket.Conn
	Connected time.Time
	LastSeen  time.Time
	Frames    uint64

	mu sync.Mutex
}

// Send sends a message to the source
func (s *SourceConnection) Send(msg *protocol.Message) error {
	data, err := msg.Bytes()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Conn.WriteMessage(websocket.TextMessage, data)
}

// Hub manages WebSocket connections from landmark sources
type Hub struct {
	mu      sync.RWMutex
	sources map[string]*SourceConnection

	logger  *slog.Logger
	metrics *observe.Metrics
	clock   func() time.Time

	onFrame func(sourceID string, f *landmark.Frame)

	messagesReceived atomic.Uint64
	messagesSent     atomic.Uint64
	framesReceived   atomic.Uint64
	parseErrors      atomic.Uint64
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) { h.logger = l }
}

// WithMetrics tracks connected sources on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// WithClock sets the clock used to stamp frames that carry no timestamp.
func WithClock(clock func() time.Time) Option {
	return func(h *Hub) { h.clock = clock }
}

// NewHub creates a new source hub
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		sources: make(map[string]*SourceConnection),
		logger:  slog.Default(),
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "source_hub")
	return h
}

// OnFrame sets the callback for incoming landmark frames. It runs on the
// source's read goroutine, so frames from one source arrive in order.
func (h *Hub) OnFrame(callback func(sourceID string, f *landmark.Frame)) {
	h.mu.Lock()
	h.onFrame = callback
	h.mu.Unlock()
}

// RegisterRoutes registers WebSocket routes on a Fiber router
func (h *Hub) RegisterRoutes(r fiber.Router) {
	r.Use("/ws/source", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	r.Get("/ws/source", websocket.New(h.handleSource))
	r.Get("/ws/source/:id", websocket.New(h.handleSource))
}

func (h *Hub) handleSource(c *websocket.Conn) {
	sourceID := c.Params("id")
	if sourceID == "" {
		sourceID = uuid.New().String()
	}

	now := time.Now()
	source := &SourceConnection{
		ID:        sourceID,
		Conn:      c,
		Connected: now,
		LastSeen:  now,
	}

	h.mu.Lock()
	if old, ok := h.sources[sourceID]; ok {
		// A reconnecting source replaces its stale connection.
		old.Conn.Close()
	}
	h.sources[sourceID] = source
	count := len(h.sources)
	h.mu.Unlock()
	h.track(1)
	h.logger.Info("source connected", "source_id", sourceID, "sources", count)

	defer func() {
		h.mu.Lock()
		if h.sources[sourceID] == source {
			delete(h.sources, sourceID)
		}
		count := len(h.sources)
		h.mu.Unlock()
		h.track(-1)
		h.logger.Info("source disconnected", "source_id", sourceID, "sources", count)
	}()

	c.SetReadLimit(maxMessageSize)
	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			h.logger.Debug("source read ended", "source_id", sourceID, "error", err)
			return
		}

		source.mu.Lock()
		source.LastSeen = time.Now()
		source.mu.Unlock()

		h.messagesReceived.Add(1)
		h.handleMessage(source, data)
	}
}

func (h *Hub) track(delta int64) {
	if h.metrics != nil {
		h.metrics.ActiveSources.Add(context.Background(), delta)
	}
}

// handleMessage processes an incoming message from a source
func (h *Hub) handleMessage(source *SourceConnection, data []byte) {
	msg, err := protocol.ParseMessage(data)
	if err != nil {
		h.parseErrors.Add(1)
		h.logger.Debug("source message rejected", "source_id", source.ID, "error", err)
		return
	}

	h.mu.RLock()
	frameCb := h.onFrame
	h.mu.RUnlock()

	switch msg.Type {
	case protocol.TypeLandmarks:
		lm, err := msg.GetLandmarksData()
		if err != nil {
			h.parseErrors.Add(1)
			return
		}
		fallback := msg.Time()
		if fallback.IsZero() {
			fallback = h.clock()
		}
		f, err := lm.Frame(fallback)
		if err != nil {
			h.parseErrors.Add(1)
			h.logger.Debug("landmarks rejected", "source_id", source.ID, "error", err)
			return
		}
		h.framesReceived.Add(1)
		source.mu.Lock()
		source.Frames++
		source.mu.Unlock()
		if frameCb != nil {
			frameCb(source.ID, f)
		}

	case protocol.TypePing:
		var id string
		if ping, err := msg.GetPingData(); err == nil {
			id = ping.ID
		}
		if err := h.SendPong(source.ID, id, msg.Timestamp); err != nil {
			h.logger.Debug("pong failed", "source_id", source.ID, "error", err)
		}

	default:
		h.logger.Debug("unexpected source message", "source_id", source.ID, "type", msg.Type)
	}
}

// SendPong sends a pong response to a source
func (h *Hub) SendPong(sourceID, id string, pingTS int64) error {
	msg, err := protocol.NewPongMessage(id, pingTS, time.Now().UnixMilli())
	if err != nil {
		return err
	}
	return h.Send(sourceID, msg)
}

// Send sends a message to a specific source
func (h *Hub) Send(sourceID string, msg *protocol.Message) error {
	h.mu.RLock()
	source, ok := h.sources[sourceID]
	h.mu.RUnlock()

	if !ok {
		return fiber.NewError(fiber.StatusNotFound, "source not connected")
	}

	h.messagesSent.Add(1)
	return source.Send(msg)
}

// Broadcast sends a message to all connected sources
func (h *Hub) Broadcast(msg *protocol.Message) {
	for _, source := range h.GetSources() {
		h.messagesSent.Add(1)
		if err := source.Send(msg); err != nil {
			h.logger.Debug("broadcast to source failed", "source_id", source.ID, "error", err)
		}
	}
}

// GetSource returns a source connection by ID
func (h *Hub) GetSource(sourceID string) *SourceConnection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sources[sourceID]
}

// GetSources returns all connected sources
func (h *Hub) GetSources() []*SourceConnection {
	h.mu.RLock()
	defer h.mu.RUnlock()

	sources := make([]*SourceConnection, 0, len(h.sources))
	for _, s := range h.sources {
		sources = append(sources, s)
	}
	return sources
}

// SourceCount returns the number of connected sources
func (h *Hub) SourceCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sources)
}

// Stats contains hub statistics
type Stats struct {
	SourceCount      int    `json:"source_count"`
	MessagesReceived uint64 `json:"messages_received"`
	MessagesSent     uint64 `json:"messages_sent"`
	FramesReceived   uint64 `json:"frames_received"`
	ParseErrors      uint64 `json:"parse_errors"`
}

// GetStats returns hub statistics
func (h *Hub) GetStats() Stats {
	return Stats{
		SourceCount:      h.SourceCount(),
		MessagesReceived: h.messagesReceived.Load(),
		MessagesSent:     h.messagesSent.Load(),
		FramesReceived:   h.framesReceived.Load(),
		ParseErrors:      h.parseErrors.Load(),
	}
}

// SourceInfo contains info about a connected source
type SourceInfo struct {
	ID        string    `json:"id"`
	Connected time.Time `json:"connected"`
	LastSeen  time.Time `json:"last_seen"`
	Frames    uint64    `json:"frames"`
}

// GetSourceInfos returns info about all connected sources
func (h *Hub) GetSourceInfos() []SourceInfo {
	sources := h.GetSources()
	infos := make([]SourceInfo, 0, len(sources))
	for _, s := range sources {
		s.mu.Lock()
		infos = append(infos, SourceInfo{
			ID:        s.ID,
			Connected: s.Connected,
			LastSeen:  s.LastSeen,
			Frames:    s.Frames,
		})
		s.mu.Unlock()
	}
	return infos
}

// RegisterAPIRoutes registers API routes for source management
func (h *Hub) RegisterAPIRoutes(api fiber.Router) {
	sources := api.Group("/sources")

	sources.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"sources": h.GetSourceInfos(),
			"count":   h.SourceCount(),
		})
	})

	sources.Get("/stats", func(c *fiber.Ctx) error {
		return c.JSON(h.GetStats())
	})
}
