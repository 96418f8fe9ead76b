package worker

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
)

// RemoteConfig configures a websocket pose worker.
type RemoteConfig struct {
	URL    string
	Header http.Header

	// HandshakeTimeout bounds the dial. Default: 10s.
	HandshakeTimeout time.Duration

	// PingInterval is the keepalive period. Default: 15s.
	PingInterval time.Duration

	Logger *slog.Logger
}

// RemoteWorker sends requests to a pose service over a websocket. Each
// binary message carries one msgpack-encoded Request or Reply.
type RemoteWorker struct {
	cfg    RemoteConfig
	logger *slog.Logger

	ws   *websocket.Conn
	wsMu sync.Mutex

	outbox  chan Request
	replies chan Reply

	cancel context.CancelFunc
	wg     sync.WaitGroup
	active atomic.Bool
	closed atomic.Bool

	lifecycle sync.Mutex
}

// NewRemoteWorker validates cfg and returns an unconnected worker.
func NewRemoteWorker(cfg RemoteConfig) (*RemoteWorker, error) {
	if cfg.URL == "" {
		return nil, ErrNoURL
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 15 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &RemoteWorker{
		cfg:     cfg,
		logger:  cfg.Logger.With("worker", "remote", "url", cfg.URL),
		outbox:  make(chan Request, 1),
		replies: make(chan Reply, 16),
	}, nil
}

// Start dials the pose service. The service sends a ready reply once it
// can accept requests.
func (w *RemoteWorker) Start(ctx context.Context) error {
	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()
	if w.closed.Load() {
		return ErrClosed
	}
	if w.active.Load() {
		return ErrAlreadyStarted
	}

	dialer := websocket.Dialer{HandshakeTimeout: w.cfg.HandshakeTimeout}
	ws, _, err := dialer.DialContext(ctx, w.cfg.URL, w.cfg.Header)
	if err != nil {
		return fmt.Errorf("dial pose service: %w", err)
	}
	w.ws = ws
	w.ws.SetPingHandler(func(appData string) error {
		w.wsMu.Lock()
		defer w.wsMu.Unlock()
		return w.ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})

	ctx, w.cancel = context.WithCancel(ctx)
	w.active.Store(true)
	w.wg.Add(3)
	go w.writeRequests(ctx)
	go w.readReplies(ctx)
	go w.keepAlive(ctx)

	w.logger.Info("connected to pose service")
	return nil
}

// Post queues req, replacing a request not yet sent.
func (w *RemoteWorker) Post(req Request) error {
	if w.closed.Load() {
		return ErrClosed
	}
	if !w.active.Load() {
		return ErrNotStarted
	}
	select {
	case w.outbox <- req:
		return nil
	default:
	}
	select {
	case <-w.outbox:
	default:
	}
	select {
	case w.outbox <- req:
	default:
	}
	return nil
}

func (w *RemoteWorker) writeRequests(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-w.outbox:
			data, err := msgpack.Marshal(req)
			if err != nil {
				w.logger.Warn("pose request encode failed", "seq", req.Seq, "error", err)
				continue
			}
			w.wsMu.Lock()
			w.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
			err = w.ws.WriteMessage(websocket.BinaryMessage, data)
			w.wsMu.Unlock()
			if err != nil {
				w.logger.Warn("pose request send failed", "seq", req.Seq, "error", err)
			}
		}
	}
}

func (w *RemoteWorker) readReplies(ctx context.Context) {
	defer w.wg.Done()
	defer close(w.replies)

	for {
		msgType, data, err := w.ws.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				w.logger.Warn("pose service connection lost", "error", err)
			}
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		var r Reply
		if err := msgpack.Unmarshal(data, &r); err != nil {
			w.logger.Warn("pose reply decode failed", "error", err)
			continue
		}
		if r.Kind == KindReady || r.Fatal {
			select {
			case w.replies <- r:
			case <-ctx.Done():
				return
			}
			continue
		}
		select {
		case w.replies <- r:
		default:
			w.logger.Debug("pose reply dropped, consumer behind", "kind", r.Kind)
		}
	}
}

func (w *RemoteWorker) keepAlive(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.wsMu.Lock()
			err := w.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			w.wsMu.Unlock()
			if err != nil {
				w.logger.Debug("pose service ping failed", "error", err)
				return
			}
		}
	}
}

// Replies returns the reply stream. It closes when the connection drops.
func (w *RemoteWorker) Replies() <-chan Reply {
	return w.replies
}

// Close sends a close frame and tears the connection down.
func (w *RemoteWorker) Close() error {
	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()
	if !w.closed.CompareAndSwap(false, true) {
		return nil
	}
	if !w.active.Load() {
		close(w.replies)
		return nil
	}

	w.wsMu.Lock()
	_ = w.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	w.wsMu.Unlock()

	w.cancel()
	err := w.ws.Close()
	w.wg.Wait()
	w.active.Store(false)
	return err
}

var _ Worker = (*RemoteWorker)(nil)
