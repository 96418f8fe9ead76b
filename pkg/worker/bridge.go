package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-attention/pkg/gaze"
	"github.com/teslashibe/go-attention/pkg/landmark"
	"github.com/teslashibe/go-attention/pkg/pose"
)

// BridgeConfig tunes how the per-frame path talks to a worker.
type BridgeConfig struct {
	// Throttle is the minimum interval between posted requests. Default: 40ms.
	Throttle time.Duration

	// Freshness is how old a result may be and still be used. Default: 300ms.
	Freshness time.Duration

	// GazeHoldFrames is how many frames a stale gaze point is held before
	// it is dropped. Default: 10.
	GazeHoldFrames int

	Logger *slog.Logger
}

// DefaultBridgeConfig returns the production bridge settings.
func DefaultBridgeConfig() BridgeConfig {
	return BridgeConfig{
		Throttle:       40 * time.Millisecond,
		Freshness:      300 * time.Millisecond,
		GazeHoldFrames: 10,
	}
}

// Validate reports every out-of-range field.
func (c BridgeConfig) Validate() error {
	var errs []error
	if c.Throttle < 0 {
		errs = append(errs, fmt.Errorf("throttle must be >= 0, got %v", c.Throttle))
	}
	if c.Freshness <= 0 {
		errs = append(errs, fmt.Errorf("freshness must be > 0, got %v", c.Freshness))
	}
	if c.GazeHoldFrames < 0 {
		errs = append(errs, fmt.Errorf("gaze hold frames must be >= 0, got %d", c.GazeHoldFrames))
	}
	return errors.Join(errs...)
}

// Fresh reports whether a payload stamped ts is still usable at now.
// A zero timestamp is never fresh.
func Fresh(now, ts time.Time, window time.Duration) bool {
	if ts.IsZero() {
		return false
	}
	return now.Sub(ts) < window
}

// Stats counts bridge traffic since construction.
type Stats struct {
	Posted     uint64 `json:"posted"`
	Throttled  uint64 `json:"throttled"`
	Results    uint64 `json:"results"`
	OutOfOrder uint64 `json:"out_of_order"`
	Stale      uint64 `json:"stale"`
	Errors     uint64 `json:"errors"`
	Ready      bool   `json:"ready"`
	Available  bool   `json:"available"`
}

// Resolution is what the bridge contributes to one frame.
type Resolution struct {
	// Pose is the worker pose when a fresh result exists, nil otherwise.
	Pose *pose.Estimate

	// GazePoint is the worker's projected gaze point in pixels. It may come
	// from a stale result while still within the hold window.
	GazePoint *gaze.Pixel
	GazeHeld  bool

	Iris  *gaze.Pixel
	Fresh bool
}

// Bridge exposes a worker's latest result to the per-frame path.
// Drain, Submit and Resolve must be called from a single goroutine;
// Ready, Available and Stats are safe from any goroutine.
type Bridge struct {
	cfg    BridgeConfig
	worker Worker
	logger *slog.Logger

	replies    <-chan Reply
	latest     *Result
	lastSubmit time.Time
	seq        uint64
	wasFresh   bool

	held       *gaze.Pixel
	heldFrames int

	ready             atomic.Bool
	available         atomic.Bool
	unavailableLogged atomic.Bool

	posted     atomic.Uint64
	throttled  atomic.Uint64
	results    atomic.Uint64
	outOfOrder atomic.Uint64
	stale      atomic.Uint64
	errs       atomic.Uint64
}

// NewBridge wraps w. A nil worker yields a bridge that is permanently
// unavailable, so callers always run on the fast path.
func NewBridge(w Worker, cfg BridgeConfig) (*Bridge, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("worker bridge config: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	b := &Bridge{
		cfg:    cfg,
		worker: w,
		logger: cfg.Logger.With("component", "worker_bridge"),
	}
	b.available.Store(w != nil)
	return b, nil
}

// Start starts the worker. A failure is returned for the caller's
// information only; the bridge marks itself unavailable and keeps serving
// the fast path.
func (b *Bridge) Start(ctx context.Context) error {
	if b.worker == nil {
		b.markUnavailable("no worker configured")
		return nil
	}
	if err := b.worker.Start(ctx); err != nil {
		b.markUnavailable(err.Error())
		return fmt.Errorf("start pose worker: %w", err)
	}
	b.replies = b.worker.Replies()
	return nil
}

func (b *Bridge) markUnavailable(reason string) {
	b.available.Store(false)
	b.ready.Store(false)
	if b.unavailableLogged.CompareAndSwap(false, true) {
		b.logger.Warn("pose worker unavailable, continuing on fast path", "reason", reason)
	}
}

// Drain consumes every reply currently queued without blocking.
func (b *Bridge) Drain() {
	if b.replies == nil {
		return
	}
	for {
		select {
		case r, ok := <-b.replies:
			if !ok {
				b.replies = nil
				b.markUnavailable("reply stream closed")
				return
			}
			b.handle(r)
		default:
			return
		}
	}
}

func (b *Bridge) handle(r Reply) {
	switch r.Kind {
	case KindReady:
		if b.available.Load() && b.ready.CompareAndSwap(false, true) {
			b.logger.Info("pose worker ready")
		}
	case KindError:
		b.errs.Add(1)
		if r.Fatal {
			b.markUnavailable(r.Error)
			return
		}
		b.logger.Debug("pose worker error", "error", r.Error)
	case KindResult:
		if !b.ready.Load() || r.Result == nil {
			return
		}
		res := *r.Result
		if b.latest != nil && res.Timestamp < b.latest.Timestamp {
			b.outOfOrder.Add(1)
			return
		}
		b.latest = &res
		b.results.Add(1)
		if res.IsValid && res.GazePoint != nil {
			gp := *res.GazePoint
			b.held = &gp
			b.heldFrames = 0
		}
	default:
		b.logger.Debug("unknown pose worker reply", "kind", r.Kind)
	}
}

// Submit posts f to the worker when it is ready and the throttle interval
// has passed. It reports whether a request was posted.
func (b *Bridge) Submit(f *landmark.Frame, now time.Time) bool {
	if b.worker == nil || !b.ready.Load() || f.Empty() {
		return false
	}
	if !b.lastSubmit.IsZero() && now.Sub(b.lastSubmit) < b.cfg.Throttle {
		b.throttled.Add(1)
		return false
	}
	b.seq++
	req := NewRequest(b.seq, f)
	// Results are matched against the time the frame was processed at.
	req.FrameTime = now.UnixMilli()
	if err := b.worker.Post(req); err != nil {
		b.errs.Add(1)
		b.logger.Debug("pose request not posted", "seq", b.seq, "error", err)
		return false
	}
	b.lastSubmit = now
	b.posted.Add(1)
	return true
}

// Resolve returns the worker contribution for a frame processed at now.
// A result older than the freshness window never supplies a pose.
func (b *Bridge) Resolve(now time.Time) Resolution {
	var res Resolution

	if b.latest != nil && b.latest.IsValid && Fresh(now, b.latest.Time(), b.cfg.Freshness) {
		p := pose.Estimate{
			Yaw:           b.latest.Yaw,
			Pitch:         b.latest.Pitch,
			Roll:          b.latest.Roll,
			HighPrecision: true,
			Timestamp:     b.latest.Time(),
		}
		res.Pose = &p
		res.Fresh = true
		res.Iris = b.latest.IrisCentroid
		if b.latest.GazePoint != nil {
			gp := *b.latest.GazePoint
			res.GazePoint = &gp
			b.heldFrames = 0
		}
		b.wasFresh = true
	} else if b.latest != nil {
		b.stale.Add(1)
		if b.wasFresh {
			b.logger.Debug("pose worker result stale, using fast path",
				"age_ms", now.Sub(b.latest.Time()).Milliseconds())
			b.wasFresh = false
		}
	}

	if res.GazePoint == nil && b.held != nil {
		b.heldFrames++
		if b.heldFrames <= b.cfg.GazeHoldFrames {
			gp := *b.held
			res.GazePoint = &gp
			res.GazeHeld = true
		} else {
			b.held = nil
		}
	}
	return res
}

// Ready reports whether the worker has completed its handshake.
func (b *Bridge) Ready() bool {
	return b.ready.Load()
}

// Available reports whether the worker can still become ready.
func (b *Bridge) Available() bool {
	return b.available.Load()
}

// Stats returns a snapshot of the bridge counters.
func (b *Bridge) Stats() Stats {
	return Stats{
		Posted:     b.posted.Load(),
		Throttled:  b.throttled.Load(),
		Results:    b.results.Load(),
		OutOfOrder: b.outOfOrder.Load(),
		Stale:      b.stale.Load(),
		Errors:     b.errs.Load(),
		Ready:      b.ready.Load(),
		Available:  b.available.Load(),
	}
}

// Close disposes the worker. Replies arriving afterwards are ignored.
func (b *Bridge) Close() error {
	b.ready.Store(false)
	b.available.Store(false)
	b.replies = nil
	if b.worker == nil {
		return nil
	}
	return b.worker.Close()
}
