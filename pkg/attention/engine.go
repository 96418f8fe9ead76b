// Package attention wires the pose, worker, calibration, classification
// and session stages into one per-frame engine.
package attention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-attention/internal/observe"
	"github.com/teslashibe/go-attention/pkg/calibration"
	"github.com/teslashibe/go-attention/pkg/classifier"
	"github.com/teslashibe/go-attention/pkg/gaze"
	"github.com/teslashibe/go-attention/pkg/landmark"
	"github.com/teslashibe/go-attention/pkg/pose"
	"github.com/teslashibe/go-attention/pkg/session"
	"github.com/teslashibe/go-attention/pkg/worker"
)

// ErrStopped is returned by operations on a stopped engine.
var ErrStopped = errors.New("attention: engine stopped")

// Config collects the stage configurations.
type Config struct {
	Classifier  classifier.Config
	Session     session.Config
	Bridge      worker.BridgeConfig
	Calibration calibration.Config

	// StoreTimeout bounds each background save of a calibration profile.
	// Default: 2s.
	StoreTimeout time.Duration
}

// DefaultConfig returns production settings with an in-memory profile store.
func DefaultConfig() Config {
	return Config{
		Classifier:   classifier.DefaultConfig(),
		Session:      session.DefaultConfig(),
		Bridge:       worker.DefaultBridgeConfig(),
		Calibration:  calibration.Config{Duration: calibration.DefaultDuration},
		StoreTimeout: 2 * time.Second,
	}
}

// Notification is sent to distraction subscribers when the committed state
// becomes Glance or Turning.
type Notification struct {
	State classifier.State `json:"state"`
	At    time.Time        `json:"at"`
}

// Snapshot is the debug view of the engine, for visualization only.
type Snapshot struct {
	State       classifier.State     `json:"state"`
	SessionID   string               `json:"session_id"`
	Classifier  *classifier.Debug    `json:"classifier,omitempty"`
	Worker      worker.Stats         `json:"worker"`
	Calibration calibration.Progress `json:"calibration"`
	Calibrated  bool                 `json:"calibrated"`
	Profile     calibration.Profile  `json:"profile"`
	Timestamp   time.Time            `json:"timestamp"`
}

// Engine processes landmark frames in arrival order. ProcessFrame calls
// are serialized; the query methods are safe from any goroutine.
type Engine struct {
	cfg     Config
	logger  *slog.Logger
	clock   func() time.Time
	metrics *observe.Metrics

	bridge     *worker.Bridge
	fast       *pose.FastEstimator
	calib      *calibration.Manager
	classifier *classifier.Classifier
	session    *session.Aggregator

	mu sync.Mutex // serializes frames

	// Frame time of the last processed frame and the clock reading when it
	// was processed. Queries are answered on the frame timeline.
	timeMu    sync.Mutex
	lastFrame time.Time
	lastWall  time.Time

	wordMu sync.RWMutex
	word   session.Context

	subMu         sync.RWMutex
	onDistraction []func(Notification)
	onTrigger     []func(session.Event)

	stopped   atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
	stopErr   error
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger passed to every stage.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock sets the clock used when a frame carries no timestamp, and to
// advance query times between frames.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithMetrics records pipeline metrics on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New builds an engine around w. A nil worker runs on the fast pose path
// only.
func New(cfg Config, w worker.Worker, opts ...Option) (*Engine, error) {
	e := &Engine{
		cfg:    cfg,
		logger: slog.Default(),
		clock:  time.Now,
		fast:   pose.NewFastEstimator(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.cfg.StoreTimeout <= 0 {
		e.cfg.StoreTimeout = 2 * time.Second
	}

	bcfg := cfg.Bridge
	if bcfg.Logger == nil {
		bcfg.Logger = e.logger
	}
	ccfg := cfg.Calibration
	if ccfg.Logger == nil {
		ccfg.Logger = e.logger
	}
	if ccfg.SaveTimeout <= 0 {
		ccfg.SaveTimeout = e.cfg.StoreTimeout
	}

	var err error
	if e.bridge, err = worker.NewBridge(w, bcfg); err != nil {
		return nil, err
	}
	if e.calib, err = calibration.NewManager(ccfg); err != nil {
		return nil, err
	}
	if e.classifier, err = classifier.New(cfg.Classifier, e.calib,
		classifier.WithLogger(e.logger.With("component", "classifier"))); err != nil {
		return nil, err
	}
	if e.session, err = session.New(cfg.Session,
		session.WithClock(e.now),
		session.WithLogger(e.logger.With("component", "session"))); err != nil {
		return nil, err
	}
	return e, nil
}

// Start loads the persisted calibration profile and starts the worker.
// Neither failure is fatal: the engine falls back to the default profile
// and the fast pose path.
func (e *Engine) Start(ctx context.Context) error {
	if e.stopped.Load() {
		return ErrStopped
	}
	e.startOnce.Do(func() {
		if err := e.calib.Load(ctx); err != nil {
			e.logger.Warn("calibration profile not loaded", "error", err)
		}
		if err := e.bridge.Start(ctx); err != nil {
			e.logger.Debug("pose worker start failed", "error", err)
		}
		e.logger.Info("attention engine started",
			"session_id", e.session.ID(),
			"calibrated", e.calib.Calibrated())
	})
	return nil
}

// Run starts the engine if needed and processes frames until the channel
// closes or ctx is done, then stops the engine.
func (e *Engine) Run(ctx context.Context, frames <-chan *landmark.Frame) error {
	if err := e.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = e.Stop() }()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-frames:
			if !ok {
				return nil
			}
			e.ProcessFrame(f)
		}
	}
}

// Stop disposes the worker. Frames processed afterwards are ignored and no
// further notifications fire.
func (e *Engine) Stop() error {
	e.stopOnce.Do(func() {
		e.stopped.Store(true)
		e.mu.Lock()
		defer e.mu.Unlock()
		e.stopErr = e.bridge.Close()
		e.calib.Flush()
		e.logger.Info("attention engine stopped", "session_id", e.session.ID())
	})
	return e.stopErr
}

// frameTime records f's time on the frame timeline and reports whether f
// is the first frame the engine has seen.
func (e *Engine) frameTime(f *landmark.Frame) (time.Time, bool) {
	wall := e.clock()
	at := wall
	if f != nil && !f.Timestamp.IsZero() {
		at = f.Timestamp
	}
	e.timeMu.Lock()
	defer e.timeMu.Unlock()
	first := e.lastFrame.IsZero()
	e.lastFrame, e.lastWall = at, wall
	return at, first
}

// now is the current time on the frame timeline: the last frame time plus
// the clock time elapsed since it was processed. Before any frame it is the
// clock.
func (e *Engine) now() time.Time {
	wall := e.clock()
	e.timeMu.Lock()
	defer e.timeMu.Unlock()
	if e.lastFrame.IsZero() {
		return wall
	}
	return e.lastFrame.Add(wall.Sub(e.lastWall))
}

// ProcessFrame runs one frame through the pipeline and returns the
// committed state. A nil or empty frame means no face was detected.
func (e *Engine) ProcessFrame(f *landmark.Frame) classifier.State {
	var (
		notes    []Notification
		triggers []session.Event
	)
	state := func() classifier.State {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.stopped.Load() {
			return e.classifier.State()
		}
		now, first := e.frameTime(f)
		if first {
			// The session starts with the source's first frame.
			e.session.Rebase(now)
		}
		notes, triggers = e.tick(f, now)
		return e.classifier.State()
	}()
	e.notify(notes, triggers)
	return state
}

// tick is the per-frame path. It must hold e.mu.
func (e *Engine) tick(f *landmark.Frame, now time.Time) (notes []Notification, triggers []session.Event) {
	began := time.Now()
	outcome := "classified"
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("frame processing failed, forcing not_detected", "panic", r)
			outcome = "recovered"
			if commit, ok := e.classifier.Process(classifier.Observation{Time: now}); ok {
				e.session.RecordStatusChange(commit.From, commit.To, now)
			}
			notes, triggers = nil, nil
		}
		if e.metrics != nil {
			e.metrics.RecordFrame(context.Background(), time.Since(began), outcome)
		}
	}()

	e.bridge.Drain()
	e.bridge.Submit(f, now)

	est, poseOK := e.fast.Estimate(f, now)
	res := e.bridge.Resolve(now)
	if poseOK && res.Pose != nil {
		est = *res.Pose
	}
	if poseOK && e.metrics != nil {
		source := "fast"
		if est.HighPrecision {
			source = "worker"
		}
		e.metrics.RecordPoseSource(context.Background(), source)
	}

	var (
		sample gaze.Sample
		gazeOK bool
	)
	if poseOK {
		sample, gazeOK = gaze.FromFrame(f, est)
	}

	if e.calib.Collecting() {
		outcome = "calibrating"
		if e.calib.Add(now, sample, gazeOK) {
			e.finishCalibration(now)
		}
		return nil, nil
	}

	commit, changed := e.classifier.Process(classifier.Observation{
		Frame:     f,
		Pose:      est,
		PoseOK:    poseOK,
		Gaze:      sample,
		GazeOK:    gazeOK,
		GazePoint: res.GazePoint,
		Time:      now,
	})
	if changed {
		e.session.RecordStatusChange(commit.From, commit.To, now)
		if e.metrics != nil {
			e.metrics.RecordCommit(context.Background(), commit.To.String())
		}
		if commit.To.Distracted() {
			notes = append(notes, Notification{State: commit.To, At: now})
		}
	}

	triggers = e.session.Observe(now, e.currentWord())
	if e.metrics != nil {
		for _, ev := range triggers {
			e.metrics.RecordTrigger(context.Background(), string(ev.Type))
		}
	}
	if poseOK {
		e.session.AddPoseSample(now, est.Yaw, est.Pitch)
	}
	if res.GazePoint != nil {
		e.session.AddGazePoint(now, res.GazePoint.X, res.GazePoint.Y)
	}
	return notes, triggers
}

// finishCalibration applies the run's profile; the store write happens off
// the frame path.
func (e *Engine) finishCalibration(now time.Time) {
	outcome := "completed"
	if _, err := e.calib.Stop(now); err != nil {
		switch {
		case errors.Is(err, calibration.ErrNoSamples):
			outcome = "no_samples"
		case errors.Is(err, calibration.ErrStaleRun):
			outcome = "stale"
		default:
			outcome = "failed"
		}
		e.logger.Warn("calibration run ended without a profile", "error", err)
	}
	if e.metrics != nil {
		e.metrics.RecordCalibration(context.Background(), outcome)
	}
}

func (e *Engine) notify(notes []Notification, triggers []session.Event) {
	if (len(notes) == 0 && len(triggers) == 0) || e.stopped.Load() {
		return
	}
	e.subMu.RLock()
	distraction := e.onDistraction
	trigger := e.onTrigger
	e.subMu.RUnlock()
	for _, n := range notes {
		for _, fn := range distraction {
			fn(n)
		}
	}
	for _, ev := range triggers {
		for _, fn := range trigger {
			fn(ev)
		}
	}
}

// OnDistraction subscribes fn to commits to Glance or Turning. It runs on
// the frame goroutine after the frame completes.
func (e *Engine) OnDistraction(fn func(Notification)) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	e.onDistraction = append(e.onDistraction, fn)
}

// OnTrigger subscribes fn to rate-limited session triggers.
func (e *Engine) OnTrigger(fn func(session.Event)) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	e.onTrigger = append(e.onTrigger, fn)
}

// OnCalibrationComplete subscribes fn to newly applied profiles.
func (e *Engine) OnCalibrationComplete(fn func(calibration.Profile)) {
	e.calib.OnComplete(fn)
}

// CurrentState returns the committed state.
func (e *Engine) CurrentState() classifier.State {
	return e.classifier.State()
}

// DebugSnapshot returns the current debug view.
func (e *Engine) DebugSnapshot() Snapshot {
	now := e.now()
	s := Snapshot{
		State:       e.classifier.State(),
		SessionID:   e.session.ID(),
		Worker:      e.bridge.Stats(),
		Calibration: e.calib.Progress(now),
		Calibrated:  e.calib.Calibrated(),
		Profile:     e.calib.Active(),
		Timestamp:   now,
	}
	if d, ok := e.classifier.Debug(); ok {
		s.Classifier = &d
	}
	return s
}

// StartCalibration begins collecting samples for durationSeconds. Zero
// selects the configured default. It returns the run ID.
func (e *Engine) StartCalibration(durationSeconds float64) (string, error) {
	if e.stopped.Load() {
		return "", ErrStopped
	}
	d := time.Duration(durationSeconds * float64(time.Second))
	id, err := e.calib.Start(d)
	if err != nil {
		return "", fmt.Errorf("start calibration: %w", err)
	}
	return id, nil
}

// ResetCalibration cancels any run and reverts to the default profile.
func (e *Engine) ResetCalibration(ctx context.Context) error {
	return e.calib.Reset(ctx)
}

// Summary returns the session report as of now on the frame timeline.
func (e *Engine) Summary() session.Summary {
	return e.session.GenerateSummary(e.now())
}

// Events returns the session's distraction log.
func (e *Engine) Events() []session.Event {
	return e.session.Events()
}

// ResetSession starts a new session without rebuilding the engine.
func (e *Engine) ResetSession() {
	e.session.Reset(e.now())
}

// SetCurrentWord sets the content position attached to later triggers.
func (e *Engine) SetCurrentWord(word string, index int) {
	e.wordMu.Lock()
	defer e.wordMu.Unlock()
	e.word = session.Context{Word: word, WordIndex: index}
}

func (e *Engine) currentWord() session.Context {
	e.wordMu.RLock()
	defer e.wordMu.RUnlock()
	return e.word
}
