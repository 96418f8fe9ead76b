// Package classifier turns per-frame pose and gaze into a debounced
// attention state.
package classifier

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/teslashibe/go-attention/pkg/calibration"
	"github.com/teslashibe/go-attention/pkg/gaze"
	"github.com/teslashibe/go-attention/pkg/landmark"
	"github.com/teslashibe/go-attention/pkg/pose"
	"github.com/teslashibe/go-attention/pkg/smoothing"
)

// ProfileSource supplies the active calibration profile. It is read once
// per frame; *calibration.Manager implements it.
type ProfileSource interface {
	Active() calibration.Profile
}

// Observation is everything the pipeline knows about one frame.
type Observation struct {
	Frame *landmark.Frame // Nil or empty when no face was detected

	Pose   pose.Estimate
	PoseOK bool

	Gaze   gaze.Sample
	GazeOK bool

	// GazePoint is the worker's projected gaze point, if any.
	GazePoint *gaze.Pixel

	Time time.Time
}

// Commit records a change of committed state.
type Commit struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}

// Debug describes the last classified frame, for visualization only.
type Debug struct {
	Yaw           float64 `json:"yaw"`
	Pitch         float64 `json:"pitch"`
	Roll          float64 `json:"roll"`
	Magnitude     float64 `json:"magnitude"`
	HighPrecision bool    `json:"used_high_precision"`

	H            float64 `json:"h"`
	V            float64 `json:"v"`
	CompensatedH float64 `json:"compensated_h"`
	CompensatedV float64 `json:"compensated_v"`
	GazeValid    bool    `json:"gaze_valid"`

	PupilOffset     float64     `json:"pupil_offset"`
	GazePoint       *gaze.Pixel `json:"gaze_point,omitempty"`
	GazePointOffset float64     `json:"gaze_point_offset"`

	Expand  float64             `json:"expand"`
	Profile calibration.Profile `json:"profile"`

	Proposed     State     `json:"proposed"`
	Committed    State     `json:"committed"`
	ConfirmCount int       `json:"confirm_count"`
	Reason       string    `json:"reason"`
	Timestamp    time.Time `json:"timestamp"`
}

// Classifier owns all per-session classification state. Process must be
// called in frame order from one goroutine; State and Debug may be read
// concurrently.
type Classifier struct {
	cfg      Config
	profiles ProfileSource
	logger   *slog.Logger

	poseAvg *smoothing.Vector2
	gazeAvg *smoothing.Vector2
	gpX     *smoothing.Exponential
	gpY     *smoothing.Exponential

	proposed State
	count    int

	mu        sync.RWMutex
	committed State
	debug     *Debug

	// failHook is invoked inside the panic boundary; tests use it.
	failHook func(Observation)
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Classifier) { c.logger = l }
}

// New validates cfg and returns a classifier in NotDetected. A nil profile
// source classifies against the default profile.
func New(cfg Config, profiles ProfileSource, opts ...Option) (*Classifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("classifier config: %w", err)
	}
	c := &Classifier{
		cfg:       cfg,
		profiles:  profiles,
		logger:    slog.Default(),
		poseAvg:   smoothing.NewVector2(cfg.PoseWindow),
		gazeAvg:   smoothing.NewVector2(cfg.GazeWindow),
		gpX:       smoothing.NewExponential(cfg.GazePointAlpha),
		gpY:       smoothing.NewExponential(cfg.GazePointAlpha),
		proposed:  NotDetected,
		committed: NotDetected,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// State returns the committed state.
func (c *Classifier) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.committed
}

// Debug returns the snapshot of the last classified frame. It reports
// false before the first frame and after a recovered failure.
func (c *Classifier) Debug() (Debug, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.debug == nil {
		return Debug{}, false
	}
	return *c.debug, true
}

// Process classifies one frame and returns the commit it caused, if any.
// It never panics: a failure forces NotDetected, clears the debug output
// and lets the next frame proceed.
func (c *Classifier) Process(obs Observation) (commit Commit, changed bool) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("classification failed, forcing not_detected", "panic", r)
			commit, changed = c.fail(obs.Time)
		}
	}()
	if c.failHook != nil {
		c.failHook(obs)
	}

	if obs.Frame.Empty() || !obs.PoseOK {
		return c.lost(obs.Time)
	}

	d := c.classify(obs)
	return c.debounce(d, obs.Time)
}

// lost commits NotDetected immediately, bypassing the debounce.
func (c *Classifier) lost(now time.Time) (Commit, bool) {
	c.resetSignals()
	c.proposed = NotDetected
	c.count = c.cfg.ConfirmFrames

	c.mu.Lock()
	defer c.mu.Unlock()
	c.debug = &Debug{
		Proposed:     NotDetected,
		Committed:    NotDetected,
		ConfirmCount: c.count,
		Reason:       "no_face",
		Timestamp:    now,
		Profile:      c.profile(),
	}
	return c.commitLocked(NotDetected, now)
}

func (c *Classifier) fail(now time.Time) (Commit, bool) {
	c.resetSignals()
	c.proposed = NotDetected
	c.count = 0

	c.mu.Lock()
	defer c.mu.Unlock()
	c.debug = nil
	return c.commitLocked(NotDetected, now)
}

func (c *Classifier) resetSignals() {
	c.poseAvg.Reset()
	c.gazeAvg.Reset()
	c.gpX.Reset()
	c.gpY.Reset()
}

func (c *Classifier) profile() calibration.Profile {
	if c.profiles == nil {
		return calibration.DefaultProfile()
	}
	p := c.profiles.Active()
	if p.Validate() != nil {
		return calibration.DefaultProfile()
	}
	return p
}

// classify proposes a state for obs and fills in the debug snapshot.
func (c *Classifier) classify(obs Observation) *Debug {
	yaw, pitch := c.poseAvg.Add(obs.Pose.Yaw, obs.Pose.Pitch)
	mag := math.Hypot(yaw, pitch)

	d := &Debug{
		Yaw:           yaw,
		Pitch:         pitch,
		Roll:          obs.Pose.Roll,
		Magnitude:     mag,
		HighPrecision: obs.Pose.HighPrecision,
		Profile:       c.profile(),
		Timestamp:     obs.Time,
	}

	// A blink has no gaze sample: keep the recent smoothed gaze, or treat
	// the eyes as centred when there is none.
	h, v := 0.5, 0.5
	if obs.GazeOK {
		h, v = c.gazeAvg.Add(obs.Gaze.H, obs.Gaze.V)
		d.GazeValid = true
	} else if mh, mv, ok := c.gazeAvg.Mean(); ok {
		h, v = mh, mv
	}
	d.H, d.V = h, v
	d.CompensatedH, d.CompensatedV = h, v

	switch {
	case mag > c.cfg.StrictTurningThreshold:
		d.Proposed = Turning
		d.Reason = "head_turned"
	case mag > c.cfg.SoftTurningThreshold:
		scale := c.cfg.StrictTurningThreshold
		d.CompensatedH = h - c.cfg.YawCompensation*landmark.Clamp(yaw/scale, -1, 1)
		d.CompensatedV = v - c.cfg.PitchCompensation*landmark.Clamp(pitch/scale, -1, 1)
		d.Expand = c.cfg.GazeOutThreshold
		d.Proposed, d.Reason = c.region(d)
	default:
		d.Proposed, d.Reason = c.region(d)
	}

	d.PupilOffset = math.Hypot(h-0.5, v-0.5) / math.Sqrt(0.5)
	if obs.GazePoint != nil {
		gp := gaze.Pixel{X: c.gpX.Update(obs.GazePoint.X), Y: c.gpY.Update(obs.GazePoint.Y)}
		d.GazePoint = &gp
		d.GazePointOffset = gazePointOffset(gp, obs.Frame)
	}

	if d.Proposed == Focus && d.GazePoint != nil &&
		d.PupilOffset > c.cfg.PupilOffsetThreshold &&
		d.GazePointOffset > c.cfg.GazePointThreshold {
		d.Proposed = Glance
		d.Reason = "corroborated_offset"
	}
	return d
}

func (c *Classifier) region(d *Debug) (State, string) {
	if d.Profile.Contains(d.CompensatedH, d.CompensatedV, d.Expand) {
		return Focus, "in_region"
	}
	return Glance, "out_of_region"
}

// gazePointOffset is the distance from the frame centre divided by half
// the frame diagonal.
func gazePointOffset(p gaze.Pixel, f *landmark.Frame) float64 {
	w, h := float64(f.Width), float64(f.Height)
	halfDiag := math.Hypot(w, h) / 2
	if halfDiag == 0 {
		return 0
	}
	return math.Hypot(p.X-w/2, p.Y-h/2) / halfDiag
}

func (c *Classifier) debounce(d *Debug, now time.Time) (Commit, bool) {
	if d.Proposed == c.proposed {
		c.count++
	} else {
		c.proposed = d.Proposed
		c.count = 1
	}
	d.ConfirmCount = c.count

	c.mu.Lock()
	defer c.mu.Unlock()
	c.debug = d
	if c.count >= c.cfg.ConfirmFrames {
		commit, changed := c.commitLocked(d.Proposed, now)
		d.Committed = c.committed
		return commit, changed
	}
	d.Committed = c.committed
	return Commit{}, false
}

func (c *Classifier) commitLocked(next State, now time.Time) (Commit, bool) {
	if next == c.committed {
		return Commit{}, false
	}
	commit := Commit{From: c.committed, To: next, At: now}
	c.committed = next
	c.logger.Debug("attention state committed", "from", commit.From, "to", commit.To)
	return commit, true
}
