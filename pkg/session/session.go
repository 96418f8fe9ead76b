// Package session aggregates committed attention states into a session
// report: time in each state, rate-limited distraction triggers, pose
// stability and long fixations.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"

	"github.com/teslashibe/go-attention/pkg/classifier"
)

// EventType names a distraction trigger.
type EventType string

const (
	EventTurning     EventType = "turning"
	EventGlance      EventType = "glance"
	EventNotDetected EventType = "not_detected"
)

// eventFor maps an undesirable state to its trigger type.
func eventFor(s classifier.State) (EventType, bool) {
	switch s {
	case classifier.Turning:
		return EventTurning, true
	case classifier.Glance:
		return EventGlance, true
	case classifier.NotDetected:
		return EventNotDetected, true
	}
	return "", false
}

// Context locates an event in the content being presented.
type Context struct {
	Word      string `json:"word,omitempty"`
	WordIndex int    `json:"word_index"`
}

// Event is one entry in the distraction log.
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	DurationMs int64     `json:"duration_ms"`
	OccurredAt time.Time `json:"occurred_at"`
	Context    Context   `json:"context"`
}

// Config tunes the aggregator.
type Config struct {
	// Continuous time in a state before its trigger fires, and between
	// repeated triggers of the same type.
	TurningThreshold     time.Duration
	GlanceThreshold      time.Duration
	NotDetectedThreshold time.Duration

	// Window bounds the pose and gaze samples kept for variance and
	// fixation analysis.
	Window time.Duration

	FixationRadius  float64 // Pixels
	FixationMinimum time.Duration
}

// DefaultConfig returns the production aggregation settings.
func DefaultConfig() Config {
	return Config{
		TurningThreshold:     3000 * time.Millisecond,
		GlanceThreshold:      2000 * time.Millisecond,
		NotDetectedThreshold: 1000 * time.Millisecond,
		Window:               60 * time.Second,
		FixationRadius:       50,
		FixationMinimum:      1500 * time.Millisecond,
	}
}

// Validate reports every out-of-range field.
func (c Config) Validate() error {
	var errs []error
	for name, d := range map[string]time.Duration{
		"turning threshold":      c.TurningThreshold,
		"glance threshold":       c.GlanceThreshold,
		"not detected threshold": c.NotDetectedThreshold,
		"window":                 c.Window,
		"fixation minimum":       c.FixationMinimum,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0, got %v", name, d))
		}
	}
	if c.FixationRadius <= 0 {
		errs = append(errs, fmt.Errorf("fixation radius must be > 0, got %g", c.FixationRadius))
	}
	return errors.Join(errs...)
}

func (c Config) threshold(t EventType) time.Duration {
	switch t {
	case EventTurning:
		return c.TurningThreshold
	case EventGlance:
		return c.GlanceThreshold
	default:
		return c.NotDetectedThreshold
	}
}

type poseSample struct {
	at         time.Time
	yaw, pitch float64
}

type gazePoint struct {
	at   time.Time
	x, y float64
}

// Aggregator accumulates one session. It is safe for concurrent use.
type Aggregator struct {
	cfg    Config
	clock  func() time.Time
	logger *slog.Logger

	mu          sync.Mutex
	id          string
	start       time.Time
	state       classifier.State
	stateSince  time.Time
	lastChange  time.Time
	timeIn      map[classifier.State]time.Duration
	lastTrigger map[EventType]time.Time
	poses       []poseSample
	gazes       []gazePoint
	events      []Event
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithClock sets the clock used for the session start time.
func WithClock(clock func() time.Time) Option {
	return func(a *Aggregator) { a.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Aggregator) { a.logger = l }
}

// New validates cfg and starts a session in NotDetected.
func New(cfg Config, opts ...Option) (*Aggregator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("session config: %w", err)
	}
	a := &Aggregator{
		cfg:    cfg,
		clock:  time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.resetLocked(a.clock(), classifier.NotDetected)
	return a, nil
}

func (a *Aggregator) resetLocked(now time.Time, state classifier.State) {
	a.id = uuid.New().String()
	a.start = now
	a.state = state
	a.stateSince = now
	a.lastChange = now
	a.timeIn = make(map[classifier.State]time.Duration)
	a.lastTrigger = make(map[EventType]time.Time)
	a.poses = nil
	a.gazes = nil
	a.events = nil
}

// ID returns the session identifier.
func (a *Aggregator) ID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.id
}

// Reset begins a new session at now, keeping the current state.
func (a *Aggregator) Reset(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	prev := a.id
	a.resetLocked(now, a.state)
	a.logger.Info("session reset", "previous_session_id", prev, "session_id", a.id)
}

// Rebase moves the start of a session that has recorded nothing yet to
// now. It reports whether the session moved.
func (a *Aggregator) Rebase(now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.timeIn) > 0 || len(a.events) > 0 || len(a.poses) > 0 || !a.lastChange.Equal(a.start) {
		return false
	}
	a.start, a.stateSince, a.lastChange = now, now, now
	return true
}

// RecordStatusChange closes the interval spent in prev, crediting it to
// prev, and enters next.
func (a *Aggregator) RecordStatusChange(prev, next classifier.State, now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if d := now.Sub(a.lastChange); d > 0 {
		a.timeIn[prev] += d
	}
	a.lastChange = now
	if next != a.state {
		a.stateSince = now
	}
	a.state = next
}

// RecordDistractionEvent appends an event to the log.
func (a *Aggregator) RecordDistractionEvent(t EventType, durationMs int64, ctx Context, now time.Time) Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.recordLocked(t, durationMs, ctx, now)
}

func (a *Aggregator) recordLocked(t EventType, durationMs int64, ctx Context, now time.Time) Event {
	ev := Event{
		ID:         uuid.New().String(),
		Type:       t,
		DurationMs: durationMs,
		OccurredAt: now,
		Context:    ctx,
	}
	a.events = append(a.events, ev)
	return ev
}

// Observe fires the trigger for the current state when continuous time in
// it, measured from the later of entering the state and the previous
// trigger of the same type, reaches the type's threshold. A long period in
// one state therefore fires once per threshold interval.
func (a *Aggregator) Observe(now time.Time, ctx Context) []Event {
	a.mu.Lock()
	defer a.mu.Unlock()

	t, ok := eventFor(a.state)
	if !ok {
		return nil
	}
	anchor := a.stateSince
	if last, ok := a.lastTrigger[t]; ok && last.After(anchor) {
		anchor = last
	}
	if now.Sub(anchor) < a.cfg.threshold(t) {
		return nil
	}
	a.lastTrigger[t] = now
	ev := a.recordLocked(t, now.Sub(a.stateSince).Milliseconds(), ctx, now)
	a.logger.Debug("distraction triggered", "type", t, "duration_ms", ev.DurationMs)
	return []Event{ev}
}

// AddPoseSample records head pose for variance analysis.
func (a *Aggregator) AddPoseSample(now time.Time, yaw, pitch float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.poses = append(a.poses, poseSample{at: now, yaw: yaw, pitch: pitch})
	a.poses = prune(a.poses, now.Add(-a.cfg.Window), func(p poseSample) time.Time { return p.at })
}

// AddGazePoint records a gaze point in pixels for fixation analysis.
func (a *Aggregator) AddGazePoint(now time.Time, x, y float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.gazes = append(a.gazes, gazePoint{at: now, x: x, y: y})
	a.gazes = prune(a.gazes, now.Add(-a.cfg.Window), func(g gazePoint) time.Time { return g.at })
}

// prune drops leading samples older than cutoff. Samples arrive in time order.
func prune[T any](s []T, cutoff time.Time, at func(T) time.Time) []T {
	i := 0
	for i < len(s) && at(s[i]).Before(cutoff) {
		i++
	}
	if i == 0 {
		return s
	}
	return append(s[:0], s[i:]...)
}

// Events returns a copy of the distraction log.
func (a *Aggregator) Events() []Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Event, len(a.events))
	copy(out, a.events)
	return out
}

// Breakdown holds a value per state.
type Breakdown struct {
	Focus       float64 `json:"focus"`
	Glance      float64 `json:"glance"`
	Turning     float64 `json:"turning"`
	NotDetected float64 `json:"not_detected"`
}

// Counts holds trigger counts per type.
type Counts struct {
	Turning     int `json:"turning"`
	Glance      int `json:"glance"`
	NotDetected int `json:"not_detected"`
}

// Summary is the derived session report. Durations are seconds rounded to
// a tenth; percentages are of the total duration.
type Summary struct {
	SessionID     string           `json:"session_id"`
	StartedAt     time.Time        `json:"started_at"`
	GeneratedAt   time.Time        `json:"generated_at"`
	TotalDuration float64          `json:"total_duration"`
	TimeBreakdown Breakdown        `json:"time_breakdown"`
	Percentages   Breakdown        `json:"percentages"`
	EventCounts   Counts           `json:"event_counts"`
	PoseVariance  float64          `json:"pose_variance"`
	LongFixations int              `json:"long_fixations"`
	CurrentState  classifier.State `json:"current_state"`
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

// GenerateSummary computes the report at now, including the interval
// spent in the current state so far.
func (a *Aggregator) GenerateSummary(now time.Time) Summary {
	a.mu.Lock()
	defer a.mu.Unlock()

	timeIn := make(map[classifier.State]time.Duration, len(a.timeIn)+1)
	for s, d := range a.timeIn {
		timeIn[s] = d
	}
	if d := now.Sub(a.lastChange); d > 0 {
		timeIn[a.state] += d
	}

	total := now.Sub(a.start)
	if total < 0 {
		total = 0
	}
	secs := func(s classifier.State) float64 { return timeIn[s].Seconds() }
	pct := func(s classifier.State) float64 {
		if total == 0 {
			return 0
		}
		return round1(100 * float64(timeIn[s]) / float64(total))
	}

	var counts Counts
	for _, ev := range a.events {
		switch ev.Type {
		case EventTurning:
			counts.Turning++
		case EventGlance:
			counts.Glance++
		case EventNotDetected:
			counts.NotDetected++
		}
	}

	cutoff := now.Add(-a.cfg.Window)
	return Summary{
		SessionID:     a.id,
		StartedAt:     a.start,
		GeneratedAt:   now,
		TotalDuration: round1(total.Seconds()),
		TimeBreakdown: Breakdown{
			Focus:       round1(secs(classifier.Focus)),
			Glance:      round1(secs(classifier.Glance)),
			Turning:     round1(secs(classifier.Turning)),
			NotDetected: round1(secs(classifier.NotDetected)),
		},
		Percentages: Breakdown{
			Focus:       pct(classifier.Focus),
			Glance:      pct(classifier.Glance),
			Turning:     pct(classifier.Turning),
			NotDetected: pct(classifier.NotDetected),
		},
		EventCounts:   counts,
		PoseVariance:  poseVariance(a.poses, cutoff),
		LongFixations: longFixations(a.gazes, cutoff, a.cfg.FixationRadius, a.cfg.FixationMinimum),
		CurrentState:  a.state,
	}
}

// poseVariance averages the population variance of yaw and pitch over
// samples newer than cutoff.
func poseVariance(samples []poseSample, cutoff time.Time) float64 {
	var yaws, pitches []float64
	for _, s := range samples {
		if s.at.Before(cutoff) {
			continue
		}
		yaws = append(yaws, s.yaw)
		pitches = append(pitches, s.pitch)
	}
	if len(yaws) < 2 {
		return 0
	}
	return (stat.PopVariance(yaws, nil) + stat.PopVariance(pitches, nil)) / 2
}

// longFixations counts runs of consecutive gaze points that stay within
// radius of the run's first point for at least minimum.
func longFixations(points []gazePoint, cutoff time.Time, radius float64, minimum time.Duration) int {
	count := 0
	var anchor, last *gazePoint
	flush := func() {
		if anchor != nil && last.at.Sub(anchor.at) >= minimum {
			count++
		}
	}
	for i := range points {
		p := &points[i]
		if p.at.Before(cutoff) {
			continue
		}
		if anchor != nil && math.Hypot(p.x-anchor.x, p.y-anchor.y) <= radius {
			last = p
			continue
		}
		flush()
		anchor, last = p, p
	}
	flush()
	return count
}
