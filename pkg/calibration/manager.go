package calibration

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/teslashibe/go-attention/pkg/gaze"
)

// Run duration limits.
const (
	DefaultDuration = 6 * time.Second
	MaxDuration     = 60 * time.Second
)

// Config configures a Manager.
type Config struct {
	// Duration is the default run length. Default: 6s.
	Duration time.Duration

	// Store persists profiles. Default: in-memory.
	Store Store

	// SaveTimeout bounds each background save. Default: 2s.
	SaveTimeout time.Duration

	Logger *slog.Logger
}

// Progress describes the current run for display.
type Progress struct {
	Running   bool    `json:"running"`
	RunID     string  `json:"run_id,omitempty"`
	Fraction  float64 `json:"fraction"`
	Collected int     `json:"collected"`
	Skipped   int     `json:"skipped"`
}

type run struct {
	id       string
	started  time.Time
	duration time.Duration
	samples  []Sample
	skipped  int
}

// Manager owns calibration runs and the active profile. The active profile
// is swapped atomically, so readers never observe a partial update.
type Manager struct {
	cfg    Config
	store  Store
	logger *slog.Logger

	active atomic.Pointer[Profile]

	mu         sync.Mutex
	run        *run
	generation uint64 // bumped by Start and Reset
	epoch      uint64 // bumped whenever the active profile changes
	onComplete []func(Profile)

	storeMu sync.Mutex // orders Save and Clear
	saves   sync.WaitGroup
}

// NewManager validates cfg and returns a manager on the default profile.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Duration == 0 {
		cfg.Duration = DefaultDuration
	}
	if cfg.Duration < 0 || cfg.Duration > MaxDuration {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDuration, cfg.Duration)
	}
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}
	if cfg.SaveTimeout <= 0 {
		cfg.SaveTimeout = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		cfg:    cfg,
		store:  cfg.Store,
		logger: cfg.Logger.With("component", "calibration"),
	}, nil
}

// Load restores a persisted profile. A missing or invalid profile leaves
// the default in place; only store failures are returned.
func (m *Manager) Load(ctx context.Context) error {
	p, ok, err := m.store.Load(ctx)
	if err != nil {
		m.logger.Warn("calibration profile load failed, using default", "error", err)
		return fmt.Errorf("load profile: %w", err)
	}
	if !ok {
		return nil
	}
	if err := p.Validate(); err != nil {
		m.logger.Warn("persisted calibration profile invalid, using default", "error", err)
		return nil
	}
	m.active.Store(&p)
	m.logger.Info("calibration profile loaded", "samples", p.Samples, "recorded_at", p.RecordedAt)
	return nil
}

// Active returns the current profile, or the default when none is set.
func (m *Manager) Active() Profile {
	if p := m.active.Load(); p != nil {
		return *p
	}
	return DefaultProfile()
}

// Calibrated reports whether a personal profile is active.
func (m *Manager) Calibrated() bool {
	return m.active.Load() != nil
}

// OnComplete registers fn to receive each newly applied profile.
func (m *Manager) OnComplete(fn func(Profile)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onComplete = append(m.onComplete, fn)
}

// Start begins a run, discarding any run in progress. A zero duration
// uses the configured default. The run's clock starts at the first frame
// passed to Add, so its length is measured in frame time.
func (m *Manager) Start(duration time.Duration) (string, error) {
	if duration == 0 {
		duration = m.cfg.Duration
	}
	if duration < 0 || duration > MaxDuration {
		return "", fmt.Errorf("%w: %v", ErrInvalidDuration, duration)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.run != nil {
		m.logger.Info("calibration run superseded", "run_id", m.run.id)
	}
	m.generation++
	m.run = &run{
		id:       uuid.New().String(),
		duration: duration,
	}
	m.logger.Info("calibration started", "run_id", m.run.id, "duration", duration)
	return m.run.id, nil
}

// Collecting reports whether a run is in progress.
func (m *Manager) Collecting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.run != nil
}

// Add records s for the current run. Samples without both pupils are
// counted as skipped. It reports true once the run duration has elapsed,
// at which point the caller should Stop.
func (m *Manager) Add(now time.Time, s gaze.Sample, ok bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.run
	if r == nil {
		return false
	}
	if r.started.IsZero() {
		r.started = now
	}
	if now.Sub(r.started) >= r.duration {
		return true
	}
	sample, valid := SampleFromGaze(s)
	if !ok || !valid {
		r.skipped++
		return false
	}
	r.samples = append(r.samples, sample)
	return false
}

// Progress reports the current run state at now.
func (m *Manager) Progress(now time.Time) Progress {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.run
	if r == nil {
		return Progress{}
	}
	var frac float64
	if !r.started.IsZero() {
		frac = float64(now.Sub(r.started)) / float64(r.duration)
	}
	if frac < 0 {
		frac = 0
	}
	if frac > 1 {
		frac = 1
	}
	return Progress{
		Running:   true,
		RunID:     r.id,
		Fraction:  frac,
		Collected: len(r.samples),
		Skipped:   r.skipped,
	}
}

// Stop ends the current run, computes its profile and applies it. The
// profile is persisted in the background; a failed save is logged and the
// profile stays active. Flush waits for pending saves.
func (m *Manager) Stop(now time.Time) (Profile, error) {
	m.mu.Lock()
	r := m.run
	gen := m.generation
	m.run = nil
	m.mu.Unlock()

	if r == nil {
		return Profile{}, ErrNotRunning
	}
	p, err := ComputeProfile(r.samples, now)
	if err != nil {
		m.logger.Warn("calibration produced no profile", "run_id", r.id, "skipped", r.skipped)
		return Profile{}, err
	}

	m.mu.Lock()
	if m.generation != gen {
		m.mu.Unlock()
		m.logger.Info("calibration result discarded", "run_id", r.id)
		return Profile{}, ErrStaleRun
	}
	m.active.Store(&p)
	m.epoch++
	epoch := m.epoch
	callbacks := append([]func(Profile){}, m.onComplete...)
	m.saves.Add(1)
	m.mu.Unlock()

	go m.persist(r.id, epoch, p)

	m.logger.Info("calibration complete",
		"run_id", r.id,
		"samples", p.Samples,
		"skipped", r.skipped,
		"h_min", p.H.Min, "h_max", p.H.Max,
		"v_min", p.V.Min, "v_max", p.V.Max,
	)
	for _, fn := range callbacks {
		fn(p)
	}
	return p, nil
}

// persist saves p unless a newer profile or a reset replaced it first.
func (m *Manager) persist(runID string, epoch uint64, p Profile) {
	defer m.saves.Done()
	m.storeMu.Lock()
	defer m.storeMu.Unlock()

	m.mu.Lock()
	current := m.epoch
	m.mu.Unlock()
	if current != epoch {
		m.logger.Debug("calibration save skipped, profile replaced", "run_id", runID)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.SaveTimeout)
	defer cancel()
	if err := m.store.Save(ctx, p); err != nil {
		m.logger.Warn("calibration profile save failed", "run_id", runID, "error", err)
	}
}

// Flush waits for background saves to finish.
func (m *Manager) Flush() {
	m.saves.Wait()
}

// Reset cancels any run, drops the active profile and clears the store.
// A save still in flight completes before the clear.
func (m *Manager) Reset(ctx context.Context) error {
	m.mu.Lock()
	m.run = nil
	m.generation++
	m.epoch++
	m.active.Store(nil)
	m.mu.Unlock()

	m.storeMu.Lock()
	defer m.storeMu.Unlock()
	if err := m.store.Clear(ctx); err != nil {
		m.logger.Warn("calibration profile clear failed", "error", err)
		return fmt.Errorf("clear profile: %w", err)
	}
	m.logger.Info("calibration reset")
	return nil
}
