package calibration

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/teslashibe/go-attention/pkg/gaze"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T, store Store) *Manager {
	t.Helper()
	m, err := NewManager(Config{Store: store, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func gazeSample(h, v float64) gaze.Sample {
	return gaze.Sample{
		H: h, V: v,
		PupilLeft:  &gaze.Pixel{X: 280, Y: 200},
		PupilRight: &gaze.Pixel{X: 360, Y: 200},
	}
}

type failingStore struct {
	MemoryStore
	saveErr, loadErr, clearErr error
}

func (s *failingStore) Save(ctx context.Context, p Profile) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	return s.MemoryStore.Save(ctx, p)
}

func (s *failingStore) Load(ctx context.Context) (Profile, bool, error) {
	if s.loadErr != nil {
		return Profile{}, false, s.loadErr
	}
	return s.MemoryStore.Load(ctx)
}

func (s *failingStore) Clear(ctx context.Context) error {
	if s.clearErr != nil {
		return s.clearErr
	}
	return s.MemoryStore.Clear(ctx)
}

func TestNewManagerDuration(t *testing.T) {
	tests := []struct {
		name    string
		d       time.Duration
		wantErr bool
	}{
		{"default", 0, false},
		{"five seconds", 5 * time.Second, false},
		{"max", MaxDuration, false},
		{"negative", -time.Second, true},
		{"too long", MaxDuration + time.Second, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewManager(Config{Duration: tt.d, Logger: quietLogger()})
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidDuration) {
				t.Errorf("err = %v, want ErrInvalidDuration", err)
			}
		})
	}
}

func TestManagerRun(t *testing.T) {
	store := NewMemoryStore()
	m := newTestManager(t, store)
	if m.Calibrated() {
		t.Fatal("calibrated before any run")
	}

	var notified []Profile
	m.OnComplete(func(p Profile) { notified = append(notified, p) })

	t0 := time.UnixMilli(100_000)
	id, err := m.Start(2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if id == "" || !m.Collecting() {
		t.Fatalf("run not started: id=%q", id)
	}

	for i := 0; i < 20; i++ {
		at := t0.Add(time.Duration(i) * 50 * time.Millisecond)
		if m.Add(at, gazeSample(0.45+float64(i%3)*0.01, 0.55), true) {
			t.Fatalf("run reported elapsed at sample %d", i)
		}
	}
	m.Add(t0.Add(time.Second), gaze.Sample{H: 0.5, V: 0.5}, true) // One pupil missing
	m.Add(t0.Add(time.Second), gaze.Sample{}, false)              // No gaze

	prog := m.Progress(t0.Add(time.Second))
	if !prog.Running || prog.RunID != id || prog.Collected != 20 || prog.Skipped != 2 {
		t.Errorf("progress = %+v", prog)
	}
	if prog.Fraction < 0.49 || prog.Fraction > 0.51 {
		t.Errorf("fraction = %g, want 0.5", prog.Fraction)
	}

	if !m.Add(t0.Add(2*time.Second), gazeSample(0.5, 0.5), true) {
		t.Fatal("run did not report elapsed")
	}
	p, err := m.Stop(t0.Add(2*time.Second))
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if p.Samples != 20 {
		t.Errorf("profile samples = %d, want 20", p.Samples)
	}
	if !m.Calibrated() || m.Active() != p {
		t.Error("profile not applied")
	}
	if len(notified) != 1 {
		t.Errorf("OnComplete fired %d times, want 1", len(notified))
	}
	m.Flush()
	if stored, ok, _ := store.Load(context.Background()); !ok || stored.Samples != 20 {
		t.Errorf("stored profile = %+v, %v", stored, ok)
	}
	if m.Collecting() {
		t.Error("still collecting after Stop")
	}
}

func TestManagerStopErrors(t *testing.T) {
	m := newTestManager(t, nil)
	if _, err := m.Stop(time.Now()); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Stop without run = %v, want ErrNotRunning", err)
	}

	now := time.UnixMilli(1_000)
	if _, err := m.Start(time.Second); err != nil {
		t.Fatal(err)
	}
	m.Add(now, gaze.Sample{}, false)
	if _, err := m.Stop(now.Add(time.Second)); !errors.Is(err, ErrNoSamples) {
		t.Errorf("Stop with no samples = %v, want ErrNoSamples", err)
	}
	if m.Calibrated() {
		t.Error("empty run applied a profile")
	}
}

func TestManagerRestartDiscardsSamples(t *testing.T) {
	m := newTestManager(t, nil)
	t0 := time.UnixMilli(1_000)

	first, _ := m.Start(time.Second)
	for i := 0; i < 10; i++ {
		m.Add(t0, gazeSample(0.3, 0.3), true)
	}
	second, _ := m.Start(time.Second)
	if first == second {
		t.Fatal("run IDs not unique")
	}
	for i := 0; i < 8; i++ {
		m.Add(t0.Add(600*time.Millisecond), gazeSample(0.6, 0.6), true)
	}
	p, err := m.Stop(t0.Add(1500*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	if p.Samples != 8 || math.Abs(p.H.Mean-0.6) > 1e-9 {
		t.Errorf("profile from stale run: samples=%d mean=%g", p.Samples, p.H.Mean)
	}
}

func TestManagerRunStartsAtFirstFrame(t *testing.T) {
	m := newTestManager(t, nil)
	if _, err := m.Start(time.Second); err != nil {
		t.Fatal(err)
	}
	// Frame time far behind any wall clock.
	t0 := time.UnixMilli(5_000)
	if p := m.Progress(t0); p.Fraction != 0 {
		t.Errorf("fraction before first frame = %g", p.Fraction)
	}
	for i := 0; i < 30; i++ {
		if m.Add(t0.Add(time.Duration(i)*33*time.Millisecond), gazeSample(0.5, 0.5), true) {
			t.Fatalf("run elapsed at frame %d", i)
		}
	}
	if !m.Add(t0.Add(time.Second), gazeSample(0.5, 0.5), true) {
		t.Error("run did not elapse one second after its first frame")
	}
}

func TestManagerSupersededDuringStop(t *testing.T) {
	m := newTestManager(t, nil)
	t0 := time.UnixMilli(1_000)
	m.Start(time.Second)
	m.Add(t0, gazeSample(0.5, 0.5), true)

	m.mu.Lock()
	m.generation++ // A Start or Reset racing the profile computation.
	m.mu.Unlock()
	if _, err := m.Stop(t0.Add(time.Second)); !errors.Is(err, ErrStaleRun) {
		t.Errorf("Stop = %v, want ErrStaleRun", err)
	}
	if m.Calibrated() {
		t.Error("superseded run applied its profile")
	}
}

func TestManagerResetDuringSave(t *testing.T) {
	store := &blockingStore{release: make(chan struct{}), saving: make(chan struct{})}
	m := newTestManager(t, store)
	t0 := time.UnixMilli(1_000)
	m.Start(time.Second)
	m.Add(t0, gazeSample(0.5, 0.5), true)
	if _, err := m.Stop(t0.Add(time.Second)); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	<-store.saving

	errc := make(chan error, 1)
	go func() { errc <- m.Reset(context.Background()) }()
	for m.Calibrated() {
		time.Sleep(time.Millisecond)
	}
	close(store.release)
	if err := <-errc; err != nil {
		t.Fatalf("Reset: %v", err)
	}
	m.Flush()

	if _, ok, _ := store.Load(context.Background()); ok {
		t.Error("profile saved during reset survived the clear")
	}
	m2 := newTestManager(t, store)
	if err := m2.Load(context.Background()); err != nil || m2.Calibrated() {
		t.Errorf("reload after reset: calibrated=%v err=%v", m2.Calibrated(), err)
	}
}

func TestManagerStopDoesNotWaitForSave(t *testing.T) {
	store := &blockingStore{release: make(chan struct{}), saving: make(chan struct{})}
	m := newTestManager(t, store)
	t0 := time.UnixMilli(1_000)
	m.Start(time.Second)
	m.Add(t0, gazeSample(0.5, 0.5), true)

	if _, err := m.Stop(t0.Add(time.Second)); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !m.Calibrated() {
		t.Error("profile not applied while save is pending")
	}
	<-store.saving
	close(store.release)
	m.Flush()
	if _, ok, _ := store.Load(context.Background()); !ok {
		t.Error("profile not persisted after Flush")
	}
}

type blockingStore struct {
	MemoryStore
	saving  chan struct{}
	release chan struct{}
}

func (s *blockingStore) Save(ctx context.Context, p Profile) error {
	close(s.saving)
	<-s.release
	return s.MemoryStore.Save(ctx, p)
}

func TestManagerResetFallsBackToDefault(t *testing.T) {
	m := newTestManager(t, nil)
	t0 := time.UnixMilli(1_000)
	m.Start(time.Second)
	for i := 0; i < 10; i++ {
		m.Add(t0, gazeSample(0.3, 0.7), true)
	}
	if _, err := m.Stop(t0.Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	if err := m.Reset(context.Background()); err != nil {
		t.Fatal(err)
	}
	if m.Calibrated() {
		t.Error("still calibrated after Reset")
	}
	if got, want := m.Active(), DefaultProfile(); got != want {
		t.Errorf("Active() = %+v, want default", got)
	}
}

func TestManagerSaveFailureStillApplies(t *testing.T) {
	m := newTestManager(t, &failingStore{saveErr: errors.New("disk full")})
	t0 := time.UnixMilli(1_000)
	m.Start(time.Second)
	m.Add(t0, gazeSample(0.5, 0.5), true)
	if _, err := m.Stop(t0.Add(time.Second)); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !m.Calibrated() {
		t.Error("profile not applied after save failure")
	}
}

func TestManagerLoad(t *testing.T) {
	ctx := context.Background()

	t.Run("valid profile", func(t *testing.T) {
		store := NewMemoryStore()
		p, _ := ComputeProfile([]Sample{{H: 0.4, V: 0.6}}, time.UnixMilli(5))
		store.Save(ctx, p)
		m := newTestManager(t, store)
		if err := m.Load(ctx); err != nil {
			t.Fatal(err)
		}
		if !m.Calibrated() || math.Abs(m.Active().H.Mean-0.4) > 1e-9 {
			t.Errorf("loaded profile = %+v", m.Active())
		}
	})

	t.Run("invalid profile ignored", func(t *testing.T) {
		store := NewMemoryStore()
		store.Save(ctx, Profile{H: Axis{Mean: 0.5, Std: 0.1, Min: 0.6, Max: 0.4}})
		m := newTestManager(t, store)
		if err := m.Load(ctx); err != nil {
			t.Fatal(err)
		}
		if m.Calibrated() {
			t.Error("invalid profile applied")
		}
	})

	t.Run("store failure", func(t *testing.T) {
		m := newTestManager(t, &failingStore{loadErr: errors.New("down")})
		if err := m.Load(ctx); err == nil {
			t.Error("expected load error")
		}
		if m.Active() != DefaultProfile() {
			t.Error("active profile changed after load failure")
		}
	})
}
