package classifier

import (
	"errors"
	"fmt"
)

// Config holds the tunable classification parameters. Build one with
// DefaultConfig and adjust; New rejects invalid values.
type Config struct {
	// Head rotation (degrees)
	StrictTurningThreshold float64 // Above this magnitude the subject is Turning
	SoftTurningThreshold   float64 // Above this, gaze is compensated and the region widened

	// Gaze region
	GazeOutThreshold  float64 // Region expansion in the soft band (ratio units)
	YawCompensation   float64 // Max h shift applied for yaw in the soft band
	PitchCompensation float64 // Max v shift applied for pitch in the soft band

	// Corroboration (both must exceed to upgrade Focus to Glance)
	PupilOffsetThreshold float64 // Normalized pupil offset, 0..1
	GazePointThreshold   float64 // Gaze point distance from centre / half diagonal

	// Debounce
	ConfirmFrames int // Consecutive identical proposals needed to commit

	// Smoothing
	PoseWindow     int     // Moving average window for yaw/pitch
	GazeWindow     int     // Moving average window for h/v
	GazePointAlpha float64 // EMA factor for the worker gaze point (higher = more new data)
}

// DefaultConfig returns the production classification settings.
func DefaultConfig() Config {
	return Config{
		StrictTurningThreshold: 18,
		SoftTurningThreshold:   8,

		GazeOutThreshold:  0.12,
		YawCompensation:   0.05,
		PitchCompensation: 0.04,

		PupilOffsetThreshold: 0.35,
		GazePointThreshold:   0.35,

		ConfirmFrames: 4,

		PoseWindow:     3,
		GazeWindow:     5,
		GazePointAlpha: 0.5,
	}
}

// Validate reports every out-of-range field.
func (c Config) Validate() error {
	var errs []error
	if c.SoftTurningThreshold <= 0 {
		errs = append(errs, fmt.Errorf("soft turning threshold must be > 0, got %g", c.SoftTurningThreshold))
	}
	if c.StrictTurningThreshold <= c.SoftTurningThreshold {
		errs = append(errs, fmt.Errorf("strict turning threshold %g must exceed soft threshold %g",
			c.StrictTurningThreshold, c.SoftTurningThreshold))
	}
	if c.StrictTurningThreshold > 90 {
		errs = append(errs, fmt.Errorf("strict turning threshold must be <= 90, got %g", c.StrictTurningThreshold))
	}
	if c.GazeOutThreshold < 0 || c.GazeOutThreshold > 0.5 {
		errs = append(errs, fmt.Errorf("gaze out threshold must be in [0, 0.5], got %g", c.GazeOutThreshold))
	}
	if c.YawCompensation < 0 || c.YawCompensation > 0.5 {
		errs = append(errs, fmt.Errorf("yaw compensation must be in [0, 0.5], got %g", c.YawCompensation))
	}
	if c.PitchCompensation < 0 || c.PitchCompensation > 0.5 {
		errs = append(errs, fmt.Errorf("pitch compensation must be in [0, 0.5], got %g", c.PitchCompensation))
	}
	if c.PupilOffsetThreshold <= 0 || c.PupilOffsetThreshold > 1 {
		errs = append(errs, fmt.Errorf("pupil offset threshold must be in (0, 1], got %g", c.PupilOffsetThreshold))
	}
	if c.GazePointThreshold <= 0 || c.GazePointThreshold > 1 {
		errs = append(errs, fmt.Errorf("gaze point threshold must be in (0, 1], got %g", c.GazePointThreshold))
	}
	if c.ConfirmFrames < 1 {
		errs = append(errs, fmt.Errorf("confirm frames must be >= 1, got %d", c.ConfirmFrames))
	}
	if c.PoseWindow < 1 {
		errs = append(errs, fmt.Errorf("pose window must be >= 1, got %d", c.PoseWindow))
	}
	if c.GazeWindow < 1 {
		errs = append(errs, fmt.Errorf("gaze window must be >= 1, got %d", c.GazeWindow))
	}
	if c.GazePointAlpha <= 0 || c.GazePointAlpha > 1 {
		errs = append(errs, fmt.Errorf("gaze point alpha must be in (0, 1], got %g", c.GazePointAlpha))
	}
	return errors.Join(errs...)
}
