package calibration

import "errors"

var (
	// ErrNoSamples is returned when a run ends without a usable sample.
	ErrNoSamples = errors.New("calibration: no valid samples")

	// ErrNotRunning is returned by Stop when no run is in progress.
	ErrNotRunning = errors.New("calibration: not running")

	// ErrStaleRun is returned when a run was superseded by Start or Reset
	// before its profile could be applied.
	ErrStaleRun = errors.New("calibration: run superseded")

	// ErrInvalidDuration is returned for durations outside (0, MaxDuration].
	ErrInvalidDuration = errors.New("calibration: invalid duration")
)
