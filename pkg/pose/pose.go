// Package pose estimates head orientation from facial landmarks.
//
// The fast estimator runs on every frame from landmark geometry alone. The
// precise estimate comes from a worker that solves a 3D pose; this package
// holds the rotation math that worker shares with tests.
package pose

import (
	"math"
	"time"

	"github.com/teslashibe/go-attention/pkg/landmark"
)

// Estimate is a head orientation in degrees.
type Estimate struct {
	Yaw           float64   `json:"yaw"`
	Pitch         float64   `json:"pitch"`
	Roll          float64   `json:"roll"`
	HighPrecision bool      `json:"used_high_precision"`
	Timestamp     time.Time `json:"timestamp"`
}

// Magnitude returns hypot(yaw, pitch), the head rotation away from frontal.
func (e Estimate) Magnitude() float64 {
	return math.Hypot(e.Yaw, e.Pitch)
}

// Default fast estimator scaling.
const (
	DefaultYawScale   = 60.0 // Degrees per face width of nose offset
	DefaultPitchScale = 60.0 // Degrees per face height of nose offset
	DefaultMaxAngle   = 45.0
)

// FastEstimator derives a proxy yaw/pitch from the nose tip offset against
// the landmark bounding box centre.
type FastEstimator struct {
	YawScale   float64
	PitchScale float64
	MaxAngle   float64
}

// NewFastEstimator returns an estimator with default scaling.
func NewFastEstimator() *FastEstimator {
	return &FastEstimator{
		YawScale:   DefaultYawScale,
		PitchScale: DefaultPitchScale,
		MaxAngle:   DefaultMaxAngle,
	}
}

// Estimate returns the fast pose for f, or false when the frame lacks a
// nose tip or has a degenerate bounding box.
func (e *FastEstimator) Estimate(f *landmark.Frame, now time.Time) (Estimate, bool) {
	nose, ok := f.At(landmark.NoseTip)
	if !ok {
		return Estimate{}, false
	}
	box, ok := f.Bounds(nil)
	if !ok || box.Width() <= 0 || box.Height() <= 0 {
		return Estimate{}, false
	}

	cx, cy := box.Center()
	offX := (nose.X - cx) / box.Width()
	offY := (nose.Y-cy)/box.Height() - landmark.NeutralNoseOffset

	return Estimate{
		Yaw:       landmark.Clamp(offX*e.YawScale, -e.MaxAngle, e.MaxAngle),
		Pitch:     landmark.Clamp(offY*e.PitchScale, -e.MaxAngle, e.MaxAngle),
		Timestamp: now,
	}, true
}

// Degrees converts radians to degrees.
func Degrees(radians float64) float64 {
	return radians * 180.0 / math.Pi
}

// Radians converts degrees to radians.
func Radians(degrees float64) float64 {
	return degrees * math.Pi / 180.0
}
