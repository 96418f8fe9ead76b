// Package calibration learns a personal gaze acceptance region from a short
// collection run and keeps the active profile for the classifier.
package calibration

import (
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/teslashibe/go-attention/pkg/gaze"
	"github.com/teslashibe/go-attention/pkg/landmark"
)

// Profile statistics parameters.
const (
	TrimSigma  = 2.5  // Samples farther than this many σ from the mean are dropped
	MinTrimmed = 6    // Minimum samples after trimming to use trimmed stats
	BoundSigma = 1.2  // Bounds are mean ± BoundSigma·σ
	StdFloor   = 0.08 // Minimum σ on either axis
	BoundLow   = 0.2
	BoundHigh  = 0.8
)

// Axis is the acceptance region on one gaze axis.
type Axis struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
}

// Contains reports whether v lies within the bounds widened by expand.
func (a Axis) Contains(v, expand float64) bool {
	return v >= a.Min-expand && v <= a.Max+expand
}

func (a Axis) validate(name string) error {
	for _, v := range []float64{a.Mean, a.Std, a.Min, a.Max} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%s: non-finite value", name)
		}
	}
	if a.Std <= 0 {
		return fmt.Errorf("%s: std must be > 0, got %g", name, a.Std)
	}
	if a.Min > a.Mean || a.Mean > a.Max {
		return fmt.Errorf("%s: want min <= mean <= max, got %g/%g/%g", name, a.Min, a.Mean, a.Max)
	}
	if a.Max-a.Min < 2*StdFloor-1e-9 {
		return fmt.Errorf("%s: region width %g below %g", name, a.Max-a.Min, 2*StdFloor)
	}
	return nil
}

// Profile is a personal calibration result.
type Profile struct {
	H Axis `json:"h"`
	V Axis `json:"v"`

	// Head pose the subject held while calibrating, in degrees.
	HeadYawMean   float64 `json:"head_yaw_mean"`
	HeadPitchMean float64 `json:"head_pitch_mean"`

	Samples    int       `json:"samples"`
	RecordedAt time.Time `json:"recorded_at"`
}

// DefaultProfile is the wide centred region used until a calibration
// completes.
func DefaultProfile() Profile {
	axis := Axis{Mean: 0.5, Std: 0.2, Min: 0.25, Max: 0.75}
	return Profile{H: axis, V: axis}
}

// Contains reports whether (h, v) lies inside the region widened by expand.
func (p Profile) Contains(h, v, expand float64) bool {
	return p.H.Contains(h, expand) && p.V.Contains(v, expand)
}

// Validate rejects profiles that violate the region invariants.
func (p Profile) Validate() error {
	return errors.Join(p.H.validate("h"), p.V.validate("v"))
}

// Sample is one calibration observation.
type Sample struct {
	H          float64    `json:"h"`
	V          float64    `json:"v"`
	HeadYaw    float64    `json:"head_yaw"`
	HeadPitch  float64    `json:"head_pitch"`
	PupilLeft  gaze.Pixel `json:"pupil_left"`
	PupilRight gaze.Pixel `json:"pupil_right"`
}

// SampleFromGaze converts a gaze sample. It reports false unless both
// pupils were located.
func SampleFromGaze(s gaze.Sample) (Sample, bool) {
	if !s.BothPupils() {
		return Sample{}, false
	}
	return Sample{
		H:          s.H,
		V:          s.V,
		HeadYaw:    s.HeadYaw,
		HeadPitch:  s.HeadPitch,
		PupilLeft:  *s.PupilLeft,
		PupilRight: *s.PupilRight,
	}, true
}

// meanStd returns the population mean and standard deviation of one axis.
func meanStd(samples []Sample, get func(Sample) float64) (mean, std float64) {
	xs := values(samples, get)
	if len(xs) == 1 {
		return xs[0], 0
	}
	return stat.PopMeanStdDev(xs, nil)
}

func values(samples []Sample, get func(Sample) float64) []float64 {
	xs := make([]float64, len(samples))
	for i, s := range samples {
		xs[i] = get(s)
	}
	return xs
}

func getH(s Sample) float64 { return s.H }
func getV(s Sample) float64 { return s.V }

func getYaw(s Sample) float64   { return s.HeadYaw }
func getPitch(s Sample) float64 { return s.HeadPitch }

// ComputeProfile derives a profile from samples with outlier trimming.
// Bounds always satisfy Min <= Mean <= Max with a width of at least
// 2·StdFloor.
func ComputeProfile(samples []Sample, now time.Time) (Profile, error) {
	if len(samples) == 0 {
		return Profile{}, ErrNoSamples
	}

	hMean, hStd := meanStd(samples, getH)
	vMean, vStd := meanStd(samples, getV)

	kept := make([]Sample, 0, len(samples))
	for _, s := range samples {
		if math.Abs(s.H-hMean) > TrimSigma*hStd || math.Abs(s.V-vMean) > TrimSigma*vStd {
			continue
		}
		kept = append(kept, s)
	}
	used := samples
	if len(kept) >= MinTrimmed {
		used = kept
		hMean, hStd = meanStd(used, getH)
		vMean, vStd = meanStd(used, getV)
	}

	return Profile{
		H:             axis(hMean, hStd),
		V:             axis(vMean, vStd),
		HeadYawMean:   stat.Mean(values(used, getYaw), nil),
		HeadPitchMean: stat.Mean(values(used, getPitch), nil),
		Samples:       len(used),
		RecordedAt:    now,
	}, nil
}

func axis(mean, std float64) Axis {
	std = math.Max(std, StdFloor)
	lo := landmark.Clamp(mean-BoundSigma*std, BoundLow, BoundHigh)
	hi := landmark.Clamp(mean+BoundSigma*std, BoundLow, BoundHigh)
	// Clamping can push a bound past an off-centre mean; the floor band
	// around the mean always stays inside.
	lo = math.Min(lo, mean-StdFloor)
	hi = math.Max(hi, mean+StdFloor)
	return Axis{Mean: mean, Std: std, Min: lo, Max: hi}
}
