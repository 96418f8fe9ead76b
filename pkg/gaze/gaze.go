// Package gaze turns per-eye iris measurements into a single gaze sample.
package gaze

import (
	"math"

	"github.com/teslashibe/go-attention/pkg/landmark"
	"github.com/teslashibe/go-attention/pkg/pose"
)

// Pixel is a position in video pixels.
type Pixel struct {
	X float64 `json:"x" msgpack:"x"`
	Y float64 `json:"y" msgpack:"y"`
}

// Sample is the normalized iris position inside the eye socket plus the
// head pose it was observed under.
type Sample struct {
	H         float64 `json:"h"`
	V         float64 `json:"v"`
	HeadYaw   float64 `json:"head_yaw"`
	HeadPitch float64 `json:"head_pitch"`

	// Pupil pixel positions for each eye whose iris validated.
	PupilLeft  *Pixel `json:"pupil_left,omitempty"`
	PupilRight *Pixel `json:"pupil_right,omitempty"`

	// Eye is the eye the ratio came from: "left" or "right".
	Eye string `json:"eye"`

	// Confidence is the chosen eye's relative iris size.
	Confidence float64 `json:"confidence"`
}

// BothPupils reports whether both eyes produced a pupil position.
func (s Sample) BothPupils() bool {
	return s.PupilLeft != nil && s.PupilRight != nil
}

// PupilOffset is the distance of (h, v) from the socket centre, normalized
// so that a corner reads 1.
func (s Sample) PupilOffset() float64 {
	return math.Hypot(s.H-0.5, s.V-0.5) / math.Sqrt(0.5)
}

type eyeReading struct {
	name  string
	iris  landmark.Iris
	ratio landmark.Ratio
	ok    bool
}

func readEye(f *landmark.Frame, name string, eye landmark.Eye) eyeReading {
	iris, ratio := landmark.MeasureEye(f, eye)
	ok := ratio.Valid && landmark.ValidateIrisInEye(f, iris, eye.Outline)
	return eyeReading{name: name, iris: iris, ratio: ratio, ok: ok}
}

// FromFrame builds a gaze sample from f. It prefers the eye with the larger
// relative iris and reports false when neither eye validates, as during a blink.
func FromFrame(f *landmark.Frame, head pose.Estimate) (Sample, bool) {
	if f.Empty() {
		return Sample{}, false
	}
	left := readEye(f, "left", landmark.LeftEye)
	right := readEye(f, "right", landmark.RightEye)

	var best *eyeReading
	switch {
	case left.ok && right.ok:
		best = &left
		if right.ratio.R > left.ratio.R {
			best = &right
		}
	case left.ok:
		best = &left
	case right.ok:
		best = &right
	default:
		return Sample{}, false
	}

	s := Sample{
		H:          best.ratio.H,
		V:          best.ratio.V,
		HeadYaw:    head.Yaw,
		HeadPitch:  head.Pitch,
		Eye:        best.name,
		Confidence: best.ratio.R,
	}
	if left.ok {
		x, y := f.Pixel(landmark.Point{X: left.iris.X, Y: left.iris.Y})
		s.PupilLeft = &Pixel{X: x, Y: y}
	}
	if right.ok {
		x, y := f.Pixel(landmark.Point{X: right.iris.X, Y: right.iris.Y})
		s.PupilRight = &Pixel{X: x, Y: y}
	}
	return s, true
}
