package gaze

import (
	"math"
	"testing"

	"github.com/teslashibe/go-attention/pkg/landmark"
	"github.com/teslashibe/go-attention/pkg/pose"
)

func TestFromFrame_BothEyes(t *testing.T) {
	face := landmark.FrontalFace()
	face.GazeH, face.GazeV = 0.4, 0.6
	head := pose.Estimate{Yaw: 3, Pitch: -2}

	s, ok := FromFrame(face.Render(), head)
	if !ok {
		t.Fatal("expected sample")
	}
	if math.Abs(s.H-0.4) > 1e-6 || math.Abs(s.V-0.6) > 1e-6 {
		t.Errorf("got (%v, %v), want (0.4, 0.6)", s.H, s.V)
	}
	if s.HeadYaw != 3 || s.HeadPitch != -2 {
		t.Errorf("head pose not carried: %+v", s)
	}
	if !s.BothPupils() {
		t.Error("expected both pupil positions")
	}
}

func TestFromFrame_PrefersLargerIris(t *testing.T) {
	face := landmark.FrontalFace()
	f := face.Render()

	// Widen the right iris ring only.
	center := f.Points[landmark.RightIris[0]]
	for k, idx := range landmark.RightIris[1:] {
		d := [][2]float64{{1, 0}, {0, -1}, {-1, 0}, {0, 1}}[k]
		f.Points[idx] = landmark.Point{X: center.X + d[0]*0.03, Y: center.Y + d[1]*0.03}
	}

	s, ok := FromFrame(f, pose.Estimate{})
	if !ok {
		t.Fatal("expected sample")
	}
	if s.Eye != "right" {
		t.Errorf("eye = %q, want right", s.Eye)
	}
}

func TestFromFrame_Blink(t *testing.T) {
	face := landmark.FrontalFace()
	face.Blink = true
	if _, ok := FromFrame(face.Render(), pose.Estimate{}); ok {
		t.Error("expected no sample during blink")
	}
}

func TestFromFrame_OneEyeOccluded(t *testing.T) {
	f := landmark.FrontalFace().Render()
	for _, idx := range landmark.LeftIris {
		f.Points[idx] = landmark.Point{X: math.NaN(), Y: math.NaN()}
	}
	s, ok := FromFrame(f, pose.Estimate{})
	if !ok {
		t.Fatal("expected sample from the remaining eye")
	}
	if s.Eye != "right" || s.PupilLeft != nil || s.PupilRight == nil {
		t.Errorf("unexpected sample %+v", s)
	}
	if s.BothPupils() {
		t.Error("expected only one pupil")
	}
}

func TestFromFrame_Empty(t *testing.T) {
	if _, ok := FromFrame(&landmark.Frame{}, pose.Estimate{}); ok {
		t.Error("expected no sample for empty frame")
	}
}

func TestPupilOffset(t *testing.T) {
	if got := (Sample{H: 0.5, V: 0.5}).PupilOffset(); got != 0 {
		t.Errorf("centre offset = %v, want 0", got)
	}
	if got := (Sample{H: 0, V: 0}).PupilOffset(); math.Abs(got-1) > 1e-9 {
		t.Errorf("corner offset = %v, want 1", got)
	}
}
