package pnp

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/teslashibe/go-attention/pkg/landmark"
	"github.com/teslashibe/go-attention/pkg/pose"
	"github.com/teslashibe/go-attention/pkg/worker"
)

// projectedRequest renders the head model at the given pose and distance
// into a landmark request.
func projectedRequest(t *testing.T, yaw, pitch float64) worker.Request {
	t.Helper()
	const w, h = 640, 480
	cam := pose.ApproxCamera(w, h)
	rot := pose.EulerToRotation(pose.Radians(pitch), pose.Radians(-yaw), 0)
	trans := mgl64.Vec3{0, 0, 2000}

	f := landmark.FrontalFace()
	f.Timestamp = time.UnixMilli(1_000)
	frame := f.Render()
	for _, m := range FaceModel {
		p := rot.Mul3x1(mgl64.Vec3{float64(m.X), float64(m.Y), float64(m.Z)})
		x, y, ok := cam.Project(p.Add(trans))
		if !ok {
			t.Fatalf("model point %d behind camera", m.Index)
		}
		frame.Points[m.Index] = landmark.Point{X: x / w, Y: y / h}
	}
	return worker.NewRequest(1, frame)
}

func TestSolverRecoversPose(t *testing.T) {
	s := New()
	if err := s.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer s.Close()

	tests := []struct {
		name       string
		yaw, pitch float64
	}{
		{"frontal", 0, 0},
		{"turned right", 20, 0},
		{"turned left", -25, 0},
		{"looking down", 0, 15},
		{"combined", 12, -10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := s.Solve(context.Background(), projectedRequest(t, tt.yaw, tt.pitch))
			if err != nil {
				t.Fatalf("Solve: %v", err)
			}
			if !res.IsValid {
				t.Fatal("result not valid")
			}
			if math.Abs(res.Yaw-tt.yaw) > 1 || math.Abs(res.Pitch-tt.pitch) > 1 {
				t.Errorf("yaw/pitch = %.2f/%.2f, want %.1f/%.1f", res.Yaw, res.Pitch, tt.yaw, tt.pitch)
			}
			if res.Timestamp != 1_000 {
				t.Errorf("timestamp = %d, want frame time", res.Timestamp)
			}
			if math.Abs(res.Tvec[2]-2000) > 50 {
				t.Errorf("tvec z = %.1f, want ~2000", res.Tvec[2])
			}
		})
	}
}

func TestSolverMissingLandmarks(t *testing.T) {
	s := New()
	if err := s.Init(); err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	req := projectedRequest(t, 0, 0)
	req.Landmarks = req.Landmarks[:100] // Drops chin and right eye
	res, err := s.Solve(context.Background(), req)
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if res.IsValid {
		t.Error("expected invalid result with missing landmarks")
	}
}

func TestSolverRejectsBadInput(t *testing.T) {
	s := New()
	if _, err := s.Solve(context.Background(), worker.Request{Width: 640, Height: 480}); err == nil {
		t.Error("expected error before Init")
	}
	if err := s.Init(); err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if _, err := s.Solve(context.Background(), worker.Request{}); err == nil {
		t.Error("expected error for zero frame size")
	}
}
