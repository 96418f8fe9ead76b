package pose

import (
	"math"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/teslashibe/go-attention/pkg/landmark"
)

func TestFastEstimator_Estimate(t *testing.T) {
	est := NewFastEstimator()
	now := time.Unix(100, 0)

	tests := []struct {
		name      string
		noseDX    float64
		noseDY    float64
		wantYaw   float64
		wantPitch float64
	}{
		{"frontal", 0, 0, 0, 0},
		{"turned right", 0.1, 0, 6, 0},
		{"turned left", -0.2, 0, -12, 0},
		{"looking down", 0, 0.1, 0, 6},
		{"large offsets", 0.49, 0.4, 29.4, 24},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			face := landmark.FrontalFace()
			face.NoseDX, face.NoseDY = tt.noseDX, tt.noseDY
			got, ok := est.Estimate(face.Render(), now)
			if !ok {
				t.Fatal("expected estimate")
			}
			if math.Abs(got.Yaw-tt.wantYaw) > 1e-6 || math.Abs(got.Pitch-tt.wantPitch) > 1e-6 {
				t.Errorf("got yaw=%.3f pitch=%.3f, want %.3f %.3f", got.Yaw, got.Pitch, tt.wantYaw, tt.wantPitch)
			}
			if got.HighPrecision {
				t.Error("fast estimate must not be marked high precision")
			}
			if !got.Timestamp.Equal(now) {
				t.Errorf("timestamp = %v, want %v", got.Timestamp, now)
			}
		})
	}
}

func TestFastEstimator_MaxAngle(t *testing.T) {
	est := NewFastEstimator()
	est.MaxAngle = 10
	face := landmark.FrontalFace()
	face.NoseDX = 0.4
	got, _ := est.Estimate(face.Render(), time.Time{})
	if got.Yaw != 10 {
		t.Errorf("yaw = %v, want clamped to 10", got.Yaw)
	}
}

func TestFastEstimator_MissingNose(t *testing.T) {
	est := NewFastEstimator()
	if _, ok := est.Estimate(&landmark.Frame{}, time.Time{}); ok {
		t.Error("expected no estimate for empty frame")
	}
	if _, ok := est.Estimate(nil, time.Time{}); ok {
		t.Error("expected no estimate for nil frame")
	}
}

func TestEstimate_Magnitude(t *testing.T) {
	e := Estimate{Yaw: 3, Pitch: 4}
	if e.Magnitude() != 5 {
		t.Errorf("magnitude = %v, want 5", e.Magnitude())
	}
}

func TestRotationRoundTrip(t *testing.T) {
	tests := []struct{ x, y, z float64 }{
		{0, 0, 0},
		{0.2, -0.3, 0.1},
		{-0.5, 0.4, -0.2},
	}
	for _, tt := range tests {
		m := EulerToRotation(tt.x, tt.y, tt.z)
		x, y, z := RotationToEuler(m)
		if math.Abs(x-tt.x) > 1e-9 || math.Abs(y-tt.y) > 1e-9 || math.Abs(z-tt.z) > 1e-9 {
			t.Errorf("round trip (%v,%v,%v) -> (%v,%v,%v)", tt.x, tt.y, tt.z, x, y, z)
		}
	}
}

func TestHeadAngles_Signs(t *testing.T) {
	// Rotation about camera Y by a negative angle turns the nose to image right.
	yaw, pitch, roll := HeadAngles(EulerToRotation(0, Radians(-20), 0))
	if math.Abs(yaw-20) > 1e-9 || math.Abs(pitch) > 1e-9 || math.Abs(roll) > 1e-9 {
		t.Errorf("got yaw=%v pitch=%v roll=%v, want 20 0 0", yaw, pitch, roll)
	}

	_, pitch, _ = HeadAngles(EulerToRotation(Radians(15), 0, 0))
	if math.Abs(pitch-15) > 1e-9 {
		t.Errorf("pitch = %v, want 15", pitch)
	}
}

func TestProjectGaze_FrontalHitsCentre(t *testing.T) {
	cam := ApproxCamera(640, 480)
	identity := EulerToRotation(0, 0, 0)
	x, y, ok := ProjectGaze(identity, mgl64.Vec3{0, 0, 1000}, cam, 0.5, 0.5)
	if !ok {
		t.Fatal("expected projection")
	}
	if math.Abs(x-320) > 1e-6 || math.Abs(y-240) > 1e-6 {
		t.Errorf("gaze point = (%v, %v), want frame centre", x, y)
	}

	// Irises toward image right move the gaze point right.
	x2, _, _ := ProjectGaze(identity, mgl64.Vec3{0, 0, 1000}, cam, 0.9, 0.5)
	if x2 <= x {
		t.Errorf("expected gaze x to increase, got %v <= %v", x2, x)
	}
}

func TestCamera_ProjectBehind(t *testing.T) {
	cam := ApproxCamera(640, 480)
	if _, _, ok := cam.Project(mgl64.Vec3{0, 0, -1}); ok {
		t.Error("expected point behind camera to be rejected")
	}
}
