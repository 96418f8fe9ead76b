package pose

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// RotationToEuler extracts rotations about X, Y and Z (radians) from m,
// using the ZYX convention m = Rz(z) * Ry(y) * Rx(x).
func RotationToEuler(m mgl64.Mat3) (x, y, z float64) {
	sy := math.Hypot(m.At(0, 0), m.At(1, 0))

	// Gimbal lock at y = ±90°.
	if sy < 1e-6 {
		x = math.Atan2(-m.At(1, 2), m.At(1, 1))
		y = math.Atan2(-m.At(2, 0), sy)
		return x, y, 0
	}
	x = math.Atan2(m.At(2, 1), m.At(2, 2))
	y = math.Atan2(-m.At(2, 0), sy)
	z = math.Atan2(m.At(1, 0), m.At(0, 0))
	return x, y, z
}

// EulerToRotation builds m = Rz(z) * Ry(y) * Rx(x).
func EulerToRotation(x, y, z float64) mgl64.Mat3 {
	return mgl64.Rotate3DZ(z).Mul3(mgl64.Rotate3DY(y)).Mul3(mgl64.Rotate3DX(x))
}

// HeadAngles converts a model-to-camera rotation into head yaw, pitch and
// roll in degrees. The face model uses camera-aligned axes (x right, y down,
// face looking along -z), so a frontal face is the identity rotation.
// Positive yaw moves the nose toward image right, positive pitch toward
// image bottom, matching the fast estimator.
func HeadAngles(m mgl64.Mat3) (yaw, pitch, roll float64) {
	x, y, z := RotationToEuler(m)
	return -Degrees(y), Degrees(x), Degrees(z)
}

// Camera is a pinhole camera approximation.
type Camera struct {
	Fx, Fy float64
	Cx, Cy float64
}

// ApproxCamera assumes focal length equal to the frame width and the
// principal point at the frame centre.
func ApproxCamera(width, height int) Camera {
	w, h := float64(width), float64(height)
	return Camera{Fx: w, Fy: w, Cx: w / 2, Cy: h / 2}
}

// Project maps a camera-space point to pixels. It reports false for points
// at or behind the camera plane.
func (c Camera) Project(p mgl64.Vec3) (x, y float64, ok bool) {
	if p.Z() <= 1e-9 {
		return 0, 0, false
	}
	return c.Fx*p.X()/p.Z() + c.Cx, c.Fy*p.Y()/p.Z() + c.Cy, true
}

// EyeRotationGain maps an iris offset from the socket centre (±0.5) to the
// tangent of the eye-in-head gaze angle (about ±30°).
const EyeRotationGain = 1.15

// ProjectGaze casts a gaze ray from the model origin (nose tip) along the
// face's forward axis, deflected by the iris offset, and projects the point
// half the head distance along it. eyeH and eyeV are the gaze ratios.
func ProjectGaze(rot mgl64.Mat3, t mgl64.Vec3, cam Camera, eyeH, eyeV float64) (x, y float64, ok bool) {
	dx := (eyeH - 0.5) * EyeRotationGain
	dy := (eyeV - 0.5) * EyeRotationGain
	dir := rot.Mul3x1(mgl64.Vec3{dx, dy, -1}.Normalize())
	return cam.Project(t.Add(dir.Mul(0.5 * t.Z())))
}
