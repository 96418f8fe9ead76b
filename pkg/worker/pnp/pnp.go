// Package pnp solves precise head pose from face landmarks with OpenCV's
// SolvePnP and projects the gaze ray onto the image plane.
package pnp

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-gl/mathgl/mgl64"
	"gocv.io/x/gocv"

	"github.com/teslashibe/go-attention/pkg/gaze"
	"github.com/teslashibe/go-attention/pkg/landmark"
	"github.com/teslashibe/go-attention/pkg/pose"
	"github.com/teslashibe/go-attention/pkg/worker"
)

// solvePnPIterative is cv::SOLVEPNP_ITERATIVE.
const solvePnPIterative = 0

// ModelPoint pairs a landmark index with its position on a generic head
// model, in camera-aligned axes: x to image right, y down, z away from the
// camera. The nose tip is the origin.
type ModelPoint struct {
	Index int
	X     float32
	Y     float32
	Z     float32
}

// FaceModel is the six-point head model used for pose solving.
var FaceModel = []ModelPoint{
	{landmark.NoseTip, 0, 0, 0},
	{landmark.Chin, 0, 330, 65},
	{landmark.LeftEyeOuter, -225, -170, 135},
	{landmark.RightEyeOuter, 225, -170, 135},
	{landmark.MouthLeft, -150, 150, 125},
	{landmark.MouthRight, 150, 150, 125},
}

// Solver implements worker.Solver with SolvePnP.
type Solver struct {
	mu     sync.Mutex // Protects the native buffers
	object gocv.Point3fVector
	dist   gocv.Mat
	ready  bool
}

// New returns a solver. Native resources are allocated by Init.
func New() *Solver {
	return &Solver{}
}

// Init allocates the model and distortion buffers.
func (s *Solver) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready {
		return nil
	}
	pts := make([]gocv.Point3f, len(FaceModel))
	for i, m := range FaceModel {
		pts[i] = gocv.Point3f{X: m.X, Y: m.Y, Z: m.Z}
	}
	s.object = gocv.NewPoint3fVectorFromPoints(pts)

	s.dist = gocv.NewMatWithSize(4, 1, gocv.MatTypeCV64F)
	for i := 0; i < 4; i++ {
		s.dist.SetDoubleAt(i, 0, 0)
	}
	s.ready = true
	return nil
}

// Solve computes head pose, gaze point and iris centroid for req.
// A request whose model landmarks are missing yields an invalid result,
// not an error.
func (s *Solver) Solve(ctx context.Context, req worker.Request) (worker.Result, error) {
	if err := ctx.Err(); err != nil {
		return worker.Result{}, err
	}
	if req.Width <= 0 || req.Height <= 0 {
		return worker.Result{}, fmt.Errorf("invalid frame size %dx%d", req.Width, req.Height)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		return worker.Result{}, fmt.Errorf("solver not initialized")
	}

	res := worker.Result{Seq: req.Seq, Timestamp: req.FrameTime}
	f := req.Frame()

	image := make([]gocv.Point2f, len(FaceModel))
	for i, m := range FaceModel {
		p, ok := f.At(m.Index)
		if !ok {
			return res, nil
		}
		x, y := f.Pixel(p)
		image[i] = gocv.Point2f{X: float32(x), Y: float32(y)}
	}
	imagePts := gocv.NewPoint2fVectorFromPoints(image)
	defer imagePts.Close()

	cam := pose.ApproxCamera(req.Width, req.Height)
	camMat := cameraMatrix(cam)
	defer camMat.Close()

	rvec := gocv.NewMat()
	defer rvec.Close()
	tvec := gocv.NewMat()
	defer tvec.Close()

	if !gocv.SolvePnP(s.object, imagePts, camMat, s.dist, &rvec, &tvec, false, solvePnPIterative) {
		return res, nil
	}

	rmat := gocv.NewMat()
	defer rmat.Close()
	gocv.Rodrigues(rvec, &rmat)

	var rot mgl64.Mat3
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			rot.Set(r, c, rmat.GetDoubleAt(r, c))
		}
	}
	var t mgl64.Vec3
	for i := 0; i < 3; i++ {
		res.Rvec[i] = rvec.GetDoubleAt(i, 0)
		t[i] = tvec.GetDoubleAt(i, 0)
	}
	res.Tvec = t
	if t[2] <= 0 {
		return res, nil
	}

	res.Yaw, res.Pitch, res.Roll = pose.HeadAngles(rot)
	res.IsValid = true

	head := pose.Estimate{Yaw: res.Yaw, Pitch: res.Pitch, Roll: res.Roll, HighPrecision: true}
	if sample, ok := gaze.FromFrame(f, head); ok {
		if x, y, ok := pose.ProjectGaze(rot, t, cam, sample.H, sample.V); ok {
			res.GazePoint = &gaze.Pixel{X: x, Y: y}
		}
		res.IrisCentroid = irisCentroid(sample)
	}
	return res, nil
}

func cameraMatrix(c pose.Camera) gocv.Mat {
	m := gocv.NewMatWithSize(3, 3, gocv.MatTypeCV64F)
	vals := [3][3]float64{
		{c.Fx, 0, c.Cx},
		{0, c.Fy, c.Cy},
		{0, 0, 1},
	}
	for r := 0; r < 3; r++ {
		for col := 0; col < 3; col++ {
			m.SetDoubleAt(r, col, vals[r][col])
		}
	}
	return m
}

// irisCentroid is the midpoint of the visible pupils.
func irisCentroid(s gaze.Sample) *gaze.Pixel {
	switch {
	case s.BothPupils():
		return &gaze.Pixel{
			X: (s.PupilLeft.X + s.PupilRight.X) / 2,
			Y: (s.PupilLeft.Y + s.PupilRight.Y) / 2,
		}
	case s.PupilLeft != nil:
		p := *s.PupilLeft
		return &p
	case s.PupilRight != nil:
		p := *s.PupilRight
		return &p
	}
	return nil
}

// Close releases native buffers.
func (s *Solver) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		return nil
	}
	s.object.Close()
	s.dist.Close()
	s.ready = false
	return nil
}

var (
	_ worker.Solver      = (*Solver)(nil)
	_ worker.Initializer = (*Solver)(nil)
	_ worker.Closer      = (*Solver)(nil)
)
