package landmark

import (
	"math"
	"time"
)

// NeutralNoseOffset is the vertical nose-tip offset from the face box centre,
// as a fraction of face height, for a face looking straight at the camera.
const NeutralNoseOffset = 0.08

// Face contour points that bound the mesh horizontally.
const (
	faceLeftEdge  = 234
	faceRightEdge = 454
)

// SyntheticFace describes a face to render as a landmark frame.
// It exists for tests and replays that need deterministic input.
type SyntheticFace struct {
	CenterX, CenterY float64 // Face box centre, normalized
	Width, Height    float64 // Face box size, normalized

	// NoseDX and NoseDY shift the nose tip from its neutral position as a
	// fraction of face width and height. Positive values turn right and down.
	NoseDX, NoseDY float64

	// GazeH and GazeV place both irises inside their sockets, in [0,1].
	GazeH, GazeV float64

	// IrisRadius is the iris radius as a fraction of eye width. Zero uses 0.2.
	IrisRadius float64

	// Blink moves both irises far outside the eye outline.
	Blink bool

	FrameWidth, FrameHeight int
	Timestamp               time.Time
}

// FrontalFace returns a centred face looking straight at the camera.
func FrontalFace() SyntheticFace {
	return SyntheticFace{
		CenterX: 0.5, CenterY: 0.5,
		Width: 0.4, Height: 0.5,
		GazeH: 0.5, GazeV: 0.5,
		FrameWidth: 640, FrameHeight: 480,
	}
}

// Render builds the full 478-point frame for the face.
func (s SyntheticFace) Render() *Frame {
	pts := make([]Point, NumLandmarks)
	for i := range pts {
		pts[i] = Point{X: s.CenterX, Y: s.CenterY}
	}

	halfW, halfH := s.Width/2, s.Height/2
	pts[faceLeftEdge] = Point{X: s.CenterX - halfW, Y: s.CenterY}
	pts[faceRightEdge] = Point{X: s.CenterX + halfW, Y: s.CenterY}
	pts[Forehead] = Point{X: s.CenterX, Y: s.CenterY - halfH}
	pts[Chin] = Point{X: s.CenterX, Y: s.CenterY + halfH}
	pts[NoseTip] = Point{
		X: s.CenterX + s.NoseDX*s.Width,
		Y: s.CenterY + (NeutralNoseOffset+s.NoseDY)*s.Height,
	}
	pts[MouthLeft] = Point{X: s.CenterX - 0.15*s.Width, Y: s.CenterY + 0.3*s.Height}
	pts[MouthRight] = Point{X: s.CenterX + 0.15*s.Width, Y: s.CenterY + 0.3*s.Height}

	eyeY := s.CenterY - 0.12*s.Height
	s.renderEye(pts, LeftEye, s.CenterX-0.2*s.Width, eyeY, true)
	s.renderEye(pts, RightEye, s.CenterX+0.2*s.Width, eyeY, false)

	w, h := s.FrameWidth, s.FrameHeight
	if w == 0 {
		w = 640
	}
	if h == 0 {
		h = 480
	}
	return &Frame{Points: pts, Width: w, Height: h, Timestamp: s.Timestamp}
}

func (s SyntheticFace) renderEye(pts []Point, eye Eye, cx, cy float64, outerIsLeft bool) {
	eyeW := 0.18 * s.Width
	eyeH := 0.06 * s.Height
	left := Point{X: cx - eyeW/2, Y: cy}
	right := Point{X: cx + eyeW/2, Y: cy}
	if outerIsLeft {
		pts[eye.Outer], pts[eye.Inner] = left, right
	} else {
		pts[eye.Outer], pts[eye.Inner] = right, left
	}
	pts[eye.Top] = Point{X: cx, Y: cy - eyeH/2}
	pts[eye.Bottom] = Point{X: cx, Y: cy + eyeH/2}

	// Outline on an ellipse through the corners and lids. The four anchor
	// indices above are part of the outline and keep their exact positions.
	anchors := map[int]bool{eye.Outer: true, eye.Inner: true, eye.Top: true, eye.Bottom: true}
	for k, idx := range eye.Outline {
		if anchors[idx] {
			continue
		}
		theta := 2 * math.Pi * float64(k) / float64(len(eye.Outline))
		pts[idx] = Point{X: cx + eyeW/2*math.Cos(theta), Y: cy + eyeH/2*math.Sin(theta)}
	}

	radius := s.IrisRadius
	if radius == 0 {
		radius = 0.2
	}
	r := radius * eyeW
	ix := left.X + s.GazeH*eyeW
	iy := pts[eye.Top].Y + s.GazeV*eyeH
	if s.Blink {
		iy = cy + 3*eyeH
	}
	pts[eye.Iris[0]] = Point{X: ix, Y: iy}
	ring := [][2]float64{{1, 0}, {0, -1}, {-1, 0}, {0, 1}}
	for k, d := range ring {
		if k+1 < len(eye.Iris) {
			pts[eye.Iris[k+1]] = Point{X: ix + d[0]*r, Y: iy + d[1]*r}
		}
	}
}
