// Package landmark defines facial landmark frames and the pure geometry used
// to turn them into eye and iris measurements.
//
// Indices follow the MediaPipe Face Mesh topology with refined iris points
// (478 landmarks). "Left" and "right" are image-space sides, not the
// subject's anatomical sides.
package landmark

import (
	"math"
	"time"
)

// Face mesh indices used by the attention pipeline.
const (
	NoseTip    = 1
	Forehead   = 10
	Chin       = 152
	MouthLeft  = 61
	MouthRight = 291

	LeftEyeOuter  = 33
	LeftEyeInner  = 133
	LeftEyeTop    = 159
	LeftEyeBottom = 145

	RightEyeOuter  = 263
	RightEyeInner  = 362
	RightEyeTop    = 386
	RightEyeBottom = 374

	// NumLandmarks is the size of a refined face mesh.
	NumLandmarks = 478
)

// Iris ring indices (centre point first, then the four ring points).
var (
	LeftIris  = []int{468, 469, 470, 471, 472}
	RightIris = []int{473, 474, 475, 476, 477}
)

// Eye outline indices used to bound the iris during validation.
var (
	LeftEyeOutline = []int{
		33, 7, 163, 144, 145, 153, 154, 155,
		133, 173, 157, 158, 159, 160, 161, 246,
	}
	RightEyeOutline = []int{
		263, 249, 390, 373, 374, 380, 381, 382,
		362, 398, 384, 385, 386, 387, 388, 466,
	}
)

// Point is a normalized landmark position. X and Y are in [0,1] relative to
// the frame; Z is the optional relative depth reported by the detector.
type Point struct {
	X float64 `json:"x" msgpack:"x"`
	Y float64 `json:"y" msgpack:"y"`
	Z float64 `json:"z,omitempty" msgpack:"z,omitempty"`
}

// Valid reports whether the point carries finite coordinates.
func (p Point) Valid() bool {
	return !math.IsNaN(p.X) && !math.IsNaN(p.Y) &&
		!math.IsInf(p.X, 0) && !math.IsInf(p.Y, 0)
}

// Frame is one detected face in one video frame.
type Frame struct {
	Points    []Point   `json:"points"`
	Width     int       `json:"width"`  // Video width in pixels
	Height    int       `json:"height"` // Video height in pixels
	Timestamp time.Time `json:"timestamp"`
}

// At returns the point at index i and whether it is present and valid.
func (f *Frame) At(i int) (Point, bool) {
	if f == nil || i < 0 || i >= len(f.Points) {
		return Point{}, false
	}
	p := f.Points[i]
	return p, p.Valid()
}

// Empty reports whether the frame carries no face.
func (f *Frame) Empty() bool {
	return f == nil || len(f.Points) == 0
}

// Pixel converts a normalized point to pixel coordinates for this frame.
func (f *Frame) Pixel(p Point) (x, y float64) {
	return p.X * float64(f.Width), p.Y * float64(f.Height)
}

// Box is an axis-aligned bounding box in normalized coordinates.
type Box struct {
	MinX, MinY, MaxX, MaxY float64
}

// Width returns the box width.
func (b Box) Width() float64 { return b.MaxX - b.MinX }

// Height returns the box height.
func (b Box) Height() float64 { return b.MaxY - b.MinY }

// Center returns the box centre.
func (b Box) Center() (x, y float64) {
	return (b.MinX + b.MaxX) / 2, (b.MinY + b.MaxY) / 2
}

// Contains reports whether (x, y) lies inside the box, edges included.
func (b Box) Contains(x, y float64) bool {
	return x >= b.MinX && x <= b.MaxX && y >= b.MinY && y <= b.MaxY
}

// Expand grows the box by margin times its width and height on every side.
func (b Box) Expand(margin float64) Box {
	dx := b.Width() * margin
	dy := b.Height() * margin
	return Box{MinX: b.MinX - dx, MinY: b.MinY - dy, MaxX: b.MaxX + dx, MaxY: b.MaxY + dy}
}

// Bounds returns the bounding box of the valid points at the given indices.
// A nil index slice means every point in the frame.
func (f *Frame) Bounds(indices []int) (Box, bool) {
	if f.Empty() {
		return Box{}, false
	}
	box := Box{MinX: math.Inf(1), MinY: math.Inf(1), MaxX: math.Inf(-1), MaxY: math.Inf(-1)}
	found := false
	visit := func(p Point) {
		if !p.Valid() {
			return
		}
		found = true
		box.MinX = math.Min(box.MinX, p.X)
		box.MinY = math.Min(box.MinY, p.Y)
		box.MaxX = math.Max(box.MaxX, p.X)
		box.MaxY = math.Max(box.MaxY, p.Y)
	}
	if indices == nil {
		for _, p := range f.Points {
			visit(p)
		}
	} else {
		for _, i := range indices {
			if p, ok := f.At(i); ok {
				visit(p)
			}
		}
	}
	return box, found
}
