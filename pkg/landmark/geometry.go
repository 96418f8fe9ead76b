package landmark

import "math"

// irisMargin is how far outside the eye outline box an iris centroid may
// fall, as a fraction of the box size, before it is rejected.
const irisMargin = 0.15

// degenerateSpan is the smallest corner or lid separation treated as an open eye.
const degenerateSpan = 1e-6

// Eye names the landmark indices describing one eye.
type Eye struct {
	Outer, Inner int
	Top, Bottom  int
	Iris         []int
	Outline      []int
}

// LeftEye and RightEye are the image-space eyes of a refined face mesh.
var (
	LeftEye = Eye{
		Outer: LeftEyeOuter, Inner: LeftEyeInner,
		Top: LeftEyeTop, Bottom: LeftEyeBottom,
		Iris: LeftIris, Outline: LeftEyeOutline,
	}
	RightEye = Eye{
		Outer: RightEyeOuter, Inner: RightEyeInner,
		Top: RightEyeTop, Bottom: RightEyeBottom,
		Iris: RightIris, Outline: RightEyeOutline,
	}
)

// Iris is an estimated iris centre in normalized frame coordinates.
type Iris struct {
	X, Y   float64
	Radius float64 // Mean distance of ring points from the centre
	Valid  bool
}

// Ratio is the iris position inside the eye socket.
// H runs from the image-left corner (0) to the image-right corner (1),
// V from the top lid (0) to the bottom lid (1). R is the iris radius
// relative to the eye width and serves as a detection-size confidence.
type Ratio struct {
	H, V, R float64
	Valid   bool
}

// Clamp restricts v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Distance returns the 2D euclidean distance between a and b.
func Distance(a, b Point) float64 {
	return math.Hypot(a.X-b.X, a.Y-b.Y)
}

// IrisCentroid computes a weighted centroid of the iris ring points.
// Each point is weighted by 1 - d/dmax where d is its distance from the
// unweighted centroid, so points pulled away by eyelid occlusion count less.
func IrisCentroid(f *Frame, indices []int) Iris {
	pts := make([]Point, 0, len(indices))
	for _, i := range indices {
		if p, ok := f.At(i); ok {
			pts = append(pts, p)
		}
	}
	if len(pts) == 0 {
		return Iris{}
	}

	var cx, cy float64
	for _, p := range pts {
		cx += p.X
		cy += p.Y
	}
	cx /= float64(len(pts))
	cy /= float64(len(pts))
	center := Point{X: cx, Y: cy}

	dists := make([]float64, len(pts))
	maxDist := 0.0
	for i, p := range pts {
		dists[i] = Distance(p, center)
		maxDist = math.Max(maxDist, dists[i])
	}

	wx, wy, wsum := 0.0, 0.0, 0.0
	for i, p := range pts {
		w := 1.0
		if maxDist > 0 {
			w = 1 - dists[i]/maxDist
		}
		wx += p.X * w
		wy += p.Y * w
		wsum += w
	}
	// Every point sits at dmax (e.g. a symmetric ring with no centre point).
	if wsum == 0 {
		wx, wy, wsum = cx, cy, 1
	}

	radius := 0.0
	for _, d := range dists {
		radius += d
	}
	radius /= float64(len(dists))

	return Iris{X: wx / wsum, Y: wy / wsum, Radius: radius, Valid: true}
}

// EyeRatio normalizes the iris centroid between the eye corners and lids.
func EyeRatio(outer, inner, top, bottom Point, iris Iris) Ratio {
	if !iris.Valid {
		return Ratio{}
	}
	left, right := math.Min(outer.X, inner.X), math.Max(outer.X, inner.X)
	width := right - left
	height := bottom.Y - top.Y

	h, v := 0.5, 0.5
	if width > degenerateSpan {
		h = Clamp((iris.X-left)/width, 0, 1)
	}
	if math.Abs(height) > degenerateSpan {
		v = Clamp((iris.Y-top.Y)/height, 0, 1)
	}
	r := 0.0
	if width > degenerateSpan {
		r = iris.Radius / width
	}
	return Ratio{H: h, V: v, R: r, Valid: width > degenerateSpan}
}

// MeasureEye computes the iris centroid and socket ratio for one eye.
// The ratio is invalid when any anchor point is missing.
func MeasureEye(f *Frame, eye Eye) (Iris, Ratio) {
	iris := IrisCentroid(f, eye.Iris)
	outer, ok1 := f.At(eye.Outer)
	inner, ok2 := f.At(eye.Inner)
	top, ok3 := f.At(eye.Top)
	bottom, ok4 := f.At(eye.Bottom)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return iris, Ratio{}
	}
	return iris, EyeRatio(outer, inner, top, bottom, iris)
}

// ValidateIrisInEye rejects an iris centroid outside the eye outline's
// bounding box grown by a 15% margin. Blinks and occlusion tend to
// produce centroids well outside the socket.
func ValidateIrisInEye(f *Frame, iris Iris, outline []int) bool {
	if !iris.Valid {
		return false
	}
	box, ok := f.Bounds(outline)
	if !ok {
		return false
	}
	return box.Expand(irisMargin).Contains(iris.X, iris.Y)
}
