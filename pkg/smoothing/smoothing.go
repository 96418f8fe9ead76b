// Package smoothing provides the temporal filters used on pose and gaze
// signals: exponential smoothing and a fixed-width moving average.
package smoothing

// EMA returns old*(1-alpha) + sample*alpha.
// Higher alpha trusts the new sample more.
func EMA(old, sample, alpha float64) float64 {
	return old*(1-alpha) + sample*alpha
}

// Exponential is a stateful exponential filter. The first sample passes
// through unchanged.
type Exponential struct {
	alpha  float64
	value  float64
	primed bool
}

// NewExponential creates an exponential filter with the given alpha.
func NewExponential(alpha float64) *Exponential {
	return &Exponential{alpha: alpha}
}

// Update folds sample into the filter and returns the smoothed value.
func (e *Exponential) Update(sample float64) float64 {
	if !e.primed {
		e.value = sample
		e.primed = true
		return e.value
	}
	e.value = EMA(e.value, sample, e.alpha)
	return e.value
}

// Value returns the current smoothed value and whether any sample was seen.
func (e *Exponential) Value() (float64, bool) {
	return e.value, e.primed
}

// Reset forgets all history.
func (e *Exponential) Reset() {
	e.value = 0
	e.primed = false
}

// MovingAverage averages the last N samples using a ring buffer.
type MovingAverage struct {
	buf   []float64
	next  int
	count int
	sum   float64
}

// NewMovingAverage creates a moving average over window samples.
// A window below 1 is treated as 1.
func NewMovingAverage(window int) *MovingAverage {
	if window < 1 {
		window = 1
	}
	return &MovingAverage{buf: make([]float64, window)}
}

// Add pushes a sample and returns the new average.
func (m *MovingAverage) Add(sample float64) float64 {
	if m.count == len(m.buf) {
		m.sum -= m.buf[m.next]
	} else {
		m.count++
	}
	m.buf[m.next] = sample
	m.sum += sample
	m.next = (m.next + 1) % len(m.buf)
	return m.Mean()
}

// Mean returns the average of the buffered samples, or 0 when empty.
func (m *MovingAverage) Mean() float64 {
	if m.count == 0 {
		return 0
	}
	return m.sum / float64(m.count)
}

// Len returns how many samples are buffered.
func (m *MovingAverage) Len() int {
	return m.count
}

// Reset empties the buffer.
func (m *MovingAverage) Reset() {
	for i := range m.buf {
		m.buf[i] = 0
	}
	m.next, m.count, m.sum = 0, 0, 0
}

// Vector2 is a pair of moving averages for 2D signals such as yaw/pitch
// or gaze h/v.
type Vector2 struct {
	X, Y *MovingAverage
}

// NewVector2 creates a 2D moving average over window samples.
func NewVector2(window int) *Vector2 {
	return &Vector2{X: NewMovingAverage(window), Y: NewMovingAverage(window)}
}

// Add pushes a 2D sample and returns the averaged pair.
func (v *Vector2) Add(x, y float64) (float64, float64) {
	return v.X.Add(x), v.Y.Add(y)
}

// Mean returns the current averaged pair and whether any sample is buffered.
func (v *Vector2) Mean() (float64, float64, bool) {
	return v.X.Mean(), v.Y.Mean(), v.X.Len() > 0
}

// Reset empties both axes.
func (v *Vector2) Reset() {
	v.X.Reset()
	v.Y.Reset()
}
