// Package worker offloads precise head pose and gaze-ray estimation to a
// separate execution context and exposes its latest result to the per-frame
// pipeline with an explicit freshness window.
//
// Three transports implement [Worker]: [LocalWorker] runs a [Solver] on a
// goroutine, [ProcessWorker] talks to a subprocess over length-prefixed
// msgpack on stdio, and [RemoteWorker] talks to a pose service over a
// websocket. The [Bridge] never blocks on any of them.
package worker

import (
	"time"

	"github.com/teslashibe/go-attention/pkg/gaze"
	"github.com/teslashibe/go-attention/pkg/landmark"
)

// ReplyKind identifies a worker reply.
type ReplyKind string

const (
	KindReady  ReplyKind = "ready"  // Handshake: the worker can accept requests
	KindResult ReplyKind = "result" // A pose/gaze result
	KindError  ReplyKind = "error"  // Initialization or per-request failure
)

// Request asks the worker to solve pose and gaze for one landmark frame.
type Request struct {
	Seq         uint64           `json:"seq" msgpack:"seq"`
	Landmarks   []landmark.Point `json:"landmarks" msgpack:"landmarks"`
	Width       int              `json:"width" msgpack:"width"`
	Height      int              `json:"height" msgpack:"height"`
	EyeOutlines [2][]int         `json:"eye_outlines" msgpack:"eye_outlines"`

	// FrameTime is the capture time of the landmarks in Unix milliseconds.
	// The worker stamps its result with it.
	FrameTime int64 `json:"frame_time" msgpack:"frame_time"`
}

// Frame rebuilds the landmark frame carried by the request.
func (r Request) Frame() *landmark.Frame {
	return &landmark.Frame{
		Points:    r.Landmarks,
		Width:     r.Width,
		Height:    r.Height,
		Timestamp: time.UnixMilli(r.FrameTime),
	}
}

// NewRequest builds a request for f.
func NewRequest(seq uint64, f *landmark.Frame) Request {
	return Request{
		Seq:         seq,
		Landmarks:   f.Points,
		Width:       f.Width,
		Height:      f.Height,
		EyeOutlines: [2][]int{landmark.LeftEyeOutline, landmark.RightEyeOutline},
		FrameTime:   f.Timestamp.UnixMilli(),
	}
}

// Result is the worker's precise estimate for one request.
type Result struct {
	Seq          uint64      `json:"seq" msgpack:"seq"`
	Yaw          float64     `json:"yaw" msgpack:"yaw"`
	Pitch        float64     `json:"pitch" msgpack:"pitch"`
	Roll         float64     `json:"roll" msgpack:"roll"`
	Rvec         [3]float64  `json:"rvec" msgpack:"rvec"`
	Tvec         [3]float64  `json:"tvec" msgpack:"tvec"`
	GazePoint    *gaze.Pixel `json:"gaze_point,omitempty" msgpack:"gaze_point,omitempty"`
	IrisCentroid *gaze.Pixel `json:"iris_centroid,omitempty" msgpack:"iris_centroid,omitempty"`
	IsValid      bool        `json:"is_valid" msgpack:"is_valid"`

	// Timestamp is the capture time of the frame this result describes,
	// in Unix milliseconds.
	Timestamp int64 `json:"timestamp" msgpack:"timestamp"`
}

// Time returns the result timestamp as a time.Time.
func (r Result) Time() time.Time {
	if r.Timestamp == 0 {
		return time.Time{}
	}
	return time.UnixMilli(r.Timestamp)
}

// Reply is one message from the worker.
type Reply struct {
	Kind   ReplyKind `json:"kind" msgpack:"kind"`
	Result *Result   `json:"result,omitempty" msgpack:"result,omitempty"`
	Error  string    `json:"error,omitempty" msgpack:"error,omitempty"`

	// Fatal marks an error after which the worker will never become ready.
	Fatal bool `json:"fatal,omitempty" msgpack:"fatal,omitempty"`
}

// ReadyReply returns the readiness handshake.
func ReadyReply() Reply { return Reply{Kind: KindReady} }

// ResultReply wraps a result.
func ResultReply(r Result) Reply { return Reply{Kind: KindResult, Result: &r} }

// ErrorReply wraps an error. Fatal errors mark the worker unavailable.
func ErrorReply(err error, fatal bool) Reply {
	return Reply{Kind: KindError, Error: err.Error(), Fatal: fatal}
}
