package protocol

import (
	"fmt"
	"time"

	"github.com/teslashibe/go-attention/pkg/landmark"
)

// =============================================================================
// Helper functions for creating messages
// =============================================================================

// NewLandmarksMessage creates a landmarks message for frame f. A nil or
// empty frame produces a message with no faces.
func NewLandmarksMessage(f *landmark.Frame, frameID uint64) (*Message, error) {
	data := LandmarksData{FrameID: frameID, Faces: [][]float64{}}
	if f != nil {
		data.Width, data.Height = f.Width, f.Height
		if !f.Timestamp.IsZero() {
			data.CaptureTS = f.Timestamp.UnixMilli()
		}
		if !f.Empty() {
			flat := make([]float64, 0, 3*len(f.Points))
			for _, p := range f.Points {
				flat = append(flat, p.X, p.Y, p.Z)
			}
			data.Faces = append(data.Faces, flat)
		}
	}
	return NewMessage(TypeLandmarks, data)
}

// NewStateMessage creates a state message
func NewStateMessage(state, sessionID string) (*Message, error) {
	return NewMessage(TypeState, StateData{State: state, SessionID: sessionID})
}

// NewDistractionMessage creates a distraction notification message
func NewDistractionMessage(state string, at time.Time) (*Message, error) {
	return NewMessage(TypeDistraction, DistractionData{State: state, At: at.UnixMilli()})
}

// NewTriggerMessage creates a trigger message
func NewTriggerMessage(data TriggerData) (*Message, error) {
	return NewMessage(TypeTrigger, data)
}

// NewCalibrationMessage creates a calibration completion message
func NewCalibrationMessage(data CalibrationData) (*Message, error) {
	return NewMessage(TypeCalibration, data)
}

// NewDebugMessage wraps a debug snapshot
func NewDebugMessage(snapshot any) (*Message, error) {
	return NewMessage(TypeDebug, snapshot)
}

// NewPingMessage creates a ping message
func NewPingMessage(id string) (*Message, error) {
	return NewMessage(TypePing, PingData{ID: id, Timestamp: time.Now().UnixMilli()})
}

// NewPongMessage creates a pong response message
func NewPongMessage(id string, pingTS, pongTS int64) (*Message, error) {
	return NewMessage(TypePong, PongData{
		ID:        id,
		PingTS:    pingTS,
		PongTS:    pongTS,
		LatencyMs: pongTS - pingTS,
	})
}

// =============================================================================
// Helper functions for parsing messages
// =============================================================================

// GetLandmarksData extracts landmarks from a message
func (m *Message) GetLandmarksData() (*LandmarksData, error) {
	var data LandmarksData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// Frame converts the first face into a landmark frame stamped with the
// capture time, or fallback when no capture time was sent. With no faces
// it returns an empty frame, which the engine treats as undetected.
func (d *LandmarksData) Frame(fallback time.Time) (*landmark.Frame, error) {
	ts := fallback
	if d.CaptureTS != 0 {
		ts = time.UnixMilli(d.CaptureTS)
	}
	f := &landmark.Frame{Width: d.Width, Height: d.Height, Timestamp: ts}
	if len(d.Faces) == 0 || len(d.Faces[0]) == 0 {
		return f, nil
	}
	flat := d.Faces[0]
	if len(flat)%3 != 0 {
		return nil, fmt.Errorf("face has %d values, want a multiple of 3", len(flat))
	}
	f.Points = make([]landmark.Point, len(flat)/3)
	for i := range f.Points {
		f.Points[i] = landmark.Point{X: flat[3*i], Y: flat[3*i+1], Z: flat[3*i+2]}
	}
	return f, nil
}

// GetPingData extracts ping data from a message
func (m *Message) GetPingData() (*PingData, error) {
	var data PingData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetPongData extracts pong data from a message
func (m *Message) GetPongData() (*PongData, error) {
	var data PongData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}
