// Package protocol defines the JSON WebSocket messages exchanged between
// landmark sources, the attention daemon and its debug clients.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType identifies the type of WebSocket message
type MessageType string

const (
	// Source → daemon
	TypeLandmarks MessageType = "landmarks" // Detected faces for one video frame

	// Daemon → clients
	TypeState       MessageType = "state"       // Committed attention state
	TypeDistraction MessageType = "distraction" // Commit to glance or turning
	TypeTrigger     MessageType = "trigger"     // Rate-limited session event
	TypeCalibration MessageType = "calibration" // Newly applied calibration profile
	TypeDebug       MessageType = "debug"       // Debug snapshot, visualization only

	// Bidirectional
	TypePing MessageType = "ping" // Health check
	TypePong MessageType = "pong" // Health check response
)

// Message is the base wrapper for all WebSocket messages
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp int64           `json:"ts,omitempty"` // Unix milliseconds
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewMessage creates a new message with the current timestamp
func NewMessage(msgType MessageType, data any) (*Message, error) {
	var rawData json.RawMessage
	if data != nil {
		var err error
		rawData, err = json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal message data: %w", err)
		}
	}

	return &Message{
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
		Data:      rawData,
	}, nil
}

// ParseData unmarshals the message data into the provided struct
func (m *Message) ParseData(v any) error {
	if m.Data == nil {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}

// Bytes returns the JSON-encoded message
func (m *Message) Bytes() ([]byte, error) {
	return json.Marshal(m)
}

// Time returns the message timestamp.
func (m *Message) Time() time.Time {
	if m.Timestamp == 0 {
		return time.Time{}
	}
	return time.UnixMilli(m.Timestamp)
}

// ParseMessage parses a JSON message from bytes
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("failed to parse message: missing type")
	}
	return &msg, nil
}

// =============================================================================
// Source → Daemon Message Types
// =============================================================================

// LandmarksData carries the faces detected in one video frame. Points are
// normalized to the frame. An empty Faces list means no face was detected.
type LandmarksData struct {
	Width     int         `json:"width"`  // Pixels
	Height    int         `json:"height"` // Pixels
	FrameID   uint64      `json:"frame_id,omitempty"`
	CaptureTS int64       `json:"capture_ts,omitempty"` // Unix milliseconds; falls back to the message ts
	Faces     [][]float64 `json:"faces"`                // Per face: x0, y0, z0, x1, y1, z1, ...
}

// =============================================================================
// Daemon → Client Message Types
// =============================================================================

// StateData reports the committed attention state.
type StateData struct {
	State     string `json:"state"`
	SessionID string `json:"session_id,omitempty"`
}

// DistractionData reports a commit to an undesirable state.
type DistractionData struct {
	State string `json:"state"`
	At    int64  `json:"at"` // Unix milliseconds
}

// TriggerData reports a rate-limited distraction trigger.
type TriggerData struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	DurationMs int64  `json:"duration_ms"`
	Word       string `json:"word,omitempty"`
	WordIndex  int    `json:"word_index"`
}

// CalibrationData reports the bounds of a newly applied profile.
type CalibrationData struct {
	HMin    float64 `json:"h_min"`
	HMax    float64 `json:"h_max"`
	VMin    float64 `json:"v_min"`
	VMax    float64 `json:"v_max"`
	Samples int     `json:"samples"`
}

// =============================================================================
// Bidirectional Message Types
// =============================================================================

// PingData contains ping information
type PingData struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"ts"`
}

// PongData contains pong response
type PongData struct {
	ID        string `json:"id"`
	PingTS    int64  `json:"ping_ts"`
	PongTS    int64  `json:"pong_ts"`
	LatencyMs int64  `json:"latency_ms"`
}
