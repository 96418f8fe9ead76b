// Package hub fans debug snapshots and attention notifications out to
// websocket viewers. One goroutine owns the client set; slow viewers are
// dropped instead of stalling the engine.
package hub

import "github.com/teslashibe/go-attention/pkg/protocol"

// Frame selects the websocket frame type a message is written with.
type Frame int

const (
	JSONMessage   Frame = iota // Text frame carrying JSON
	BinaryMessage              // Binary frame
)

// Message is one queued write, shared by every client it is sent to.
// Data must not be modified after broadcast.
type Message struct {
	Type Frame
	Data []byte
}

// NewJSONMessage wraps pre-encoded JSON.
func NewJSONMessage(data []byte) Message {
	return Message{Type: JSONMessage, Data: data}
}

// NewBinaryMessage wraps binary data.
func NewBinaryMessage(data []byte) Message {
	return Message{Type: BinaryMessage, Data: data}
}

// FromProtocol encodes a protocol envelope as a text frame.
func FromProtocol(msg *protocol.Message) (Message, error) {
	data, err := msg.Bytes()
	if err != nil {
		return Message{}, err
	}
	return NewJSONMessage(data), nil
}
