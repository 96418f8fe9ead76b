package worker

import "errors"

// Sentinel errors for worker transports.
var (
	// ErrNotStarted is returned when posting to a worker before Start.
	ErrNotStarted = errors.New("worker: not started")

	// ErrClosed is returned when posting to a closed worker.
	ErrClosed = errors.New("worker: closed")

	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("worker: already started")

	// ErrFrameTooLarge is returned when a wire frame exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("worker: frame too large")

	// ErrMalformedFrame is returned when a complete frame does not decode.
	ErrMalformedFrame = errors.New("worker: malformed frame")

	// ErrStalled is returned by a process worker whose child stopped
	// reading its requests and was killed.
	ErrStalled = errors.New("worker: process stalled")

	// ErrNoCommand is returned when a process worker has no command configured.
	ErrNoCommand = errors.New("worker: command required")

	// ErrNoURL is returned when a remote worker has no URL configured.
	ErrNoURL = errors.New("worker: url required")
)
