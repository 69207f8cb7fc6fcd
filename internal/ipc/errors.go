package ipc

import "errors"

var (
	// ErrFrameTooLarge is returned when a frame would exceed MaxFrameSize in
	// either direction.
	ErrFrameTooLarge = errors.New("ipc: frame exceeds max size")
	// ErrHelloTimeout is returned when a session fails to send its hello
	// frame within the grace period.
	ErrHelloTimeout = errors.New("ipc: hello not received within grace period")
	// ErrUnexpectedFrame is returned when a frame arrives out of sequence,
	// e.g. a subscribe before hello.
	ErrUnexpectedFrame = errors.New("ipc: unexpected frame type")
)
