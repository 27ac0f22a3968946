package audio

import (
	"errors"
	"fmt"
)

var (
	// ErrNotCapturing is wrapped by StopError when Stop finds no active capture.
	ErrNotCapturing = errors.New("no active capture")
	// ErrAlreadyCapturing is returned by Start while a capture is running.
	ErrAlreadyCapturing = errors.New("capture already active")
	// ErrCaptureEnded is reported when a device runs out of audio on its own.
	ErrCaptureEnded = errors.New("capture ended")
)

// InitError reports that a device could not be configured or opened: it is
// busy, the format is unsupported, or access was revoked.
type InitError struct {
	Device string
	Err    error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("capture init %s: %v", e.Device, e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }

type StopError struct {
	Err error
}

func (e *StopError) Error() string {
	return fmt.Sprintf("capture stop: %v", e.Err)
}

func (e *StopError) Unwrap() error { return e.Err }
