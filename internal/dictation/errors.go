package dictation

import (
	"context"
	"errors"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/transport"
)

var (
	ErrAlreadyRecording = errors.New("dictation: already recording")
	ErrPermissionDenied = errors.New("dictation: microphone permission denied")
	ErrClosed           = errors.New("dictation: controller closed")
	ErrStartTimeout     = errors.New("dictation: start timed out")
)

// Code classifies err for clients of the HTTP and bus surfaces.
func Code(err error) string {
	var (
		initErr *audio.InitError
		stopErr *audio.StopError
		connErr *transport.ConnectError
		tErr    *transport.TransportError
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAlreadyRecording):
		return "already_recording"
	case errors.Is(err, ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, ErrStartTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrClosed):
		return "closed"
	case errors.As(err, &initErr):
		return "capture_init"
	case errors.As(err, &stopErr):
		return "capture_stop"
	case errors.As(err, &connErr):
		return "connect"
	case errors.As(err, &tErr):
		return "transport"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "internal"
	}
}
