package audio

import (
	"context"
	"fmt"
	"sync"

	"github.com/loqalabs/loqa-dictate/internal/config"
)

// Permission is the last known microphone access decision.
type Permission int

const (
	PermissionUnknown Permission = iota
	PermissionGranted
	PermissionDenied
)

func (p Permission) String() string {
	switch p {
	case PermissionGranted:
		return "granted"
	case PermissionDenied:
		return "denied"
	default:
		return "unknown"
	}
}

// Gate decides whether the process may use the microphone.
type Gate interface {
	RequestMicrophoneAccess(ctx context.Context) (Permission, error)
}

// GrantedGate always grants access.
type GrantedGate struct{}

func (GrantedGate) RequestMicrophoneAccess(context.Context) (Permission, error) {
	return PermissionGranted, nil
}

// ProbeGate grants access when the device accepts the capture format. A
// device that cannot be configured (missing recorder binary, unreadable
// file) is reported as denied.
type ProbeGate struct {
	Device Device
	Format Format

	mu   sync.Mutex
	last Permission
}

func (g *ProbeGate) RequestMicrophoneAccess(ctx context.Context) (Permission, error) {
	if err := ctx.Err(); err != nil {
		return PermissionUnknown, err
	}
	decision := PermissionGranted
	if err := g.Device.Configure(g.Format); err != nil {
		decision = PermissionDenied
	}
	g.mu.Lock()
	g.last = decision
	g.mu.Unlock()
	return decision, nil
}

// Last returns the most recent decision.
func (g *ProbeGate) Last() Permission {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}

// NewGate builds the gate selected by cfg.Permission.
func NewGate(cfg config.CaptureConfig, device Device) (Gate, error) {
	switch cfg.Permission {
	case "granted":
		return GrantedGate{}, nil
	case "probe":
		return &ProbeGate{Device: device, Format: OptionsFromConfig(cfg).Format()}, nil
	default:
		return nil, fmt.Errorf("unknown permission mode %q", cfg.Permission)
	}
}
