package audio

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/config"
)

// Device abstracts a native audio input.
type Device interface {
	Name() string
	// Configure checks that the device can deliver format.
	Configure(format Format) error
	// Open starts capturing and returns a stream of raw PCM in the configured
	// format. Closing the reader releases the device.
	Open(ctx context.Context) (io.ReadCloser, error)
}

// NewDevice builds the device selected by cfg.Device.
func NewDevice(cfg config.CaptureConfig) (Device, error) {
	switch cfg.Device {
	case "exec":
		return NewExecDevice(cfg.Command)
	case "wav":
		return NewWavDevice(cfg.File, cfg.Pace), nil
	case "synthetic":
		return NewSyntheticDevice(440, cfg.Pace), nil
	default:
		return nil, fmt.Errorf("unknown capture device %q", cfg.Device)
	}
}

// OptionsFromConfig maps capture config to init options.
func OptionsFromConfig(cfg config.CaptureConfig) Options {
	return Options{
		SampleRate:    cfg.SampleRate,
		Channels:      cfg.Channels,
		BitsPerSample: cfg.BitsPerSample,
		Raw:           cfg.Raw,
		FrameDuration: time.Duration(cfg.FrameDurationMS) * time.Millisecond,
	}
}

// pacer holds a producer back to real time.
type pacer struct {
	start     time.Time
	format    Format
	delivered int64
}

func (p *pacer) wait(ctx context.Context, n int) error {
	if p.start.IsZero() {
		p.start = time.Now()
	}
	p.delivered += int64(n)
	due := p.start.Add(p.format.Duration(int(p.delivered)))
	delay := time.Until(due)
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
