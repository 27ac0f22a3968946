package audio

import (
	"context"
	"encoding/binary"
	"io"
	"math"
)

// SyntheticDevice generates a continuous sine tone. It stands in for a
// microphone in development setups and tests.
type SyntheticDevice struct {
	frequency float64
	amplitude float64
	pace      bool
	format    Format
}

func NewSyntheticDevice(frequency float64, pace bool) *SyntheticDevice {
	return &SyntheticDevice{frequency: frequency, amplitude: 0.2, pace: pace}
}

func (d *SyntheticDevice) Name() string { return "synthetic" }

func (d *SyntheticDevice) Configure(format Format) error {
	if err := format.Validate(); err != nil {
		return err
	}
	d.format = format
	return nil
}

func (d *SyntheticDevice) Open(ctx context.Context) (io.ReadCloser, error) {
	r := &toneReader{ctx: ctx, device: d, done: make(chan struct{})}
	if d.pace {
		r.pace = &pacer{format: d.format}
	}
	return r, nil
}

type toneReader struct {
	ctx    context.Context
	device *SyntheticDevice
	pace   *pacer
	sample int64
	done   chan struct{}
}

func (r *toneReader) Read(p []byte) (int, error) {
	select {
	case <-r.done:
		return 0, io.EOF
	default:
	}
	n := len(p) - len(p)%2
	rate := float64(r.device.format.SampleRate)
	for i := 0; i < n; i += 2 {
		v := r.device.amplitude * math.Sin(2*math.Pi*r.device.frequency*float64(r.sample)/rate)
		binary.LittleEndian.PutUint16(p[i:], uint16(int16(v*math.MaxInt16)))
		r.sample++
	}
	if r.pace != nil {
		if err := r.pace.wait(r.ctx, n); err != nil {
			return n, err
		}
	}
	return n, nil
}

func (r *toneReader) Close() error {
	select {
	case <-r.done:
	default:
		close(r.done)
	}
	return nil
}
