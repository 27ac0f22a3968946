package audio

import (
	"errors"
	"fmt"
	"time"
)

// Format describes raw linear PCM.
type Format struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// PCM16Mono16k is the only format the recognition path accepts.
var PCM16Mono16k = Format{SampleRate: 16000, Channels: 1, BitsPerSample: 16}

func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dch/%dbit", f.SampleRate, f.Channels, f.BitsPerSample)
}

// BlockAlign is the size in bytes of one sample across all channels.
func (f Format) BlockAlign() int {
	return f.Channels * f.BitsPerSample / 8
}

func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.BlockAlign()
}

// FrameBytes returns the byte length of d worth of audio, rounded down to a
// whole sample block and never smaller than one block.
func (f Format) FrameBytes(d time.Duration) int {
	block := f.BlockAlign()
	if block <= 0 {
		return 0
	}
	n := int(int64(f.BytesPerSecond()) * int64(d) / int64(time.Second))
	n -= n % block
	if n < block {
		n = block
	}
	return n
}

// Duration returns how long n bytes of audio play for.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

func (f Format) Validate() error {
	if f != PCM16Mono16k {
		return fmt.Errorf("unsupported format %s (want %s)", f, PCM16Mono16k)
	}
	return nil
}

// Frame is an immutable chunk of PCM samples. The payload is copied on
// construction and must not be modified through PCM.
type Frame struct {
	seq    uint64
	pcm    []byte
	format Format
}

func NewFrame(seq uint64, pcm []byte, format Format) Frame {
	return Frame{seq: seq, pcm: append([]byte(nil), pcm...), format: format}
}

func (f Frame) Sequence() uint64 { return f.seq }
func (f Frame) PCM() []byte       { return f.pcm }
func (f Frame) Len() int          { return len(f.pcm) }
func (f Frame) Format() Format    { return f.format }

func (f Frame) Duration() time.Duration {
	return f.format.Duration(len(f.pcm))
}

// Options are the init options recognised by a capture source.
type Options struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
	Raw           bool
	FrameDuration time.Duration
}

func (o Options) Format() Format {
	return Format{SampleRate: o.SampleRate, Channels: o.Channels, BitsPerSample: o.BitsPerSample}
}

func (o Options) validate() error {
	if err := o.Format().Validate(); err != nil {
		return err
	}
	if !o.Raw {
		return errors.New("only raw PCM capture is supported")
	}
	return nil
}
