package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const wavSamplesPerRead = 1600

// WavDevice replays a WAV file as if it were a microphone. With pace set the
// audio is released at real-time speed. The capture ends at end of file.
type WavDevice struct {
	path   string
	pace   bool
	format Format
}

func NewWavDevice(path string, pace bool) *WavDevice {
	return &WavDevice{path: path, pace: pace}
}

func (d *WavDevice) Name() string { return "wav:" + d.path }

func (d *WavDevice) Configure(format Format) error {
	file, err := os.Open(d.path)
	if err != nil {
		return fmt.Errorf("open wav: %w", err)
	}
	defer file.Close()

	dec := wav.NewDecoder(file)
	if !dec.IsValidFile() {
		return errors.New("not a valid wav file")
	}
	dec.ReadInfo()
	got := Format{SampleRate: int(dec.SampleRate), Channels: int(dec.NumChans), BitsPerSample: int(dec.BitDepth)}
	if got != format || dec.WavAudioFormat != 1 {
		return fmt.Errorf("wav file is %s (audio format %d), want linear PCM %s", got, dec.WavAudioFormat, format)
	}
	d.format = format
	return nil
}

func (d *WavDevice) Open(ctx context.Context) (io.ReadCloser, error) {
	file, err := os.Open(d.path)
	if err != nil {
		return nil, fmt.Errorf("open wav: %w", err)
	}
	dec := wav.NewDecoder(file)
	if err := dec.FwdToPCM(); err != nil {
		file.Close()
		return nil, fmt.Errorf("seek wav pcm: %w", err)
	}
	r := &wavReader{
		ctx:  ctx,
		file: file,
		dec:  dec,
		buf: &audio.IntBuffer{
			Format:         &audio.Format{NumChannels: d.format.Channels, SampleRate: d.format.SampleRate},
			Data:           make([]int, wavSamplesPerRead),
			SourceBitDepth: d.format.BitsPerSample,
		},
	}
	if d.pace {
		r.pace = &pacer{format: d.format}
	}
	return r, nil
}

type wavReader struct {
	ctx     context.Context
	file    *os.File
	dec     *wav.Decoder
	buf     *audio.IntBuffer
	pending []byte
	pace    *pacer
	eof     bool
}

func (r *wavReader) Read(p []byte) (int, error) {
	if len(r.pending) == 0 {
		if r.eof {
			return 0, io.EOF
		}
		if err := r.fill(); err != nil {
			return 0, err
		}
		if len(r.pending) == 0 {
			return 0, io.EOF
		}
	}
	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	if r.pace != nil {
		if err := r.pace.wait(r.ctx, n); err != nil {
			return n, err
		}
	}
	return n, nil
}

func (r *wavReader) fill() error {
	n, err := r.dec.PCMBuffer(r.buf)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode wav: %w", err)
	}
	if n == 0 {
		r.eof = true
		return nil
	}
	out := r.pending[:0]
	if cap(out) < n*2 {
		out = make([]byte, 0, n*2)
	}
	for _, sample := range r.buf.Data[:n] {
		out = binary.LittleEndian.AppendUint16(out, uint16(int16(sample)))
	}
	r.pending = out
	return nil
}

func (r *wavReader) Close() error {
	return r.file.Close()
}
