package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

const defaultFrameDuration = 100 * time.Millisecond

// Source turns a Device into a push-based stream of Frames. Delivery runs on
// its own goroutine; the deliver callback must not block.
type Source struct {
	device Device
	log    *slog.Logger

	mu         sync.Mutex
	format     Format
	frameBytes int
	ready      bool
	run        *captureRun
}

type captureRun struct {
	cancel context.CancelFunc
	reader io.ReadCloser
	done   chan struct{}
}

func NewSource(device Device, logger *slog.Logger) *Source {
	return &Source{
		device: device,
		log:    logger.With(slog.String("component", "capture"), slog.String("device", device.Name())),
	}
}

// Init configures the device. It fails with *InitError when the device
// cannot accept opts.
func (s *Source) Init(opts Options) error {
	if err := opts.validate(); err != nil {
		return &InitError{Device: s.device.Name(), Err: err}
	}
	format := opts.Format()
	if err := s.device.Configure(format); err != nil {
		return &InitError{Device: s.device.Name(), Err: err}
	}
	duration := opts.FrameDuration
	if duration <= 0 {
		duration = defaultFrameDuration
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.format = format
	s.frameBytes = format.FrameBytes(duration)
	s.ready = true
	s.log.Info("capture configured", slog.String("format", format.String()), slog.Int("frame_bytes", s.frameBytes))
	return nil
}

// Start begins delivering frames to deliver. onEnd, if set, is called once
// when the device stops producing audio on its own (ErrCaptureEnded or a
// read error); it is not called for captures ended by Stop.
func (s *Source) Start(deliver func(Frame), onEnd func(error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.ready {
		return &InitError{Device: s.device.Name(), Err: errors.New("source not initialized")}
	}
	if s.run != nil {
		return ErrAlreadyCapturing
	}

	ctx, cancel := context.WithCancel(context.Background())
	reader, err := s.device.Open(ctx)
	if err != nil {
		cancel()
		return &InitError{Device: s.device.Name(), Err: err}
	}
	run := &captureRun{cancel: cancel, reader: reader, done: make(chan struct{})}
	s.run = run
	go s.pump(ctx, run, s.format, s.frameBytes, deliver, onEnd)
	s.log.Info("capture started")
	return nil
}

// Stop ends delivery. Once it returns no further frames are delivered.
func (s *Source) Stop() error {
	s.mu.Lock()
	run := s.run
	s.run = nil
	s.mu.Unlock()

	if run == nil {
		return &StopError{Err: ErrNotCapturing}
	}
	run.cancel()
	if err := run.reader.Close(); err != nil {
		s.log.Debug("capture reader close", slog.String("error", err.Error()))
	}
	<-run.done
	s.log.Info("capture stopped")
	return nil
}

// Active reports whether a capture is running or has ended without Stop.
func (s *Source) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run != nil
}

func (s *Source) pump(ctx context.Context, run *captureRun, format Format, frameBytes int, deliver func(Frame), onEnd func(error)) {
	var endErr error
	defer func() {
		close(run.done)
		if endErr != nil && ctx.Err() == nil && onEnd != nil {
			onEnd(endErr)
		}
	}()

	var seq uint64
	block := format.BlockAlign()
	buf := make([]byte, frameBytes)
	for {
		n, err := io.ReadFull(run.reader, buf)
		if ctx.Err() != nil {
			return
		}
		if n -= n % block; n > 0 {
			seq++
			deliver(NewFrame(seq, buf[:n], format))
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				endErr = ErrCaptureEnded
			} else {
				endErr = fmt.Errorf("read %s: %w", s.device.Name(), err)
			}
			s.log.Info("capture ended", slog.String("reason", endErr.Error()), slog.Uint64("frames", seq))
			return
		}
	}
}
