// Package dictation coordinates microphone capture, the recognition session
// and the transcript. All state lives on a single event loop goroutine;
// capture, network and user commands only post work onto it.
package dictation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/recognition"
	"github.com/loqalabs/loqa-dictate/internal/transcript"
	"github.com/loqalabs/loqa-dictate/internal/transport"
	"go.opentelemetry.io/otel/metric"
)

// RecordingState is NotRecording or Recording.
type RecordingState int

const (
	NotRecording RecordingState = iota
	Recording
)

func (r RecordingState) String() string {
	if r == Recording {
		return "recording"
	}
	return "not_recording"
}

// Capture is the microphone side. *audio.Source implements it.
type Capture interface {
	Init(opts audio.Options) error
	Start(deliver func(audio.Frame), onEnd func(error)) error
	Stop() error
}

// Timeline receives session lifecycle events. It never sees transcript text.
type Timeline interface {
	Record(ctx context.Context, sessionID, kind string, attrs map[string]any)
}

type Options struct {
	Capture        Capture
	CaptureOptions audio.Options
	Gate           audio.Gate
	Dialer         transport.Dialer
	Transport      transport.Options
	// TransportMetrics is shared by every session; nil disables it.
	TransportMetrics *transport.Metrics
	Meter            metric.Meter
	Timeline         Timeline
	// StartTimeout bounds Start. Zero means no bound.
	StartTimeout time.Duration
}

type Controller struct {
	opts Options
	log  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	queue  chan func()
	wg     sync.WaitGroup

	closeOnce sync.Once
	timeline  chan timelineEntry
	writerWG  sync.WaitGroup

	transcriptVal *Value[string]
	recording     *Value[RecordingState]
	permission    *Value[audio.Permission]
	metrics       *instruments

	// Owned by the loop.
	assembler *transcript.Assembler
	session   *transport.Session
	last      *transport.Session
	starting  *startRequest
	capturing bool
}

type timelineEntry struct {
	sessionID string
	kind      string
	attrs     map[string]any
}

type startRequest struct {
	ctx     context.Context
	reply   chan error
	session *transport.Session
	timer   *time.Timer
}

func New(parent context.Context, opts Options, logger *slog.Logger) *Controller {
	ctx, cancel := context.WithCancel(parent)
	if opts.Gate == nil {
		opts.Gate = audio.GrantedGate{}
	}
	c := &Controller{
		opts:          opts,
		log:           logger.With(slog.String("component", "dictation")),
		ctx:           ctx,
		cancel:        cancel,
		queue:         make(chan func(), 256),
		transcriptVal: NewValue(""),
		recording:     NewValue(NotRecording),
		permission:    NewValue(audio.PermissionUnknown),
		assembler:     transcript.NewAssembler(),
	}
	if err := c.initMetrics(opts.Meter); err != nil {
		c.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	if opts.Timeline != nil {
		c.timeline = make(chan timelineEntry, 64)
		c.writerWG.Add(1)
		go c.writeTimeline()
	}
	c.wg.Add(1)
	go c.loop()
	return c
}

// Transcript is the rendered transcript, updated on every change.
func (c *Controller) Transcript() Observable[string] { return c.transcriptVal }

func (c *Controller) Recording() Observable[RecordingState] { return c.recording }

// Permission is the last decision of the permission gate.
func (c *Controller) Permission() Observable[audio.Permission] { return c.permission }

// Start opens a recognition session and, once it is streaming, starts the
// capture. It returns when recording has begun or the attempt failed.
func (c *Controller) Start(ctx context.Context) error {
	req := &startRequest{ctx: ctx, reply: make(chan error, 1)}
	if !c.post(func() { c.handleStart(req) }) {
		return ErrClosed
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		c.post(func() {
			if c.starting == req {
				c.failStart(req, ctx.Err())
			}
		})
	case <-c.ctx.Done():
		return ErrClosed
	}
	// The loop has either failed the request or already answered it.
	select {
	case err := <-req.reply:
		return err
	case <-c.ctx.Done():
		return ErrClosed
	}
}

// Stop ends recording. It is a no-op when not recording.
func (c *Controller) Stop(ctx context.Context) error {
	return c.call(ctx, c.handleStop)
}

// ResetTranscript clears the accumulated transcript.
func (c *Controller) ResetTranscript(ctx context.Context) error {
	return c.call(ctx, func() {
		c.assembler.Reset()
		c.transcriptVal.Set("")
	})
}

// Committed returns the finalized segments.
func (c *Controller) Committed(ctx context.Context) ([]string, error) {
	var out []string
	err := c.call(ctx, func() { out = c.assembler.Committed() })
	return out, err
}

// SessionState reports the state of the most recent transport session, or
// Idle if none was created.
func (c *Controller) SessionState(ctx context.Context) (transport.State, error) {
	state := transport.Idle
	err := c.call(ctx, func() {
		if c.last != nil {
			state = c.last.State()
		}
	})
	return state, err
}

// Close stops recording, waits for the session to finish and stops the
// loop. Calls after the first return once the first has finished.
func (c *Controller) Close() {
	c.closeOnce.Do(c.close)
}

func (c *Controller) close() {
	var pending *transport.Session
	ran := false
	done := make(chan struct{})
	if c.post(func() {
		if c.starting != nil {
			c.failStart(c.starting, ErrClosed)
		}
		c.handleStop()
		if c.session != nil {
			c.session.Close()
			pending = c.session
		}
		close(done)
	}) {
		select {
		case <-done:
			ran = true
		case <-c.ctx.Done():
		}
	}
	if ran && pending != nil {
		wait := c.opts.Transport.CloseTimeout + time.Second
		select {
		case <-pending.Done():
		case <-time.After(wait):
			c.log.Warn("session did not close in time")
		}
	}
	c.cancel()
	c.wg.Wait()
	if c.timeline != nil {
		close(c.timeline)
		c.writerWG.Wait()
	}
}

func (c *Controller) loop() {
	defer c.wg.Done()
	for {
		select {
		case fn := <-c.queue:
			fn()
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Controller) post(fn func()) bool {
	// With a buffered queue both cases below are ready after shutdown.
	if c.ctx.Err() != nil {
		return false
	}
	select {
	case c.queue <- fn:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *Controller) call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !c.post(func() { fn(); close(done) }) {
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return ErrClosed
	}
}

func (c *Controller) handleStart(req *startRequest) {
	if c.recording.Get() == Recording || c.starting != nil {
		req.reply <- ErrAlreadyRecording
		return
	}
	c.starting = req
	go func() {
		perm, err := c.opts.Gate.RequestMicrophoneAccess(req.ctx)
		c.post(func() { c.handlePermission(req, perm, err) })
	}()
}

func (c *Controller) handlePermission(req *startRequest, perm audio.Permission, err error) {
	if c.starting != req {
		return
	}
	if err != nil {
		c.failStart(req, fmt.Errorf("request microphone access: %w", err))
		return
	}
	c.permission.Set(perm)
	if perm != audio.PermissionGranted {
		c.failStart(req, ErrPermissionDenied)
		return
	}
	if err := c.opts.Capture.Init(c.opts.CaptureOptions); err != nil {
		c.permission.Set(audio.PermissionDenied)
		c.failStart(req, err)
		return
	}

	session := transport.NewSession(c.opts.Transport, c.opts.Dialer, c, c.opts.TransportMetrics, c.log)
	req.session = session
	c.session = session
	c.last = session
	if c.opts.StartTimeout > 0 {
		timeout := c.opts.StartTimeout
		req.timer = time.AfterFunc(timeout, func() {
			c.post(func() {
				if c.starting == req {
					c.failStart(req, fmt.Errorf("%w after %s", ErrStartTimeout, timeout))
				}
			})
		})
	}
	c.record(session, "session.connecting", nil)
	session.Open(c.ctx)
}

func (c *Controller) failStart(req *startRequest, err error) {
	c.starting = nil
	if req.timer != nil {
		req.timer.Stop()
	}
	if req.session != nil {
		req.session.Close()
	}
	c.log.Warn("start failed", slog.String("error", err.Error()))
	req.reply <- err
}

func (c *Controller) handleReady(s *transport.Session) {
	req := c.starting
	if req == nil || req.session != s {
		return
	}
	c.record(s, "session.streaming", nil)
	onEnd := func(err error) {
		c.post(func() { c.handleCaptureEnd(s, err) })
	}
	if err := c.opts.Capture.Start(func(f audio.Frame) { s.Send(f) }, onEnd); err != nil {
		var initErr *audio.InitError
		if errors.As(err, &initErr) {
			c.permission.Set(audio.PermissionDenied)
		}
		c.failStart(req, err)
		return
	}
	c.capturing = true
	c.starting = nil
	if req.timer != nil {
		req.timer.Stop()
	}
	c.recording.Set(Recording)
	c.log.Info("recording started", slog.String("session_id", s.ID()))
	req.reply <- nil
}

func (c *Controller) handleEvent(ev recognition.Event) {
	c.metrics.event(ev.Kind())
	if c.assembler.Apply(ev) {
		c.transcriptVal.Set(c.assembler.Snapshot())
	}
}

func (c *Controller) handleFailed(s *transport.Session, err error) {
	c.record(s, "session.failed", map[string]any{"error": err.Error()})
	if req := c.starting; req != nil && req.session == s {
		c.failStart(req, err)
		return
	}
	if c.session != s {
		return
	}
	c.log.Warn("recognition session lost", slog.String("error", err.Error()))
	c.stopCapture()
	c.recording.Set(NotRecording)
}

func (c *Controller) handleClosed(s *transport.Session) {
	stats := s.Stats()
	c.record(s, "session.closed", map[string]any{
		"frames_sent":    stats.Sent,
		"frames_dropped": stats.DroppedState + stats.DroppedFull,
	})
	if c.session != s {
		return
	}
	c.session = nil
	if c.recording.Get() == Recording {
		c.stopCapture()
		c.recording.Set(NotRecording)
	}
}

func (c *Controller) handleCaptureEnd(s *transport.Session, err error) {
	if c.session != s || c.recording.Get() != Recording {
		return
	}
	if errors.Is(err, audio.ErrCaptureEnded) {
		c.log.Info("capture ended, stopping")
	} else {
		c.log.Warn("capture failed, stopping", slog.String("error", err.Error()))
	}
	c.handleStop()
}

func (c *Controller) handleStop() {
	if c.recording.Get() != Recording {
		return
	}
	c.stopCapture()
	if c.session != nil {
		c.session.Close()
	}
	c.recording.Set(NotRecording)
	c.log.Info("recording stopped")
}

func (c *Controller) stopCapture() {
	if !c.capturing {
		return
	}
	c.capturing = false
	if err := c.opts.Capture.Stop(); err != nil {
		c.log.Warn("capture stop failed", slog.String("error", err.Error()))
	}
}

// record hands a lifecycle event to the timeline writer. The loop never
// waits on storage; when the writer falls behind the event is dropped.
func (c *Controller) record(s *transport.Session, kind string, attrs map[string]any) {
	if c.timeline == nil {
		return
	}
	select {
	case c.timeline <- timelineEntry{sessionID: s.ID(), kind: kind, attrs: attrs}:
	default:
		c.log.Warn("timeline writer behind, dropping event",
			slog.String("session_id", s.ID()),
			slog.String("kind", kind))
	}
}

func (c *Controller) writeTimeline() {
	defer c.writerWG.Done()
	for e := range c.timeline {
		c.opts.Timeline.Record(context.Background(), e.sessionID, e.kind, e.attrs)
	}
}

// transport.Handler; each callback hops onto the loop.

func (c *Controller) SessionReady(s *transport.Session) {
	c.post(func() { c.handleReady(s) })
}

func (c *Controller) SessionEvent(s *transport.Session, ev recognition.Event) {
	c.post(func() { c.handleEvent(ev) })
}

func (c *Controller) SessionFailed(s *transport.Session, err error) {
	c.post(func() { c.handleFailed(s, err) })
}

func (c *Controller) SessionClosed(s *transport.Session) {
	c.post(func() { c.handleClosed(s) })
}
