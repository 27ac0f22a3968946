// Package transport owns the streaming connection to the recognition
// service: handshake, outbound audio, inbound results and teardown.
package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/recognition"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	keepAliveMessage   = []byte(`{"type":"KeepAlive"}`)
	closeStreamMessage = []byte(`{"type":"CloseStream"}`)
)

const controlWriteTimeout = time.Second

// Handler receives session callbacks. All callbacks run on session
// goroutines, never on the caller of Open, Send or Close. SessionReady
// happens before any SessionEvent, and SessionClosed is always last.
type Handler interface {
	SessionReady(s *Session)
	SessionEvent(s *Session, ev recognition.Event)
	SessionFailed(s *Session, err error)
	SessionClosed(s *Session)
}

// Stats are the frame counters of one session.
type Stats struct {
	Sent         int64
	DroppedState int64
	DroppedFull  int64
}

// Session is a single-shot streaming connection. Once Closed it cannot be
// reopened.
type Session struct {
	id      string
	opts    Options
	dialer  Dialer
	handler Handler
	log     *slog.Logger
	metrics *Metrics
	tracer  trace.Tracer

	mu             sync.Mutex
	state          State
	out            chan audio.Frame
	stopping       chan struct{}
	closeRequested bool
	cancel         context.CancelFunc
	span           trace.Span

	done chan struct{}

	sent         atomic.Int64
	droppedState atomic.Int64
	droppedFull  atomic.Int64
}

func NewSession(opts Options, dialer Dialer, handler Handler, metrics *Metrics, logger *slog.Logger) *Session {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 1
	}
	id := uuid.NewString()
	return &Session{
		id:       id,
		opts:     opts,
		dialer:   dialer,
		handler:  handler,
		log:      logger.With(slog.String("component", "transport"), slog.String("session_id", id)),
		metrics:  metrics,
		tracer:   otel.Tracer("github.com/loqalabs/loqa-dictate/transport"),
		out:      make(chan audio.Frame, opts.SendBuffer),
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the session reaches Closed.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Stats() Stats {
	return Stats{
		Sent:         s.sent.Load(),
		DroppedState: s.droppedState.Load(),
		DroppedFull:  s.droppedFull.Load(),
	}
}

// Open starts connecting. It returns immediately; the outcome is reported
// through the Handler. Calling Open twice is a no-op.
func (s *Session) Open(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Idle {
		return
	}
	ctx, s.span = s.tracer.Start(ctx, "transport.session", trace.WithAttributes(attribute.String("session.id", s.id)))
	ctx, s.cancel = context.WithCancel(ctx)
	s.setStateLocked(Connecting)
	go s.run(ctx)
}

// Send offers a frame for transmission. It never blocks. Frames offered
// outside Streaming, or while the send buffer is full, are dropped and
// false is returned.
func (s *Session) Send(frame audio.Frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Streaming {
		s.droppedState.Add(1)
		s.metrics.frameDropped(DropNotStreaming)
		return false
	}
	select {
	case s.out <- frame:
		return true
	default:
		s.droppedFull.Add(1)
		s.metrics.frameDropped(DropBufferFull)
		return false
	}
}

// Close asks the session to end. From Streaming the buffered audio is
// flushed and the service is given close_timeout to deliver trailing
// results. From Connecting the handshake is abandoned.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case Idle:
		s.setStateLocked(Closed)
		close(s.done)
		go s.handler.SessionClosed(s)
	case Connecting:
		s.closeRequested = true
		s.cancel()
	case Streaming:
		s.setStateLocked(Stopping)
		close(s.stopping)
	}
}

func (s *Session) setStateLocked(to State) {
	from := s.state
	s.state = to
	if s.span != nil {
		s.span.AddEvent("state", trace.WithAttributes(
			attribute.String("from", from.String()),
			attribute.String("to", to.String()),
		))
	}
	s.log.Debug("session state", slog.String("from", from.String()), slog.String("to", to.String()))
}

func (s *Session) run(ctx context.Context) {
	conn, err := s.dialer.Dial(ctx, s.opts.URL, s.opts.Header)

	s.mu.Lock()
	abandoned := s.closeRequested
	if err == nil && !abandoned {
		s.setStateLocked(Streaming)
	}
	s.mu.Unlock()

	if err != nil {
		if abandoned {
			s.finish(nil, "cancelled")
			return
		}
		var cerr *ConnectError
		if !errors.As(err, &cerr) {
			err = &ConnectError{URL: redact(s.opts.URL), Err: err}
		}
		s.fail(err)
		s.finish(err, "connect_error")
		return
	}
	if abandoned {
		_ = conn.Close()
		s.finish(nil, "cancelled")
		return
	}

	s.log.Info("session streaming")
	s.handler.SessionReady(s)

	readerDone := make(chan error, 1)
	go s.readLoop(conn, readerDone)

	readerFinished, failure := s.writeLoop(ctx, conn, readerDone)
	_ = conn.Close()
	if !readerFinished {
		<-readerDone
	}

	if failure != nil {
		s.finish(failure, "transport_error")
		return
	}
	s.finish(nil, "closed")
}

// fail moves the session to Failed so that Send stops accepting frames.
func (s *Session) fail(err error) {
	s.mu.Lock()
	s.setStateLocked(Failed)
	s.mu.Unlock()
	if s.span != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	}
	s.log.Warn("session failed", slog.String("error", err.Error()))
}

func (s *Session) finish(failure error, outcome string) {
	if failure != nil {
		s.handler.SessionFailed(s, failure)
	}
	stats := s.Stats()
	s.mu.Lock()
	s.setStateLocked(Closed)
	span := s.span
	s.mu.Unlock()
	s.cancel()

	if span != nil {
		span.SetAttributes(
			attribute.Int64("frames.sent", stats.Sent),
			attribute.Int64("frames.dropped", stats.DroppedState+stats.DroppedFull),
		)
		span.End()
	}
	s.metrics.sessionEnded(outcome)
	s.log.Info("session closed",
		slog.String("outcome", outcome),
		slog.Int64("frames_sent", stats.Sent),
		slog.Int64("frames_dropped", stats.DroppedState+stats.DroppedFull),
	)
	close(s.done)
	s.handler.SessionClosed(s)
}

func (s *Session) readLoop(conn Conn, done chan<- error) {
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			done <- err
			return
		}
		var ev recognition.Event
		if kind == websocket.TextMessage {
			ev = recognition.Decode(data)
		} else {
			ev = recognition.DecodeBinary(data)
		}
		if m, ok := ev.(recognition.Malformed); ok {
			if m.Err.Control() {
				s.log.Debug("ignoring control message", slog.String("type", m.Err.Type))
			} else {
				s.log.Warn("malformed recognition message", slog.String("error", m.Err.Error()))
			}
		}
		s.handler.SessionEvent(s, ev)
	}
}

// writeLoop is the only writer on conn. It reports whether readerDone was
// consumed, and a non-nil error when the connection was lost while streaming.
func (s *Session) writeLoop(ctx context.Context, conn Conn, readerDone <-chan error) (bool, error) {
	var keepAlive <-chan time.Time
	if s.opts.KeepAliveInterval > 0 {
		ticker := time.NewTicker(s.opts.KeepAliveInterval)
		defer ticker.Stop()
		keepAlive = ticker.C
	}
	lastWrite := time.Now()

	for {
		select {
		case frame := <-s.out:
			if err := s.writeFrame(conn, frame); err != nil {
				return false, s.lost(err)
			}
			lastWrite = time.Now()
		case <-keepAlive:
			if time.Since(lastWrite) < s.opts.KeepAliveInterval {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, keepAliveMessage); err != nil {
				return false, s.lost(err)
			}
			lastWrite = time.Now()
		case err := <-readerDone:
			if s.State() == Stopping {
				return true, nil
			}
			return true, s.lost(err)
		case <-s.stopping:
			return s.drainAndClose(conn, readerDone), nil
		case <-ctx.Done():
			return false, nil
		}
	}
}

func (s *Session) writeFrame(conn Conn, frame audio.Frame) error {
	if err := conn.WriteMessage(websocket.BinaryMessage, frame.PCM()); err != nil {
		return err
	}
	s.sent.Add(1)
	s.metrics.frameSent()
	return nil
}

func (s *Session) lost(err error) error {
	terr := &TransportError{Err: err}
	s.fail(terr)
	return terr
}

// drainAndClose flushes accepted frames, tells the service no more audio is
// coming and waits for it to hang up. It reports whether readerDone was
// consumed.
func (s *Session) drainAndClose(conn Conn, readerDone <-chan error) bool {
	for flushing := true; flushing; {
		select {
		case frame := <-s.out:
			if err := s.writeFrame(conn, frame); err != nil {
				s.log.Debug("flush interrupted", slog.String("error", err.Error()))
				return false
			}
		default:
			flushing = false
		}
	}
	if err := conn.WriteMessage(websocket.TextMessage, closeStreamMessage); err != nil {
		s.log.Debug("close stream write failed", slog.String("error", err.Error()))
		return false
	}

	timer := time.NewTimer(s.opts.CloseTimeout)
	defer timer.Stop()
	select {
	case <-readerDone:
		// The service finished and hung up on its own.
		return true
	case <-timer.C:
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(controlWriteTimeout)); err != nil {
		s.log.Debug("close frame write failed", slog.String("error", err.Error()))
	}
	return false
}
