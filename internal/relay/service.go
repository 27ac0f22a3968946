// Package relay mirrors dictation state onto the NATS bus and accepts
// start/stop requests from other processes.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/dictation"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
	"github.com/nats-io/nats.go"
)

const controlTimeout = 15 * time.Second

// Controller is the part of dictation.Controller the relay drives.
type Controller interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Transcript() dictation.Observable[string]
	Recording() dictation.Observable[dictation.RecordingState]
}

type Service struct {
	bus    *bus.Client
	ctrl   Controller
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	subs   []*nats.Subscription
	wg     sync.WaitGroup
	mu     sync.Mutex
	ready  bool
}

func NewService(parent context.Context, busClient *bus.Client, ctrl Controller, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		bus:    busClient,
		ctrl:   ctrl,
		log:    logger.With(slog.String("component", "relay")),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *Service) Start() error {
	conn := s.bus.Conn()
	startSub, err := conn.Subscribe(protocol.SubjectControlStart, s.handleStart)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", protocol.SubjectControlStart, err)
	}
	s.subs = append(s.subs, startSub)
	stopSub, err := conn.Subscribe(protocol.SubjectControlStop, s.handleStop)
	if err != nil {
		_ = startSub.Unsubscribe()
		return fmt.Errorf("subscribe %s: %w", protocol.SubjectControlStop, err)
	}
	s.subs = append(s.subs, stopSub)
	if err := conn.Flush(); err != nil {
		return fmt.Errorf("flush subscriptions: %w", err)
	}

	transcripts, cancelTranscripts := s.ctrl.Transcript().Subscribe(16)
	recording, cancelRecording := s.ctrl.Recording().Subscribe(4)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancelTranscripts()
		defer cancelRecording()
		s.forward(transcripts, recording)
	}()

	s.mu.Lock()
	s.ready = true
	s.mu.Unlock()
	s.log.Info("relay started")
	return nil
}

func (s *Service) Close() {
	s.cancel()
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready && s.bus.Healthy()
}

func (s *Service) forward(transcripts <-chan string, recording <-chan dictation.RecordingState) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case text, ok := <-transcripts:
			if !ok {
				return
			}
			s.publish(protocol.SubjectTranscript, protocol.TranscriptUpdate{Text: text, Timestamp: time.Now().UTC()})
		case state, ok := <-recording:
			if !ok {
				return
			}
			s.publish(protocol.SubjectRecording, protocol.RecordingUpdate{
				Recording: state == dictation.Recording,
				State:     state.String(),
				Timestamp: time.Now().UTC(),
			})
		}
	}
}

func (s *Service) publish(subject string, v any) {
	if err := s.bus.PublishJSON(subject, v); err != nil {
		s.log.Warn("publish failed", slog.String("subject", subject), slog.String("error", err.Error()))
	}
}

func (s *Service) handleStart(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(s.ctx, controlTimeout)
	defer cancel()
	s.reply(msg, s.ctrl.Start(ctx))
}

func (s *Service) handleStop(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(s.ctx, controlTimeout)
	defer cancel()
	s.reply(msg, s.ctrl.Stop(ctx))
}

func (s *Service) reply(msg *nats.Msg, err error) {
	out := protocol.ControlReply{
		OK:        err == nil,
		Recording: s.ctrl.Recording().Get() == dictation.Recording,
	}
	if err != nil {
		out.Code = dictation.Code(err)
		out.Error = err.Error()
	}
	if msg.Reply == "" {
		return
	}
	data, mErr := json.Marshal(out)
	if mErr != nil {
		s.log.Warn("encode control reply", slog.String("error", mErr.Error()))
		return
	}
	if rErr := msg.Respond(data); rErr != nil {
		s.log.Warn("control reply failed", slog.String("error", rErr.Error()))
	}
}
