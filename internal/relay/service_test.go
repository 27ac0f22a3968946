package relay

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/dictation"
	"github.com/loqalabs/loqa-dictate/internal/natsserver"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeController struct {
	mu         sync.Mutex
	startErr   error
	starts     int
	stops      int
	transcript *dictation.Value[string]
	recording  *dictation.Value[dictation.RecordingState]
}

func newFakeController() *fakeController {
	return &fakeController{
		transcript: dictation.NewValue(""),
		recording:  dictation.NewValue(dictation.NotRecording),
	}
}

func (f *fakeController) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if f.startErr != nil {
		return f.startErr
	}
	f.recording.Set(dictation.Recording)
	return nil
}

func (f *fakeController) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.recording.Set(dictation.NotRecording)
	return nil
}

func (f *fakeController) Transcript() dictation.Observable[string] { return f.transcript }

func (f *fakeController) Recording() dictation.Observable[dictation.RecordingState] {
	return f.recording
}

func startRelay(t *testing.T, ctrl Controller) *bus.Client {
	t.Helper()
	logger := newLogger()
	ns, err := natsserver.Start(config.BusConfig{Enabled: true, Embedded: true, Port: -1}, logger)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(ns.Shutdown)

	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{ns.ClientURL()}, ConnectTimeout: 2000}, "relay-test", logger)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	svc := NewService(context.Background(), client, ctrl, logger)
	if err := svc.Start(); err != nil {
		t.Fatalf("start relay: %v", err)
	}
	t.Cleanup(svc.Close)
	if !svc.Healthy() {
		t.Fatal("relay not healthy after start")
	}
	return client
}

func request(t *testing.T, client *bus.Client, subject string) protocol.ControlReply {
	t.Helper()
	msg, err := client.Conn().Request(subject, nil, 2*time.Second)
	if err != nil {
		t.Fatalf("request %s: %v", subject, err)
	}
	var reply protocol.ControlReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	return reply
}

func TestControlStartStop(t *testing.T) {
	ctrl := newFakeController()
	client := startRelay(t, ctrl)

	reply := request(t, client, protocol.SubjectControlStart)
	if !reply.OK || !reply.Recording {
		t.Fatalf("unexpected start reply %+v", reply)
	}
	reply = request(t, client, protocol.SubjectControlStop)
	if !reply.OK || reply.Recording {
		t.Fatalf("unexpected stop reply %+v", reply)
	}
}

func TestControlStartError(t *testing.T) {
	ctrl := newFakeController()
	ctrl.startErr = dictation.ErrAlreadyRecording
	client := startRelay(t, ctrl)

	reply := request(t, client, protocol.SubjectControlStart)
	if reply.OK || reply.Code != "already_recording" {
		t.Fatalf("unexpected reply %+v", reply)
	}
}

func TestTranscriptPublished(t *testing.T) {
	ctrl := newFakeController()
	client := startRelay(t, ctrl)

	updates := make(chan *nats.Msg, 8)
	sub, err := client.Conn().ChanSubscribe(protocol.SubjectTranscript, updates)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	ctrl.transcript.Set("hello world")
	select {
	case msg := <-updates:
		var update protocol.TranscriptUpdate
		if err := json.Unmarshal(msg.Data, &update); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if update.Text != "hello world" {
			t.Fatalf("unexpected text %q", update.Text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no transcript update published")
	}
}

func TestRecordingPublished(t *testing.T) {
	ctrl := newFakeController()
	client := startRelay(t, ctrl)

	updates := make(chan *nats.Msg, 8)
	sub, err := client.Conn().ChanSubscribe(protocol.SubjectRecording, updates)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	ctrl.recording.Set(dictation.Recording)
	select {
	case msg := <-updates:
		var update protocol.RecordingUpdate
		if err := json.Unmarshal(msg.Data, &update); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if !update.Recording || update.State != "recording" {
			t.Fatalf("unexpected update %+v", update)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no recording update published")
	}
}
