package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/dictation"
	"github.com/loqalabs/loqa-dictate/internal/eventstore"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeController struct {
	mu         sync.Mutex
	startErr   error
	committed  []string
	transcript *dictation.Value[string]
	recording  *dictation.Value[dictation.RecordingState]
	permission *dictation.Value[audio.Permission]
}

func newFakeController() *fakeController {
	return &fakeController{
		transcript: dictation.NewValue(""),
		recording:  dictation.NewValue(dictation.NotRecording),
		permission: dictation.NewValue(audio.PermissionUnknown),
	}
}

func (f *fakeController) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	if f.recording.Get() == dictation.Recording {
		return dictation.ErrAlreadyRecording
	}
	f.permission.Set(audio.PermissionGranted)
	f.recording.Set(dictation.Recording)
	return nil
}

func (f *fakeController) Stop(context.Context) error {
	f.recording.Set(dictation.NotRecording)
	return nil
}

func (f *fakeController) ResetTranscript(context.Context) error {
	f.mu.Lock()
	f.committed = nil
	f.mu.Unlock()
	f.transcript.Set("")
	return nil
}

func (f *fakeController) Committed(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.committed...), nil
}

func (f *fakeController) Transcript() dictation.Observable[string] { return f.transcript }

func (f *fakeController) Recording() dictation.Observable[dictation.RecordingState] {
	return f.recording
}

func (f *fakeController) Permission() dictation.Observable[audio.Permission] { return f.permission }

func newServer(t *testing.T, ctrl Controller, opts Options) *httptest.Server {
	t.Helper()
	opts.Logger = newLogger()
	srv := httptest.NewServer(NewRouter(ctrl, opts))
	t.Cleanup(srv.Close)
	return srv
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestHealthAndReady(t *testing.T) {
	var ready atomic.Bool
	srv := newServer(t, newFakeController(), Options{Ready: ready.Load})

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: %v %v", resp, err)
	}
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/readyz")
	if err != nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("readyz before ready: %v %v", resp, err)
	}
	resp.Body.Close()

	ready.Store(true)
	resp, err = http.Get(srv.URL + "/readyz")
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("readyz after ready: %v %v", resp, err)
	}
	resp.Body.Close()
}

func TestStartStopRecording(t *testing.T) {
	srv := newServer(t, newFakeController(), Options{})

	resp, err := http.Post(srv.URL+"/v1/recording/start", "application/json", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start status %d", resp.StatusCode)
	}
	body := decode[recordingBody](t, resp)
	if !body.Recording || body.Permission != "granted" {
		t.Fatalf("unexpected body %+v", body)
	}

	resp, err = http.Post(srv.URL+"/v1/recording/start", "application/json", nil)
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
	if e := decode[errorBody](t, resp); e.Code != "already_recording" {
		t.Fatalf("unexpected error body %+v", e)
	}

	resp, err = http.Post(srv.URL+"/v1/recording/stop", "application/json", nil)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if body := decode[recordingBody](t, resp); body.Recording {
		t.Fatal("still recording after stop")
	}
}

func TestStartPermissionDenied(t *testing.T) {
	ctrl := newFakeController()
	ctrl.startErr = dictation.ErrPermissionDenied
	srv := newServer(t, ctrl, Options{})
	resp, err := http.Post(srv.URL+"/v1/recording/start", "application/json", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
}

func TestTranscriptAndReset(t *testing.T) {
	ctrl := newFakeController()
	ctrl.committed = []string{"hello world"}
	ctrl.transcript.Set("hello world and")
	srv := newServer(t, ctrl, Options{})

	resp, err := http.Get(srv.URL + "/v1/transcript")
	if err != nil {
		t.Fatalf("get transcript: %v", err)
	}
	body := decode[transcriptBody](t, resp)
	if body.Text != "hello world and" || len(body.Committed) != 1 {
		t.Fatalf("unexpected transcript %+v", body)
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/v1/transcript", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete transcript: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	if ctrl.transcript.Get() != "" {
		t.Fatal("transcript not reset")
	}
}

func TestTranscriptStream(t *testing.T) {
	ctrl := newFakeController()
	ctrl.transcript.Set("first")
	srv := newServer(t, ctrl, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/transcript/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	next := func() (string, string) {
		t.Helper()
		var event, data string
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				t.Fatalf("read stream: %v", err)
			}
			line = strings.TrimRight(line, "\n")
			switch {
			case strings.HasPrefix(line, "event: "):
				event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data = strings.TrimPrefix(line, "data: ")
			case line == "":
				return event, data
			}
		}
	}

	if event, data := next(); event != "transcript" || !strings.Contains(data, `"first"`) {
		t.Fatalf("unexpected initial event %s %s", event, data)
	}
	if event, _ := next(); event != "recording" {
		t.Fatalf("expected recording event, got %s", event)
	}

	ctrl.transcript.Set("first second")
	if event, data := next(); event != "transcript" || !strings.Contains(data, "first second") {
		t.Fatalf("unexpected update %s %s", event, data)
	}
}

func TestSessionsEndpoints(t *testing.T) {
	store, err := eventstore.Open(context.Background(), config.EventStoreConfig{
		Path:          filepath.Join(t.TempDir(), "events.db"),
		RetentionMode: "session",
	}, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	store.Record(context.Background(), "s-1", "session.connecting", nil)
	store.Record(context.Background(), "s-1", "session.closed", map[string]any{"frames_sent": int64(4)})

	srv := newServer(t, newFakeController(), Options{Timeline: store})

	resp, err := http.Get(srv.URL + "/v1/sessions")
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	sessions := decode[[]eventstore.Session](t, resp)
	if len(sessions) != 1 || sessions[0].ID != "s-1" || sessions[0].FramesSent != 4 {
		t.Fatalf("unexpected sessions %+v", sessions)
	}

	resp, err = http.Get(srv.URL + "/v1/sessions/s-1/events")
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	events := decode[[]map[string]any](t, resp)
	if len(events) != 2 || events[0]["kind"] != "session.connecting" {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestMetricsMounted(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("# metrics"))
	})
	srv := newServer(t, newFakeController(), Options{Metrics: metrics})
	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if string(data) != "# metrics" {
		t.Fatalf("unexpected metrics body %q", data)
	}
}
