// Package httpapi exposes dictation over HTTP: control endpoints, the
// transcript as JSON or a server-sent event stream, and health probes.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/dictation"
	"github.com/loqalabs/loqa-dictate/internal/eventstore"
)

// Controller is the dictation surface the API drives.
type Controller interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	ResetTranscript(ctx context.Context) error
	Committed(ctx context.Context) ([]string, error)
	Transcript() dictation.Observable[string]
	Recording() dictation.Observable[dictation.RecordingState]
	Permission() dictation.Observable[audio.Permission]
}

// Timeline reads the session history.
type Timeline interface {
	ListSessions(ctx context.Context, limit int) ([]eventstore.Session, error)
	ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]eventstore.Event, error)
}

type Options struct {
	Timeline Timeline
	Metrics  http.Handler
	Ready    func() bool
	Logger   *slog.Logger
}

type api struct {
	ctrl Controller
	opts Options
	log  *slog.Logger
}

type transcriptBody struct {
	Text      string   `json:"text"`
	Committed []string `json:"committed,omitempty"`
}

type recordingBody struct {
	Recording  bool   `json:"recording"`
	State      string `json:"state"`
	Permission string `json:"permission"`
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func NewRouter(ctrl Controller, opts Options) *chi.Mux {
	a := &api{ctrl: ctrl, opts: opts, log: opts.Logger.With(slog.String("component", "http"))}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(a.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", a.handleReady)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/transcript", a.handleTranscript)
		r.Delete("/transcript", a.handleResetTranscript)
		r.Get("/transcript/stream", a.handleStream)
		r.Get("/recording", a.handleRecording)
		r.Post("/recording/start", a.handleStart)
		r.Post("/recording/stop", a.handleStop)
		if opts.Timeline != nil {
			r.Get("/sessions", a.handleSessions)
			r.Get("/sessions/{sessionID}/events", a.handleSessionEvents)
		}
	})
	return r
}

func (a *api) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.log.Debug("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(start)),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (a *api) handleReady(w http.ResponseWriter, _ *http.Request) {
	if a.opts.Ready == nil || a.opts.Ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (a *api) handleTranscript(w http.ResponseWriter, r *http.Request) {
	committed, err := a.ctrl.Committed(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, transcriptBody{Text: a.ctrl.Transcript().Get(), Committed: committed})
}

func (a *api) handleResetTranscript(w http.ResponseWriter, r *http.Request) {
	if err := a.ctrl.ResetTranscript(r.Context()); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) recording() recordingBody {
	state := a.ctrl.Recording().Get()
	return recordingBody{
		Recording:  state == dictation.Recording,
		State:      state.String(),
		Permission: a.ctrl.Permission().Get().String(),
	}
}

func (a *api) handleRecording(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.recording())
}

func (a *api) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := a.ctrl.Start(r.Context()); err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.recording())
}

func (a *api) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := a.ctrl.Stop(r.Context()); err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.recording())
}

func (a *api) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := a.opts.Timeline.ListSessions(r.Context(), queryInt(r, "limit", 20))
	if err != nil {
		a.writeError(w, err)
		return
	}
	if sessions == nil {
		sessions = []eventstore.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (a *api) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	events, err := a.opts.Timeline.ListSessionEvents(r.Context(), id, queryInt(r, "limit", 100))
	if err != nil {
		a.writeError(w, err)
		return
	}
	type eventBody struct {
		Kind      string          `json:"kind"`
		Payload   json.RawMessage `json:"payload,omitempty"`
		CreatedAt time.Time       `json:"created_at"`
	}
	out := make([]eventBody, 0, len(events))
	for _, e := range events {
		out = append(out, eventBody{Kind: e.Kind, Payload: e.Payload, CreatedAt: e.CreatedAt})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleStream sends the transcript and recording state as server-sent
// events until the client disconnects.
func (a *api) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "streaming unsupported"})
		return
	}
	transcripts, cancelTranscripts := a.ctrl.Transcript().Subscribe(16)
	defer cancelTranscripts()
	recording, cancelRecording := a.ctrl.Recording().Subscribe(4)
	defer cancelRecording()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	send := func(event string, v any) bool {
		data, err := json.Marshal(v)
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	if !send("transcript", transcriptBody{Text: a.ctrl.Transcript().Get()}) || !send("recording", a.recording()) {
		return
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case text, ok := <-transcripts:
			if !ok || !send("transcript", transcriptBody{Text: text}) {
				return
			}
		case _, ok := <-recording:
			if !ok || !send("recording", a.recording()) {
				return
			}
		}
	}
}

func (a *api) writeError(w http.ResponseWriter, err error) {
	code := dictation.Code(err)
	status := http.StatusInternalServerError
	switch code {
	case "already_recording":
		status = http.StatusConflict
	case "permission_denied":
		status = http.StatusForbidden
	case "capture_init", "capture_stop":
		status = http.StatusServiceUnavailable
	case "connect", "transport":
		status = http.StatusBadGateway
	case "timeout":
		status = http.StatusGatewayTimeout
	case "closed", "cancelled":
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		a.log.Warn("request failed", slog.String("code", code), slog.String("error", err.Error()))
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Code: code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func queryInt(r *http.Request, key string, fallback int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}
