package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/recognition"
)

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.Default().Recognition
	cfg.APIKey = "secret"
	cfg.Model = "nova-2"
	cfg.Language = "en-US"
	cfg.Params = map[string]string{"punctuate": "true", "encoding": "opus"}

	opts, err := OptionsFromConfig(cfg)
	if err != nil {
		t.Fatalf("options: %v", err)
	}
	u, err := url.Parse(opts.URL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	q := u.Query()
	want := map[string]string{
		"encoding":        "linear16",
		"sample_rate":     "16000",
		"channels":        "1",
		"model":           "nova-2",
		"language":        "en-US",
		"interim_results": "true",
		"punctuate":       "true",
	}
	for k, v := range want {
		if got := q.Get(k); got != v {
			t.Fatalf("query %s: expected %q, got %q", k, v, got)
		}
	}
	if u.Host != "api.deepgram.com" || u.Path != "/v1/listen" {
		t.Fatalf("unexpected endpoint %s", opts.URL)
	}
	if got := opts.Header.Get("Authorization"); got != "Token secret" {
		t.Fatalf("unexpected authorization header %q", got)
	}
	if got := opts.Header.Get("Content-Type"); got != "audio/x-raw" {
		t.Fatalf("unexpected content type %q", got)
	}
	if opts.SendBuffer != cfg.SendBuffer || opts.CloseTimeout.Milliseconds() != int64(cfg.CloseTimeout) {
		t.Fatalf("unexpected buffer/timeout %+v", opts)
	}
}

func TestOptionsWithoutKey(t *testing.T) {
	opts, err := OptionsFromConfig(config.Default().Recognition)
	if err != nil {
		t.Fatalf("options: %v", err)
	}
	if opts.Header.Get("Authorization") != "" {
		t.Fatal("authorization header set without a key")
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/listen"
}

// fakeRecognizer answers every binary frame with a partial and, on
// CloseStream, a final followed by a normal close.
func fakeRecognizer(t *testing.T, frames *atomic.Int64) http.Handler {
	upgrader := websocket.Upgrader{}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Token secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if r.URL.Query().Get("encoding") != "linear16" {
			http.Error(w, "bad encoding", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			switch {
			case kind == websocket.BinaryMessage:
				frames.Add(1)
				_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"is_final":false,"channel":{"alternatives":[{"transcript":"hel"}]}}`))
			case string(data) == `{"type":"CloseStream"}`:
				_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Metadata","request_id":"x"}`))
				_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"is_final":true,"channel":{"alternatives":[{"transcript":"hello world"}]}}`))
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
		}
	})
}

func TestWebsocketSessionEndToEnd(t *testing.T) {
	var frames atomic.Int64
	srv := httptest.NewServer(fakeRecognizer(t, &frames))
	defer srv.Close()

	cfg := config.Default().Recognition
	cfg.Endpoint = wsURL(srv)
	cfg.APIKey = "secret"
	opts, err := OptionsFromConfig(cfg)
	if err != nil {
		t.Fatalf("options: %v", err)
	}

	rec := newRecorder()
	s := NewSession(opts, WebsocketDialer{}, rec, nil, newLogger())
	s.Open(context.Background())
	wait(t, rec.ready, "ready")
	for i := uint64(1); i <= 3; i++ {
		s.Send(frame(i))
	}
	eventually(t, "frames at server", func() bool { return frames.Load() == 3 })
	s.Close()
	wait(t, rec.closed, "closed")

	if len(rec.failures()) != 0 {
		t.Fatalf("unexpected failures %v", rec.failures())
	}
	events := rec.eventsSnapshot()
	last := events[len(events)-1]
	if f, ok := last.(recognition.Final); !ok || f.Text != "hello world" {
		t.Fatalf("expected trailing Final, got %#v", last)
	}
}

func TestWebsocketDialerRejected(t *testing.T) {
	var frames atomic.Int64
	srv := httptest.NewServer(fakeRecognizer(t, &frames))
	defer srv.Close()

	_, err := WebsocketDialer{}.Dial(context.Background(), wsURL(srv)+"?encoding=linear16", http.Header{})
	var cerr *ConnectError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected ConnectError, got %v", err)
	}
	if cerr.Status != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", cerr.Status)
	}
}

func TestRedact(t *testing.T) {
	got := redact("wss://user:pw@host/listen?token=abc&model=x")
	if strings.Contains(got, "abc") || strings.Contains(got, "pw") {
		t.Fatalf("credentials leaked in %s", got)
	}
}
