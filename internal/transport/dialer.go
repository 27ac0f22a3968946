package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-dictate/internal/config"
)

// Conn is the subset of *websocket.Conn a Session uses.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// Dialer opens the streaming connection.
type Dialer interface {
	Dial(ctx context.Context, endpoint string, header http.Header) (Conn, error)
}

// WebsocketDialer dials with gorilla/websocket.
type WebsocketDialer struct {
	HandshakeTimeout time.Duration
}

func (d WebsocketDialer) Dial(ctx context.Context, endpoint string, header http.Header) (Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		cerr := &ConnectError{URL: redact(endpoint), Err: err}
		if resp != nil {
			cerr.Status = resp.StatusCode
			resp.Body.Close()
		}
		return nil, cerr
	}
	return conn, nil
}

// Options configure a Session.
type Options struct {
	URL               string
	Header            http.Header
	SendBuffer        int
	KeepAliveInterval time.Duration
	CloseTimeout      time.Duration
}

// OptionsFromConfig builds the handshake URL and headers. The fixed format
// parameters always override anything in cfg.Params.
func OptionsFromConfig(cfg config.RecognitionConfig) (Options, error) {
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return Options{}, fmt.Errorf("parse recognition endpoint: %w", err)
	}
	q := u.Query()
	keys := make([]string, 0, len(cfg.Params))
	for k := range cfg.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		q.Set(k, cfg.Params[k])
	}
	if cfg.Model != "" {
		q.Set("model", cfg.Model)
	}
	if cfg.Language != "" {
		q.Set("language", cfg.Language)
	}
	if cfg.InterimResults {
		q.Set("interim_results", "true")
	}
	q.Set("encoding", cfg.Encoding)
	q.Set("sample_rate", strconv.Itoa(cfg.SampleRate))
	q.Set("channels", strconv.Itoa(cfg.Channels))
	u.RawQuery = q.Encode()

	header := http.Header{}
	if cfg.APIKey != "" {
		scheme := strings.TrimSpace(cfg.AuthScheme)
		if scheme == "" {
			header.Set("Authorization", cfg.APIKey)
		} else {
			header.Set("Authorization", scheme+" "+cfg.APIKey)
		}
	}
	header.Set("Content-Type", "audio/x-raw")

	return Options{
		URL:               u.String(),
		Header:            header,
		SendBuffer:        cfg.SendBuffer,
		KeepAliveInterval: time.Duration(cfg.KeepAliveInterval) * time.Millisecond,
		CloseTimeout:      time.Duration(cfg.CloseTimeout) * time.Millisecond,
	}, nil
}

// redact drops credentials some providers accept in the query string.
func redact(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return endpoint
	}
	u.User = nil
	q := u.Query()
	for _, k := range []string{"token", "api_key", "key"} {
		if q.Has(k) {
			q.Set(k, "redacted")
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}
