package transport

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	DropNotStreaming = "not_streaming"
	DropBufferFull   = "buffer_full"
)

// Metrics holds the session instruments. A nil *Metrics records nothing.
type Metrics struct {
	framesSent    metric.Int64Counter
	framesDropped metric.Int64Counter
	sessions      metric.Int64Counter
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	sent, err := meter.Int64Counter("loqa.dictation.frames.sent", metric.WithDescription("Audio frames written to the recognition connection"))
	if err != nil {
		return nil, err
	}
	dropped, err := meter.Int64Counter("loqa.dictation.frames.dropped", metric.WithDescription("Audio frames discarded before reaching the wire"))
	if err != nil {
		return nil, err
	}
	sessions, err := meter.Int64Counter("loqa.dictation.sessions", metric.WithDescription("Transport sessions by outcome"))
	if err != nil {
		return nil, err
	}
	return &Metrics{framesSent: sent, framesDropped: dropped, sessions: sessions}, nil
}

func (m *Metrics) frameSent() {
	if m == nil {
		return
	}
	m.framesSent.Add(context.Background(), 1)
}

func (m *Metrics) frameDropped(reason string) {
	if m == nil {
		return
	}
	m.framesDropped.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) sessionEnded(outcome string) {
	if m == nil {
		return
	}
	m.sessions.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
