package dictation

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type instruments struct {
	events metric.Int64Counter
}

func (c *Controller) initMetrics(meter metric.Meter) error {
	if meter == nil {
		return nil
	}
	events, err := meter.Int64Counter("loqa.dictation.events", metric.WithDescription("Recognition events applied to the transcript"))
	if err != nil {
		return err
	}
	gauge, err := meter.Int64ObservableGauge("loqa.dictation.recording", metric.WithDescription("1 while dictation is recording"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		var v int64
		if c.recording.Get() == Recording {
			v = 1
		}
		obs.ObserveInt64(gauge, v)
		return nil
	}, gauge)
	if err != nil {
		return err
	}
	c.metrics = &instruments{events: events}
	return nil
}

func (m *instruments) event(kind string) {
	if m == nil {
		return
	}
	m.events.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", kind)))
}
