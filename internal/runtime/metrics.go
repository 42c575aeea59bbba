package runtime

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// metrics holds the daemon's OTel instruments. Session and model counters
// are bumped from lifecycle callbacks; drop counts are observed from the
// pipeline and capture ring on scrape.
type metrics struct {
	sessionTransitions metric.Int64Counter
	modelLoads         metric.Int64Counter
	modelUnloads       metric.Int64Counter
	inferenceDuration  metric.Float64Histogram
}

func newMetrics(dropped func() uint64, ringDropped func() uint64) (*metrics, error) {
	meter := otel.Meter("loqa-dictate")

	sessionTransitions, err := meter.Int64Counter("dictate.session.transitions",
		metric.WithDescription("Session state transitions by target state"))
	if err != nil {
		return nil, err
	}
	modelLoads, err := meter.Int64Counter("dictate.model.loads",
		metric.WithDescription("Model engine loads by device"))
	if err != nil {
		return nil, err
	}
	modelUnloads, err := meter.Int64Counter("dictate.model.unloads",
		metric.WithDescription("Model engine unloads"))
	if err != nil {
		return nil, err
	}
	inferenceDuration, err := meter.Float64Histogram("dictate.inference.duration",
		metric.WithDescription("Wall time per utterance inference"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableCounter("dictate.utterances.dropped",
		metric.WithDescription("Utterances discarded after repeated inference failure"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(dropped()))
			return nil
		}))
	if err != nil {
		return nil, err
	}
	_, err = meter.Int64ObservableCounter("dictate.frames.dropped",
		metric.WithDescription("Capture frames evicted from the ring buffer"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(ringDropped()))
			return nil
		}))
	if err != nil {
		return nil, err
	}

	return &metrics{
		sessionTransitions: sessionTransitions,
		modelLoads:         modelLoads,
		modelUnloads:       modelUnloads,
		inferenceDuration:  inferenceDuration,
	}, nil
}

func (m *metrics) sessionTransition(state string) {
	m.sessionTransitions.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("state", state)))
}

func (m *metrics) modelTransition(state, device string) {
	switch state {
	case "ready":
		m.modelLoads.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("device", device)))
	case "unloaded":
		m.modelUnloads.Add(context.Background(), 1)
	}
}

func (m *metrics) observeInference(d time.Duration) {
	m.inferenceDuration.Record(context.Background(), d.Seconds())
}
