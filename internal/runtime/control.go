package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/pipeline"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
)

// controlService bridges the bus to the pipeline. External hotkey adapters
// and overlay UIs publish on the control subjects; session and model state
// changes are broadcast back out.
type controlService struct {
	bus  *bus.Client
	pipe *pipeline.Pipeline
	log  *slog.Logger
	subs []*nats.Subscription
}

func newControlService(busClient *bus.Client, pipe *pipeline.Pipeline, log *slog.Logger) *controlService {
	return &controlService{
		bus:  busClient,
		pipe: pipe,
		log:  log.With(slog.String("component", "control")),
	}
}

func (c *controlService) Start() error {
	activate, err := c.bus.Conn().Subscribe(protocol.SubjectControlActivate, func(*nats.Msg) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := c.pipe.Activate(ctx); err != nil {
			c.log.Error("activation failed", slog.String("error", err.Error()))
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe activate: %w", err)
	}
	c.subs = append(c.subs, activate)

	deactivate, err := c.bus.Conn().Subscribe(protocol.SubjectControlDeactivate, func(*nats.Msg) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := c.pipe.Deactivate(ctx); err != nil {
			c.log.Error("deactivation failed", slog.String("error", err.Error()))
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe deactivate: %w", err)
	}
	c.subs = append(c.subs, deactivate)

	return nil
}

func (c *controlService) Close() {
	for _, sub := range c.subs {
		_ = sub.Drain()
	}
	c.subs = nil
}

func (c *controlService) publishSessionEvent(evt protocol.SessionEvent) {
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	if err := c.bus.Conn().Publish(protocol.SubjectSessionState, data); err != nil {
		c.log.Warn("publish session event failed", slog.String("error", err.Error()))
	}
}

func (c *controlService) publishModelEvent(evt protocol.ModelEvent) {
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	if err := c.bus.Conn().Publish(protocol.SubjectModelState, data); err != nil {
		c.log.Warn("publish model event failed", slog.String("error", err.Error()))
	}
}
