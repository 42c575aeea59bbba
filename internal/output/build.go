package output

import (
	"log/slog"

	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/config"
)

// Build assembles the router for the configured output mode. The
// active_window mode has no local sink; results reach the injection
// adapter over the bus, so it forces bus publishing on.
func Build(cfg config.OutputConfig, client *bus.Client, log *slog.Logger) *Router {
	var sinks []Sink
	switch cfg.Mode {
	case "clipboard":
		sinks = append(sinks, ClipboardSink{})
	case "file":
		sinks = append(sinks, NewFileSink(cfg.FilePath))
	}
	if cfg.PublishBus || cfg.Mode == "active_window" {
		if client != nil {
			sinks = append(sinks, NewBusSink(client))
		}
	}
	return NewRouter(log, sinks...)
}
