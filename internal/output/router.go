// Package output delivers transcription results to their destinations.
// Delivery is fire-and-forget from the pipeline's point of view: a failing
// sink is logged and never stalls or aborts transcription.
package output

import (
	"log/slog"

	"github.com/loqalabs/loqa-dictate/internal/protocol"
)

// Sink receives result events. Implementations own their delivery
// semantics and error handling.
type Sink interface {
	Partial(res protocol.PartialResult) error
	Final(res protocol.FinalResult) error
	Name() string
}

// Router fans result events out to every configured sink.
type Router struct {
	sinks []Sink
	log   *slog.Logger
}

func NewRouter(log *slog.Logger, sinks ...Sink) *Router {
	return &Router{
		sinks: sinks,
		log:   log.With(slog.String("component", "output")),
	}
}

func (r *Router) Partial(res protocol.PartialResult) {
	for _, s := range r.sinks {
		if err := s.Partial(res); err != nil {
			r.log.Warn("partial result delivery failed",
				slog.String("sink", s.Name()),
				slog.String("error", err.Error()))
		}
	}
}

func (r *Router) Final(res protocol.FinalResult) {
	for _, s := range r.sinks {
		if err := s.Final(res); err != nil {
			r.log.Warn("final result delivery failed",
				slog.String("sink", s.Name()),
				slog.String("error", err.Error()))
		}
	}
}
