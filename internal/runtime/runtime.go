// Package runtime assembles the dictation daemon: telemetry, the message
// bus, the model manager, the pipeline, and the HTTP health surface.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/history"
	"github.com/loqalabs/loqa-dictate/internal/model"
	"github.com/loqalabs/loqa-dictate/internal/natsserver"
	"github.com/loqalabs/loqa-dictate/internal/output"
	"github.com/loqalabs/loqa-dictate/internal/pipeline"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
)

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger
	bus    *bus.Client
	ready  atomic.Bool
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings every service up, blocks until ctx is cancelled, then tears
// them down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("start embedded bus: %w", err)
	}
	defer embedded.Shutdown()

	busClient, err := bus.Connect(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	defer busClient.Close()
	r.bus = busClient

	hist, err := history.Open(ctx, r.cfg.History, r.logger)
	if err != nil {
		return fmt.Errorf("open history store: %w", err)
	}
	defer hist.Close()

	transcriber, err := model.NewTranscriber(r.cfg.Model)
	if err != nil {
		return fmt.Errorf("init transcriber: %w", err)
	}
	manager := model.NewManager(r.cfg.Model, transcriber, r.logger)

	capture, err := audio.NewCapture(r.cfg.Audio, r.logger)
	if err != nil {
		return fmt.Errorf("init audio capture: %w", err)
	}
	defer capture.Close()

	router := output.Build(r.cfg.Output, busClient, r.logger)
	pipe := pipeline.New(r.cfg, manager, router, hist,
		func() (audio.FrameSource, error) { return capture, nil }, r.logger)

	meters, err := newMetrics(pipe.Dropped, capture.Dropped)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	ctrl := newControlService(busClient, pipe, r.logger)
	manager.SetNotify(func(evt protocol.ModelEvent) {
		meters.modelTransition(evt.State, evt.Device)
		ctrl.publishModelEvent(evt)
	})
	pipe.SetNotify(func(evt protocol.SessionEvent) {
		meters.sessionTransition(evt.State)
		ctrl.publishSessionEvent(evt)
	})
	pipe.SetInferenceObserver(meters.observeInference)
	if err := ctrl.Start(); err != nil {
		return fmt.Errorf("start control service: %w", err)
	}
	defer ctrl.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		return httpServer.Shutdown(shutdownCtx)
	})

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	err = group.Wait()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	if stopErr := pipe.Shutdown(shutdownCtx); stopErr != nil {
		r.logger.Error("pipeline shutdown error", slog.String("error", stopErr.Error()))
	}
	manager.Shutdown(shutdownCtx)

	if shutdownTelemetry != nil {
		if telErr := shutdownTelemetry(shutdownCtx); telErr != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", telErr.Error()))
		}
	}

	return err
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.bus.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
