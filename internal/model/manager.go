package model

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
)

// State is the lifecycle state of one (variant, device preference) engine.
type State int

const (
	StateUnloaded State = iota
	StateLoading
	StateReady
	StateUnloading
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateUnloading:
		return "unloading"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Handle is a reference-counted lease on a loaded engine. Callers must pair
// every Acquire with exactly one Release.
type Handle struct {
	Variant   string
	Device    string
	Precision string
	LoadedAt  time.Time

	entry    *entry
	released bool
	mu       sync.Mutex
}

type entry struct {
	variant string
	pref    string

	state          State
	engine         Engine
	device         string
	refs           int
	loadedAt       time.Time
	lastUsed       time.Time
	loadDone       chan struct{}
	loadErr        error
	unloadDone     chan struct{}
	timer          *time.Timer
	timerGen       uint64
	deferredUnload bool
}

// Manager owns lazy loading, idle-timeout eviction, and device fallback of
// inference engines. All state transitions happen under one mutex; the
// idle timer and the reference count share it, so a timeout fire can never
// race a concurrent Acquire into unloading a live engine.
type Manager struct {
	cfg         config.ModelConfig
	transcriber Transcriber
	log         *slog.Logger

	unloadTimeout time.Duration // 0 = never unload
	loadTimeout   time.Duration
	clock         func() time.Time
	notify        func(protocol.ModelEvent)

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

func NewManager(cfg config.ModelConfig, transcriber Transcriber, log *slog.Logger) *Manager {
	return &Manager{
		cfg:           cfg,
		transcriber:   transcriber,
		log:           log.With(slog.String("component", "model")),
		unloadTimeout: time.Duration(cfg.UnloadTimeoutS) * time.Second,
		loadTimeout:   time.Duration(cfg.LoadTimeoutS) * time.Second,
		clock:         time.Now,
		entries:       make(map[string]*entry),
	}
}

// SetNotify installs a fire-and-forget sink for model lifecycle events.
// Must be set before the first Acquire.
func (m *Manager) SetNotify(fn func(protocol.ModelEvent)) {
	m.notify = fn
}

func entryKey(variant, devicePref string) string {
	return variant + "|" + devicePref
}

// fallbackDevices expands a device preference into the ordered list of
// devices tried during load.
func fallbackDevices(pref string) []string {
	switch pref {
	case "auto", "cuda":
		return []string{"cuda", "cpu"}
	case "cpu":
		return []string{"cpu"}
	default:
		return []string{pref}
	}
}

// Acquire returns a Ready handle for the requested variant, loading the
// engine if necessary. Concurrent acquires for the same (variant, device
// preference) share a single in-flight load. Acquire blocks until the
// engine is Ready, the load fails on every fallback device, or the load
// timeout elapses.
func (m *Manager) Acquire(ctx context.Context, variant, devicePref string) (*Handle, error) {
	key := entryKey(variant, devicePref)
	timeout := time.NewTimer(m.loadTimeout)
	defer timeout.Stop()
	waited := false

	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrShutdown
		}
		e := m.entries[key]
		if e == nil {
			e = &entry{variant: variant, pref: devicePref, state: StateUnloaded}
			m.entries[key] = e
		}

		switch e.state {
		case StateReady:
			e.refs++
			e.deferredUnload = false
			m.stopTimerLocked(e)
			h := &Handle{
				Variant:   variant,
				Device:    e.device,
				Precision: m.cfg.Precision,
				LoadedAt:  e.loadedAt,
				entry:     e,
			}
			m.mu.Unlock()
			return h, nil

		case StateFailed:
			if waited {
				err := e.loadErr
				m.mu.Unlock()
				return nil, fmt.Errorf("%w: %v", ErrLoadFailed, err)
			}
			fallthrough

		case StateUnloaded:
			e.state = StateLoading
			e.loadErr = nil
			e.loadDone = make(chan struct{})
			done := e.loadDone
			m.mu.Unlock()
			go m.load(e)
			if err := m.await(ctx, done, timeout.C); err != nil {
				return nil, err
			}
			waited = true

		case StateLoading:
			done := e.loadDone
			m.mu.Unlock()
			if err := m.await(ctx, done, timeout.C); err != nil {
				return nil, err
			}
			waited = true

		case StateUnloading:
			done := e.unloadDone
			m.mu.Unlock()
			if err := m.await(ctx, done, timeout.C); err != nil {
				return nil, err
			}
		}
	}
}

func (m *Manager) await(ctx context.Context, done <-chan struct{}, timeout <-chan time.Time) error {
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timeout:
		return ErrLoadTimeout
	}
}

// load runs off the caller goroutine and tries each fallback device in
// order. The entry stays Loading until the first success or the last
// failure.
func (m *Manager) load(e *entry) {
	// The load timeout bounds the caller's wait in Acquire, not the load
	// itself: a load that outlives its waiter still completes and arms the
	// idle timer, so the investment is not thrown away.
	lctx := context.Background()

	var lastErr error
	for _, dev := range fallbackDevices(e.pref) {
		m.event(e.variant, dev, "loading", nil)
		start := m.clock()
		engine, err := m.transcriber.Load(lctx, e.variant, dev, m.cfg.Precision)
		if err != nil {
			lastErr = err
			m.log.Warn("model load failed on device",
				slog.String("variant", e.variant),
				slog.String("device", dev),
				slog.String("error", err.Error()))
			continue
		}

		m.mu.Lock()
		if m.closed {
			close(e.loadDone)
			e.state = StateUnloaded
			m.mu.Unlock()
			_ = engine.Close()
			return
		}
		e.state = StateReady
		e.engine = engine
		e.device = dev
		e.loadedAt = m.clock()
		e.lastUsed = e.loadedAt
		e.deferredUnload = false
		m.armTimerLocked(e)
		close(e.loadDone)
		m.mu.Unlock()

		m.log.Info("model loaded",
			slog.String("variant", e.variant),
			slog.String("device", dev),
			slog.Duration("took", m.clock().Sub(start)))
		m.event(e.variant, dev, "ready", nil)
		return
	}

	m.mu.Lock()
	e.state = StateFailed
	e.loadErr = lastErr
	close(e.loadDone)
	m.mu.Unlock()

	m.log.Error("model load exhausted device fallback list",
		slog.String("variant", e.variant),
		slog.String("device_pref", e.pref),
		slog.String("error", fmt.Sprint(lastErr)))
	m.event(e.variant, e.pref, "failed", lastErr)
}

// Release returns a handle. When the count reaches zero a deferred unload
// fires immediately, otherwise the idle timer restarts.
func (m *Manager) Release(h *Handle) {
	if h == nil {
		return
	}
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return
	}
	h.released = true
	h.mu.Unlock()

	m.mu.Lock()
	e := h.entry
	if e.state != StateReady {
		m.mu.Unlock()
		return
	}
	e.refs--
	e.lastUsed = m.clock()
	if e.refs == 0 {
		if e.deferredUnload {
			m.unloadLocked(e)
			return // unloadLocked released the mutex
		}
		m.armTimerLocked(e)
	}
	m.mu.Unlock()
}

// Infer runs the engine on one utterance. Failures are wrapped as
// ErrInference and never retried here; the retry policy belongs to the
// pipeline.
func (m *Manager) Infer(ctx context.Context, h *Handle, pcm []int16, priorContext string) (string, error) {
	m.mu.Lock()
	e := h.entry
	if e.state != StateReady || e.engine == nil {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: engine not ready", ErrInference)
	}
	engine := e.engine
	m.mu.Unlock()

	text, err := engine.Run(ctx, pcm, priorContext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInference, err)
	}

	m.mu.Lock()
	e.lastUsed = m.clock()
	m.mu.Unlock()
	return text, nil
}

// Snapshot reports the state and reference count for one entry, for health
// reporting and tests.
func (m *Manager) Snapshot(variant, devicePref string) (State, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[entryKey(variant, devicePref)]
	if e == nil {
		return StateUnloaded, 0
	}
	return e.state, e.refs
}

func (m *Manager) stopTimerLocked(e *entry) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.timerGen++
}

func (m *Manager) armTimerLocked(e *entry) {
	m.stopTimerLocked(e)
	if m.unloadTimeout <= 0 {
		return
	}
	gen := e.timerGen
	e.timer = time.AfterFunc(m.unloadTimeout, func() {
		m.idleFire(e, gen)
	})
}

// idleFire handles an idle-timeout expiry. A stale generation means the
// timer lost a race with an Acquire or shutdown and must do nothing.
func (m *Manager) idleFire(e *entry, gen uint64) {
	m.mu.Lock()
	if m.closed || e.timerGen != gen || e.state != StateReady {
		m.mu.Unlock()
		return
	}
	if e.refs > 0 {
		e.deferredUnload = true
		m.mu.Unlock()
		m.log.Debug("idle unload deferred, inference in flight",
			slog.String("variant", e.variant))
		return
	}
	m.unloadLocked(e)
}

// unloadLocked transitions Ready -> Unloading -> Unloaded. It is entered
// holding the mutex and releases it; closing the engine happens unlocked
// because unload may be slow.
func (m *Manager) unloadLocked(e *entry) {
	e.state = StateUnloading
	e.unloadDone = make(chan struct{})
	e.deferredUnload = false
	m.stopTimerLocked(e)
	engine := e.engine
	e.engine = nil
	device := e.device
	m.mu.Unlock()

	if engine != nil {
		if err := engine.Close(); err != nil {
			m.log.Warn("engine close failed", slog.String("error", err.Error()))
		}
	}

	m.mu.Lock()
	e.state = StateUnloaded
	close(e.unloadDone)
	m.mu.Unlock()

	m.log.Info("model unloaded after idle timeout",
		slog.String("variant", e.variant),
		slog.String("device", device))
	m.event(e.variant, device, "unloaded", nil)
}

// Shutdown force-releases every engine, waiting up to the context deadline
// for in-flight inferences to drain before closing engines anyway.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	var entries []*entry
	for _, e := range m.entries {
		m.stopTimerLocked(e)
		entries = append(entries, e)
	}
	m.mu.Unlock()

	for _, e := range entries {
		m.drainAndClose(ctx, e)
	}
}

func (m *Manager) drainAndClose(ctx context.Context, e *entry) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		m.mu.Lock()
		if e.state != StateReady && e.state != StateLoading {
			m.mu.Unlock()
			return
		}
		if e.state == StateReady && e.refs == 0 {
			engine := e.engine
			e.engine = nil
			e.state = StateUnloaded
			m.mu.Unlock()
			if engine != nil {
				_ = engine.Close()
			}
			m.event(e.variant, e.device, "unloaded", nil)
			return
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			// Grace period exhausted; release resources regardless.
			m.mu.Lock()
			engine := e.engine
			e.engine = nil
			e.state = StateUnloaded
			m.mu.Unlock()
			if engine != nil {
				_ = engine.Close()
			}
			m.log.Warn("forced engine release at shutdown",
				slog.String("variant", e.variant))
			return
		case <-ticker.C:
		}
	}
}

func (m *Manager) event(variant, device, state string, err error) {
	if m.notify == nil {
		return
	}
	evt := protocol.ModelEvent{
		Variant:   variant,
		Device:    device,
		State:     state,
		Timestamp: m.clock().UTC(),
	}
	if err != nil {
		evt.Error = err.Error()
	}
	m.notify(evt)
}
