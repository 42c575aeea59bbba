package model

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// MockTranscriber is an in-memory Transcriber for tests and smoke runs.
// Scripted failures and load delays drive the manager's fallback and
// single-flight paths.
type MockTranscriber struct {
	LoadDelay   time.Duration
	FailDevices map[string]bool // devices whose loads fail
	RunText     string          // fixed text, or a length echo when empty
	RunErr      error
	RunDelay    time.Duration
	// RunFunc overrides the canned behavior entirely when set.
	RunFunc func(pcm []int16, priorContext string) (string, error)

	loads   atomic.Int64
	unloads atomic.Int64
	mu      sync.Mutex
	runs    []string // devices that served each run
}

func (m *MockTranscriber) Load(ctx context.Context, variant, device, precision string) (Engine, error) {
	if m.LoadDelay > 0 {
		select {
		case <-time.After(m.LoadDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.FailDevices[device] {
		return nil, fmt.Errorf("mock: device %s unavailable", device)
	}
	m.loads.Add(1)
	return &mockEngine{parent: m, device: device}, nil
}

// Loads reports how many engine loads succeeded.
func (m *MockTranscriber) Loads() int64 { return m.loads.Load() }

// Unloads reports how many engines were closed.
func (m *MockTranscriber) Unloads() int64 { return m.unloads.Load() }

// RunDevices lists the device that served each inference, in order.
func (m *MockTranscriber) RunDevices() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.runs))
	copy(out, m.runs)
	return out
}

type mockEngine struct {
	parent *MockTranscriber
	device string
	closed atomic.Bool
}

func (e *mockEngine) Run(ctx context.Context, pcm []int16, priorContext string) (string, error) {
	if e.closed.Load() {
		return "", fmt.Errorf("mock: engine closed")
	}
	if e.parent.RunFunc != nil {
		return e.parent.RunFunc(pcm, priorContext)
	}
	if e.parent.RunDelay > 0 {
		select {
		case <-time.After(e.parent.RunDelay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if e.parent.RunErr != nil {
		return "", e.parent.RunErr
	}
	e.parent.mu.Lock()
	e.parent.runs = append(e.parent.runs, e.device)
	e.parent.mu.Unlock()
	if e.parent.RunText != "" {
		return e.parent.RunText, nil
	}
	return fmt.Sprintf("[transcript samples=%d]", len(pcm)), nil
}

func (e *mockEngine) Close() error {
	if e.closed.CompareAndSwap(false, true) {
		e.parent.unloads.Add(1)
	}
	return nil
}
