// Package model owns the speech-recognition engine: the capability
// interface it is loaded through, and the lifecycle manager that lazily
// loads it, shares it across sessions, and unloads it when idle.
package model

import (
	"context"
	"errors"
)

var (
	// ErrLoadFailed is returned when every device in the fallback list
	// rejected the load.
	ErrLoadFailed = errors.New("model: load failed on all devices")
	// ErrLoadTimeout is returned when an acquire waited longer than the
	// configured load timeout.
	ErrLoadTimeout = errors.New("model: load timed out")
	// ErrInference wraps per-utterance engine failures.
	ErrInference = errors.New("model: inference failed")
	// ErrShutdown is returned for acquires after the manager shut down.
	ErrShutdown = errors.New("model: manager is shut down")
)

// Engine is a loaded inference instance bound to one device.
type Engine interface {
	// Run decodes the PCM buffer. priorContext carries the tail text of
	// the preceding utterance for decoding continuity; engines may ignore it.
	Run(ctx context.Context, pcm []int16, priorContext string) (string, error)
	Close() error
}

// Transcriber is the black-box speech-recognition capability. The core
// depends only on this contract, never on a concrete model implementation.
type Transcriber interface {
	Load(ctx context.Context, variant, device, precision string) (Engine, error)
}
