// Package vad classifies audio frames as speech or silence. The detection
// algorithm is pluggable; the segmenter owns hangover and utterance
// boundary decisions on top of the per-frame classification.
package vad

import (
	"fmt"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/config"
)

// Detector classifies a single frame. Implementations may keep short
// memory (smoothing) but must not be stateful across sessions in a way
// that changes boundary semantics.
type Detector interface {
	Classify(frame audio.Frame) (speech bool, err error)
	Close() error
}

// New builds the configured detector. With VAD disabled every frame is
// treated as speech and the segmenter falls back to fixed windows.
func New(cfg config.VADConfig, sampleRate int) (Detector, error) {
	if !cfg.Enabled {
		return passthrough{}, nil
	}
	switch cfg.Engine {
	case "webrtc":
		return newWebRTC(cfg, sampleRate)
	case "energy":
		return newEnergy(cfg), nil
	default:
		return nil, fmt.Errorf("unknown vad engine %q", cfg.Engine)
	}
}

type passthrough struct{}

func (passthrough) Classify(audio.Frame) (bool, error) { return true, nil }
func (passthrough) Close() error                       { return nil }
