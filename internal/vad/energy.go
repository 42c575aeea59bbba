package vad

import (
	"math"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/config"
)

// energy is a normalized-RMS threshold detector with light smoothing.
// It needs no native dependency, which makes it the engine of choice for
// tests and for platforms without the WebRTC library.
type energy struct {
	threshold float64
	smoothing float64
	last      float64
	primed    bool
}

func newEnergy(cfg config.VADConfig) *energy {
	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = 0.01
	}
	return &energy{threshold: threshold, smoothing: 0.3}
}

func (e *energy) Classify(frame audio.Frame) (bool, error) {
	if len(frame.PCM) == 0 {
		return false, nil
	}
	var sum float64
	for _, s := range frame.PCM {
		v := float64(s) / 32768
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(len(frame.PCM)))

	if e.primed {
		rms = e.smoothing*rms + (1-e.smoothing)*e.last
	}
	e.last = rms
	e.primed = true

	return rms >= e.threshold, nil
}

func (e *energy) Close() error { return nil }
