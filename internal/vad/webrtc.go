package vad

import (
	"fmt"

	webrtcvad "github.com/maxhawkins/go-webrtcvad"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/config"
)

// webRTC wraps the WebRTC voice activity detector. It requires 10/20/30 ms
// frames at 8/16/32/48 kHz, which matches the capture configuration the
// config package validates.
type webRTC struct {
	vad        *webrtcvad.VAD
	sampleRate int
}

func newWebRTC(cfg config.VADConfig, sampleRate int) (*webRTC, error) {
	v, err := webrtcvad.New()
	if err != nil {
		return nil, fmt.Errorf("create webrtc vad: %w", err)
	}

	mode := cfg.Sensitivity
	if mode < 0 {
		mode = 0
	}
	if mode > 3 {
		mode = 3
	}
	if err := v.SetMode(mode); err != nil {
		return nil, fmt.Errorf("set webrtc vad mode: %w", err)
	}

	switch sampleRate {
	case 8000, 16000, 32000, 48000:
	default:
		return nil, fmt.Errorf("webrtc vad: unsupported sample rate %d", sampleRate)
	}

	return &webRTC{vad: v, sampleRate: sampleRate}, nil
}

// Classify processes the frame in 10ms sub-frames and reports speech if any
// sub-frame is voiced.
func (w *webRTC) Classify(frame audio.Frame) (bool, error) {
	sub := w.sampleRate / 100
	samples := frame.PCM
	if len(samples) < sub {
		padded := make([]int16, sub)
		copy(padded, samples)
		samples = padded
	}
	for i := 0; i+sub <= len(samples); i += sub {
		active, err := w.vad.Process(w.sampleRate, audio.PCMBytes(samples[i:i+sub]))
		if err != nil {
			return false, fmt.Errorf("webrtc vad process: %w", err)
		}
		if active {
			return true, nil
		}
	}
	return false, nil
}

func (w *webRTC) Close() error { return nil }
