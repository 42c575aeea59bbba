package vad

import (
	"testing"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/config"
)

func frame(amplitude int16) audio.Frame {
	return audio.Tone(1, amplitude, 16000, 20, time.Now())
}

func TestEnergyClassifiesLoudAndQuiet(t *testing.T) {
	det := newEnergy(config.VADConfig{Threshold: 0.01})
	speech, err := det.Classify(frame(8000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !speech {
		t.Fatal("expected loud frame to classify as speech")
	}

	det = newEnergy(config.VADConfig{Threshold: 0.01})
	speech, err = det.Classify(frame(10))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if speech {
		t.Fatal("expected quiet frame to classify as silence")
	}
}

func TestEnergySmoothingCarriesAcrossFrames(t *testing.T) {
	det := newEnergy(config.VADConfig{Threshold: 0.05})
	for i := 0; i < 5; i++ {
		if _, err := det.Classify(frame(16000)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	// A single quiet frame right after sustained speech stays above the
	// threshold because of smoothing.
	speech, err := det.Classify(frame(0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !speech {
		t.Fatal("expected smoothed detector to hold speech for one quiet frame")
	}
}

func TestDisabledVADTreatsEverythingAsSpeech(t *testing.T) {
	det, err := New(config.VADConfig{Enabled: false}, 16000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	speech, err := det.Classify(frame(0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !speech {
		t.Fatal("expected pass-through detector to report speech")
	}
}
