package model

import (
	"fmt"

	"github.com/loqalabs/loqa-dictate/internal/config"
)

// NewTranscriber selects the configured recognition backend. Backends are
// interchangeable behind the Transcriber capability; the choice is fixed
// at startup.
func NewTranscriber(cfg config.ModelConfig) (Transcriber, error) {
	switch cfg.Engine {
	case "whispercpp":
		return NewWhisperCPP(cfg), nil
	case "mock":
		return &MockTranscriber{}, nil
	default:
		return nil, fmt.Errorf("unknown model engine %q", cfg.Engine)
	}
}
