package model

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/config"
)

// WhisperCPP loads ggml whisper models through the whisper.cpp CGO
// bindings. The static library (libwhisper.a) and headers must be on the
// link path at build time.
type WhisperCPP struct {
	cfg config.ModelConfig
}

func NewWhisperCPP(cfg config.ModelConfig) *WhisperCPP {
	return &WhisperCPP{cfg: cfg}
}

// Load opens the model file for the requested variant. whisper.cpp decides
// GPU use at build time, so a cuda request on a CPU-only build fails here
// and lets the manager fall back to cpu.
func (w *WhisperCPP) Load(ctx context.Context, variant, device, precision string) (Engine, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := w.modelPath(variant)
	if path == "" {
		return nil, fmt.Errorf("no model file configured for variant %q", variant)
	}
	if device == "cuda" && !whisperGPUEnabled() {
		return nil, fmt.Errorf("whispercpp built without GPU support, cannot load on %s", device)
	}
	m, err := whisperlib.New(path)
	if err != nil {
		return nil, fmt.Errorf("load whisper model %q: %w", path, err)
	}
	return &whisperEngine{model: m, language: w.cfg.Language}, nil
}

// modelPath maps a variant to a ggml file. A configured explicit path wins;
// otherwise the variant is substituted into the conventional file name next
// to the configured model.
func (w *WhisperCPP) modelPath(variant string) string {
	if variant == w.cfg.Variant || w.cfg.Variant == "" {
		return w.cfg.Path
	}
	if idx := strings.LastIndex(w.cfg.Path, w.cfg.Variant); idx >= 0 {
		return w.cfg.Path[:idx] + variant + w.cfg.Path[idx+len(w.cfg.Variant):]
	}
	return w.cfg.Path
}

func whisperGPUEnabled() bool {
	// The go bindings expose no capability query; CUDA builds are opt-in
	// at link time and declared through configuration.
	return false
}

type whisperEngine struct {
	model    whisperlib.Model
	language string

	// whisper contexts are not safe for concurrent use; serialize Run.
	mu sync.Mutex
}

func (e *whisperEngine) Run(ctx context.Context, pcm []int16, priorContext string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	wctx, err := e.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("create whisper context: %w", err)
	}
	if e.language != "" && e.language != "auto" {
		if err := wctx.SetLanguage(e.language); err != nil {
			return "", fmt.Errorf("set language %q: %w", e.language, err)
		}
	}
	if priorContext != "" {
		// Earlier transcript text primes the decoder across utterance
		// boundaries, the same role the carried audio tail plays.
		wctx.SetInitialPrompt(priorContext)
	}

	if err := wctx.Process(audio.PCMFloat32(pcm), nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper process: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("read whisper segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}

func (e *whisperEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.model != nil {
		err := e.model.Close()
		e.model = nil
		return err
	}
	return nil
}
