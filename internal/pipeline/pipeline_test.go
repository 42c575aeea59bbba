package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/model"
	"github.com/loqalabs/loqa-dictate/internal/output"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Model.Engine = "mock"
	cfg.VAD.Enabled = true
	cfg.VAD.Engine = "energy"
	cfg.VAD.Threshold = 0.05
	cfg.VAD.HangoverMS = 100
	cfg.Segmenter.ContextMS = 0
	cfg.Segmenter.MinSpeechFrames = 3
	return cfg
}

// script builds alternating speech and silence runs of 20ms frames.
// Counts are frame counts; runs alternate loud, quiet, loud, quiet.
func script(counts ...int) []audio.Frame {
	var frames []audio.Frame
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	var seq uint64
	for i, n := range counts {
		amp := int16(8000)
		if i%2 == 1 {
			amp = 0
		}
		for j := 0; j < n; j++ {
			frames = append(frames, audio.Tone(seq, amp, 16000, 20, at))
			seq++
			at = at.Add(20 * time.Millisecond)
		}
	}
	return frames
}

func newTestPipeline(t *testing.T, cfg config.Config, trans *model.MockTranscriber, sources SourceFactory) (*Pipeline, *output.CaptureSink, *model.Manager) {
	t.Helper()
	log := testLogger()
	mgr := model.NewManager(cfg.Model, trans, log)
	sink := output.NewCaptureSink()
	router := output.NewRouter(log, sink)
	p := New(cfg, mgr, router, nil, sources, log)
	t.Cleanup(func() {
		p.Shutdown(context.Background())
		mgr.Shutdown(context.Background())
	})
	return p, sink, mgr
}

func waitFinals(t *testing.T, sink *output.CaptureSink, n int) []protocol.FinalResult {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if finals := sink.Finals(); len(finals) >= n {
			return finals
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d finals, have %d", n, len(sink.Finals()))
	return nil
}

func TestActivateDeactivateIdempotent(t *testing.T) {
	trans := &model.MockTranscriber{RunText: "hello"}
	sources := func() (audio.FrameSource, error) {
		return audio.NewScriptedSource(script(10, 15), nil), nil
	}
	p, sink, _ := newTestPipeline(t, testConfig(), trans, sources)

	ctx := context.Background()
	if err := p.Activate(ctx); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if err := p.Activate(ctx); err != nil {
		t.Fatalf("second activate: %v", err)
	}
	if got := p.State(); got != StateListening {
		t.Fatalf("expected listening, got %v", got)
	}

	finals := waitFinals(t, sink, 1)
	if finals[0].Text != "hello" || finals[0].UtteranceID != 1 {
		t.Fatalf("unexpected final %+v", finals[0])
	}
	if got := trans.Loads(); got != 1 {
		t.Fatalf("expected one model load, got %d", got)
	}

	if err := p.Deactivate(ctx); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if err := p.Deactivate(ctx); err != nil {
		t.Fatalf("second deactivate: %v", err)
	}
	if got := p.State(); got != StateIdle {
		t.Fatalf("expected idle, got %v", got)
	}
}

func TestOrderedEmission(t *testing.T) {
	// The first utterance carries more audio than the second. Its
	// transcription is delayed so the second finishes first; outputs must
	// still arrive in utterance order.
	trans := &model.MockTranscriber{
		RunFunc: func(pcm []int16, _ string) (string, error) {
			if len(pcm) > 5500 {
				time.Sleep(200 * time.Millisecond)
				return "first", nil
			}
			return "second", nil
		},
	}
	sources := func() (audio.FrameSource, error) {
		return audio.NewScriptedSource(script(10, 15, 4, 15), nil), nil
	}
	p, sink, _ := newTestPipeline(t, testConfig(), trans, sources)

	if err := p.Activate(context.Background()); err != nil {
		t.Fatalf("activate: %v", err)
	}
	finals := waitFinals(t, sink, 2)
	if finals[0].Text != "first" || finals[0].UtteranceID != 1 {
		t.Fatalf("first slot held %+v", finals[0])
	}
	if finals[1].Text != "second" || finals[1].UtteranceID != 2 {
		t.Fatalf("second slot held %+v", finals[1])
	}
}

func TestInferenceRetrySucceeds(t *testing.T) {
	var calls atomic.Int64
	trans := &model.MockTranscriber{
		RunFunc: func([]int16, string) (string, error) {
			if calls.Add(1) == 1 {
				return "", errors.New("decoder hiccup")
			}
			return "recovered", nil
		},
	}
	sources := func() (audio.FrameSource, error) {
		return audio.NewScriptedSource(script(10, 15), nil), nil
	}
	p, sink, _ := newTestPipeline(t, testConfig(), trans, sources)

	if err := p.Activate(context.Background()); err != nil {
		t.Fatalf("activate: %v", err)
	}
	finals := waitFinals(t, sink, 1)
	if finals[0].Text != "recovered" {
		t.Fatalf("unexpected final %+v", finals[0])
	}
	if got := p.Dropped(); got != 0 {
		t.Fatalf("expected no drops, got %d", got)
	}
	if got := p.Retried(); got != 1 {
		t.Fatalf("expected one retry, got %d", got)
	}
}

func TestInferenceDropsAfterSecondFailure(t *testing.T) {
	trans := &model.MockTranscriber{
		RunFunc: func([]int16, string) (string, error) {
			return "", errors.New("decoder wedged")
		},
	}
	sources := func() (audio.FrameSource, error) {
		return audio.NewScriptedSource(script(10, 15), nil), nil
	}
	p, sink, _ := newTestPipeline(t, testConfig(), trans, sources)

	ctx := context.Background()
	if err := p.Activate(ctx); err != nil {
		t.Fatalf("activate: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for p.Dropped() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := p.Dropped(); got != 1 {
		t.Fatalf("expected 1 dropped utterance, got %d", got)
	}
	if err := p.Deactivate(ctx); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if got := len(sink.Finals()); got != 0 {
		t.Fatalf("dropped utterance must not emit, got %d finals", got)
	}
}

func TestDeviceLossTerminatesSession(t *testing.T) {
	trans := &model.MockTranscriber{RunText: "salvaged"}
	sources := func() (audio.FrameSource, error) {
		return audio.NewScriptedSource(script(6), audio.ErrDeviceLost), nil
	}
	p, sink, _ := newTestPipeline(t, testConfig(), trans, sources)

	var events []protocol.SessionEvent
	done := make(chan protocol.SessionEvent, 8)
	p.SetNotify(func(evt protocol.SessionEvent) { done <- evt })

	if err := p.Activate(context.Background()); err != nil {
		t.Fatalf("activate: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case evt := <-done:
			events = append(events, evt)
		case <-deadline:
			t.Fatalf("session did not return to idle, events %+v", events)
		}
		if len(events) > 0 && events[len(events)-1].State == "idle" {
			break
		}
	}
	last := events[len(events)-1]
	if last.Reason != "device_lost" {
		t.Fatalf("expected device_lost reason, got %+v", last)
	}
	if got := p.State(); got != StateIdle {
		t.Fatalf("expected idle after device loss, got %v", got)
	}
	// Buffered speech still reaches inference through the flush.
	finals := waitFinals(t, sink, 1)
	if finals[0].Text != "salvaged" {
		t.Fatalf("unexpected final %+v", finals[0])
	}

	// The pipeline itself survives; a new activation opens a new session.
	if err := p.Activate(context.Background()); err != nil {
		t.Fatalf("reactivate after device loss: %v", err)
	}
}

func TestDeactivateFlushesOpenUtterance(t *testing.T) {
	trans := &model.MockTranscriber{RunText: "tail words"}
	sources := func() (audio.FrameSource, error) {
		return audio.NewScriptedSource(script(8), nil), nil
	}
	p, sink, _ := newTestPipeline(t, testConfig(), trans, sources)

	ctx := context.Background()
	if err := p.Activate(ctx); err != nil {
		t.Fatalf("activate: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if err := p.Deactivate(ctx); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	finals := sink.Finals()
	if len(finals) != 1 {
		t.Fatalf("expected flushed utterance, got %d finals", len(finals))
	}
	if finals[0].Text != "tail words" {
		t.Fatalf("unexpected final %+v", finals[0])
	}
}

func TestContinuationEmitsPartialsThenFinal(t *testing.T) {
	cfg := testConfig()
	cfg.Segmenter.MaxDurationS = 0.2 // force-split every 10 frames
	trans := &model.MockTranscriber{
		RunFunc: func(pcm []int16, _ string) (string, error) {
			// A force-closed piece is exactly 10 frames; the terminal
			// piece also carries trailing silence up to the hangover.
			if len(pcm) == 320*10 {
				return "piece", nil
			}
			return "tail", nil
		},
	}
	sources := func() (audio.FrameSource, error) {
		return audio.NewScriptedSource(script(25, 15), nil), nil
	}
	p, sink, _ := newTestPipeline(t, cfg, trans, sources)

	if err := p.Activate(context.Background()); err != nil {
		t.Fatalf("activate: %v", err)
	}
	finals := waitFinals(t, sink, 1)
	if len(finals) != 1 {
		t.Fatalf("a split monologue must produce one final, got %d", len(finals))
	}
	if finals[0].Text != "piece piece tail" {
		t.Fatalf("unexpected joined final %q", finals[0].Text)
	}
	partials := sink.Partials()
	if len(partials) != 2 {
		t.Fatalf("expected a partial per force-closed piece, got %d", len(partials))
	}
	if partials[1].Text != "piece piece" {
		t.Fatalf("unexpected accumulated partial %q", partials[1].Text)
	}
}

func TestActivateReturnsBeforeModelLoads(t *testing.T) {
	trans := &model.MockTranscriber{RunText: "hello", LoadDelay: 400 * time.Millisecond}
	sources := func() (audio.FrameSource, error) {
		return audio.NewScriptedSource(script(10, 15), nil), nil
	}
	p, sink, _ := newTestPipeline(t, testConfig(), trans, sources)

	start := time.Now()
	if err := p.Activate(context.Background()); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if took := time.Since(start); took > 200*time.Millisecond {
		t.Fatalf("activate waited on the model load: %v", took)
	}
	if got := p.State(); got != StateListening {
		t.Fatalf("expected listening while the model loads, got %v", got)
	}

	// Speech captured while the model was still loading is transcribed
	// once it comes up.
	finals := waitFinals(t, sink, 1)
	if finals[0].Text != "hello" {
		t.Fatalf("unexpected final %+v", finals[0])
	}
	if got := trans.Loads(); got != 1 {
		t.Fatalf("expected one model load, got %d", got)
	}
}

func TestModelLoadFailureKeepsSessionAlive(t *testing.T) {
	trans := &model.MockTranscriber{
		FailDevices: map[string]bool{"cuda": true, "cpu": true},
	}
	sources := func() (audio.FrameSource, error) {
		return audio.NewScriptedSource(script(10, 15), nil), nil
	}
	p, sink, _ := newTestPipeline(t, testConfig(), trans, sources)

	ctx := context.Background()
	if err := p.Activate(ctx); err != nil {
		t.Fatalf("activate must not fail on a broken model: %v", err)
	}
	if got := p.State(); got != StateListening {
		t.Fatalf("expected listening, got %v", got)
	}

	deadline := time.Now().Add(3 * time.Second)
	for p.Dropped() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := p.Dropped(); got != 1 {
		t.Fatalf("expected the utterance dropped, got %d", got)
	}
	if got := p.State(); got != StateListening {
		t.Fatalf("session must survive the load failure, got %v", got)
	}
	if err := p.Deactivate(ctx); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if got := len(sink.Finals()); got != 0 {
		t.Fatalf("expected no finals, got %d", got)
	}
}

func TestSplitMonologueShortTailStillProducesFinal(t *testing.T) {
	cfg := testConfig()
	cfg.Segmenter.MaxDurationS = 0.2
	cfg.Segmenter.MinSpeechFrames = 8
	cfg.VAD.HangoverMS = 120
	trans := &model.MockTranscriber{
		RunFunc: func(pcm []int16, _ string) (string, error) {
			if len(pcm) == 320*10 {
				return "start", nil
			}
			return "rest", nil
		},
	}
	sources := func() (audio.FrameSource, error) {
		return audio.NewScriptedSource(script(11, 15), nil), nil
	}
	p, sink, _ := newTestPipeline(t, cfg, trans, sources)

	if err := p.Activate(context.Background()); err != nil {
		t.Fatalf("activate: %v", err)
	}
	// The continuation after the forced split carries little speech of its
	// own; the chain must still terminate with the accumulated text.
	finals := waitFinals(t, sink, 1)
	if finals[0].Text != "start rest" {
		t.Fatalf("unexpected final %q", finals[0].Text)
	}
	if finals[0].UtteranceID != 2 {
		t.Fatalf("final must carry the terminal piece id, got %d", finals[0].UtteranceID)
	}
	partials := sink.Partials()
	if len(partials) != 1 || partials[0].Text != "start" {
		t.Fatalf("unexpected partials %+v", partials)
	}
}
