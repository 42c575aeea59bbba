package segment

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/config"
)

const (
	testRate    = 16000
	testFrameMS = 20
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testCfg() config.SegmenterConfig {
	cfg := config.Default().Segmenter
	return cfg
}

// feed pushes count frames of the given amplitude, advancing the clock by
// one frame duration each time, and collects any closed utterances.
func feed(a *Assembler, start time.Time, seq *uint64, count int, speech bool) ([]*Utterance, time.Time) {
	var closed []*Utterance
	at := start
	for i := 0; i < count; i++ {
		*seq++
		amp := int16(8000)
		if !speech {
			amp = 0
		}
		f := audio.Tone(*seq, amp, testRate, testFrameMS, at)
		if u := a.Process(f, speech); u != nil {
			closed = append(closed, u)
		}
		at = at.Add(f.Duration())
	}
	return closed, at
}

func TestHangoverBoundary(t *testing.T) {
	// 400ms hangover at 20ms frames: 19 silence frames (380ms) must not
	// close the utterance, the 20th (400ms) must.
	a := NewAssembler(testCfg(), 400, testRate, true, newLogger())
	start := time.Unix(0, 0)
	var seq uint64

	closed, at := feed(a, start, &seq, 10, true)
	if len(closed) != 0 {
		t.Fatalf("utterance closed during speech")
	}
	closed, at = feed(a, at, &seq, 19, false)
	if len(closed) != 0 {
		t.Fatal("utterance closed before hangover elapsed")
	}
	closed, _ = feed(a, at, &seq, 1, false)
	if len(closed) != 1 {
		t.Fatalf("expected close at exact hangover threshold, got %d", len(closed))
	}
	u := closed[0]
	// Trailing hangover silence stays attached to the utterance.
	if got, want := len(u.Frames), 10+20; got != want {
		t.Fatalf("expected %d frames including hangover, got %d", want, got)
	}
}

func TestSpeechResumeDuringHangoverKeepsUtteranceOpen(t *testing.T) {
	a := NewAssembler(testCfg(), 400, testRate, true, newLogger())
	start := time.Unix(0, 0)
	var seq uint64

	_, at := feed(a, start, &seq, 10, true)
	closed, at := feed(a, at, &seq, 15, false) // 300ms silence, below hangover
	if len(closed) != 0 {
		t.Fatal("utterance closed below hangover")
	}
	closed, at = feed(a, at, &seq, 10, true)
	if len(closed) != 0 {
		t.Fatal("utterance closed on resumed speech")
	}
	closed, _ = feed(a, at, &seq, 20, false)
	if len(closed) != 1 {
		t.Fatalf("expected one utterance, got %d", len(closed))
	}
	if got, want := len(closed[0].Frames), 10+15+10+20; got != want {
		t.Fatalf("expected %d frames, got %d", want, got)
	}
}

func TestForceCloseAtMaxDurationProducesContinuation(t *testing.T) {
	cfg := testCfg()
	cfg.MaxDurationS = 30
	cfg.ContextMS = 200
	a := NewAssembler(cfg, 400, testRate, true, newLogger())
	start := time.Unix(0, 0)
	var seq uint64

	// 35 seconds of continuous speech: 1750 frames of 20ms.
	closed, at := feed(a, start, &seq, 1750, true)
	if len(closed) != 1 {
		t.Fatalf("expected one force-closed utterance, got %d", len(closed))
	}
	first := closed[0]
	if first.Duration() != 30*time.Second {
		t.Fatalf("expected 30s first utterance, got %v", first.Duration())
	}
	if first.Continued {
		t.Fatal("first utterance must not be marked continued")
	}

	second := a.Flush(at)
	if second == nil {
		t.Fatal("expected flushed continuation utterance")
	}
	if !second.Continued {
		t.Fatal("continuation must be marked continued")
	}
	if second.Duration() != 5*time.Second {
		t.Fatalf("expected 5s continuation, got %v", second.Duration())
	}
	wantCtx := testRate / 5 // 200ms of samples
	if len(second.Context) != wantCtx {
		t.Fatalf("expected %d context samples, got %d", wantCtx, len(second.Context))
	}
	if second.ID != first.ID+1 {
		t.Fatalf("expected sequential ids, got %d then %d", first.ID, second.ID)
	}
}

func TestUngatedFixedWindows(t *testing.T) {
	cfg := testCfg()
	cfg.WindowDurationS = 5
	cfg.WindowOverlapS = 1
	a := NewAssembler(cfg, 400, testRate, false, newLogger())
	start := time.Unix(0, 0)
	var seq uint64

	// 11 seconds of audio, all treated as speech in ungated mode.
	closed, at := feed(a, start, &seq, 550, false)
	if len(closed) != 2 {
		t.Fatalf("expected two 5s windows, got %d", len(closed))
	}
	for i, u := range closed {
		if u.Duration() != 5*time.Second {
			t.Fatalf("window %d duration %v", i, u.Duration())
		}
	}
	if closed[0].Continued {
		t.Fatal("first window must not be continued")
	}
	if !closed[1].Continued {
		t.Fatal("second window must be continued")
	}
	if len(closed[1].Context) != testRate {
		t.Fatalf("expected 1s overlap context, got %d samples", len(closed[1].Context))
	}

	rest := a.Flush(at)
	if rest == nil || rest.Duration() != 1*time.Second {
		t.Fatalf("expected 1s trailing window, got %v", rest)
	}
}

func TestMinimumSpeechFilterDropsBlips(t *testing.T) {
	cfg := testCfg()
	cfg.MinSpeechFrames = 3
	a := NewAssembler(cfg, 100, testRate, true, newLogger())
	start := time.Unix(0, 0)
	var seq uint64

	_, at := feed(a, start, &seq, 1, true) // single 20ms blip
	closed, at := feed(a, at, &seq, 5, false)
	if len(closed) != 0 {
		t.Fatal("expected blip to be discarded")
	}

	// A real utterance afterwards still gets id 1.
	_, at = feed(a, at, &seq, 10, true)
	closed, _ = feed(a, at, &seq, 5, false)
	if len(closed) != 1 {
		t.Fatalf("expected one utterance, got %d", len(closed))
	}
	if closed[0].ID != 1 {
		t.Fatalf("expected id 1, got %d", closed[0].ID)
	}
}

func TestShortContinuationOfForceSplitIsKept(t *testing.T) {
	// The minimum-speech filter applies to isolated blips, not to the
	// terminal piece of a force-split chain. Discarding that piece would
	// leave the chain without a closing utterance.
	cfg := testCfg()
	cfg.MinSpeechFrames = 3
	cfg.MaxDurationS = 0.2
	a := NewAssembler(cfg, 100, testRate, true, newLogger())
	start := time.Unix(0, 0)
	var seq uint64

	closed, at := feed(a, start, &seq, 10, true)
	if len(closed) != 1 || closed[0].Continued {
		t.Fatalf("expected one force-closed utterance, got %+v", closed)
	}
	first := closed[0]

	// One speech frame, then silence through the hangover. Well below the
	// minimum, but it continues the chain and must still close.
	_, at = feed(a, at, &seq, 1, true)
	closed, _ = feed(a, at, &seq, 5, false)
	if len(closed) != 1 {
		t.Fatalf("expected the continuation to close, got %d", len(closed))
	}
	second := closed[0]
	if !second.Continued {
		t.Fatal("continuation must be marked continued")
	}
	if second.ID != first.ID+1 {
		t.Fatalf("expected sequential ids, got %d then %d", first.ID, second.ID)
	}
}

func TestFlushKeepsShortContinuation(t *testing.T) {
	cfg := testCfg()
	cfg.MinSpeechFrames = 3
	cfg.MaxDurationS = 0.2
	a := NewAssembler(cfg, 100, testRate, true, newLogger())
	start := time.Unix(0, 0)
	var seq uint64

	_, at := feed(a, start, &seq, 10, true)
	_, at = feed(a, at, &seq, 1, true)
	u := a.Flush(at)
	if u == nil {
		t.Fatal("expected flushed continuation despite short speech")
	}
	if !u.Continued {
		t.Fatal("continuation must be marked continued")
	}
}
	a := NewAssembler(testCfg(), 400, testRate, true, newLogger())
	if u := a.Flush(time.Now()); u != nil {
		t.Fatalf("expected nil flush, got %+v", u)
	}
}
