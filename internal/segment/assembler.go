// Package segment turns the classified frame stream into inference-ready
// utterances. It owns the speech/silence boundary rules: hangover before a
// speech-end, context carry-over between utterances, and the hard duration
// cap that force-splits long monologues.
package segment

import (
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/config"
)

// Utterance is one bounded speech segment. Context holds the tail of the
// preceding utterance for decoding continuity and is not part of the
// utterance's own timeline.
type Utterance struct {
	ID        uint64
	Frames    []audio.Frame
	Context   []int16
	StartedAt time.Time
	EndedAt   time.Time
	// Continued marks an utterance opened by a force-close or window split
	// rather than a fresh speech-start.
	Continued bool

	speechFrames int
}

// PCM returns the context tail followed by the utterance audio as one
// contiguous sample buffer.
func (u *Utterance) PCM() []int16 {
	total := len(u.Context)
	for _, f := range u.Frames {
		total += len(f.PCM)
	}
	out := make([]int16, 0, total)
	out = append(out, u.Context...)
	for _, f := range u.Frames {
		out = append(out, f.PCM...)
	}
	return out
}

// Duration is the utterance's own play time, excluding the context tail.
func (u *Utterance) Duration() time.Duration {
	var d time.Duration
	for _, f := range u.Frames {
		d += f.Duration()
	}
	return d
}

// Assembler accumulates frames into utterances for a single session. It is
// not safe for concurrent use; the pipeline drives it from one goroutine.
type Assembler struct {
	cfg        config.SegmenterConfig
	hangover   time.Duration
	sampleRate int
	gated      bool
	log        *slog.Logger

	nextID      uint64
	open        *Utterance
	silenceDur  time.Duration
	speechCount int
	tail        []int16
}

// NewAssembler builds an assembler. gated selects VAD-bounded utterances;
// when false the assembler produces fixed-duration windows with overlap
// (the ungated fallback used when VAD is disabled).
func NewAssembler(cfg config.SegmenterConfig, hangoverMS int, sampleRate int, gated bool, log *slog.Logger) *Assembler {
	return &Assembler{
		cfg:        cfg,
		hangover:   time.Duration(hangoverMS) * time.Millisecond,
		sampleRate: sampleRate,
		gated:      gated,
		log:        log.With(slog.String("component", "segment")),
	}
}

// Process consumes one classified frame and returns a closed utterance when
// a boundary is reached, nil otherwise.
func (a *Assembler) Process(frame audio.Frame, speech bool) *Utterance {
	if !a.gated {
		return a.processUngated(frame)
	}
	return a.processGated(frame, speech)
}

func (a *Assembler) processGated(frame audio.Frame, speech bool) *Utterance {
	if a.open == nil {
		if !speech {
			return nil
		}
		a.openUtterance(frame.Timestamp, false)
	}

	a.open.Frames = append(a.open.Frames, frame)
	if speech {
		a.speechCount++
		a.silenceDur = 0
	} else {
		a.silenceDur += frame.Duration()
	}

	// Hard cap fires only while still in speech; trailing silence is
	// resolved by the hangover rule below.
	maxDur := a.maxDuration()
	if speech && a.open.Duration() >= maxDur {
		closed := a.closeUtterance(frame.Timestamp.Add(frame.Duration()))
		a.openUtterance(frame.Timestamp.Add(frame.Duration()), true)
		return closed
	}

	if !speech && a.silenceDur >= a.hangover {
		closed := a.closeUtterance(frame.Timestamp.Add(frame.Duration()))
		// A continuation carries the terminal piece of a force-split
		// chain; it must surface even when its own speech is short,
		// otherwise the earlier pieces never resolve into a final.
		if !closed.Continued && a.speechCountOf(closed) < a.cfg.MinSpeechFrames {
			a.log.Debug("discarding utterance below minimum speech length",
				slog.Uint64("utterance_id", closed.ID))
			a.nextID--
			return nil
		}
		return closed
	}
	return nil
}

func (a *Assembler) processUngated(frame audio.Frame) *Utterance {
	if a.open == nil {
		a.openUtterance(frame.Timestamp, a.nextID > 0)
	}
	a.open.Frames = append(a.open.Frames, frame)
	a.speechCount++

	window := time.Duration(a.cfg.WindowDurationS * float64(time.Second))
	if a.open.Duration() >= window {
		closed := a.closeUtterance(frame.Timestamp.Add(frame.Duration()))
		return closed
	}
	return nil
}

// Continuing reports whether the assembler holds an open continuation of
// the utterance it just closed. The pipeline uses this to decide whether a
// transcript is a partial of an ongoing monologue or a final.
func (a *Assembler) Continuing() bool {
	return a.open != nil && a.open.Continued
}

// Flush closes and returns the open utterance, if any. Called on
// deactivation so trailing audio still reaches inference.
func (a *Assembler) Flush(at time.Time) *Utterance {
	if a.open == nil {
		return nil
	}
	closed := a.closeUtterance(at)
	if a.gated && !closed.Continued && a.speechCountOf(closed) < a.cfg.MinSpeechFrames {
		a.nextID--
		return nil
	}
	return closed
}

// Reset clears per-session state, including the context tail.
func (a *Assembler) Reset() {
	a.open = nil
	a.silenceDur = 0
	a.speechCount = 0
	a.tail = nil
}

func (a *Assembler) openUtterance(at time.Time, continued bool) {
	a.open = &Utterance{
		Context:   a.tail,
		StartedAt: at,
		Continued: continued,
	}
	a.silenceDur = 0
	a.speechCount = 0
}

func (a *Assembler) closeUtterance(at time.Time) *Utterance {
	u := a.open
	a.open = nil
	u.EndedAt = at
	a.nextID++
	u.ID = a.nextID
	u.speechFrames = a.speechCount
	a.tail = a.contextTail(u)
	return u
}

func (a *Assembler) speechCountOf(u *Utterance) int {
	return u.speechFrames
}

// contextTail extracts the final context window of the utterance's audio.
func (a *Assembler) contextTail(u *Utterance) []int16 {
	ctxDur := a.contextDuration()
	if ctxDur <= 0 {
		return nil
	}
	samples := int(ctxDur.Seconds() * float64(a.sampleRate))
	pcm := u.PCM()
	if len(pcm) <= samples {
		tail := make([]int16, len(pcm))
		copy(tail, pcm)
		return tail
	}
	tail := make([]int16, samples)
	copy(tail, pcm[len(pcm)-samples:])
	return tail
}

func (a *Assembler) contextDuration() time.Duration {
	if !a.gated {
		return time.Duration(a.cfg.WindowOverlapS * float64(time.Second))
	}
	return time.Duration(a.cfg.ContextMS) * time.Millisecond
}

func (a *Assembler) maxDuration() time.Duration {
	return time.Duration(a.cfg.MaxDurationS * float64(time.Second))
}
