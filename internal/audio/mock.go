package audio

import (
	"sync"
	"time"
)

// ScriptedSource replays a fixed frame sequence. It stands in for the
// capture device in tests and in headless smoke runs.
type ScriptedSource struct {
	frames   []Frame
	failWith error // delivered after the scripted frames, if set

	mu      sync.Mutex
	out     chan Frame
	stop    chan struct{}
	err     error
	running bool
	wg      sync.WaitGroup
}

func NewScriptedSource(frames []Frame, failWith error) *ScriptedSource {
	return &ScriptedSource{frames: frames, failWith: failWith}
}

func (s *ScriptedSource) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.running = true
	s.err = nil
	s.out = make(chan Frame, len(s.frames)+1)
	s.stop = make(chan struct{})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(s.out)
		for _, f := range s.frames {
			select {
			case s.out <- f:
			case <-s.stop:
				return
			}
		}
		if s.failWith != nil {
			s.mu.Lock()
			s.err = s.failWith
			s.mu.Unlock()
			return
		}
		// Hold the stream open until Stop, as a live microphone would.
		<-s.stop
	}()
	return nil
}

func (s *ScriptedSource) Frames() <-chan Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.out
}

func (s *ScriptedSource) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *ScriptedSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Tone builds a frame filled with a constant amplitude, useful for scripting
// speech (loud) and silence (quiet) segments.
func Tone(seq uint64, amplitude int16, sampleRate, durationMS int, at time.Time) Frame {
	samples := sampleRate * durationMS / 1000
	pcm := make([]int16, samples)
	for i := range pcm {
		pcm[i] = amplitude
	}
	return Frame{
		PCM:        pcm,
		SampleRate: sampleRate,
		Channels:   1,
		Seq:        seq,
		Timestamp:  at,
	}
}
