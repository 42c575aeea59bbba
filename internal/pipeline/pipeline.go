// Package pipeline runs the dictation session: it pulls frames from the
// capture source, gates them through VAD, assembles utterances, feeds them
// to the model manager, and hands ordered transcripts to the output router.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/history"
	"github.com/loqalabs/loqa-dictate/internal/model"
	"github.com/loqalabs/loqa-dictate/internal/output"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
	"github.com/loqalabs/loqa-dictate/internal/segment"
	"github.com/loqalabs/loqa-dictate/internal/vad"
)

// State is the session lifecycle state.
type State int

const (
	StateIdle State = iota
	StateListening
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

const (
	inferenceWorkers = 2
	retryBackoff     = 500 * time.Millisecond
	drainTimeout     = 10 * time.Second
)

// SourceFactory yields the frame source for a session. The capture device
// may be shared across sessions; Start and Stop bracket each one.
type SourceFactory func() (audio.FrameSource, error)

// Pipeline owns at most one dictation session at a time. Activate and
// Deactivate are safe to call from any goroutine and are idempotent.
type Pipeline struct {
	cfg       config.Config
	log       *slog.Logger
	manager   *model.Manager
	router    *output.Router
	history   *history.Store
	newSource SourceFactory
	notify    func(protocol.SessionEvent)
	observe   func(time.Duration)
	clock     func() time.Time

	mu    sync.Mutex
	state State
	sess  *session

	dropped uint64
	retried uint64
}

type session struct {
	id     string
	source audio.FrameSource
	det    vad.Detector
	asm    *segment.Assembler

	// ctx bounds the session's model acquisition; finishSession cancels it
	// so a stuck load cannot outlive the session.
	ctx    context.Context
	cancel context.CancelFunc

	// handle resolves lazily in the inference path so activation never
	// waits on a model load. Guarded by handleMu.
	handleMu sync.Mutex
	handle   *model.Handle
	ended    bool

	jobs     chan job
	results  chan result
	emitDone chan struct{}
	done     chan struct{}

	textMu   sync.Mutex
	lastText string
}

type job struct {
	u *segment.Utterance
	// terminal is false when a continuation of the same monologue follows.
	terminal bool
}

type result struct {
	id       uint64
	text     string
	terminal bool
	dropped  bool
	started  time.Time
	ended    time.Time
}

func New(cfg config.Config, manager *model.Manager, router *output.Router, hist *history.Store, sources SourceFactory, log *slog.Logger) *Pipeline {
	return &Pipeline{
		cfg:       cfg,
		log:       log.With(slog.String("component", "pipeline")),
		manager:   manager,
		router:    router,
		history:   hist,
		newSource: sources,
		clock:     time.Now,
	}
}

// SetNotify registers a callback for session state events.
func (p *Pipeline) SetNotify(fn func(protocol.SessionEvent)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notify = fn
}

// SetInferenceObserver registers a callback receiving the wall time of each
// successful inference.
func (p *Pipeline) SetInferenceObserver(fn func(time.Duration)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observe = fn
}

// State reports the current session state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Dropped reports how many utterances were discarded after inference
// failed twice.
func (p *Pipeline) Dropped() uint64 {
	return atomic.LoadUint64(&p.dropped)
}

// Retried reports how many inference attempts were retried after a failure.
func (p *Pipeline) Retried() uint64 {
	return atomic.LoadUint64(&p.retried)
}

// Activate starts a dictation session. Calling it while one is already
// running is a no-op; calling it while the previous session is draining
// waits for the drain, then starts fresh.
func (p *Pipeline) Activate(ctx context.Context) error {
	for {
		p.mu.Lock()
		switch p.state {
		case StateListening:
			p.mu.Unlock()
			return nil
		case StateStopping:
			done := p.sess.done
			p.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		sess, err := p.startSession()
		if err != nil {
			p.mu.Unlock()
			return err
		}
		p.sess = sess
		p.state = StateListening
		p.mu.Unlock()

		p.event(sess.id, "listening", "")
		if p.history != nil {
			if err := p.history.BeginSession(ctx, sess.id); err != nil {
				p.log.Warn("record session start failed", slog.String("error", err.Error()))
			}
		}
		return nil
	}
}

// startSession is called with p.mu held and returns a running session. It
// starts capture immediately and never waits on the model; the handle
// resolves in the inference path while frames are already flowing.
func (p *Pipeline) startSession() (*session, error) {
	det, err := vad.New(p.cfg.VAD, p.cfg.Audio.SampleRate)
	if err != nil {
		return nil, fmt.Errorf("init vad: %w", err)
	}

	source, err := p.newSource()
	if err != nil {
		det.Close()
		return nil, fmt.Errorf("open frame source: %w", err)
	}
	if err := source.Start(); err != nil {
		det.Close()
		return nil, fmt.Errorf("start capture: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sess := &session{
		id:     uuid.NewString(),
		source: source,
		det:    det,
		asm: segment.NewAssembler(p.cfg.Segmenter, p.cfg.VAD.HangoverMS,
			p.cfg.Audio.SampleRate, p.cfg.VAD.Enabled, p.log),
		ctx:      ctx,
		cancel:   cancel,
		jobs:     make(chan job, 16),
		results:  make(chan result, 16),
		emitDone: make(chan struct{}),
		done:     make(chan struct{}),
	}

	var workers sync.WaitGroup
	workers.Add(inferenceWorkers)
	for i := 0; i < inferenceWorkers; i++ {
		go func() {
			defer workers.Done()
			p.inferLoop(sess)
		}()
	}
	go func() {
		workers.Wait()
		close(sess.results)
	}()
	go p.emitLoop(sess)
	go p.listenLoop(sess)
	go p.warmModel(sess)

	return sess, nil
}

// warmModel kicks off the model load as soon as a session opens so loading
// overlaps with capture. Failure here is tolerated; inference retries
// acquisition per utterance.
func (p *Pipeline) warmModel(sess *session) {
	if _, err := p.acquireHandle(sess); err != nil {
		p.log.Warn("model not ready at session start",
			slog.String("session_id", sess.id), slog.String("error", err.Error()))
	}
}

// acquireHandle resolves the session's model handle, loading the model on
// first use. It runs outside p.mu, so Activate, Deactivate and State stay
// responsive during a slow load.
func (p *Pipeline) acquireHandle(sess *session) (*model.Handle, error) {
	sess.handleMu.Lock()
	defer sess.handleMu.Unlock()
	if sess.ended {
		return nil, errors.New("session ended")
	}
	if sess.handle != nil {
		return sess.handle, nil
	}
	handle, err := p.manager.Acquire(sess.ctx, p.cfg.Model.Variant, p.cfg.Model.Device)
	if err != nil {
		return nil, err
	}
	sess.handle = handle
	return handle, nil
}

// Deactivate stops the running session, draining buffered audio through
// inference so trailing speech is not lost. Calling it while idle is a
// no-op.
func (p *Pipeline) Deactivate(ctx context.Context) error {
	p.mu.Lock()
	switch p.state {
	case StateIdle:
		p.mu.Unlock()
		return nil
	case StateStopping:
		done := p.sess.done
		p.mu.Unlock()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	sess := p.sess
	p.state = StateStopping
	p.mu.Unlock()

	p.event(sess.id, "stopping", "")
	sess.source.Stop()
	p.finishSession(ctx, sess, "deactivated")
	return nil
}

// finishSession waits for the drain and returns the pipeline to idle.
func (p *Pipeline) finishSession(ctx context.Context, sess *session, reason string) {
	drain, cancel := context.WithTimeout(ctx, drainTimeout)
	defer cancel()
	select {
	case <-sess.emitDone:
	case <-drain.Done():
		p.log.Warn("session drain timed out, discarding in-flight utterances",
			slog.String("session_id", sess.id))
	}

	sess.cancel()
	sess.handleMu.Lock()
	if sess.handle != nil {
		p.manager.Release(sess.handle)
		sess.handle = nil
	}
	sess.ended = true
	sess.handleMu.Unlock()

	if err := sess.det.Close(); err != nil {
		p.log.Warn("close vad failed", slog.String("error", err.Error()))
	}
	if p.history != nil {
		if err := p.history.EndSession(context.Background(), sess.id, reason); err != nil {
			p.log.Warn("record session end failed", slog.String("error", err.Error()))
		}
	}

	p.mu.Lock()
	p.state = StateIdle
	p.sess = nil
	p.mu.Unlock()
	close(sess.done)
	p.event(sess.id, "idle", reason)
}

// listenLoop drives frames through VAD and the assembler. It runs until the
// source closes its frame channel, either from Stop or from device loss.
func (p *Pipeline) listenLoop(sess *session) {
	for frame := range sess.source.Frames() {
		speech := true
		if p.cfg.VAD.Enabled {
			var err error
			speech, err = sess.det.Classify(frame)
			if err != nil {
				p.log.Warn("vad classify failed, treating frame as speech",
					slog.String("error", err.Error()))
				speech = true
			}
		}
		if u := sess.asm.Process(frame, speech); u != nil {
			sess.jobs <- job{u: u, terminal: !sess.asm.Continuing()}
		}
	}

	if u := sess.asm.Flush(p.clock()); u != nil {
		sess.jobs <- job{u: u, terminal: true}
	}
	close(sess.jobs)

	if err := sess.source.Err(); err != nil {
		p.log.Error("frame source failed", slog.String("session_id", sess.id),
			slog.String("error", err.Error()))
		go p.terminateLost(sess)
	}
}

// terminateLost ends a session whose capture device disappeared. The session
// dies; the pipeline stays usable for the next activation.
func (p *Pipeline) terminateLost(sess *session) {
	p.mu.Lock()
	if p.sess != sess || p.state != StateListening {
		p.mu.Unlock()
		return
	}
	p.state = StateStopping
	p.mu.Unlock()

	p.event(sess.id, "stopping", "device_lost")
	sess.source.Stop()
	p.finishSession(context.Background(), sess, "device_lost")
}

// inferLoop transcribes queued utterances. A failed attempt, whether the
// model could not be acquired or inference itself errored, is retried once
// after a short backoff; a second failure drops the utterance.
func (p *Pipeline) inferLoop(sess *session) {
	for j := range sess.jobs {
		pcm := j.u.PCM()
		prior := sess.priorText()

		text, took, err := p.transcribe(sess, pcm, prior)
		if err != nil {
			atomic.AddUint64(&p.retried, 1)
			p.log.Warn("inference failed, retrying",
				slog.Uint64("utterance_id", j.u.ID), slog.String("error", err.Error()))
			time.Sleep(retryBackoff)
			text, took, err = p.transcribe(sess, pcm, prior)
		}
		if err != nil {
			atomic.AddUint64(&p.dropped, 1)
			p.log.Error("inference failed twice, dropping utterance",
				slog.Uint64("utterance_id", j.u.ID), slog.String("error", err.Error()))
			sess.results <- result{id: j.u.ID, terminal: j.terminal, dropped: true,
				started: j.u.StartedAt, ended: j.u.EndedAt}
			continue
		}
		p.mu.Lock()
		observe := p.observe
		p.mu.Unlock()
		if observe != nil {
			observe(took)
		}
		sess.results <- result{id: j.u.ID, text: text, terminal: j.terminal,
			started: j.u.StartedAt, ended: j.u.EndedAt}
	}
}

func (p *Pipeline) transcribe(sess *session, pcm []int16, prior string) (string, time.Duration, error) {
	handle, err := p.acquireHandle(sess)
	if err != nil {
		return "", 0, fmt.Errorf("acquire model: %w", err)
	}
	start := p.clock()
	text, err := p.manager.Infer(context.Background(), handle, pcm, prior)
	if err != nil {
		return "", 0, err
	}
	return text, p.clock().Sub(start), nil
}

// chain accumulates the partial texts of a force-split monologue until its
// terminal piece arrives.
type chain struct {
	texts   []string
	start   time.Time
	lastID  uint64
	lastEnd time.Time
}

// emitLoop releases transcripts in utterance order. Results may finish out
// of order when a later short utterance beats an earlier long one, so they
// park in pending until their turn.
func (p *Pipeline) emitLoop(sess *session) {
	defer close(sess.emitDone)

	pending := make(map[uint64]result)
	next := uint64(1)
	var ch chain

	for r := range sess.results {
		pending[r.id] = r
		for {
			cur, ok := pending[next]
			if !ok {
				break
			}
			delete(pending, next)
			next++
			p.emit(sess, cur, &ch)
		}
	}
	// Anything still pending lost its predecessor to a drain timeout.
	for id := range pending {
		p.log.Warn("discarding out-of-order result after drain",
			slog.Uint64("utterance_id", id))
	}
	// Text accumulated in an unterminated chain still belongs to the user.
	// Emit it as the session's closing final rather than dropping it.
	if len(ch.texts) > 0 {
		p.emitFinal(sess, &ch, ch.lastID, ch.lastEnd)
	}
}

func (p *Pipeline) emit(sess *session, r result, ch *chain) {
	if len(ch.texts) == 0 {
		ch.start = r.started
	}
	if !r.dropped && r.text != "" {
		ch.texts = append(ch.texts, r.text)
	}
	ch.lastID = r.id
	ch.lastEnd = r.ended

	if !r.terminal {
		if len(ch.texts) > 0 {
			p.router.Partial(protocol.PartialResult{
				SessionID:   sess.id,
				UtteranceID: r.id,
				Text:        strings.Join(ch.texts, " "),
				Timestamp:   p.clock(),
			})
		}
		return
	}
	p.emitFinal(sess, ch, r.id, r.ended)
}

func (p *Pipeline) emitFinal(sess *session, ch *chain, id uint64, ended time.Time) {
	text := strings.Join(ch.texts, " ")
	ch.texts = ch.texts[:0]
	if text == "" {
		return
	}

	final := protocol.FinalResult{
		SessionID:   sess.id,
		UtteranceID: id,
		Text:        text,
		StartedAt:   ch.start,
		EndedAt:     ended,
	}
	sess.setPriorText(text)
	p.router.Final(final)
	if p.history != nil {
		if err := p.history.AppendSegment(context.Background(), final); err != nil {
			p.log.Warn("record transcript segment failed", slog.String("error", err.Error()))
		}
	}
}

func (p *Pipeline) event(sessionID, state, reason string) {
	p.mu.Lock()
	fn := p.notify
	p.mu.Unlock()
	if fn == nil {
		return
	}
	fn(protocol.SessionEvent{
		SessionID: sessionID,
		State:     state,
		Reason:    reason,
		Timestamp: p.clock(),
	})
}

func (s *session) priorText() string {
	s.textMu.Lock()
	defer s.textMu.Unlock()
	return s.lastText
}

func (s *session) setPriorText(text string) {
	s.textMu.Lock()
	defer s.textMu.Unlock()
	s.lastText = text
}

// Shutdown ends any running session. Used on daemon exit.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	err := p.Deactivate(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
