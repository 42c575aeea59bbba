package output

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRouterFanOut(t *testing.T) {
	a := NewCaptureSink()
	b := NewCaptureSink()
	r := NewRouter(testLogger(), a, b)

	final := protocol.FinalResult{
		SessionID:   "s1",
		UtteranceID: 1,
		Text:        "hello world",
		StartedAt:   time.Now(),
		EndedAt:     time.Now(),
	}
	r.Final(final)
	r.Partial(protocol.PartialResult{SessionID: "s1", UtteranceID: 2, Text: "hel"})

	for _, sink := range []*CaptureSink{a, b} {
		if got := len(sink.Finals()); got != 1 {
			t.Fatalf("expected 1 final in %s, got %d", sink.Name(), got)
		}
		if got := sink.Finals()[0].Text; got != "hello world" {
			t.Fatalf("unexpected final text %q", got)
		}
		if got := len(sink.Partials()); got != 1 {
			t.Fatalf("expected 1 partial in %s, got %d", sink.Name(), got)
		}
	}
}

func TestRouterContinuesPastSinkError(t *testing.T) {
	failing := NewCaptureSink()
	failing.FailWith(errors.New("sink unavailable"))
	healthy := NewCaptureSink()
	r := NewRouter(testLogger(), failing, healthy)

	r.Final(protocol.FinalResult{SessionID: "s1", UtteranceID: 1, Text: "still delivered"})

	if got := len(healthy.Finals()); got != 1 {
		t.Fatalf("healthy sink should receive the result, got %d", got)
	}
	if got := len(failing.Finals()); got != 0 {
		t.Fatalf("failing sink should record nothing, got %d", got)
	}
}

func TestFileSinkAppends(t *testing.T) {
	path := t.TempDir() + "/transcript.txt"
	s := NewFileSink(path)

	if err := s.Final(protocol.FinalResult{Text: "first"}); err != nil {
		t.Fatalf("final: %v", err)
	}
	if err := s.Final(protocol.FinalResult{Text: "second"}); err != nil {
		t.Fatalf("final: %v", err)
	}
	if err := s.Final(protocol.FinalResult{Text: ""}); err != nil {
		t.Fatalf("empty final: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read transcript: %v", err)
	}
	if string(data) != "first\nsecond\n" {
		t.Fatalf("unexpected transcript contents %q", data)
	}
}
