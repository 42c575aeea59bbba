package output

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/atotto/clipboard"

	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
)

// ClipboardSink replaces the system clipboard with each finalized segment.
// Partials are skipped; overwriting the clipboard mid-utterance would race
// the user's paste.
type ClipboardSink struct{}

func (ClipboardSink) Name() string { return "clipboard" }

func (ClipboardSink) Partial(protocol.PartialResult) error { return nil }

func (ClipboardSink) Final(res protocol.FinalResult) error {
	if res.Text == "" {
		return nil
	}
	if err := clipboard.WriteAll(res.Text); err != nil {
		return fmt.Errorf("write clipboard: %w", err)
	}
	return nil
}

// FileSink appends finalized segments to a transcript file, one per line.
type FileSink struct {
	path string
	mu   sync.Mutex
}

func NewFileSink(path string) *FileSink {
	return &FileSink{path: path}
}

func (s *FileSink) Name() string { return "file" }

func (s *FileSink) Partial(protocol.PartialResult) error { return nil }

func (s *FileSink) Final(res protocol.FinalResult) error {
	if res.Text == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open transcript file: %w", err)
	}
	defer f.Close()
	if _, err := fmt.Fprintln(f, res.Text); err != nil {
		return fmt.Errorf("append transcript: %w", err)
	}
	return nil
}

// BusSink publishes result events on the NATS bus for overlay UIs and the
// active-window injection adapter.
type BusSink struct {
	client *bus.Client
}

func NewBusSink(client *bus.Client) *BusSink {
	return &BusSink{client: client}
}

func (s *BusSink) Name() string { return "bus" }

func (s *BusSink) Partial(res protocol.PartialResult) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal partial result: %w", err)
	}
	return s.client.Conn().Publish(protocol.SubjectResultPartial, data)
}

func (s *BusSink) Final(res protocol.FinalResult) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal final result: %w", err)
	}
	return s.client.Conn().Publish(protocol.SubjectResultFinal, data)
}

// CaptureSink records events in memory for tests.
type CaptureSink struct {
	mu       sync.Mutex
	partials []protocol.PartialResult
	finals   []protocol.FinalResult
	fail     error
}

func NewCaptureSink() *CaptureSink { return &CaptureSink{} }

func (s *CaptureSink) Name() string { return "capture" }

// FailWith makes subsequent deliveries return err.
func (s *CaptureSink) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

func (s *CaptureSink) Partial(res protocol.PartialResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.partials = append(s.partials, res)
	return nil
}

func (s *CaptureSink) Final(res protocol.FinalResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.finals = append(s.finals, res)
	return nil
}

func (s *CaptureSink) Partials() []protocol.PartialResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.PartialResult, len(s.partials))
	copy(out, s.partials)
	return out
}

func (s *CaptureSink) Finals() []protocol.FinalResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.FinalResult, len(s.finals))
	copy(out, s.finals)
	return out
}
