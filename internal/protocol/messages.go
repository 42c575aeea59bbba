package protocol

import "time"

// PartialResult is interim transcription text for an utterance that is
// still being decoded or continued.
type PartialResult struct {
	SessionID   string    `json:"session_id"`
	UtteranceID uint64    `json:"utterance_id"`
	Text        string    `json:"text"`
	Timestamp   time.Time `json:"timestamp"`
}

// FinalResult is the authoritative transcription of one closed utterance.
type FinalResult struct {
	SessionID   string    `json:"session_id"`
	UtteranceID uint64    `json:"utterance_id"`
	Text        string    `json:"text"`
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at"`
}

// SessionEvent announces session lifecycle transitions on the bus.
type SessionEvent struct {
	SessionID string    `json:"session_id"`
	State     string    `json:"state"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ModelEvent announces model lifecycle transitions (load, unload, failure).
type ModelEvent struct {
	Variant   string    `json:"variant"`
	Device    string    `json:"device"`
	State     string    `json:"state"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectControlActivate   = "dictate.control.activate"
	SubjectControlDeactivate = "dictate.control.deactivate"
	SubjectResultPartial     = "dictate.result.partial"
	SubjectResultFinal       = "dictate.result.final"
	SubjectSessionState      = "dictate.session.state"
	SubjectModelState        = "dictate.model.state"
)
