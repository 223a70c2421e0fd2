// Package models defines the data structures for transcript events.
package models

import "time"

// Event types.
const (
	EventTypeFragment = "transcript.fragment"
	EventTypeSnapshot = "transcript.snapshot"
	EventTypeError    = "transcript.error"
	EventTypeWarning  = "session.warning"
	EventTypeClosed   = "session.closed"
)

// Error and warning codes.
const (
	CodeEngineFailure   = "ENGINE_FAILURE"
	CodeEngineTimeout   = "ENGINE_TIMEOUT"
	CodeBackpressure    = "BACKPRESSURE"
	CodeSegmentDropped  = "SEGMENT_DROPPED"
	CodeBufferOverflow  = "BUFFER_OVERFLOW"
	CodeFrameRejected   = "FRAME_REJECTED"
	CodeClassifierError = "CLASSIFIER_ERROR"
)

// Event is the envelope delivered to subscribers and published to Kafka.
// Which optional fields are set depends on EventType.
type Event struct {
	EventType string `json:"eventType"`
	SessionID string `json:"sessionId"`
	Timestamp int64  `json:"timestamp"`

	// Fragment fields.
	UtteranceID   string  `json:"utteranceId,omitempty"`
	Text          string  `json:"text,omitempty"`
	Confidence    float64 `json:"confidence,omitempty"`
	Language      string  `json:"language,omitempty"`
	AudioOffsetMs int64   `json:"audioOffsetMs,omitempty"`
	DurationMs    int64   `json:"durationMs,omitempty"`

	// Transcript is the full running transcript after this event.
	Transcript string `json:"transcript,omitempty"`

	// Error and warning fields.
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func now() int64 { return time.Now().UnixMilli() }

// TranscriptFragment is emitted when an utterance is transcribed and appended.
type TranscriptFragment struct {
	SessionID     string
	UtteranceID   string
	Text          string
	Transcript    string
	Confidence    float64
	Language      string
	AudioOffsetMs int64
	DurationMs    int64
}

// Event converts the fragment to its envelope.
func (f TranscriptFragment) Event() Event {
	return Event{
		EventType:     EventTypeFragment,
		SessionID:     f.SessionID,
		Timestamp:     now(),
		UtteranceID:   f.UtteranceID,
		Text:          f.Text,
		Transcript:    f.Transcript,
		Confidence:    f.Confidence,
		Language:      f.Language,
		AudioOffsetMs: f.AudioOffsetMs,
		DurationMs:    f.DurationMs,
	}
}

// NewSnapshot returns the initial event sent to a late subscriber.
func NewSnapshot(sessionID, transcript string) Event {
	return Event{
		EventType:  EventTypeSnapshot,
		SessionID:  sessionID,
		Timestamp:  now(),
		Transcript: transcript,
	}
}

// NewError reports a failed utterance.
func NewError(sessionID, utteranceID, code, message string) Event {
	return Event{
		EventType:   EventTypeError,
		SessionID:   sessionID,
		Timestamp:   now(),
		UtteranceID: utteranceID,
		Code:        code,
		Message:     message,
	}
}

// NewWarning reports degraded but continuing operation.
func NewWarning(sessionID, code, message string) Event {
	return Event{
		EventType: EventTypeWarning,
		SessionID: sessionID,
		Timestamp: now(),
		Code:      code,
		Message:   message,
	}
}

// NewClosed is the last event of a session's stream.
func NewClosed(sessionID, transcript string) Event {
	return Event{
		EventType:  EventTypeClosed,
		SessionID:  sessionID,
		Timestamp:  now(),
		Transcript: transcript,
	}
}
