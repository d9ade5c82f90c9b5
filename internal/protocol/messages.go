package protocol

import "time"

// Event is a single frame sent back to the client over the websocket.
// Partial events replace the client's currently displayed provisional text;
// a final event is terminal and is followed only by the connection close.
type Event struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message,omitempty"`
}

const (
	EventPartial = "partial"
	EventFinal   = "final"
	EventError   = "error"
)

// Transcript represents transcription output mirrored on the bus.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Partial    bool      `json:"partial"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
}

const (
	SubjectTranscriptPartial = "stt.text.partial"
	SubjectTranscriptFinal   = "stt.text.final"
)
