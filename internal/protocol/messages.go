package protocol

import "time"

// TranscriptUpdate carries the rendered transcript after every change.
type TranscriptUpdate struct {
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// RecordingUpdate is published whenever recording starts or stops.
type RecordingUpdate struct {
	Recording bool      `json:"recording"`
	State     string    `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}

// ControlReply answers a start or stop request.
type ControlReply struct {
	OK        bool   `json:"ok"`
	Recording bool   `json:"recording"`
	Code      string `json:"code,omitempty"`
	Error     string `json:"error,omitempty"`
}

const (
	SubjectTranscript   = "dictation.transcript"
	SubjectRecording    = "dictation.recording"
	SubjectControlStart = "dictation.control.start"
	SubjectControlStop  = "dictation.control.stop"
)
