// Package recognition defines the events produced by the speech recognition
// service and decodes its wire messages into them.
package recognition

import "fmt"

// Event is one decoded inbound message. The set of implementations is closed:
// Partial, Final and Malformed.
type Event interface {
	Kind() string
	isEvent()
}

// Partial is an unstable hypothesis for the segment currently being spoken.
type Partial struct {
	Text string
}

// Final is a stabilized segment.
type Final struct {
	Text string
}

// Malformed is an inbound message that could not be decoded.
type Malformed struct {
	Err *MalformedError
}

func (Partial) Kind() string   { return "partial" }
func (Final) Kind() string     { return "final" }
func (Malformed) Kind() string { return "malformed" }

func (Partial) isEvent()   {}
func (Final) isEvent()     {}
func (Malformed) isEvent() {}

// MalformedError describes why a message was rejected. Type carries the
// message's "type" field when one could be read.
type MalformedError struct {
	Type   string
	Reason string
	Err    error
}

func (e *MalformedError) Error() string {
	msg := "malformed recognition message"
	if e.Type != "" {
		msg += fmt.Sprintf(" (type %s)", e.Type)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MalformedError) Unwrap() error { return e.Err }

// Control reports whether the message was a known non-result message
// (metadata, speech activity) rather than garbage.
func (e *MalformedError) Control() bool {
	switch e.Type {
	case "Metadata", "SpeechStarted", "UtteranceEnd":
		return true
	default:
		return false
	}
}
