package recognition

import (
	"encoding/json"
	"strings"
)

type resultMessage struct {
	Type    string `json:"type"`
	IsFinal *bool  `json:"is_final"`
	Channel *struct {
		Alternatives []struct {
			Transcript *string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// Decode turns one text message into an Event. It never fails: anything that
// does not carry channel.alternatives[0].transcript becomes Malformed.
func Decode(data []byte) Event {
	var msg resultMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return Malformed{Err: &MalformedError{Reason: "invalid json", Err: err}}
	}
	if msg.Channel == nil {
		return Malformed{Err: &MalformedError{Type: msg.Type, Reason: "missing channel"}}
	}
	if len(msg.Channel.Alternatives) == 0 {
		return Malformed{Err: &MalformedError{Type: msg.Type, Reason: "no alternatives"}}
	}
	transcript := msg.Channel.Alternatives[0].Transcript
	if transcript == nil {
		return Malformed{Err: &MalformedError{Type: msg.Type, Reason: "missing transcript"}}
	}
	text := strings.TrimSpace(*transcript)
	// Only an explicit is_final:false marks an interim result; a message
	// without the flag is a settled segment.
	if msg.IsFinal != nil && !*msg.IsFinal {
		return Partial{Text: text}
	}
	return Final{Text: text}
}

// DecodeBinary is used for binary inbound frames, which the service never
// sends for results.
func DecodeBinary(data []byte) Event {
	return Malformed{Err: &MalformedError{Reason: "unexpected binary message"}}
}
