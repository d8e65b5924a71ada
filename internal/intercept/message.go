package intercept

import (
	"encoding/json"
	"strings"
)

// Direction tells whether a message came from the device or went to it.
type Direction int

const (
	Inbound Direction = iota
	Outbound
)

// String returns "inbound" or "outbound".
func (d Direction) String() string {
	if d == Outbound {
		return "outbound"
	}
	return "inbound"
}

// Message kinds produced by [Classify].
const (
	KindAudio       = "audio"
	KindTextUnknown = "text:unknown"
	kindTextPrefix  = "text:"
)

// Message is one websocket message. Binary messages carry audio; text
// messages carry JSON control envelopes.
type Message struct {
	Binary bool
	Data   []byte
}

// Text wraps a text message.
func Text(s string) Message { return Message{Data: []byte(s)} }

// Binary wraps a binary message.
func Binary(b []byte) Message { return Message{Binary: true, Data: b} }

// Envelope is the common shape of JSON control messages.
type Envelope struct {
	Type  string `json:"type"`
	State string `json:"state,omitempty"`
	Text  string `json:"text,omitempty"`
}

// ParseEnvelope decodes a text message. ok is false for binary messages,
// invalid JSON and JSON without a string "type" field.
func ParseEnvelope(m Message) (env Envelope, ok bool) {
	if m.Binary {
		return Envelope{}, false
	}
	var raw map[string]any
	if err := json.Unmarshal(m.Data, &raw); err != nil {
		return Envelope{}, false
	}
	typ, _ := raw["type"].(string)
	if typ == "" {
		return Envelope{}, false
	}
	env.Type = typ
	env.State, _ = raw["state"].(string)
	env.Text, _ = raw["text"].(string)
	return env, true
}

// Classify returns the kind of m: "audio" for binary messages,
// "text:<type>" for JSON envelopes and "text:unknown" for anything else.
func Classify(m Message) string {
	if m.Binary {
		return KindAudio
	}
	env, ok := ParseEnvelope(m)
	if !ok {
		return KindTextUnknown
	}
	return kindTextPrefix + env.Type
}

// IsText reports whether kind names a text message.
func IsText(kind string) bool { return strings.HasPrefix(kind, kindTextPrefix) }
