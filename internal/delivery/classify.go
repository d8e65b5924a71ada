package delivery

import (
	"errors"
	"net/http"
	"strings"
)

// EndpointClass selects the pacing strategy for a connection.
type EndpointClass int

const (
	// Constrained is an embedded device with a small jitter buffer. Frames
	// are paced on a fixed schedule slightly faster than real time.
	Constrained EndpointClass = iota

	// Interactive is a browser-class client. Frames are paced against a
	// playback clock with bounded catch-up.
	Interactive
)

// String returns the metric/log label of the class.
func (c EndpointClass) String() string {
	switch c {
	case Interactive:
		return "interactive"
	default:
		return "constrained"
	}
}

// ErrNoClientAgent is returned by [UserAgentClassifier] when the connection
// carries no User-Agent header.
var ErrNoClientAgent = errors.New("delivery: no client agent header")

// Classifier decides the endpoint class of a connection from its handshake
// headers. A returned error makes the dispatcher fall back to [Constrained].
type Classifier interface {
	Classify(h http.Header) (EndpointClass, error)
}

// browserIndicators are lower-case User-Agent fragments that only browser
// engines send. Firmware HTTP clients send none of them.
var browserIndicators = []string{"mozilla", "chrome", "safari", "firefox", "edg", "webkit"}

// UserAgentClassifier is the default [Classifier]. A User-Agent containing
// any browser engine fragment is [Interactive]; everything else, including a
// missing header, is [Constrained].
type UserAgentClassifier struct{}

// Classify implements [Classifier].
func (UserAgentClassifier) Classify(h http.Header) (EndpointClass, error) {
	ua := strings.ToLower(h.Get("User-Agent"))
	if ua == "" {
		return Constrained, ErrNoClientAgent
	}
	for _, ind := range browserIndicators {
		if strings.Contains(ua, ind) {
			return Interactive, nil
		}
	}
	return Constrained, nil
}

// ClassifierFunc adapts a function to [Classifier].
type ClassifierFunc func(h http.Header) (EndpointClass, error)

// Classify implements [Classifier].
func (f ClassifierFunc) Classify(h http.Header) (EndpointClass, error) { return f(h) }
