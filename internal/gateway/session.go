package gateway

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voicegate/internal/delivery"
	"github.com/MrWong99/voicegate/internal/intercept"
	"github.com/coder/websocket"
)

// Session is one connected device. It implements [delivery.Conn],
// [delivery.SpeakerSetter] and [intercept.Source]. All methods are safe for
// concurrent use.
type Session struct {
	id          string
	deviceID    string
	clientIP    string
	header      http.Header
	connectedAt time.Time

	ws      *websocket.Conn
	srv     *Server
	speaker *delivery.Speaker

	ctx    context.Context
	cancel context.CancelFunc

	aborted      atomic.Bool
	speaking     atomic.Bool
	speakerName  atomic.Pointer[string]
	lastActivity atomic.Int64 // unix nanoseconds

	closeOnce sync.Once
}

var (
	_ delivery.Conn          = (*Session)(nil)
	_ delivery.SpeakerSetter = (*Session)(nil)
	_ intercept.Source       = (*Session)(nil)
)

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// SessionID implements [delivery.Conn] and [intercept.Source].
func (s *Session) SessionID() string { return s.id }

// DeviceID implements [intercept.Source].
func (s *Session) DeviceID() string { return s.deviceID }

// ClientIP implements [intercept.Source].
func (s *Session) ClientIP() string { return s.clientIP }

// Header implements [delivery.Conn] and [intercept.Source].
func (s *Session) Header() http.Header { return s.header }

// ConnectedAt returns when the handshake completed.
func (s *Session) ConnectedAt() time.Time { return s.connectedAt }

// Context is cancelled when the session ends.
func (s *Session) Context() context.Context { return s.ctx }

// SendBinary implements [delivery.Conn].
func (s *Session) SendBinary(ctx context.Context, data []byte) error {
	s.srv.observe(ctx, s, intercept.Outbound, intercept.Binary(data))
	return s.ws.Write(ctx, websocket.MessageBinary, data)
}

// SendText implements [delivery.Conn].
func (s *Session) SendText(ctx context.Context, data []byte) error {
	s.srv.observe(ctx, s, intercept.Outbound, intercept.Message{Data: data})
	return s.ws.Write(ctx, websocket.MessageText, data)
}

// Aborted implements [delivery.Conn].
func (s *Session) Aborted() bool { return s.aborted.Load() }

// Abort asks the current playback to stop. Queued utterances are dropped
// and the session is no longer speaking.
func (s *Session) Abort() int {
	s.aborted.Store(true)
	n := s.speaker.Flush()
	s.speaking.Store(false)
	return n
}

// BeginTurn clears a previous abort and makes the next utterance
// pre-buffer.
func (s *Session) BeginTurn() {
	s.aborted.Store(false)
	s.speaker.BeginTurn()
}

// Say queues u for delivery after every previously queued utterance.
func (s *Session) Say(ctx context.Context, u delivery.Utterance) error {
	return s.speaker.Enqueue(ctx, u)
}

// Touch implements [delivery.Conn].
func (s *Session) Touch(t time.Time) { s.lastActivity.Store(t.UnixNano()) }

// LastActivity returns the time of the last frame sent or message received.
func (s *Session) LastActivity() time.Time { return time.Unix(0, s.lastActivity.Load()) }

// SetSpeaking implements [delivery.Conn].
func (s *Session) SetSpeaking(v bool) { s.speaking.Store(v) }

// Speaking reports whether the server is currently talking to the device.
func (s *Session) Speaking() bool { return s.speaking.Load() }

// SetSpeaker implements [delivery.SpeakerSetter].
func (s *Session) SetSpeaker(name string) { s.speakerName.Store(&name) }

// Speaker returns the last attributed speaker, or "".
func (s *Session) Speaker() string {
	if p := s.speakerName.Load(); p != nil {
		return *p
	}
	return ""
}

// Close implements [delivery.Conn]. It performs a normal websocket close.
func (s *Session) Close() error {
	return s.closeWith(websocket.StatusNormalClosure, "")
}

func (s *Session) closeWith(code websocket.StatusCode, reason string) error {
	var err error
	s.closeOnce.Do(func() {
		err = s.ws.Close(code, reason)
		s.cancel()
	})
	return err
}
