// Package gateway accepts device websocket connections.
//
// Each connection becomes a [Session]. Inbound messages pass through the
// interceptor, then "hello" and "abort" control messages are handled here
// and everything else is forwarded to an optional [Responder]. Synthesized
// speech is played back through the session's [delivery.Speaker].
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voicegate/internal/delivery"
	"github.com/MrWong99/voicegate/internal/intercept"
	"github.com/MrWong99/voicegate/internal/notify"
	"github.com/MrWong99/voicegate/internal/observe"
	"github.com/MrWong99/voicegate/pkg/audio"
	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// DeviceIDHeader carries the device identifier in the handshake. The same
// name is accepted as a query parameter.
const DeviceIDHeader = "device-id"

// Responder produces replies for a session. It is called from the session's
// read loop, so implementations should hand long work to their own
// goroutines and reply through [Session.Say] and the dispatcher.
type Responder interface {
	HandleText(ctx context.Context, s *Session, env intercept.Envelope, raw []byte) error
	HandleAudio(ctx context.Context, s *Session, frame []byte) error
}

// ServerHello is the reply to a device "hello".
type ServerHello struct {
	Type        string      `json:"type"`
	Transport   string      `json:"transport"`
	SessionID   string      `json:"session_id"`
	AudioParams AudioParams `json:"audio_params"`
}

// AudioParams describes the audio format the server sends.
type AudioParams struct {
	Format        string `json:"format"`
	SampleRate    int    `json:"sample_rate"`
	Channels      int    `json:"channels"`
	FrameDuration int    `json:"frame_duration"`
}

// Server is an [http.Handler] serving the device websocket.
type Server struct {
	dispatcher  *delivery.Dispatcher
	interceptor *intercept.Interceptor
	responder   Responder
	metrics     *observe.Metrics
	sessions    *Registry
	idleTimeout time.Duration
	queueDepth  int
	now         func() time.Time

	captureOutbound atomic.Bool
}

var _ http.Handler = (*Server)(nil)

// Option configures a [Server].
type Option func(*Server)

// WithInterceptor passes every inbound message through ic.
func WithInterceptor(ic *intercept.Interceptor) Option {
	return func(s *Server) { s.interceptor = ic }
}

// WithResponder forwards non-control messages to r.
func WithResponder(r Responder) Option {
	return func(s *Server) { s.responder = r }
}

// WithMetrics records session metrics on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithIdleTimeout sets the idle limit enforced by [Server.RunReaper].
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Server) { s.idleTimeout = d }
}

// WithCaptureOutbound also intercepts messages sent to devices.
func WithCaptureOutbound(v bool) Option {
	return func(s *Server) { s.captureOutbound.Store(v) }
}

// WithQueueDepth sets how many utterances may wait per session.
func WithQueueDepth(n int) Option {
	return func(s *Server) { s.queueDepth = n }
}

// New creates a Server delivering speech through d.
func New(d *delivery.Dispatcher, opts ...Option) *Server {
	s := &Server{
		dispatcher: d,
		sessions:   NewRegistry(),
		now:        time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Sessions returns the live session registry.
func (s *Server) Sessions() *Registry { return s.sessions }

// Dispatcher returns the dispatcher used for playback.
func (s *Server) Dispatcher() *delivery.Dispatcher { return s.dispatcher }

// SetCaptureOutbound toggles interception of outbound messages.
func (s *Server) SetCaptureOutbound(v bool) { s.captureOutbound.Store(v) }

// ServeHTTP upgrades the request and serves the session until the device
// disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		slog.Warn("gateway: websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	sess := &Session{
		id:          uuid.NewString(),
		deviceID:    deviceID(r),
		clientIP:    clientIP(r),
		header:      r.Header.Clone(),
		connectedAt: s.now(),
		ws:          ws,
		srv:         s,
		ctx:         ctx,
		cancel:      cancel,
	}
	sess.Touch(sess.connectedAt)
	sess.speaker = delivery.NewSpeaker(s.dispatcher, sess, s.queueDepth)

	s.sessions.add(sess)
	s.metrics.SessionOpened(ctx)
	log := slog.With("session_id", sess.id, "device_id", sess.deviceID, "client_ip", sess.clientIP)
	log.Info("gateway: session opened")

	defer func() {
		s.sessions.remove(sess.id)
		_ = sess.closeWith(websocket.StatusNormalClosure, "")
		s.metrics.SessionClosed(context.WithoutCancel(ctx))
		log.Info("gateway: session closed", "duration", s.now().Sub(sess.connectedAt).Round(time.Millisecond))
	}()

	go func() {
		if err := sess.speaker.Run(ctx); err != nil {
			log.Warn("gateway: playback failed", "err", err)
			_ = sess.closeWith(websocket.StatusInternalError, "playback failed")
		}
	}()

	if err := s.readLoop(ctx, sess); err != nil {
		log.Debug("gateway: read loop ended", "err", err)
	}
}

func (s *Server) readLoop(ctx context.Context, sess *Session) error {
	for {
		typ, data, err := sess.ws.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				return nil
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		sess.Touch(s.now())

		msg := intercept.Message{Binary: typ == websocket.MessageBinary, Data: data}
		if s.interceptor != nil {
			msg = s.interceptor.Intercept(ctx, sess, intercept.Inbound, msg)
		}
		if err := s.handle(ctx, sess, msg); err != nil {
			slog.Warn("gateway: handle message", "session_id", sess.id, "err", err)
		}
	}
}

func (s *Server) handle(ctx context.Context, sess *Session, msg intercept.Message) error {
	if msg.Binary {
		if s.responder == nil {
			return nil
		}
		return s.responder.HandleAudio(ctx, sess, msg.Data)
	}

	env, ok := intercept.ParseEnvelope(msg)
	if !ok {
		return nil
	}
	switch env.Type {
	case "hello":
		return s.sendHello(ctx, sess)
	case "abort":
		dropped := sess.Abort()
		slog.Info("gateway: playback aborted by device", "session_id", sess.id, "dropped", dropped)
		return nil
	case "listen":
		if env.State == "start" || env.State == "detect" {
			sess.BeginTurn()
		}
	}
	if s.responder == nil {
		return nil
	}
	return s.responder.HandleText(ctx, sess, env, msg.Data)
}

func (s *Server) sendHello(ctx context.Context, sess *Session) error {
	data, err := json.Marshal(ServerHello{
		Type:      "hello",
		Transport: "websocket",
		SessionID: sess.id,
		AudioParams: AudioParams{
			Format:        "opus",
			SampleRate:    notify.SampleRate,
			Channels:      1,
			FrameDuration: int(audio.FrameDuration / time.Millisecond),
		},
	})
	if err != nil {
		return err
	}
	return sess.SendText(ctx, data)
}

// observe records an outbound message when capture is enabled.
func (s *Server) observe(ctx context.Context, sess *Session, dir intercept.Direction, msg intercept.Message) {
	if s.interceptor == nil || !s.captureOutbound.Load() {
		return
	}
	s.interceptor.Intercept(ctx, sess, dir, msg)
}

// RunReaper closes sessions idle for longer than the idle timeout until ctx
// is done. It returns immediately when no timeout is configured.
func (s *Server) RunReaper(ctx context.Context) {
	if s.idleTimeout <= 0 {
		return
	}
	interval := max(s.idleTimeout/4, 10*time.Millisecond)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reapIdle()
		}
	}
}

func (s *Server) reapIdle() int {
	now := s.now()
	n := 0
	for _, sess := range s.sessions.Snapshot() {
		if sess.Speaking() {
			continue
		}
		if idle := now.Sub(sess.LastActivity()); idle > s.idleTimeout {
			slog.Info("gateway: closing idle session", "session_id", sess.id, "idle", idle.Round(time.Second))
			_ = sess.closeWith(websocket.StatusNormalClosure, "idle timeout")
			n++
		}
	}
	return n
}

// Shutdown closes every live session with a going-away status.
func (s *Server) Shutdown(_ context.Context) int {
	return s.sessions.CloseAll(websocket.StatusGoingAway, "server shutting down")
}

func deviceID(r *http.Request) string {
	if id := r.Header.Get(DeviceIDHeader); id != "" {
		return id
	}
	return r.URL.Query().Get(DeviceIDHeader)
}

func clientIP(r *http.Request) string {
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
