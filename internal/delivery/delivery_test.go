package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voicegate/internal/observe"
	"github.com/MrWong99/voicegate/pkg/audio"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// ── fakes ────────────────────────────────────────────────────────────────────

// fakeClock advances only when Sleep is called (and by step on every Now).
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	step   time.Duration
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.sleeps)
}

// fakeConn records everything written to it. Binary frames are logged as
// "frame:<payload>", tts messages as "tts:<state>", stt as "stt:<text>".
type fakeConn struct {
	mu         sync.Mutex
	header     http.Header
	events     []string
	frames     int
	abortAfter int // abort once this many frames were sent; 0 disables
	aborted    bool
	failAfter  int // fail the send of frame number failAfter+1; 0 disables
	speaking   bool
	closed     bool
	speaker    string
	touches    int
}

func newFakeConn(userAgent string) *fakeConn {
	h := http.Header{}
	if userAgent != "" {
		h.Set("User-Agent", userAgent)
	}
	return &fakeConn{header: h, speaking: true}
}

func (c *fakeConn) SendBinary(_ context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failAfter > 0 && c.frames >= c.failAfter {
		return errors.New("connection reset")
	}
	c.frames++
	c.events = append(c.events, "frame:"+string(data))
	if c.abortAfter > 0 && c.frames >= c.abortAfter {
		c.aborted = true
	}
	return nil
}

func (c *fakeConn) SendText(_ context.Context, data []byte) error {
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch msg["type"] {
	case "tts":
		c.events = append(c.events, fmt.Sprintf("tts:%v", msg["state"]))
	case "stt":
		c.events = append(c.events, fmt.Sprintf("stt:%v", msg["text"]))
	default:
		c.events = append(c.events, "text:"+string(data))
	}
	return nil
}

func (c *fakeConn) SessionID() string   { return "sess-1" }
func (c *fakeConn) Header() http.Header { return c.header }

func (c *fakeConn) Aborted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aborted
}

func (c *fakeConn) Touch(time.Time) {
	c.mu.Lock()
	c.touches++
	c.mu.Unlock()
}

func (c *fakeConn) SetSpeaking(v bool) {
	c.mu.Lock()
	c.speaking = v
	c.mu.Unlock()
}

func (c *fakeConn) SetSpeaker(name string) {
	c.mu.Lock()
	c.speaker = name
	c.mu.Unlock()
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.events)
}

func makeFrames(n int) []audio.Frame {
	frames := make([]audio.Frame, n)
	for i := range frames {
		frames[i] = audio.Frame(fmt.Sprintf("%d", i))
	}
	return frames
}

func frameEvents(from, to int) []string {
	var ev []string
	for i := from; i < to; i++ {
		ev = append(ev, fmt.Sprintf("frame:%d", i))
	}
	return ev
}

func ms(vals ...int) []time.Duration {
	out := make([]time.Duration, len(vals))
	for i, v := range vals {
		out[i] = time.Duration(v) * time.Millisecond
	}
	return out
}

const browserUA = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 Chrome/120.0"

// ── constrained strategy ─────────────────────────────────────────────────────

func TestDeliver_ConstrainedEightFramesFirstOfTurn(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	d := New(Config{}, WithClock(clk))
	conn := newFakeConn("")

	err := d.Deliver(context.Background(), conn, Utterance{Frames: makeFrames(8), Text: "hello"}, true)
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	want := append([]string{"tts:sentence_start"}, frameEvents(0, 8)...)
	want = append(want, "tts:sentence_end")
	if got := conn.Events(); !slices.Equal(got, want) {
		t.Errorf("events = %v\nwant     %v", got, want)
	}
	if got, want := clk.Sleeps(), ms(45, 45, 55, 55, 55, 58); !slices.Equal(got, want) {
		t.Errorf("sleeps = %v, want %v", got, want)
	}
	if conn.touches != 8 {
		t.Errorf("touches = %d, want one per frame (8)", conn.touches)
	}
}

func TestDeliver_ConstrainedSchedules(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		frames int
		first  bool
		want   []time.Duration
	}{
		{"not first of turn", 4, false, ms(58, 58, 58)},
		{"prebuffer shorter than six", 3, true, ms(45, 45)},
		{"exactly six", 6, true, ms(45, 45, 55, 55, 55)},
		{"single frame", 1, true, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			clk := newFakeClock()
			d := New(Config{}, WithClock(clk))
			conn := newFakeConn("esp32-firmware/1.0")
			if err := d.Deliver(context.Background(), conn, Utterance{Frames: makeFrames(tt.frames)}, tt.first); err != nil {
				t.Fatalf("Deliver: %v", err)
			}
			if got := clk.Sleeps(); !slices.Equal(got, tt.want) {
				t.Errorf("sleeps = %v, want %v", got, tt.want)
			}
		})
	}
}

// ── interactive strategy ─────────────────────────────────────────────────────

func TestDeliver_InteractiveOrderAndPacing(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	d := New(Config{}, WithClock(clk))
	conn := newFakeConn(browserUA)

	if err := d.Deliver(context.Background(), conn, Utterance{Frames: makeFrames(12)}, true); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	want := append([]string{"tts:sentence_start"}, frameEvents(0, 12)...)
	want = append(want, "tts:sentence_end")
	if got := conn.Events(); !slices.Equal(got, want) {
		t.Errorf("events = %v\nwant     %v", got, want)
	}

	// Four 3 ms burst gaps, then every remaining frame is ahead of schedule
	// and waits the capped 20 ms.
	wantSleeps := ms(3, 3, 3, 3, 20, 20, 20, 20, 20, 20, 20)
	if got := clk.Sleeps(); !slices.Equal(got, wantSleeps) {
		t.Errorf("sleeps = %v, want %v", got, wantSleeps)
	}
}

func TestDeliver_InteractiveWithoutPrebufferSendsFirstFrameImmediately(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	d := New(Config{}, WithClock(clk))
	conn := newFakeConn(browserUA)

	if err := d.Deliver(context.Background(), conn, Utterance{Frames: makeFrames(3)}, false); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if got, want := clk.Sleeps(), ms(20, 20); !slices.Equal(got, want) {
		t.Errorf("sleeps = %v, want %v", got, want)
	}
}

func TestDeliver_InteractiveBehindScheduleNeverDropsFrames(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	clk.step = 100 * time.Millisecond // every clock read is far behind
	d := New(Config{}, WithClock(clk))
	conn := newFakeConn(browserUA)

	if err := d.Deliver(context.Background(), conn, Utterance{Frames: makeFrames(6)}, false); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if got := clk.Sleeps(); len(got) != 0 {
		t.Errorf("sleeps = %v, want none when behind schedule", got)
	}
	if conn.frames != 6 {
		t.Errorf("frames sent = %d, want 6", conn.frames)
	}
}

// ── lifecycle ────────────────────────────────────────────────────────────────

func TestDeliver_CancellationStopsRemainingFrames(t *testing.T) {
	t.Parallel()
	for _, ua := range []string{"", browserUA} {
		t.Run(fmt.Sprintf("ua=%q", ua), func(t *testing.T) {
			t.Parallel()
			d := New(Config{StopNotify: makeFrames(2)}, WithClock(newFakeClock()))
			conn := newFakeConn(ua)
			conn.abortAfter = 3

			err := d.Deliver(context.Background(), conn, Utterance{Frames: makeFrames(8), Final: true}, true)
			if err != nil {
				t.Fatalf("Deliver: %v", err)
			}
			want := append([]string{"tts:sentence_start"}, frameEvents(0, 3)...)
			if got := conn.Events(); !slices.Equal(got, want) {
				t.Errorf("events = %v, want %v", got, want)
			}
			if conn.speaking {
				t.Error("connection should be left not speaking")
			}
		})
	}
}

func TestDeliver_AlreadyAbortedSendsNothing(t *testing.T) {
	t.Parallel()
	d := New(Config{}, WithClock(newFakeClock()))
	conn := newFakeConn("")
	conn.aborted = true

	if err := d.Deliver(context.Background(), conn, Utterance{Frames: makeFrames(3), Final: true}, true); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if got := conn.Events(); len(got) != 0 {
		t.Errorf("events = %v, want none", got)
	}
}

func TestDeliver_FinalUtterance(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		cfg        Config
		wantTail   []string
		wantClosed bool
	}{
		{
			name:     "stop only",
			cfg:      Config{},
			wantTail: []string{"tts:sentence_end", "tts:stop"},
		},
		{
			name:       "close after chat",
			cfg:        Config{CloseAfterChat: true},
			wantTail:   []string{"tts:sentence_end", "tts:stop"},
			wantClosed: true,
		},
		{
			name:     "stop notification before stop",
			cfg:      Config{StopNotify: []audio.Frame{audio.Frame("n0"), audio.Frame("n1")}},
			wantTail: []string{"tts:sentence_end", "frame:n0", "frame:n1", "tts:stop"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := New(tt.cfg, WithClock(newFakeClock()))
			conn := newFakeConn("")
			if err := d.Deliver(context.Background(), conn, Utterance{Frames: makeFrames(2), Text: "bye", Final: true}, false); err != nil {
				t.Fatalf("Deliver: %v", err)
			}
			ev := conn.Events()
			if len(ev) < len(tt.wantTail) || !slices.Equal(ev[len(ev)-len(tt.wantTail):], tt.wantTail) {
				t.Errorf("events = %v, want suffix %v", ev, tt.wantTail)
			}
			if conn.speaking {
				t.Error("speaking flag should be cleared after stop")
			}
			if conn.closed != tt.wantClosed {
				t.Errorf("closed = %v, want %v", conn.closed, tt.wantClosed)
			}
		})
	}
}

func TestDeliver_SetCloseAfterChatAppliesToLaterTurns(t *testing.T) {
	t.Parallel()
	d := New(Config{}, WithClock(newFakeClock()))
	d.SetCloseAfterChat(true)
	conn := newFakeConn("")
	if err := d.Deliver(context.Background(), conn, Utterance{Frames: makeFrames(1), Final: true}, false); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if !conn.closed {
		t.Error("connection should be closed after SetCloseAfterChat(true)")
	}
}

func TestDeliver_EmptyUtterance(t *testing.T) {
	t.Parallel()
	d := New(Config{}, WithClock(newFakeClock()))

	conn := newFakeConn("")
	if err := d.Deliver(context.Background(), conn, Utterance{Text: "silent"}, true); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if got := conn.Events(); len(got) != 0 {
		t.Errorf("non-final empty utterance sent %v", got)
	}

	conn = newFakeConn("")
	if err := d.Deliver(context.Background(), conn, Utterance{Final: true}, true); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if got, want := conn.Events(), []string{"tts:stop"}; !slices.Equal(got, want) {
		t.Errorf("final empty utterance events = %v, want %v", got, want)
	}
}

func TestDeliver_AbortedConnectionStopsSpeaking(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		u    Utterance
	}{
		{name: "final without audio", u: Utterance{Final: true}},
		{name: "final with audio", u: Utterance{Frames: makeFrames(3), Final: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := New(Config{}, WithClock(newFakeClock()))
			conn := newFakeConn("")
			conn.aborted = true

			if err := d.Deliver(context.Background(), conn, tt.u, true); err != nil {
				t.Fatalf("Deliver: %v", err)
			}
			conn.mu.Lock()
			defer conn.mu.Unlock()
			if conn.speaking {
				t.Error("connection still speaking after cancelled turn")
			}
			if len(conn.events) != 0 {
				t.Errorf("cancelled turn sent %v", conn.events)
			}
		})
	}
}

func TestDeliver_TransportFailureEndsStream(t *testing.T) {
	t.Parallel()
	d := New(Config{}, WithClock(newFakeClock()))
	conn := newFakeConn("")
	conn.failAfter = 2

	err := d.Deliver(context.Background(), conn, Utterance{Frames: makeFrames(5), Final: true}, true)
	if err == nil {
		t.Fatal("expected transport error, got nil")
	}
	want := append([]string{"tts:sentence_start"}, frameEvents(0, 2)...)
	if got := conn.Events(); !slices.Equal(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestDeliver_ContextCancelledDuringPacing(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d := New(Config{}, WithClock(newFakeClock()))
	conn := newFakeConn("")

	err := d.Deliver(ctx, conn, Utterance{Frames: makeFrames(3)}, true)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestDeliver_SentenceTextStripsEmoji(t *testing.T) {
	t.Parallel()
	d := New(Config{}, WithClock(newFakeClock()))
	var got []TTSMessage
	conn := &recordingConn{fakeConn: newFakeConn(""), onText: func(b []byte) {
		var m TTSMessage
		_ = json.Unmarshal(b, &m)
		got = append(got, m)
	}}
	if err := d.Deliver(context.Background(), conn, Utterance{Frames: makeFrames(1), Text: "好的😊"}, false); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d control messages, want 2", len(got))
	}
	for _, m := range got {
		if m.Text != "好的" || m.SessionID != "sess-1" {
			t.Errorf("message = %+v, want text 好的 and session sess-1", m)
		}
	}
}

type recordingConn struct {
	*fakeConn
	onText func([]byte)
}

func (c *recordingConn) SendText(ctx context.Context, b []byte) error {
	c.onText(b)
	return c.fakeConn.SendText(ctx, b)
}

// ── classification ───────────────────────────────────────────────────────────

func TestUserAgentClassifier(t *testing.T) {
	t.Parallel()
	tests := []struct {
		ua      string
		want    EndpointClass
		wantErr error
	}{
		{"", Constrained, ErrNoClientAgent},
		{"ESP32-HTTP/1.0", Constrained, nil},
		{"python-websockets/12.0", Constrained, nil},
		{browserUA, Interactive, nil},
		{"Mozilla/5.0 (Windows NT 10.0) Edg/120.0", Interactive, nil},
		{"SAFARI", Interactive, nil},
	}
	for _, tt := range tests {
		t.Run(tt.ua, func(t *testing.T) {
			t.Parallel()
			h := http.Header{}
			if tt.ua != "" {
				h.Set("User-Agent", tt.ua)
			}
			got, err := UserAgentClassifier{}.Classify(h)
			if got != tt.want {
				t.Errorf("class = %v, want %v", got, tt.want)
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestDispatcher_ClassifierErrorFallsBackToConstrained(t *testing.T) {
	t.Parallel()
	failing := ClassifierFunc(func(http.Header) (EndpointClass, error) {
		return Interactive, errors.New("boom")
	})
	d := New(Config{}, WithClassifier(failing))
	if got := d.Classify(context.Background(), newFakeConn(browserUA)); got != Constrained {
		t.Errorf("class = %v, want constrained", got)
	}
}

// ── stt ──────────────────────────────────────────────────────────────────────

func TestSendSTT(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name        string
		endPrompt   string
		text        string
		want        []string
		wantSpeaker string
		speaking    bool
	}{
		{
			name:     "plain text trimmed",
			text:     "  今天天气怎么样？😊",
			want:     []string{"stt:今天天气怎么样", "tts:start"},
			speaking: true,
		},
		{
			name:        "attributed transcript",
			text:        `{"speaker": "alice", "content": "turn on the light."}`,
			want:        []string{"stt:turn on the light", "tts:start"},
			wantSpeaker: "alice",
			speaking:    true,
		},
		{
			name:     "json without content is plain text",
			text:     `{"foo": 1}`,
			want:     []string{`stt:foo": 1`, "tts:start"},
			speaking: true,
		},
		{
			name:      "end prompt",
			endPrompt: "see you",
			text:      "see you",
			want:      []string{"tts:start"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := New(Config{EndPrompt: tt.endPrompt})
			conn := newFakeConn("")
			conn.speaking = false
			if err := d.SendSTT(context.Background(), conn, tt.text); err != nil {
				t.Fatalf("SendSTT: %v", err)
			}
			if got := conn.Events(); !slices.Equal(got, tt.want) {
				t.Errorf("events = %v, want %v", got, tt.want)
			}
			if conn.speaker != tt.wantSpeaker {
				t.Errorf("speaker = %q, want %q", conn.speaker, tt.wantSpeaker)
			}
			if conn.speaking != tt.speaking {
				t.Errorf("speaking = %v, want %v", conn.speaking, tt.speaking)
			}
		})
	}
}

func TestSetEndPrompt(t *testing.T) {
	t.Parallel()
	d := New(Config{})
	d.SetEndPrompt("bye")
	conn := newFakeConn("")
	if err := d.SendSTT(context.Background(), conn, "bye"); err != nil {
		t.Fatalf("SendSTT: %v", err)
	}
	if got, want := conn.Events(), []string{"tts:start"}; !slices.Equal(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

// ── clock ────────────────────────────────────────────────────────────────────

func TestSystemClock_SleepHonoursContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	if err := (SystemClock{}).Sleep(ctx, time.Minute); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Sleep did not return promptly on cancelled context")
	}
	if err := (SystemClock{}).Sleep(context.Background(), time.Millisecond); err != nil {
		t.Errorf("short sleep: %v", err)
	}
}

// ── tracing ──────────────────────────────────────────────────────────────────

func spanAttrs(s tracetest.SpanStub) map[attribute.Key]attribute.Value {
	m := make(map[attribute.Key]attribute.Value, len(s.Attributes))
	for _, kv := range s.Attributes {
		m[kv.Key] = kv.Value
	}
	return m
}

func TestDeliver_Span(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name         string
		ua           string
		u            Utterance
		aborted      bool
		failAfter    int
		wantOutcome  string
		wantStrategy string
		wantCode     codes.Code
	}{
		{
			name: "completed interactive", ua: browserUA,
			u:           Utterance{Frames: makeFrames(3), Final: true},
			wantOutcome: "completed", wantStrategy: "interactive", wantCode: codes.Unset,
		},
		{
			name:        "cancelled before start",
			u:           Utterance{Frames: makeFrames(3)},
			aborted:     true,
			wantOutcome: "cancelled", wantCode: codes.Unset,
		},
		{
			name:        "transport failure",
			u:           Utterance{Frames: makeFrames(3)},
			failAfter:   1,
			wantOutcome: "failed", wantStrategy: "constrained", wantCode: codes.Error,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			exp := tracetest.NewInMemoryExporter()
			tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
			t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

			d := New(Config{}, WithClock(newFakeClock()), WithTracer(tp.Tracer("test")))
			conn := newFakeConn(tt.ua)
			conn.aborted = tt.aborted
			conn.failAfter = tt.failAfter
			_ = d.Deliver(context.Background(), conn, tt.u, true)

			spans := exp.GetSpans()
			if len(spans) != 1 || spans[0].Name != observe.SpanDeliver {
				t.Fatalf("spans = %v, want one %q", spans, observe.SpanDeliver)
			}
			attrs := spanAttrs(spans[0])
			if got := attrs[observe.KeyOutcome].AsString(); got != tt.wantOutcome {
				t.Errorf("outcome = %q, want %q", got, tt.wantOutcome)
			}
			if got := attrs[observe.KeyStrategy].AsString(); got != tt.wantStrategy {
				t.Errorf("strategy = %q, want %q", got, tt.wantStrategy)
			}
			if got := attrs[observe.KeyFrames].AsInt64(); got != int64(len(tt.u.Frames)) {
				t.Errorf("frames = %d, want %d", got, len(tt.u.Frames))
			}
			if got := attrs[observe.KeySessionID].AsString(); got != "sess-1" {
				t.Errorf("session = %q, want sess-1", got)
			}
			if got := spans[0].Status.Code; got != tt.wantCode {
				t.Errorf("status = %v, want %v", got, tt.wantCode)
			}
		})
	}
}
