package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// TTS control states sent to the device.
const (
	StateStart         = "start"
	StateSentenceStart = "sentence_start"
	StateSentenceEnd   = "sentence_end"
	StateStop          = "stop"
)

// TTSMessage is the {"type":"tts"} control message.
type TTSMessage struct {
	Type      string `json:"type"`
	State     string `json:"state"`
	SessionID string `json:"session_id"`
	Text      string `json:"text,omitempty"`
}

// STTMessage echoes the recognised transcript back to the device.
type STTMessage struct {
	Type      string `json:"type"`
	Text      string `json:"text"`
	SessionID string `json:"session_id"`
}

// SendTTS sends a tts control message. Emoji are removed from text.
func (d *Dispatcher) SendTTS(ctx context.Context, conn Conn, state, text string) error {
	return sendJSON(ctx, conn, TTSMessage{
		Type:      "tts",
		State:     state,
		SessionID: conn.SessionID(),
		Text:      StripEmoji(text),
	})
}

// SendSTT shows the recognised transcript on the device and starts a tts
// turn. A transcript equal to the configured end prompt only sends "tts
// start". Transcripts shaped like {"speaker": ..., "content": ...} display
// only the content and record the speaker on conn when it implements
// [SpeakerSetter].
func (d *Dispatcher) SendSTT(ctx context.Context, conn Conn, text string) error {
	if ep := *d.endPrompt.Load(); ep != "" && ep == text {
		return d.SendTTS(ctx, conn, StateStart, "")
	}

	display := text
	if content, speaker, ok := parseAttributed(text); ok {
		display = content
		if ss, ok := conn.(SpeakerSetter); ok && speaker != "" {
			ss.SetSpeaker(speaker)
		}
	}

	if err := sendJSON(ctx, conn, STTMessage{
		Type:      "stt",
		Text:      TrimDecoration(display),
		SessionID: conn.SessionID(),
	}); err != nil {
		return err
	}
	conn.SetSpeaking(true)
	return d.SendTTS(ctx, conn, StateStart, "")
}

// parseAttributed extracts content and speaker from a JSON-object
// transcript. ok is false for plain text or objects without "content".
func parseAttributed(text string) (content, speaker string, ok bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "{") || !strings.HasSuffix(trimmed, "}") {
		return "", "", false
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
		return "", "", false
	}
	c, found := obj["content"]
	if !found {
		return "", "", false
	}
	if s, found := obj["speaker"]; found && s != nil {
		speaker = stringify(s)
	}
	return stringify(c), speaker, true
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func sendJSON(ctx context.Context, conn Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("delivery: encode control message: %w", err)
	}
	if err := conn.SendText(ctx, b); err != nil {
		return fmt.Errorf("delivery: send control message: %w", err)
	}
	return nil
}
