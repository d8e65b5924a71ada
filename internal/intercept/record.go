package intercept

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// maxPreviewRunes bounds [Record.Preview].
const maxPreviewRunes = 1000

// Source describes the connection a message travelled on.
type Source interface {
	ClientIP() string
	DeviceID() string
	SessionID() string
	Header() http.Header
}

// Record is the immutable description of one intercepted message.
type Record struct {
	Timestamp time.Time
	ClientIP  string
	DeviceID  string
	SessionID string
	Kind      string
	Direction Direction

	// Preview is the text content cut to 1000 characters, or "[N bytes]"
	// for binary messages.
	Preview   string
	Size      int
	RequestID string
	Headers   map[string]string
	UserAgent string
}

// NewRecord describes m as seen on src at now.
func NewRecord(src Source, m Message, dir Direction, now time.Time) Record {
	rec := Record{
		Timestamp: now,
		ClientIP:  orUnknown(src.ClientIP()),
		DeviceID:  orUnknown(src.DeviceID()),
		SessionID: orUnknown(src.SessionID()),
		Kind:      Classify(m),
		Direction: dir,
		Preview:   preview(m),
		Size:      len(m.Data),
		RequestID: uuid.NewString(),
	}
	if h := src.Header(); h != nil {
		rec.Headers = make(map[string]string, len(h))
		for k, v := range h {
			if len(v) > 0 {
				rec.Headers[k] = v[0]
			}
		}
		rec.UserAgent = h.Get("User-Agent")
	}
	return rec
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func preview(m Message) string {
	if m.Binary {
		return fmt.Sprintf("[%d bytes]", len(m.Data))
	}
	if utf8.RuneCount(m.Data) <= maxPreviewRunes {
		return string(m.Data)
	}
	b := m.Data
	for range maxPreviewRunes {
		_, size := utf8.DecodeRune(b)
		b = b[size:]
	}
	return string(m.Data[:len(m.Data)-len(b)])
}

type recordJSON struct {
	Timestamp float64           `json:"timestamp"`
	Datetime  string            `json:"datetime"`
	ClientIP  string            `json:"client_ip"`
	DeviceID  string            `json:"device_id"`
	SessionID string            `json:"session_id"`
	Kind      string            `json:"message_type"`
	Direction string            `json:"direction"`
	Content   string            `json:"message_content"`
	Size      int               `json:"size"`
	RequestID string            `json:"request_id"`
	Headers   map[string]string `json:"headers"`
	UserAgent string            `json:"user_agent"`
}

// MarshalJSON encodes the record in the admin API shape.
func (r Record) MarshalJSON() ([]byte, error) {
	headers := r.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	return json.Marshal(recordJSON{
		Timestamp: float64(r.Timestamp.UnixMicro()) / 1e6,
		Datetime:  r.Timestamp.Format(time.RFC3339Nano),
		ClientIP:  r.ClientIP,
		DeviceID:  r.DeviceID,
		SessionID: r.SessionID,
		Kind:      r.Kind,
		Direction: r.Direction.String(),
		Content:   r.Preview,
		Size:      r.Size,
		RequestID: r.RequestID,
		Headers:   headers,
		UserAgent: r.UserAgent,
	})
}
