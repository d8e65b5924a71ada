// Package handlers provides the built-in interception side effects and the
// declarative table that decides which of them run.
package handlers

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/MrWong99/voicegate/internal/intercept"
	"github.com/dustin/go-humanize"
)

// summaryEvery is how many messages a device sends between activity
// summaries.
const summaryEvery = 10

// DeviceActivity aggregates what one device has sent.
type DeviceActivity struct {
	FirstSeen  time.Time
	LastSeen   time.Time
	Messages   int64
	AudioBytes int64
	Kinds      map[string]int64
}

// Analytics passively tracks per-device activity and logs a summary every
// ten messages.
type Analytics struct {
	mu      sync.Mutex
	devices map[string]*DeviceActivity
	log     *slog.Logger
}

var _ intercept.Handler = (*Analytics)(nil)

// NewAnalytics creates an empty Analytics handler.
func NewAnalytics() *Analytics {
	return &Analytics{
		devices: make(map[string]*DeviceActivity),
		log:     slog.Default().With("handler", "analytics"),
	}
}

// Name implements [intercept.Handler].
func (a *Analytics) Name() string { return "analytics" }

// Handle implements [intercept.Handler].
func (a *Analytics) Handle(_ context.Context, rec intercept.Record, msg intercept.Message) error {
	a.mu.Lock()
	d, ok := a.devices[rec.DeviceID]
	if !ok {
		d = &DeviceActivity{FirstSeen: rec.Timestamp, Kinds: make(map[string]int64)}
		a.devices[rec.DeviceID] = d
	}
	d.LastSeen = rec.Timestamp
	d.Messages++
	d.Kinds[rec.Kind]++
	if msg.Binary {
		d.AudioBytes += int64(len(msg.Data))
	}
	summarise := d.Messages%summaryEvery == 0
	var snap DeviceActivity
	if summarise {
		snap = *d
	}
	a.mu.Unlock()

	if summarise {
		a.log.Info("device activity",
			"device_id", rec.DeviceID,
			"messages", snap.Messages,
			"session_duration", snap.LastSeen.Sub(snap.FirstSeen).Round(10*time.Millisecond),
			"audio", humanize.Bytes(uint64(snap.AudioBytes)),
			"first_seen", humanize.Time(snap.FirstSeen),
		)
	}
	return nil
}

// Activity returns a copy of the activity of deviceID.
func (a *Analytics) Activity(deviceID string) (DeviceActivity, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	d, ok := a.devices[deviceID]
	if !ok {
		return DeviceActivity{}, false
	}
	cp := *d
	cp.Kinds = maps.Clone(d.Kinds)
	return cp, true
}

// Devices returns the number of devices seen.
func (a *Analytics) Devices() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.devices)
}
