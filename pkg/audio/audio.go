// Package audio defines the audio units that flow from the synthesis side of
// voicegate to connected devices, plus the small set of PCM helpers needed to
// prepare locally stored sounds for delivery.
//
// Frames are opaque: voicegate never inspects or re-encodes the bytes of a
// synthesized frame. It only guarantees that frames reach the device in the
// order they were produced and at a cadence that matches their playback
// duration.
//
// This package lives under pkg/ because external code (speech synthesis
// adapters) is expected to produce [Frame] values.
package audio

import "time"

// FrameDuration is the nominal playback length of one encoded frame.
const FrameDuration = 60 * time.Millisecond

// Frame is one already-encoded audio unit (an Opus packet) covering
// [FrameDuration] of playback. A Frame must not be modified once produced.
type Frame []byte

// Duration returns the nominal playback length of n consecutive frames.
func Duration(n int) time.Duration {
	return time.Duration(n) * FrameDuration
}
