// Package notify prepares the short notification sound played to a device
// before a turn ends.
//
// The sound is loaded once at startup from an MP3 file, downmixed to mono,
// resampled to 16 kHz and Opus-encoded into 60 ms frames, so that it can be
// streamed exactly like synthesized speech.
package notify

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/MrWong99/voicegate/pkg/audio"
	"github.com/hajimehoshi/go-mp3"
	"layeh.com/gopus"
)

// Device audio format.
const (
	SampleRate = 16000
	// FrameSamples is the number of samples in one 60 ms frame.
	FrameSamples = SampleRate * int(audio.FrameDuration/time.Millisecond) / 1000 // 960

	// mp3 decoder output is always interleaved 16-bit stereo.
	mp3Channels = 2

	maxPacketBytes = 4000
)

// Load reads and encodes the MP3 file at path.
func Load(path string) ([]audio.Frame, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("notify: open %s: %w", path, err)
	}
	defer f.Close()
	return Decode(f)
}

// Decode decodes MP3 data from r and encodes it as Opus frames.
func Decode(r io.Reader) ([]audio.Frame, error) {
	dec, err := mp3.NewDecoder(r)
	if err != nil {
		return nil, fmt.Errorf("notify: decode mp3: %w", err)
	}
	raw, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("notify: read mp3: %w", err)
	}
	mono := audio.Downmix(audio.Int16s(raw), mp3Channels)
	return EncodePCM(audio.Resample(mono, dec.SampleRate(), SampleRate))
}

// EncodePCM encodes 16 kHz mono samples into 60 ms Opus frames. The last
// frame is padded with silence.
func EncodePCM(pcm []int16) ([]audio.Frame, error) {
	enc, err := gopus.NewEncoder(SampleRate, 1, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("notify: create opus encoder: %w", err)
	}
	chunks := splitFrames(pcm, FrameSamples)
	frames := make([]audio.Frame, 0, len(chunks))
	for i, chunk := range chunks {
		packet, err := enc.Encode(chunk, FrameSamples, maxPacketBytes)
		if err != nil {
			return nil, fmt.Errorf("notify: opus encode frame %d: %w", i, err)
		}
		frames = append(frames, audio.Frame(packet))
	}
	return frames, nil
}

// splitFrames cuts pcm into chunks of exactly n samples, zero-padding the
// last one.
func splitFrames(pcm []int16, n int) [][]int16 {
	var out [][]int16
	for start := 0; start < len(pcm); start += n {
		end := start + n
		if end <= len(pcm) {
			out = append(out, pcm[start:end])
			continue
		}
		last := make([]int16, n)
		copy(last, pcm[start:])
		out = append(out, last)
	}
	return out
}
