package audio

import (
	"slices"
	"testing"
	"time"
)

func TestInt16sBytesRoundTrip(t *testing.T) {
	t.Parallel()
	in := []int16{0, 1, -1, 32767, -32768, 1234}
	got := Int16s(Bytes(in))
	if !slices.Equal(got, in) {
		t.Errorf("Int16s(Bytes(%v)) = %v", in, got)
	}
}

func TestInt16s_IgnoresOddTrailingByte(t *testing.T) {
	t.Parallel()
	got := Int16s([]byte{0x01, 0x00, 0xff})
	if len(got) != 1 || got[0] != 1 {
		t.Errorf("Int16s = %v, want [1]", got)
	}
}

func TestDownmix(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		in       []int16
		channels int
		want     []int16
	}{
		{"mono passthrough", []int16{1, 2, 3}, 1, []int16{1, 2, 3}},
		{"stereo average", []int16{10, 20, -10, -30}, 2, []int16{15, -20}},
		{"drops partial frame", []int16{10, 20, 5}, 2, []int16{15}},
		{"no overflow", []int16{32767, 32767}, 2, []int16{32767}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Downmix(tt.in, tt.channels); !slices.Equal(got, tt.want) {
				t.Errorf("Downmix = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestResample(t *testing.T) {
	t.Parallel()

	t.Run("same rate is identity", func(t *testing.T) {
		t.Parallel()
		in := []int16{1, 2, 3}
		if got := Resample(in, 16000, 16000); !slices.Equal(got, in) {
			t.Errorf("got %v", got)
		}
	})

	t.Run("downsample halves length", func(t *testing.T) {
		t.Parallel()
		in := make([]int16, 480)
		if got := Resample(in, 48000, 16000); len(got) != 160 {
			t.Errorf("len = %d, want 160", len(got))
		}
	})

	t.Run("upsample interpolates", func(t *testing.T) {
		t.Parallel()
		got := Resample([]int16{0, 100}, 8000, 16000)
		want := []int16{0, 50, 100, 100}
		if !slices.Equal(got, want) {
			t.Errorf("got %v, want %v", got, want)
		}
	})
}

func TestDuration(t *testing.T) {
	t.Parallel()
	if got := Duration(6); got != 360*time.Millisecond {
		t.Errorf("Duration(6) = %v, want 360ms", got)
	}
}
