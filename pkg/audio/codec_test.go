package audio_test

import (
	"errors"
	"math"
	"testing"

	"pgregory.net/rapid"

	"github.com/vyncuslim/SomnoAI-Digital-Sleep-Lab-sub000/pkg/audio"
)

func TestEncodeSample(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   float32
		want int16
	}{
		{in: 0, want: 0},
		{in: 0.5, want: 16384},
		{in: -0.5, want: -16384},
		{in: 1, want: 32767},
		{in: -1, want: -32768},
		{in: 1.5, want: 32767},
		{in: -7, want: -32768},
		{in: float32(math.Inf(1)), want: 32767},
		{in: float32(math.NaN()), want: 0},
		// Truncation toward zero.
		{in: 1.9 / 32768, want: 1},
		{in: -1.9 / 32768, want: -1},
	}
	for _, tt := range tests {
		if got := audio.EncodeSample(tt.in); got != tt.want {
			t.Errorf("EncodeSample(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestEncodeFrameLayout(t *testing.T) {
	t.Parallel()
	frame := audio.Encode([]float32{0.5, -1}, audio.CaptureFormat)
	if frame.SampleRate != 16000 || frame.Channels != 1 {
		t.Fatalf("unexpected format %dHz %dch", frame.SampleRate, frame.Channels)
	}
	equalSamples(t, bytesToSamples(frame.Data), []int16{16384, -32768})
}

func TestDecodeMalformed(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		data     []byte
		channels int
	}{
		{name: "odd bytes", data: []byte{1, 2, 3}, channels: 1},
		{name: "partial stereo frame", data: samplesToBytes([]int16{1, 2, 3}), channels: 2},
		{name: "zero channels", data: samplesToBytes([]int16{1}), channels: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := audio.Decode(audio.AudioFrame{Data: tt.data}, tt.channels)
			if !errors.Is(err, audio.ErrMalformedFrame) {
				t.Fatalf("expected ErrMalformedFrame, got %v", err)
			}
		})
	}
}

func TestDecodeEmpty(t *testing.T) {
	t.Parallel()
	got, err := audio.Decode(audio.AudioFrame{}, 1)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no samples, got %d", len(got))
	}
}

func TestCodecRoundTrip(t *testing.T) {
	t.Parallel()
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(0, 512).Draw(rt, "length")
		in := make([]float32, n)
		for i := range in {
			in[i] = float32(rapid.Float64Range(-1, 1).Draw(rt, "sample"))
		}
		out, err := audio.Decode(audio.Encode(in, audio.CaptureFormat), 1)
		if err != nil {
			rt.Fatalf("Decode: %v", err)
		}
		if len(out) != len(in) {
			rt.Fatalf("length %d, want %d", len(out), len(in))
		}
		for i := range in {
			if d := math.Abs(float64(out[i] - in[i])); d > 1.0/32768+1e-7 {
				rt.Fatalf("sample %d: |%v - %v| = %v exceeds one quantization step", i, out[i], in[i], d)
			}
		}
	})
}

func TestEncodeNeverWraps(t *testing.T) {
	t.Parallel()
	rapid.Check(t, func(rt *rapid.T) {
		s := float32(rapid.Float64Range(-1e6, 1e6).Draw(rt, "sample"))
		got := audio.EncodeSample(s)
		if s > 0 && got < 0 || s < 0 && got > 0 {
			rt.Fatalf("EncodeSample(%v) = %d changed sign", s, got)
		}
	})
}
