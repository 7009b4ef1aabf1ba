package audio

import (
	"fmt"
	"time"
)

// AudioFrame is one chunk of PCM16 little-endian audio. Frames are the unit of
// hand-off between capture, transport and playback; once a frame is handed to
// the next stage the sender must not touch Data again.
type AudioFrame struct {
	// PCM audio data, interleaved int16 little-endian.
	Data []byte

	// SampleRate in Hz (16000 for capture, 24000 for playback).
	SampleRate int

	// Channels: 1 for mono.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Samples returns the number of sample frames (samples per channel) in f.
func (f AudioFrame) Samples() int {
	ch := f.Channels
	if ch < 1 {
		ch = 1
	}
	return len(f.Data) / 2 / ch
}

// Duration returns the playback length of f. Zero-rate frames have no duration.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return SamplesDuration(f.Samples(), f.SampleRate)
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

var (
	// CaptureFormat is the wire format for outbound microphone audio.
	CaptureFormat = Format{SampleRate: 16000, Channels: 1}

	// PlaybackFormat is the wire format of synthesized audio from the remote model.
	PlaybackFormat = Format{SampleRate: 24000, Channels: 1}
)

// MIMEType returns the media type used on the wire, e.g. "audio/pcm;rate=16000".
func (f Format) MIMEType() string {
	return fmt.Sprintf("audio/pcm;rate=%d", f.SampleRate)
}

// String implements fmt.Stringer.
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// SamplesDuration converts a sample count at rate into a duration without
// accumulating rounding error for whole-second multiples.
func SamplesDuration(samples, rate int) time.Duration {
	return time.Duration(int64(samples) * int64(time.Second) / int64(rate))
}
