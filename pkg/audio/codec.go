package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrMalformedFrame is returned when PCM bytes cannot be split into whole
// samples for the declared channel count. Callers drop the frame and continue.
var ErrMalformedFrame = errors.New("audio: malformed frame")

// Encode converts normalized float samples in [-1, 1] to a PCM16 frame.
// Each sample is scaled by 32768, truncated toward zero and clamped to the
// int16 range. Out-of-range input saturates; NaN encodes as silence.
func Encode(samples []float32, f Format) AudioFrame {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(EncodeSample(s)))
	}
	return AudioFrame{
		Data:       data,
		SampleRate: f.SampleRate,
		Channels:   f.Channels,
	}
}

// EncodeSample converts one normalized sample to int16.
func EncodeSample(s float32) int16 {
	if math.IsNaN(float64(s)) {
		return 0
	}
	f := math.Max(-1, math.Min(1, float64(s)))
	v := int32(f * 32768)
	if v > math.MaxInt16 {
		v = math.MaxInt16
	}
	return int16(v)
}

// Decode converts a PCM16 frame back to normalized floats by dividing each
// sample by 32768. The result keeps the interleaving of the source.
func Decode(frame AudioFrame, channels int) ([]float32, error) {
	if channels < 1 {
		return nil, fmt.Errorf("%w: %d channels", ErrMalformedFrame, channels)
	}
	if len(frame.Data)%2 != 0 {
		return nil, fmt.Errorf("%w: odd byte count %d", ErrMalformedFrame, len(frame.Data))
	}
	n := len(frame.Data) / 2
	if n%channels != 0 {
		return nil, fmt.Errorf("%w: %d samples not divisible by %d channels", ErrMalformedFrame, n, channels)
	}
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(frame.Data[i*2:]))) / 32768.0
	}
	return out, nil
}
