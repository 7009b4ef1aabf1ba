package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
)

// FormatConverter lifts frames into a target format (resample, then channel
// mix). It logs once on the first mismatch. Target must not change after
// the first Convert.
type FormatConverter struct {
	Target     Format
	warnedOnce sync.Once
}

// Convert returns frame in the target format. A frame already in the target
// format is returned as is. Misaligned PCM or a missing sample rate yields
// [ErrMalformedFrame].
func (c *FormatConverter) Convert(frame AudioFrame) (AudioFrame, error) {
	if frame.Channels < 1 {
		frame.Channels = 1
	}
	if frame.SampleRate <= 0 {
		return AudioFrame{}, fmt.Errorf("%w: sample rate %d", ErrMalformedFrame, frame.SampleRate)
	}
	if len(frame.Data)%(2*frame.Channels) != 0 {
		return AudioFrame{}, fmt.Errorf("%w: %d bytes for %d channels", ErrMalformedFrame, len(frame.Data), frame.Channels)
	}
	if frame.SampleRate == c.Target.SampleRate && frame.Channels == c.Target.Channels {
		return frame, nil
	}

	c.warnedOnce.Do(func() {
		slog.Debug("audio: converting stream format",
			"from", formatString(frame.SampleRate, frame.Channels),
			"to", c.Target.String(),
		)
	})

	pcm := frame.Data
	if frame.Channels == 2 && c.Target.Channels == 1 {
		pcm = StereoToMono(pcm)
		frame.Channels = 1
	}
	if frame.SampleRate != c.Target.SampleRate && frame.Channels == 1 {
		pcm = ResampleMono16(pcm, frame.SampleRate, c.Target.SampleRate)
		frame.SampleRate = c.Target.SampleRate
	}
	if frame.Channels == 1 && c.Target.Channels == 2 {
		pcm = MonoToStereo(pcm)
		frame.Channels = 2
	}
	if frame.SampleRate != c.Target.SampleRate || frame.Channels != c.Target.Channels {
		return AudioFrame{}, fmt.Errorf("audio: cannot convert %s to %s",
			formatString(frame.SampleRate, frame.Channels), c.Target)
	}
	frame.Data = pcm
	return frame, nil
}

func sampleAt(pcm []byte, i int) int16 {
	return int16(binary.LittleEndian.Uint16(pcm[i*2:]))
}

func putSample(pcm []byte, i int, v int16) {
	binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
}

// MonoToStereo duplicates each mono sample into an L+R pair.
func MonoToStereo(pcm []byte) []byte {
	n := len(pcm) / 2
	out := make([]byte, n*4)
	for i := range n {
		s := sampleAt(pcm, i)
		putSample(out, 2*i, s)
		putSample(out, 2*i+1, s)
	}
	return out
}

// StereoToMono averages each L+R pair. The average of two int16 values
// always fits int16, so no clamping is required.
func StereoToMono(pcm []byte) []byte {
	n := len(pcm) / 4
	out := make([]byte, n*2)
	for i := range n {
		l := int32(sampleAt(pcm, 2*i))
		r := int32(sampleAt(pcm, 2*i+1))
		putSample(out, i, int16((l+r)/2))
	}
	return out
}

// ResampleMono16 resamples mono PCM16 from srcRate to dstRate by linear
// interpolation. Equal or invalid rates return the input unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcN := len(pcm) / 2
	dstN := int(int64(srcN) * int64(dstRate) / int64(srcRate))
	if dstN == 0 {
		return nil
	}

	out := make([]byte, dstN*2)
	step := float64(srcRate) / float64(dstRate)
	for i := range dstN {
		pos := float64(i) * step
		idx := int(pos)
		frac := pos - float64(idx)

		s0 := float64(sampleAt(pcm, idx))
		s1 := s0
		if idx+1 < srcN {
			s1 = float64(sampleAt(pcm, idx+1))
		}
		putSample(out, i, int16(s0+(s1-s0)*frac))
	}
	return out
}

// formatString renders a format as e.g. "24000Hz mono".
func formatString(rate, channels int) string {
	switch channels {
	case 1:
		return fmt.Sprintf("%dHz mono", rate)
	case 2:
		return fmt.Sprintf("%dHz stereo", rate)
	default:
		return fmt.Sprintf("%dHz %dch", rate, channels)
	}
}
