// Package portaudio implements [audio.InputDevice] and [audio.Output] on top
// of the system's default PortAudio devices.
//
// Both devices use callback streams: capture blocks are handed to the
// registered callback on PortAudio's thread, and the speaker's render
// callback pulls mixed samples from a [timeline.Timeline], so the output
// clock advances in lock-step with the hardware.
package portaudio

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	pa "github.com/gordonklaus/portaudio"

	"github.com/vyncuslim/SomnoAI-Digital-Sleep-Lab-sub000/pkg/audio"
	"github.com/vyncuslim/SomnoAI-Digital-Sleep-Lab-sub000/pkg/audio/timeline"
)

// Compile-time interface assertions.
var (
	_ audio.InputDevice = (*Microphone)(nil)
	_ audio.Output      = (*Speaker)(nil)
)

// DefaultRenderFrames is the speaker callback size in sample frames.
const DefaultRenderFrames = 480

// open initialises PortAudio and opens a default stream. PortAudio reference
// counts Initialize/Terminate, so each stream owns one pair.
func open(in, out int, rate int, frames int, cb any) (*pa.Stream, error) {
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: portaudio: initialize: %v", audio.ErrDeviceUnavailable, err)
	}
	s, err := pa.OpenDefaultStream(in, out, float64(rate), frames, cb)
	if err != nil {
		_ = pa.Terminate()
		return nil, fmt.Errorf("%w: portaudio: open stream: %v", audio.ErrDeviceUnavailable, err)
	}
	if err := s.Start(); err != nil {
		_ = s.Close()
		_ = pa.Terminate()
		return nil, fmt.Errorf("%w: portaudio: start stream: %v", audio.ErrDeviceUnavailable, err)
	}
	return s, nil
}

// shutdown stops and closes s and releases the PortAudio reference.
func shutdown(s *pa.Stream) error {
	err := s.Stop()
	if cerr := s.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if terr := pa.Terminate(); terr != nil && err == nil {
		err = terr
	}
	return err
}

// ─── Microphone ───────────────────────────────────────────────────────────────

// Microphone captures from the default input device.
type Microphone struct{}

// NewMicrophone returns a Microphone. The device is only opened by StartCapture.
func NewMicrophone() *Microphone { return &Microphone{} }

// StartCapture implements [audio.InputDevice].
func (m *Microphone) StartCapture(f audio.Format, blockSize int, fn func([]float32)) (audio.Stream, error) {
	cs := &captureStream{}
	s, err := open(f.Channels, 0, f.SampleRate, blockSize, func(in []float32) {
		fn(in)
	})
	if err != nil {
		return nil, err
	}
	cs.stream = s
	slog.Debug("portaudio: capture started", "format", f.String(), "block_size", blockSize)
	return cs, nil
}

type captureStream struct {
	stream *pa.Stream
	once   sync.Once
	err    error
}

// Stop blocks until PortAudio has returned from the last callback.
func (c *captureStream) Stop() error {
	c.once.Do(func() {
		c.err = shutdown(c.stream)
	})
	return c.err
}

// ─── Speaker ──────────────────────────────────────────────────────────────────

// Speaker plays audio on the default output device. Its clock is the
// embedded timeline, advanced by the device render callback.
type Speaker struct {
	*timeline.Timeline

	stream    *pa.Stream
	closeOnce sync.Once
	closeErr  error
}

// OpenSpeaker opens the default output device in format f.
func OpenSpeaker(f audio.Format) (*Speaker, error) {
	if f.SampleRate <= 0 {
		return nil, errors.New("portaudio: sample rate must be positive")
	}
	sp := &Speaker{Timeline: timeline.New(f)}
	s, err := open(0, sp.Format().Channels, f.SampleRate, DefaultRenderFrames, func(out []float32) {
		sp.Render(out)
	})
	if err != nil {
		return nil, err
	}
	sp.stream = s
	return sp, nil
}

// Close stops the output stream. Safe to call more than once.
func (s *Speaker) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = shutdown(s.stream)
	})
	return s.closeErr
}
