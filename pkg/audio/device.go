package audio

import (
	"errors"
	"time"
)

// ErrDeviceUnavailable is returned when an audio device cannot be opened,
// e.g. the microphone permission was denied or no device is present.
var ErrDeviceUnavailable = errors.New("audio: device unavailable")

// InputDevice is a source of captured audio.
//
// StartCapture begins delivering normalized samples in format f to fn, in
// blocks of roughly blockSize sample frames. fn runs on the device's own
// goroutine and must not block or retain samples after it returns.
type InputDevice interface {
	StartCapture(f Format, blockSize int, fn func(samples []float32)) (Stream, error)
}

// Stream is a running capture. Stop is idempotent; after it returns the
// callback passed to StartCapture is never invoked again.
type Stream interface {
	Stop() error
}

// Output is a playback device with a sample-accurate clock.
//
// Now reports the output clock: the amount of audio the device has rendered
// since it was opened. Schedule queues samples (in format f) to start at
// clock time at; if at is already in the past playback starts immediately.
// onEnded is invoked once, from the render goroutine, when the voice finishes
// playing naturally. It is not invoked for a voice stopped with [Voice.Stop].
type Output interface {
	Now() time.Duration
	Schedule(samples []float32, f Format, at time.Duration, onEnded func()) (Voice, error)
}

// Voice is a handle to one scheduled buffer. Stop silences it immediately
// and is safe to call more than once.
type Voice interface {
	Stop()
}
