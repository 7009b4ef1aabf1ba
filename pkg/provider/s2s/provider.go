// Package s2s defines the transport abstraction for speech-to-speech sessions.
//
// A speech-to-speech provider wraps a real-time voice model that accepts a
// continuous stream of microphone audio and answers with synthesized audio
// and transcript text over one persistent duplex connection. Examples include
// Gemini Live and the OpenAI Realtime API.
//
// The central abstraction is SessionHandle: outbound audio goes in through a
// non-blocking, order-preserving SendAudio, and everything the remote side
// says comes back as a single ordered stream of typed [Event] values.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"errors"

	"github.com/vyncuslim/SomnoAI-Digital-Sleep-Lab-sub000/pkg/audio"
)

var (
	// ErrConnect wraps failures to open a session: dial, authentication or a
	// missing handshake acknowledgement. The caller may retry.
	ErrConnect = errors.New("s2s: connect failed")

	// ErrProtocol wraps malformed or unexpected remote messages and remote
	// error reports. It is terminal for the session.
	ErrProtocol = errors.New("s2s: protocol error")

	// ErrSessionClosed is returned by SendAudio after the session ended.
	ErrSessionClosed = errors.New("s2s: session closed")

	// ErrSendQueueFull is returned by SendAudio when the outbound queue is
	// saturated. The frame is dropped; the session stays open.
	ErrSendQueueFull = errors.New("s2s: send queue full")

	// ErrUnsupported is returned by optional operations the provider lacks.
	ErrUnsupported = errors.New("s2s: operation not supported")
)

// SessionConfig is the open-handshake configuration for a new session.
type SessionConfig struct {
	// Instructions is the system-level prompt sent with the handshake.
	Instructions string

	// Voice names the prebuilt voice used for synthesized speech.
	Voice string

	// InputFormat is the format of frames passed to SendAudio. Defaults to
	// [audio.CaptureFormat].
	InputFormat audio.Format

	// OutputFormat is the format the caller wants AudioDelta frames in.
	// Defaults to [audio.PlaybackFormat].
	OutputFormat audio.Format
}

// WithDefaults returns c with zero formats replaced by the bridge defaults.
func (c SessionConfig) WithDefaults() SessionConfig {
	if c.InputFormat.SampleRate == 0 {
		c.InputFormat = audio.CaptureFormat
	}
	if c.OutputFormat.SampleRate == 0 {
		c.OutputFormat = audio.PlaybackFormat
	}
	return c
}

// Capabilities describes static properties of a provider.
type Capabilities struct {
	// NativeInputRate is the sample rate the remote model ingests. Frames in a
	// different rate are resampled by the provider before sending.
	NativeInputRate int

	// SupportsInterrupt reports whether [SessionHandle.Interrupt] sends a
	// client-side cancellation.
	SupportsInterrupt bool

	// Voices lists the prebuilt voice names.
	Voices []string
}

// SessionHandle is one open duplex session.
//
// Events are delivered in arrival order on a single channel. A session that
// ends on its own emits exactly one terminal sequence: an [Error] event
// followed by [Closed] for failures, or [Closed] alone for a clean remote
// close. The channel is closed after the terminal sequence, or by Close.
type SessionHandle interface {
	// ID is a unique identifier for logs and metrics.
	ID() string

	// SendAudio enqueues one frame for transmission and returns immediately.
	// Frames reach the remote side in call order. Returns [ErrSendQueueFull]
	// when saturated and [ErrSessionClosed] after the session ended.
	SendAudio(frame audio.AudioFrame) error

	// Events returns the inbound event stream.
	Events() <-chan Event

	// Interrupt asks the remote model to stop the response in progress.
	// Returns [ErrUnsupported] when the protocol has no client-side signal.
	Interrupt() error

	// Close ends the session. After Close returns no further events are
	// emitted and the Events channel is closed. Safe to call more than once.
	Close() error
}

// Provider opens sessions against one remote speech model.
type Provider interface {
	// Connect dials the remote model and performs the open handshake. It
	// returns only once the remote side acknowledged the session. Failures
	// wrap [ErrConnect].
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)

	// Capabilities returns static metadata about the provider.
	Capabilities() Capabilities
}
