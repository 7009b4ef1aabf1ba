// Package capture turns raw microphone blocks into fixed-size PCM16 frames
// and hands them to a session without ever blocking the device thread.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vyncuslim/SomnoAI-Digital-Sleep-Lab-sub000/internal/observe"
	"github.com/vyncuslim/SomnoAI-Digital-Sleep-Lab-sub000/pkg/audio"
	"github.com/vyncuslim/SomnoAI-Digital-Sleep-Lab-sub000/pkg/provider/s2s"
)

// DefaultBlockSize is the number of samples per outbound frame.
const DefaultBlockSize = 4096

// ErrRunning is returned by Start when capture is already active.
var ErrRunning = errors.New("capture: already running")

// Sink receives encoded frames. SendAudio must not block.
type Sink interface {
	SendAudio(frame audio.AudioFrame) error
}

// Option configures an [Encoder].
type Option func(*Encoder)

// WithBlockSize sets the frame size in samples per channel.
func WithBlockSize(n int) Option {
	return func(e *Encoder) {
		if n > 0 {
			e.blockSize = n
		}
	}
}

// WithFormat sets the capture format. Defaults to [audio.CaptureFormat].
func WithFormat(f audio.Format) Option {
	return func(e *Encoder) { e.format = f }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Encoder) { e.metrics = m }
}

// Stats is a snapshot of encoder counters for the current run.
type Stats struct {
	Sent    int
	Dropped int
}

// Encoder captures from an [audio.InputDevice] and forwards fixed-size
// frames to a [Sink]. It is safe for concurrent use; the device callback and
// Start/Stop may race freely.
type Encoder struct {
	dev       audio.InputDevice
	format    audio.Format
	blockSize int
	metrics   *observe.Metrics

	mu       sync.Mutex
	running  bool
	run      uint64 // incremented by Start
	stream   audio.Stream
	sink     Sink
	pending  []float32
	frames   int64 // frames emitted this run, for timestamps
	stats    Stats
	dropping bool // inside a burst of full-queue drops
}

// New returns an Encoder reading from dev.
func New(dev audio.InputDevice, opts ...Option) *Encoder {
	e := &Encoder{
		dev:       dev,
		format:    audio.CaptureFormat,
		blockSize: DefaultBlockSize,
	}
	for _, o := range opts {
		o(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	return e
}

// Start acquires the device and begins forwarding frames to sink. Device
// failures wrap [audio.ErrDeviceUnavailable].
func (e *Encoder) Start(sink Sink) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return ErrRunning
	}
	e.running = true
	e.run++
	run := e.run
	e.sink = sink
	e.pending = make([]float32, 0, 2*e.blockSize*max(e.format.Channels, 1))
	e.frames = 0
	e.stats = Stats{}
	e.dropping = false
	e.mu.Unlock()

	stream, err := e.dev.StartCapture(e.format, e.blockSize, func(samples []float32) {
		e.onSamples(run, samples)
	})
	if err != nil {
		e.mu.Lock()
		if e.run == run {
			e.running = false
			e.sink = nil
		}
		e.mu.Unlock()
		if !errors.Is(err, audio.ErrDeviceUnavailable) {
			err = fmt.Errorf("%w: %w", audio.ErrDeviceUnavailable, err)
		}
		return fmt.Errorf("capture: start: %w", err)
	}

	e.mu.Lock()
	stale := !e.running || e.run != run
	if !stale {
		e.stream = stream
	}
	e.mu.Unlock()
	if stale {
		// Stop, and possibly a newer Start, raced with StartCapture. The
		// newer run owns the encoder; release only this stream.
		_ = stream.Stop()
		return nil
	}
	slog.Debug("capture: started", "format", e.format.String(), "block_size", e.blockSize)
	return nil
}

// Stop releases the device and discards any partial block. It is idempotent
// and no frame reaches the sink after it returns.
func (e *Encoder) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	e.sink = nil
	e.pending = nil
	stream := e.stream
	e.stream = nil
	stats := e.stats
	e.mu.Unlock()

	slog.Debug("capture: stopped", "sent", stats.Sent, "dropped", stats.Dropped)
	if stream == nil {
		return nil
	}
	// The device lock order is device -> encoder, so stop without holding e.mu.
	if err := stream.Stop(); err != nil {
		return fmt.Errorf("capture: stop: %w", err)
	}
	return nil
}

// Running reports whether capture is active.
func (e *Encoder) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Stats returns counters for the current or last run.
func (e *Encoder) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// onSamples is the device callback. It re-chunks arbitrary device blocks
// into exact blockSize frames.
func (e *Encoder) onSamples(run uint64, samples []float32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running || e.run != run {
		return
	}

	e.pending = append(e.pending, samples...)
	n := e.blockSize * max(e.format.Channels, 1)
	for len(e.pending) >= n {
		frame := audio.Encode(e.pending[:n], e.format)
		frame.Timestamp = audio.SamplesDuration(int(e.frames)*e.blockSize, e.format.SampleRate)
		e.frames++
		rest := copy(e.pending, e.pending[n:])
		e.pending = e.pending[:rest]
		e.deliverLocked(frame)
	}
}

func (e *Encoder) deliverLocked(frame audio.AudioFrame) {
	ctx := context.Background()
	err := e.sink.SendAudio(frame)
	switch {
	case err == nil:
		e.stats.Sent++
		e.metrics.CaptureFrames.Add(ctx, 1)
		if e.dropping {
			slog.Info("capture: send queue drained", "dropped", e.stats.Dropped)
			e.dropping = false
		}
	case errors.Is(err, s2s.ErrSendQueueFull):
		e.stats.Dropped++
		e.metrics.CaptureDropped.Add(ctx, 1)
		if !e.dropping {
			slog.Warn("capture: send queue full, dropping frames", "at", frame.Timestamp.Round(time.Millisecond))
			e.dropping = true
		}
	case errors.Is(err, s2s.ErrSessionClosed):
		// Teardown is on its way; stay quiet until Stop.
	default:
		slog.Warn("capture: send failed", "err", err)
	}
}
