// Package playback schedules inbound audio frames back to back on an output
// device clock so consecutive chunks play without gaps or overlap, and
// flushes everything on barge-in.
//
// The scheduler keeps a single cursor, nextStart, on the output clock. Each
// frame starts at max(nextStart, now) and advances the cursor by its
// duration. The cursor is held as an anchor time plus a count of sample
// frames queued since the anchor, so long responses made of odd-sized
// chunks never accumulate nanosecond truncation. Natural completion of a voice removes it from the live set;
// [Scheduler.Interrupt] stops every live voice and pulls the cursor back to
// the current clock time.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vyncuslim/SomnoAI-Digital-Sleep-Lab-sub000/internal/observe"
	"github.com/vyncuslim/SomnoAI-Digital-Sleep-Lab-sub000/pkg/audio"
)

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("playback: scheduler closed")

// Option configures a [Scheduler].
type Option func(*Scheduler)

// WithFormat sets the format voices are scheduled in. Frames in any other
// format are converted first. Defaults to [audio.PlaybackFormat].
func WithFormat(f audio.Format) Option {
	return func(s *Scheduler) { s.conv.Target = f }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// Stats is a snapshot of scheduler counters.
type Stats struct {
	Scheduled     int
	Underruns     int
	Interruptions int
	Malformed     int
}

// Scheduler queues decoded frames on an [audio.Output]. All methods are safe
// for concurrent use; onEnded callbacks from the output's render goroutine
// take the same lock as Enqueue.
type Scheduler struct {
	out     audio.Output
	conv    audio.FormatConverter
	metrics *observe.Metrics

	mu     sync.Mutex
	anchor time.Duration // clock time the queued run started at
	queued int           // sample frames queued since anchor
	rate   int           // sample rate queued is counted in
	live   map[uint64]audio.Voice
	seq    uint64
	closed bool
	stats  Stats
}

// New returns a Scheduler whose cursor starts at out.Now().
func New(out audio.Output, opts ...Option) *Scheduler {
	s := &Scheduler{
		out:  out,
		conv: audio.FormatConverter{Target: audio.PlaybackFormat},
		live: make(map[uint64]audio.Voice),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.anchor = out.Now()
	s.rate = s.conv.Target.SampleRate
	return s
}

// Enqueue schedules frame immediately after everything already queued, or
// at the current clock time if the queue has run dry. A malformed frame is
// dropped and the error returned with scheduler state unchanged. An empty
// frame is a no-op.
func (s *Scheduler) Enqueue(frame audio.AudioFrame) error {
	if len(frame.Data) == 0 {
		return nil
	}

	conv, err := s.conv.Convert(frame)
	var samples []float32
	if err == nil {
		samples, err = audio.Decode(conv, conv.Channels)
	}
	if err != nil {
		s.mu.Lock()
		s.stats.Malformed++
		s.mu.Unlock()
		s.metrics.PlaybackMalformed.Add(context.Background(), 1)
		return fmt.Errorf("playback: enqueue: %w", err)
	}
	if len(samples) == 0 {
		return nil
	}
	f := audio.Format{SampleRate: conv.SampleRate, Channels: conv.Channels}
	frames := len(samples) / max(f.Channels, 1)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	if now := s.out.Now(); s.nextStartLocked() < now || f.SampleRate != s.rate {
		s.reanchorLocked(max(now, s.nextStartLocked()), f.SampleRate)
	}
	start := s.nextStartLocked()
	id := s.seq
	s.seq++
	voice, err := s.out.Schedule(samples, f, start, func() { s.ended(id) })
	if err != nil {
		return fmt.Errorf("playback: schedule: %w", err)
	}
	s.live[id] = voice
	s.queued += frames
	s.stats.Scheduled++
	s.metrics.PlaybackBuffers.Add(context.Background(), 1)
	return nil
}

// ended is the natural-completion callback for voice id.
func (s *Scheduler) ended(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.live[id]; !ok {
		return
	}
	delete(s.live, id)
	if len(s.live) == 0 && !s.closed {
		s.stats.Underruns++
		s.metrics.PlaybackUnderruns.Add(context.Background(), 1)
		slog.Debug("playback: live set drained", "cursor", s.nextStartLocked())
	}
}

// Interrupt stops every live voice, clears the live set and moves the cursor
// to the current clock time so the next frame plays immediately.
func (s *Scheduler) Interrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	n := s.stopAllLocked()
	s.reanchorLocked(s.out.Now(), s.rate)
	s.stats.Interruptions++
	s.metrics.PlaybackInterruptions.Add(context.Background(), 1)
	slog.Debug("playback: interrupted", "stopped", n, "cursor", s.anchor)
}

// Close stops every live voice and rejects further frames. The cursor is
// left where it is. Close is idempotent.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.stopAllLocked()
}

func (s *Scheduler) stopAllLocked() int {
	n := len(s.live)
	for id, v := range s.live {
		v.Stop()
		delete(s.live, id)
	}
	return n
}

// NextStart returns the clock time at which the next frame would start if
// the queue has not run dry.
func (s *Scheduler) NextStart() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextStartLocked()
}

func (s *Scheduler) nextStartLocked() time.Duration {
	if s.queued == 0 || s.rate <= 0 {
		return s.anchor
	}
	return s.anchor + audio.SamplesDuration(s.queued, s.rate)
}

func (s *Scheduler) reanchorLocked(at time.Duration, rate int) {
	s.anchor, s.queued, s.rate = at, 0, rate
}

// Live returns the number of scheduled voices that have neither finished
// nor been stopped.
func (s *Scheduler) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// Stats returns a snapshot of the scheduler counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
