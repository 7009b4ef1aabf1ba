// Package mock provides in-memory implementations of [audio.InputDevice] and
// [audio.Output] for unit tests.
//
// Both mocks are safe for concurrent use and record every call. The output
// clock only moves when the test calls [Output.Advance], which makes
// scheduling assertions deterministic:
//
//	out := &mock.Output{}
//	out.Schedule(samples, audio.PlaybackFormat, 0, onEnded)
//	out.Advance(100 * time.Millisecond) // fires onEnded for finished voices
//
// A [Microphone] delivers blocks only when the test calls [Microphone.Emit].
package mock

import (
	"sync"
	"time"

	"github.com/vyncuslim/SomnoAI-Digital-Sleep-Lab-sub000/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.InputDevice = (*Microphone)(nil)
	_ audio.Output      = (*Output)(nil)
)

// ─── Microphone ───────────────────────────────────────────────────────────────

// StartCall records one StartCapture invocation.
type StartCall struct {
	Format    audio.Format
	BlockSize int
}

// Microphone is a mock [audio.InputDevice]. Set StartErr to simulate a denied
// permission or missing device.
type Microphone struct {
	mu sync.Mutex

	// StartErr is returned by StartCapture when non-nil.
	StartErr error

	// StartCalls records every StartCapture call.
	StartCalls []StartCall

	// StopCalls counts Stop invocations across all streams.
	StopCalls int

	fn      func([]float32)
	running bool
}

// StartCapture implements [audio.InputDevice].
func (m *Microphone) StartCapture(f audio.Format, blockSize int, fn func([]float32)) (audio.Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StartCalls = append(m.StartCalls, StartCall{Format: f, BlockSize: blockSize})
	if m.StartErr != nil {
		return nil, m.StartErr
	}
	m.fn = fn
	m.running = true
	return &stream{mic: m}, nil
}

// Emit delivers samples to the capture callback as the device would. It is
// a no-op when no stream is running and reports whether delivery happened.
// The callback runs while the microphone lock is held, so Stop cannot
// return while a delivery is in flight.
func (m *Microphone) Emit(samples []float32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return false
	}
	m.fn(samples)
	return true
}

// Running reports whether a capture stream is active.
func (m *Microphone) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Stops returns the number of Stop calls.
func (m *Microphone) Stops() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.StopCalls
}

type stream struct {
	mic  *Microphone
	once sync.Once
}

func (s *stream) Stop() error {
	s.mic.mu.Lock()
	defer s.mic.mu.Unlock()
	s.mic.StopCalls++
	s.once.Do(func() {
		s.mic.running = false
		s.mic.fn = nil
	})
	return nil
}

// ─── Output ───────────────────────────────────────────────────────────────────

// ScheduledVoice records one Schedule call.
type ScheduledVoice struct {
	Samples  int
	Format   audio.Format
	At       time.Duration // requested start
	Start    time.Duration // effective start: max(At, clock at schedule time)
	Duration time.Duration

	stopped bool
	ended   bool
	onEnded func()
}

// End returns the clock time at which the voice finishes.
func (v ScheduledVoice) End() time.Duration { return v.Start + v.Duration }

// Output is a mock [audio.Output] with a manually driven clock.
type Output struct {
	mu sync.Mutex

	// ScheduleErr is returned by Schedule when non-nil.
	ScheduleErr error

	now    time.Duration
	voices []*ScheduledVoice
}

// Now implements [audio.Output].
func (o *Output) Now() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now
}

// Schedule implements [audio.Output].
func (o *Output) Schedule(samples []float32, f audio.Format, at time.Duration, onEnded func()) (audio.Voice, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ScheduleErr != nil {
		return nil, o.ScheduleErr
	}
	ch := max(f.Channels, 1)
	v := &ScheduledVoice{
		Samples:  len(samples),
		Format:   f,
		At:       at,
		Start:    max(at, o.now),
		Duration: audio.SamplesDuration(len(samples)/ch, f.SampleRate),
		onEnded:  onEnded,
	}
	o.voices = append(o.voices, v)
	return &voiceHandle{out: o, v: v}, nil
}

// Advance moves the clock forward by d and fires onEnded for every voice that
// finished by the new time and was not stopped.
func (o *Output) Advance(d time.Duration) {
	o.mu.Lock()
	o.now += d
	var fire []func()
	for _, v := range o.voices {
		if v.stopped || v.ended || v.End() > o.now {
			continue
		}
		v.ended = true
		if v.onEnded != nil {
			fire = append(fire, v.onEnded)
		}
	}
	o.mu.Unlock()
	for _, fn := range fire {
		fn()
	}
}

// Voices returns a snapshot of every scheduled voice in call order.
func (o *Output) Voices() []ScheduledVoice {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]ScheduledVoice, len(o.voices))
	for i, v := range o.voices {
		out[i] = *v
	}
	return out
}

// Stopped reports how many voices were stopped.
func (o *Output) Stopped() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, v := range o.voices {
		if v.stopped {
			n++
		}
	}
	return n
}

type voiceHandle struct {
	out *Output
	v   *ScheduledVoice
}

func (h *voiceHandle) Stop() {
	h.out.mu.Lock()
	defer h.out.mu.Unlock()
	if !h.v.ended {
		h.v.stopped = true
	}
}
