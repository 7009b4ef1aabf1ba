// Package timeline provides a software output clock implementing
// [audio.Output]. A Timeline holds scheduled voices keyed by their start
// sample and mixes them into whatever buffer the device render loop asks for.
// The clock advances only through [Timeline.Render], so it measures audio
// actually handed to the device rather than wall time.
package timeline

import (
	"container/heap"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vyncuslim/SomnoAI-Digital-Sleep-Lab-sub000/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Output = (*Timeline)(nil)

// ErrFormatMismatch is returned by [Timeline.Schedule] when the voice sample
// rate differs from the timeline's.
var ErrFormatMismatch = errors.New("timeline: format mismatch")

// voice is one scheduled buffer. All fields are guarded by Timeline.mu.
type voice struct {
	tl       *Timeline
	samples  []float32 // mono or interleaved in the timeline's channel count
	channels int
	start    int64 // first sample frame on the timeline clock
	seq      uint64
	stopped  bool
	onEnded  func()
}

func (v *voice) frames() int64 { return int64(len(v.samples) / v.channels) }

func (v *voice) end() int64 { return v.start + v.frames() }

// Stop implements [audio.Voice].
func (v *voice) Stop() {
	v.tl.mu.Lock()
	v.stopped = true
	v.tl.mu.Unlock()
}

// Timeline is a sample-accurate mixing clock. All methods are safe for
// concurrent use; Render is expected to be called from a single render
// goroutine.
type Timeline struct {
	format audio.Format

	mu      sync.Mutex
	pos     int64 // sample frames rendered so far
	seq     uint64
	pending voiceHeap
	active  []*voice
}

// New returns a Timeline rendering in format f. Channels < 1 is treated as mono.
func New(f audio.Format) *Timeline {
	if f.Channels < 1 {
		f.Channels = 1
	}
	return &Timeline{format: f}
}

// Format returns the render format.
func (t *Timeline) Format() audio.Format { return t.format }

// Now implements [audio.Output].
func (t *Timeline) Now() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return audio.SamplesDuration(int(t.pos), t.format.SampleRate)
}

// Schedule implements [audio.Output]. Voices may be mono or match the
// timeline's channel count; mono voices are copied to every channel.
func (t *Timeline) Schedule(samples []float32, f audio.Format, at time.Duration, onEnded func()) (audio.Voice, error) {
	if f.SampleRate != t.format.SampleRate {
		return nil, fmt.Errorf("%w: voice %s, output %s", ErrFormatMismatch, f, t.format)
	}
	ch := f.Channels
	if ch < 1 {
		ch = 1
	}
	if ch != 1 && ch != t.format.Channels {
		return nil, fmt.Errorf("%w: voice %s, output %s", ErrFormatMismatch, f, t.format)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	start := t.sampleAt(at)
	if start < t.pos {
		start = t.pos
	}
	t.seq++
	v := &voice{
		tl:       t,
		samples:  samples,
		channels: ch,
		start:    start,
		seq:      t.seq,
		onEnded:  onEnded,
	}
	heap.Push(&t.pending, v)
	return v, nil
}

// sampleAt converts a clock time to the nearest sample frame.
func (t *Timeline) sampleAt(at time.Duration) int64 {
	rate := int64(t.format.SampleRate)
	return (int64(at)*rate + int64(time.Second)/2) / int64(time.Second)
}

// Pending returns the number of voices that have not yet finished or been
// stopped.
func (t *Timeline) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, v := range t.pending {
		if !v.stopped {
			n++
		}
	}
	for _, v := range t.active {
		if !v.stopped {
			n++
		}
	}
	return n
}

// Render mixes every voice overlapping the next len(out)/channels sample
// frames into out (overwriting it), advances the clock and reports how many
// voices contributed. onEnded callbacks for voices that finished inside the
// window run after the timeline lock is released.
func (t *Timeline) Render(out []float32) int {
	clear(out)
	ch := t.format.Channels
	n := int64(len(out) / ch)

	t.mu.Lock()
	winStart, winEnd := t.pos, t.pos+n

	for v := t.pending.peek(); v != nil && v.start < winEnd; v = t.pending.peek() {
		heap.Pop(&t.pending)
		if !v.stopped {
			t.active = append(t.active, v)
		}
	}

	var (
		ended   []func()
		playing int
		keep    = t.active[:0]
	)
	for _, v := range t.active {
		if v.stopped {
			continue
		}
		from, to := max(v.start, winStart), min(v.end(), winEnd)
		if from < to {
			playing++
		}
		for f := from; f < to; f++ {
			src := int(f-v.start) * v.channels
			dst := int(f-winStart) * ch
			if v.channels == 1 {
				for c := range ch {
					out[dst+c] += v.samples[src]
				}
				continue
			}
			for c := range ch {
				out[dst+c] += v.samples[src+c]
			}
		}
		if v.end() <= winEnd {
			if v.onEnded != nil {
				ended = append(ended, v.onEnded)
			}
			continue
		}
		keep = append(keep, v)
	}
	clear(t.active[len(keep):])
	t.active = keep
	t.pos = winEnd
	t.mu.Unlock()

	for i, s := range out {
		out[i] = max(-1, min(1, s))
	}
	for _, fn := range ended {
		fn()
	}
	return playing
}
