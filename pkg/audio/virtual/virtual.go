// Package virtual provides headless audio devices for servers and CI hosts
// without sound hardware. The microphone replays a fixed PCM clip (or
// silence) in real time and the speaker renders its timeline on a ticker,
// optionally writing the mixed PCM16 stream to an [io.Writer].
package virtual

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/vyncuslim/SomnoAI-Digital-Sleep-Lab-sub000/pkg/audio"
	"github.com/vyncuslim/SomnoAI-Digital-Sleep-Lab-sub000/pkg/audio/timeline"
)

// Compile-time interface assertions.
var (
	_ audio.InputDevice = (*Microphone)(nil)
	_ audio.Output      = (*Speaker)(nil)
)

// LoadPCM reads a raw little-endian PCM16 mono file and returns normalized
// samples.
func LoadPCM(path string) ([]float32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: virtual: %v", audio.ErrDeviceUnavailable, err)
	}
	samples, err := audio.Decode(audio.AudioFrame{Data: data}, 1)
	if err != nil {
		return nil, fmt.Errorf("virtual: %s: %w", path, err)
	}
	return samples, nil
}

// ─── Microphone ───────────────────────────────────────────────────────────────

// Microphone delivers Clip in a loop, one block per block period. An empty
// Clip produces silence.
type Microphone struct {
	Clip []float32
}

// StartCapture implements [audio.InputDevice].
func (m *Microphone) StartCapture(f audio.Format, blockSize int, fn func([]float32)) (audio.Stream, error) {
	if f.SampleRate <= 0 || blockSize <= 0 {
		return nil, fmt.Errorf("%w: virtual: invalid format %s block %d", audio.ErrDeviceUnavailable, f, blockSize)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &stream{cancel: cancel, done: make(chan struct{})}
	period := audio.SamplesDuration(blockSize, f.SampleRate)
	block := make([]float32, blockSize*max(f.Channels, 1))

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		pos := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			pos = m.fill(block, pos)
			fn(block)
		}
	}()
	return s, nil
}

// fill copies the next len(block) clip samples into block, wrapping around.
func (m *Microphone) fill(block []float32, pos int) int {
	if len(m.Clip) == 0 {
		clear(block)
		return 0
	}
	for i := range block {
		block[i] = m.Clip[pos]
		pos = (pos + 1) % len(m.Clip)
	}
	return pos
}

type stream struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Stop waits for the delivery goroutine, so no callback runs after it returns.
func (s *stream) Stop() error {
	s.cancel()
	<-s.done
	return nil
}

// ─── Speaker ──────────────────────────────────────────────────────────────────

// Speaker renders its timeline in real time on a ticker. Rendered audio is
// written as PCM16 to the optional sink.
type Speaker struct {
	*timeline.Timeline

	sink   io.Writer
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// DefaultPeriod is the speaker render interval.
const DefaultPeriod = 20 * time.Millisecond

// OpenSpeaker starts a virtual speaker in format f. sink may be nil.
func OpenSpeaker(f audio.Format, sink io.Writer) *Speaker {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Speaker{
		Timeline: timeline.New(f),
		sink:     sink,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go s.run(ctx, DefaultPeriod)
	return s
}

func (s *Speaker) run(ctx context.Context, period time.Duration) {
	defer close(s.done)
	f := s.Format()
	frames := int(int64(f.SampleRate) * int64(period) / int64(time.Second))
	buf := make([]float32, frames*f.Channels)
	pcm := make([]byte, len(buf)*2)
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		s.Render(buf)
		if s.sink == nil {
			continue
		}
		for i, v := range buf {
			binary.LittleEndian.PutUint16(pcm[i*2:], uint16(audio.EncodeSample(v)))
		}
		if _, err := s.sink.Write(pcm); err != nil {
			slog.Warn("virtual speaker: sink write failed, discarding output", "err", err)
			s.sink = nil
		}
	}
}

// Close stops rendering. Safe to call more than once.
func (s *Speaker) Close() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
	return nil
}
