package virtual_test

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/vyncuslim/SomnoAI-Digital-Sleep-Lab-sub000/pkg/audio"
	"github.com/vyncuslim/SomnoAI-Digital-Sleep-Lab-sub000/pkg/audio/virtual"
)

func TestMicrophoneLoopsClipAndStops(t *testing.T) {
	t.Parallel()
	mic := &virtual.Microphone{Clip: []float32{0.1, 0.2, 0.3}}

	var (
		mu     sync.Mutex
		blocks [][]float32
	)
	got := make(chan struct{}, 1)
	s, err := mic.StartCapture(audio.Format{SampleRate: 1000, Channels: 1}, 4, func(b []float32) {
		mu.Lock()
		blocks = append(blocks, append([]float32(nil), b...))
		mu.Unlock()
		select {
		case got <- struct{}{}:
		default:
		}
	})
	if err != nil {
		t.Fatalf("StartCapture: %v", err)
	}

	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("no block delivered")
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	mu.Lock()
	n := len(blocks)
	first := blocks[0]
	mu.Unlock()

	want := []float32{0.1, 0.2, 0.3, 0.1}
	for i := range want {
		if first[i] != want[i] {
			t.Errorf("block[0][%d] = %v, want %v", i, first[i], want[i])
		}
	}

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(blocks) != n {
		t.Fatalf("callback fired after Stop returned (%d -> %d)", n, len(blocks))
	}
}

func TestLoadPCM(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	good := filepath.Join(dir, "clip.pcm")
	if err := os.WriteFile(good, audio.Encode([]float32{0.5, -0.5}, audio.CaptureFormat).Data, 0o600); err != nil {
		t.Fatal(err)
	}
	samples, err := virtual.LoadPCM(good)
	if err != nil {
		t.Fatalf("LoadPCM: %v", err)
	}
	if len(samples) != 2 || samples[0] != 0.5 || samples[1] != -0.5 {
		t.Fatalf("unexpected samples %v", samples)
	}

	if _, err := virtual.LoadPCM(filepath.Join(dir, "missing.pcm")); !errors.Is(err, audio.ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable, got %v", err)
	}
}

type lockedBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (l *lockedBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.Write(p)
}

func (l *lockedBuffer) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.Len()
}

func TestSpeakerRendersToSink(t *testing.T) {
	t.Parallel()
	var sink lockedBuffer
	sp := virtual.OpenSpeaker(audio.PlaybackFormat, &sink)
	defer sp.Close()

	ended := make(chan struct{})
	samples := make([]float32, 240) // 10 ms
	if _, err := sp.Schedule(samples, audio.PlaybackFormat, sp.Now(), func() { close(ended) }); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	select {
	case <-ended:
	case <-time.After(2 * time.Second):
		t.Fatal("voice never ended")
	}
	if sp.Now() <= 0 {
		t.Fatal("clock did not advance")
	}
	if err := sp.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if sink.Len() == 0 {
		t.Fatal("nothing written to sink")
	}
}
