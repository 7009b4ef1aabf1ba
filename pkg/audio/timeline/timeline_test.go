package timeline_test

import (
	"errors"
	"testing"
	"time"

	"github.com/vyncuslim/SomnoAI-Digital-Sleep-Lab-sub000/pkg/audio"
	"github.com/vyncuslim/SomnoAI-Digital-Sleep-Lab-sub000/pkg/audio/timeline"
)

// testFormat keeps sample arithmetic readable: 1 sample = 1 ms.
var testFormat = audio.Format{SampleRate: 1000, Channels: 1}

func ones(n int, v float32) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = v
	}
	return s
}

func TestRenderAdvancesClock(t *testing.T) {
	t.Parallel()
	tl := timeline.New(testFormat)
	if got := tl.Now(); got != 0 {
		t.Fatalf("Now = %v, want 0", got)
	}
	tl.Render(make([]float32, 250))
	if got := tl.Now(); got != 250*time.Millisecond {
		t.Fatalf("Now = %v, want 250ms", got)
	}
}

func TestScheduledVoicePlaysAtStart(t *testing.T) {
	t.Parallel()
	tl := timeline.New(testFormat)

	ended := 0
	if _, err := tl.Schedule(ones(4, 0.5), testFormat, 3*time.Millisecond, func() { ended++ }); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	out := make([]float32, 5)
	if n := tl.Render(out); n != 1 {
		t.Errorf("Render reported %d voices, want 1", n)
	}
	want := []float32{0, 0, 0, 0.5, 0.5}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("out[%d] = %v, want %v", i, out[i], want[i])
		}
	}
	if ended != 0 {
		t.Fatalf("onEnded fired early")
	}

	tl.Render(out)
	if ended != 1 {
		t.Fatalf("onEnded fired %d times, want 1", ended)
	}
	if tl.Pending() != 0 {
		t.Fatalf("Pending = %d, want 0", tl.Pending())
	}
}

func TestPastStartPlaysImmediately(t *testing.T) {
	t.Parallel()
	tl := timeline.New(testFormat)
	tl.Render(make([]float32, 10))

	if _, err := tl.Schedule(ones(2, 1), testFormat, 0, nil); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	out := make([]float32, 3)
	tl.Render(out)
	if out[0] != 1 || out[1] != 1 || out[2] != 0 {
		t.Fatalf("unexpected output %v", out)
	}
}

func TestAdjacentVoicesAreGapless(t *testing.T) {
	t.Parallel()
	tl := timeline.New(testFormat)
	tl.Schedule(ones(3, 0.25), testFormat, 0, nil)
	tl.Schedule(ones(3, 0.5), testFormat, 3*time.Millisecond, nil)

	out := make([]float32, 6)
	tl.Render(out)
	want := []float32{0.25, 0.25, 0.25, 0.5, 0.5, 0.5}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("out[%d] = %v, want %v", i, out[i], want[i])
		}
	}
}

func TestStopSilencesWithoutOnEnded(t *testing.T) {
	t.Parallel()
	tl := timeline.New(testFormat)
	ended := false
	v, _ := tl.Schedule(ones(10, 0.5), testFormat, 0, func() { ended = true })

	out := make([]float32, 4)
	tl.Render(out)
	v.Stop()
	v.Stop()
	tl.Render(out)
	for i, s := range out {
		if s != 0 {
			t.Errorf("out[%d] = %v after Stop", i, s)
		}
	}
	tl.Render(make([]float32, 20))
	if ended {
		t.Fatal("onEnded fired for a stopped voice")
	}
	if tl.Pending() != 0 {
		t.Fatalf("Pending = %d, want 0", tl.Pending())
	}
}

func TestStereoOutputDuplicatesMono(t *testing.T) {
	t.Parallel()
	stereo := audio.Format{SampleRate: 1000, Channels: 2}
	tl := timeline.New(stereo)
	tl.Schedule([]float32{0.1, 0.2}, testFormat, 0, nil)

	out := make([]float32, 4)
	tl.Render(out)
	want := []float32{0.1, 0.1, 0.2, 0.2}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("out[%d] = %v, want %v", i, out[i], want[i])
		}
	}
}

func TestMixClamps(t *testing.T) {
	t.Parallel()
	tl := timeline.New(testFormat)
	tl.Schedule(ones(1, 0.8), testFormat, 0, nil)
	tl.Schedule(ones(1, 0.8), testFormat, 0, nil)
	out := make([]float32, 1)
	if n := tl.Render(out); n != 2 {
		t.Errorf("Render reported %d voices, want 2", n)
	}
	if out[0] != 1 {
		t.Fatalf("out[0] = %v, want clamped 1", out[0])
	}
}

func TestScheduleRejectsRateMismatch(t *testing.T) {
	t.Parallel()
	tl := timeline.New(audio.PlaybackFormat)
	_, err := tl.Schedule(ones(1, 0), audio.CaptureFormat, 0, nil)
	if !errors.Is(err, timeline.ErrFormatMismatch) {
		t.Fatalf("expected ErrFormatMismatch, got %v", err)
	}
}
