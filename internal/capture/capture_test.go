package capture_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/vyncuslim/SomnoAI-Digital-Sleep-Lab-sub000/internal/capture"
	"github.com/vyncuslim/SomnoAI-Digital-Sleep-Lab-sub000/internal/observe"
	"github.com/vyncuslim/SomnoAI-Digital-Sleep-Lab-sub000/pkg/audio"
	audiomock "github.com/vyncuslim/SomnoAI-Digital-Sleep-Lab-sub000/pkg/audio/mock"
	"github.com/vyncuslim/SomnoAI-Digital-Sleep-Lab-sub000/pkg/provider/s2s"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// sink records frames and can be told to reject them.
type sink struct {
	mu     sync.Mutex
	frames []audio.AudioFrame
	err    error
}

func (s *sink) SendAudio(f audio.AudioFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.frames = append(s.frames, f)
	return nil
}

func (s *sink) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *sink) got() []audio.AudioFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audio.AudioFrame(nil), s.frames...)
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func ramp(n int, start float32) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = start + float32(i)/float32(4*n)
	}
	return s
}

func TestEncoder_RechunksIntoFixedFrames(t *testing.T) {
	t.Parallel()
	mic := &audiomock.Microphone{}
	enc := capture.New(mic, capture.WithBlockSize(4), capture.WithMetrics(testMetrics(t)))
	var out sink

	if err := enc.Start(&out); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if calls := mic.StartCalls; len(calls) != 1 || calls[0].Format != audio.CaptureFormat || calls[0].BlockSize != 4 {
		t.Fatalf("unexpected StartCapture calls: %+v", calls)
	}

	mic.Emit([]float32{0.1, 0.2, 0.3})
	if n := len(out.got()); n != 0 {
		t.Fatalf("partial block produced %d frames", n)
	}
	mic.Emit([]float32{0.4, 0.5, 0.6, 0.7, 0.8, 0.9})

	frames := out.got()
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	for i, f := range frames {
		if f.Samples() != 4 || f.SampleRate != 16000 || f.Channels != 1 {
			t.Errorf("frame %d: %d samples %dHz %dch", i, f.Samples(), f.SampleRate, f.Channels)
		}
	}
	first, _ := audio.Decode(frames[0], 1)
	second, _ := audio.Decode(frames[1], 1)
	if first[0] > second[0] {
		t.Errorf("frames out of order: %v then %v", first, second)
	}
	if frames[1].Timestamp <= frames[0].Timestamp {
		t.Errorf("timestamps not increasing: %v, %v", frames[0].Timestamp, frames[1].Timestamp)
	}
}

func TestEncoder_ThreeFramesOf4096(t *testing.T) {
	t.Parallel()
	mic := &audiomock.Microphone{}
	enc := capture.New(mic, capture.WithMetrics(testMetrics(t)))
	var out sink
	if err := enc.Start(&out); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for i := range 3 {
		mic.Emit(ramp(4096, float32(i)/4))
	}
	frames := out.got()
	if len(frames) != 3 {
		t.Fatalf("got %d frames, want 3", len(frames))
	}
	for i, f := range frames {
		if len(f.Data) != 8192 {
			t.Errorf("frame %d: %d bytes, want 8192", i, len(f.Data))
		}
	}
	if s := enc.Stats(); s.Sent != 3 || s.Dropped != 0 {
		t.Errorf("stats = %+v", s)
	}
}

func TestEncoder_DropsOnFullQueueWithoutBlocking(t *testing.T) {
	t.Parallel()
	mic := &audiomock.Microphone{}
	enc := capture.New(mic, capture.WithBlockSize(2), capture.WithMetrics(testMetrics(t)))
	out := &sink{}
	if err := enc.Start(out); err != nil {
		t.Fatalf("Start: %v", err)
	}

	out.setErr(s2s.ErrSendQueueFull)
	mic.Emit(make([]float32, 6))
	out.setErr(nil)
	mic.Emit(make([]float32, 2))

	if s := enc.Stats(); s.Dropped != 3 || s.Sent != 1 {
		t.Fatalf("stats = %+v, want 3 dropped 1 sent", s)
	}
}

func TestEncoder_StopIsIdempotentAndFinal(t *testing.T) {
	t.Parallel()
	mic := &audiomock.Microphone{}
	enc := capture.New(mic, capture.WithBlockSize(2), capture.WithMetrics(testMetrics(t)))
	var out sink
	if err := enc.Start(&out); err != nil {
		t.Fatalf("Start: %v", err)
	}
	mic.Emit([]float32{0.1}) // partial block is discarded on Stop

	if err := enc.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := enc.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if mic.Running() {
		t.Fatal("device still running after Stop")
	}
	if mic.Emit([]float32{0.2, 0.3}) {
		t.Fatal("device delivered samples after Stop")
	}
	if n := len(out.got()); n != 0 {
		t.Fatalf("got %d frames after Stop", n)
	}
	if enc.Running() {
		t.Fatal("encoder reports running")
	}
}

func TestEncoder_RestartAfterStop(t *testing.T) {
	t.Parallel()
	mic := &audiomock.Microphone{}
	enc := capture.New(mic, capture.WithBlockSize(2), capture.WithMetrics(testMetrics(t)))
	var out sink
	if err := enc.Start(&out); err != nil {
		t.Fatal(err)
	}
	if err := enc.Start(&out); !errors.Is(err, capture.ErrRunning) {
		t.Fatalf("expected ErrRunning, got %v", err)
	}
	enc.Stop()
	if err := enc.Start(&out); err != nil {
		t.Fatalf("restart: %v", err)
	}
	mic.Emit([]float32{0, 0})
	if n := len(out.got()); n != 1 {
		t.Fatalf("got %d frames, want 1", n)
	}
	if ts := out.got()[0].Timestamp; ts != 0 {
		t.Errorf("timestamp after restart = %v, want 0", ts)
	}
}

// slowDevice holds its first StartCapture call until release is closed.
type slowDevice struct {
	entered chan struct{}
	release chan struct{}

	mu      sync.Mutex
	streams []*slowStream
	feeds   []func([]float32)
}

type slowStream struct {
	mu      sync.Mutex
	stopped bool
}

func (s *slowStream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	return nil
}

func (s *slowStream) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (d *slowDevice) StartCapture(_ audio.Format, _ int, fn func([]float32)) (audio.Stream, error) {
	st := &slowStream{}
	d.mu.Lock()
	d.streams = append(d.streams, st)
	d.feeds = append(d.feeds, fn)
	first := len(d.streams) == 1
	d.mu.Unlock()
	if first {
		close(d.entered)
		<-d.release
	}
	return st, nil
}

func TestEncoder_StaleStartReleasesOnlyItsStream(t *testing.T) {
	t.Parallel()
	dev := &slowDevice{entered: make(chan struct{}), release: make(chan struct{})}
	enc := capture.New(dev, capture.WithBlockSize(2), capture.WithMetrics(testMetrics(t)))

	var first, second sink
	firstDone := make(chan error, 1)
	go func() { firstDone <- enc.Start(&first) }()
	<-dev.entered

	// Stop and restart while the first device open is still in flight.
	if err := enc.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := enc.Start(&second); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	close(dev.release)
	if err := <-firstDone; err != nil {
		t.Fatalf("first Start: %v", err)
	}

	if !dev.streams[0].isStopped() {
		t.Error("stream opened by the superseded Start was never stopped")
	}
	if dev.streams[1].isStopped() {
		t.Error("stream of the current run was stopped by the superseded Start")
	}
	if !enc.Running() {
		t.Fatal("encoder should still be running")
	}

	dev.feeds[0]([]float32{0.1, 0.1})
	dev.feeds[1]([]float32{0.2, 0.2})
	if n := len(first.got()); n != 0 {
		t.Errorf("superseded sink got %d frames, want 0", n)
	}
	if n := len(second.got()); n != 1 {
		t.Errorf("current sink got %d frames, want 1", n)
	}

	if err := enc.Stop(); err != nil {
		t.Fatalf("final Stop: %v", err)
	}
	if !dev.streams[1].isStopped() {
		t.Error("final Stop did not release the current stream")
	}
}

func TestEncoder_DeviceUnavailable(t *testing.T) {
	t.Parallel()
	mic := &audiomock.Microphone{StartErr: errors.New("permission denied")}
	enc := capture.New(mic, capture.WithMetrics(testMetrics(t)))
	err := enc.Start(&sink{})
	if !errors.Is(err, audio.ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable, got %v", err)
	}
	if enc.Running() {
		t.Fatal("encoder running after failed Start")
	}
}

func TestEncoder_StopRacesDelivery(t *testing.T) {
	t.Parallel()
	mic := &audiomock.Microphone{}
	enc := capture.New(mic, capture.WithBlockSize(8), capture.WithMetrics(testMetrics(t)))
	var out sink
	if err := enc.Start(&out); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for range 200 {
			mic.Emit(make([]float32, 8))
		}
	}()
	enc.Stop()
	after := len(out.got())
	wg.Wait()
	if got := len(out.got()); got != after {
		t.Fatalf("frames delivered after Stop returned: %d -> %d", after, got)
	}
}
