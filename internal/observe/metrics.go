// Package observe holds the bridge's telemetry: OpenTelemetry instruments,
// trace-aware loggers and the control API middleware.
//
// Instruments are created against a [metric.MeterProvider]. [InitProvider]
// installs one backed by a Prometheus collector for /metrics. Components
// fall back to [DefaultMetrics] on the global provider, while tests build
// their own through [NewMetrics] and a manual reader.
package observe

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName scopes every instrument and span the bridge creates.
const meterName = "github.com/vyncuslim/SomnoAI-Digital-Sleep-Lab-sub000"

// Metrics is the set of bridge instruments. Instruments are safe for
// concurrent use.
type Metrics struct {
	// --- Capture ---

	// CaptureFrames counts encoded microphone frames handed to the transport.
	CaptureFrames metric.Int64Counter

	// CaptureDropped counts frames rejected by a saturated send queue.
	CaptureDropped metric.Int64Counter

	// --- Playback ---

	// PlaybackBuffers counts buffers scheduled on the output device.
	PlaybackBuffers metric.Int64Counter

	// PlaybackUnderruns counts moments the live set drained while the session
	// was still open.
	PlaybackUnderruns metric.Int64Counter

	// PlaybackInterruptions counts barge-in flushes.
	PlaybackInterruptions metric.Int64Counter

	// PlaybackMalformed counts inbound frames dropped as malformed.
	PlaybackMalformed metric.Int64Counter

	// --- Session ---

	// Turns counts finalized conversational turns.
	Turns metric.Int64Counter

	// SessionErrors counts session failures. Use with attribute:
	//   attribute.String("kind", ...)
	SessionErrors metric.Int64Counter

	// ConnectDuration tracks the open handshake latency. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	ConnectDuration metric.Float64Histogram

	// ActiveSessions tracks the number of live sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration is control API latency, labelled with method and
	// the matched route as path.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are the histogram bounds in seconds. Handshakes against
// cloud endpoints routinely take a second or more, hence the long tail.
var latencyBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 15}

// NewMetrics registers every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	met := &Metrics{}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.CaptureFrames, "voicebridge.capture.frames", "Microphone frames handed to the transport."},
		{&met.CaptureDropped, "voicebridge.capture.dropped", "Microphone frames dropped on a full send queue."},
		{&met.PlaybackBuffers, "voicebridge.playback.buffers", "Audio buffers scheduled for playback."},
		{&met.PlaybackUnderruns, "voicebridge.playback.underruns", "Playback underruns while a session was open."},
		{&met.PlaybackInterruptions, "voicebridge.playback.interruptions", "Barge-in flushes of scheduled playback."},
		{&met.PlaybackMalformed, "voicebridge.playback.malformed", "Inbound audio frames dropped as malformed."},
		{&met.Turns, "voicebridge.turns", "Finalized conversational turns."},
		{&met.SessionErrors, "voicebridge.session.errors", "Session failures by kind."},
	}
	for _, c := range counters {
		ctr, err := m.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
		*c.dst = ctr
	}

	var err error
	if met.ConnectDuration, err = m.Float64Histogram("voicebridge.connect.duration",
		metric.WithDescription("Latency of the session open handshake."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("voicebridge.active_sessions",
		metric.WithDescription("Number of live duplex sessions."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("voicebridge.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics is a process-wide [Metrics] on [otel.GetMeterProvider],
// built on first use. Call it after [InitProvider] so the instruments land
// on the Prometheus-backed provider.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic(fmt.Sprintf("observe: default metrics: %v", err))
		}
	})
	return defaultMetrics
}


// RecordSessionError increments the session error counter for kind, e.g.
// "connect", "device", "protocol" or "transport".
func (m *Metrics) RecordSessionError(ctx context.Context, kind string) {
	m.SessionErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordConnect records one open handshake attempt.
func (m *Metrics) RecordConnect(ctx context.Context, provider string, seconds float64, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.ConnectDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
}
