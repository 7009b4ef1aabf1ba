// Package bridge owns the lifecycle of one real-time duplex audio session at
// a time: it opens the remote session, starts microphone capture, routes
// inbound events to the playback scheduler and the transcript aggregator,
// and tears everything down exactly once however the session ends.
//
// State machine:
//
//	Idle ──Connect──▶ Connecting ──open──▶ Active
//	Connecting ──connect or device error──▶ Failed
//	Active ──Disconnect | Closed event──▶ Closing ──▶ Idle
//	Active ──Error event | dispatcher panic──▶ Closing ──▶ Failed
//	Failed ──Acknowledge | Connect──▶ Idle
//
// A session lost to an Error event ends in Failed rather than Idle, so the
// cause stays visible to the dashboard until it is acknowledged or a new
// Connect implicitly acknowledges it. A clean close still returns to Idle.
//
// Barge-in is handled on both ends. An Interrupted event flushes local
// playback, and when audio was still playing and the provider supports it
// the remote model is told to stop its response as well. [Bridge.Interrupt]
// does the same on request.
//
// Inbound events are consumed by a single dispatcher goroutine per session,
// which is the only writer of the session's transcript aggregator.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vyncuslim/SomnoAI-Digital-Sleep-Lab-sub000/internal/capture"
	"github.com/vyncuslim/SomnoAI-Digital-Sleep-Lab-sub000/internal/observe"
	"github.com/vyncuslim/SomnoAI-Digital-Sleep-Lab-sub000/internal/playback"
	"github.com/vyncuslim/SomnoAI-Digital-Sleep-Lab-sub000/internal/transcript"
	"github.com/vyncuslim/SomnoAI-Digital-Sleep-Lab-sub000/pkg/audio"
	"github.com/vyncuslim/SomnoAI-Digital-Sleep-Lab-sub000/pkg/provider/s2s"
)

var (
	// ErrBusy is returned by Connect while a session is connecting, active
	// or closing.
	ErrBusy = errors.New("bridge: session already in progress")

	// ErrClosed is returned by Connect after Close.
	ErrClosed = errors.New("bridge: closed")

	// ErrSessionLost wraps the cause of a session that ended with an Error
	// event from the transport.
	ErrSessionLost = errors.New("bridge: session lost")

	// ErrDispatchPanic wraps a recovered panic in the event dispatcher.
	ErrDispatchPanic = errors.New("bridge: dispatcher panic")

	// ErrAborted is returned by Connect when Disconnect or Close cancelled
	// the handshake.
	ErrAborted = errors.New("bridge: connect aborted")

	// ErrNotActive is returned by Interrupt when no session is open.
	ErrNotActive = errors.New("bridge: no active session")
)

const (
	defaultTurnBuffer       = 64
	defaultSubscriberBuffer = 16
)

// Option configures a [Bridge].
type Option func(*Bridge)

// WithSessionConfig sets the handshake configuration used by Connect.
func WithSessionConfig(cfg s2s.SessionConfig) Option {
	return func(b *Bridge) { b.sessCfg = cfg }
}

// WithProviderName sets the provider label used in logs and metrics.
func WithProviderName(name string) Option {
	return func(b *Bridge) { b.providerName = name }
}

// WithBlockSize sets the capture frame size in samples.
func WithBlockSize(n int) Option {
	return func(b *Bridge) { b.blockSize = n }
}

// WithOutputFormat sets the format the output device plays. Defaults to
// [audio.PlaybackFormat].
func WithOutputFormat(f audio.Format) Option {
	return func(b *Bridge) { b.outFormat = f }
}

// WithTurnBuffer sets the capacity of the Turns channel.
func WithTurnBuffer(n int) Option {
	return func(b *Bridge) {
		if n > 0 {
			b.turnBuffer = n
		}
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(b *Bridge) { b.metrics = m }
}

// WithTranscriptOptions passes options to every per-session
// [transcript.Aggregator].
func WithTranscriptOptions(opts ...transcript.Option) Option {
	return func(b *Bridge) { b.aggOpts = append(b.aggOpts, opts...) }
}

// session is the per-connection record. Everything in it is released by
// teardown, which runs exactly once.
type session struct {
	id     string
	handle s2s.SessionHandle
	caps   s2s.Capabilities
	enc    *capture.Encoder
	sched  *playback.Scheduler
	agg    *transcript.Aggregator // dispatcher goroutine only

	teardown sync.Once
	done     chan struct{} // closed when the dispatcher exits
}

// Bridge coordinates capture, transport, playback and transcript
// aggregation. All methods are safe for concurrent use.
type Bridge struct {
	provider     s2s.Provider
	providerName string
	in           audio.InputDevice
	out          audio.Output
	outFormat    audio.Format
	blockSize    int
	turnBuffer   int
	metrics      *observe.Metrics
	aggOpts      []transcript.Option

	turns chan transcript.Turn

	mu            sync.Mutex
	sessCfg       s2s.SessionConfig
	state         State
	sess          *session
	cancelConnect context.CancelFunc
	subs          map[int]chan State
	nextSub       int
	closed        bool
}

// New returns an idle Bridge.
func New(provider s2s.Provider, in audio.InputDevice, out audio.Output, opts ...Option) *Bridge {
	b := &Bridge{
		provider:     provider,
		providerName: "s2s",
		in:           in,
		out:          out,
		outFormat:    audio.PlaybackFormat,
		blockSize:    capture.DefaultBlockSize,
		turnBuffer:   defaultTurnBuffer,
		subs:         make(map[int]chan State),
	}
	for _, o := range opts {
		o(b)
	}
	if b.metrics == nil {
		b.metrics = observe.DefaultMetrics()
	}
	b.turns = make(chan transcript.Turn, b.turnBuffer)
	return b
}

// ── Queries ──────────────────────────────────────────────────────────────────

// State returns the current state.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Turns returns the stream of finalized turns. The channel is shared by all
// sessions and closed by Close. Turns are dropped with a warning when no
// one drains it.
func (b *Bridge) Turns() <-chan transcript.Turn { return b.turns }

// Subscribe returns a channel that receives every state change, starting
// with the current state, and a function that ends the subscription. Slow
// subscribers miss intermediate states rather than stall the bridge.
func (b *Bridge) Subscribe() (<-chan State, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan State, defaultSubscriberBuffer)
	if b.closed {
		ch <- b.state
		close(ch)
		return ch, func() {}
	}
	id := b.nextSub
	b.nextSub++
	b.subs[id] = ch
	ch <- b.state

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// SetSessionConfig replaces the handshake configuration. It applies to the
// next Connect; an open session keeps the configuration it was opened with.
func (b *Bridge) SetSessionConfig(cfg s2s.SessionConfig) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessCfg = cfg
}

// setStateLocked records st and notifies subscribers. Caller holds b.mu.
func (b *Bridge) setStateLocked(st State) {
	b.state = st
	for _, ch := range b.subs {
		select {
		case ch <- st:
		default:
		}
	}
}

// ── Lifecycle ────────────────────────────────────────────────────────────────

// Connect opens a session and starts capture. It returns once the session
// is Active or has failed. Connecting from Failed acknowledges the previous
// error. Connect errors wrap [s2s.ErrConnect] or [audio.ErrDeviceUnavailable].
func (b *Bridge) Connect(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	switch b.state.Phase {
	case Connecting, Active, Closing:
		b.mu.Unlock()
		return ErrBusy
	}
	id := uuid.NewString()
	cfg := b.sessCfg.WithDefaults()
	cctx, cancel := context.WithCancel(ctx)
	b.cancelConnect = cancel
	b.setStateLocked(State{Phase: Connecting, SessionID: id})
	b.mu.Unlock()
	defer cancel()

	ctx, span := observe.StartSpan(cctx, "bridge.connect")
	defer span.End()
	log := observe.Logger(ctx).With("session_id", id, "provider", b.providerName)

	start := time.Now()
	handle, err := b.provider.Connect(ctx, cfg)
	b.metrics.RecordConnect(ctx, b.providerName, time.Since(start).Seconds(), err)
	if err != nil {
		span.RecordError(err)
		b.mu.Lock()
		current := b.state.Phase == Connecting && b.state.SessionID == id
		if current {
			b.cancelConnect = nil
			b.setStateLocked(State{Phase: Failed, Err: err})
		}
		b.mu.Unlock()
		if !current {
			return fmt.Errorf("bridge: connect: %w", ErrAborted)
		}
		b.metrics.RecordSessionError(ctx, "connect")
		log.Warn("bridge: connect failed", "err", err)
		return fmt.Errorf("bridge: connect: %w", err)
	}

	caps := b.provider.Capabilities()
	if cfg.Voice != "" && len(caps.Voices) > 0 && !slices.Contains(caps.Voices, cfg.Voice) {
		log.Warn("bridge: voice is not a known prebuilt voice", "voice", cfg.Voice, "known", caps.Voices)
	}
	sess := &session{
		id:     id,
		handle: handle,
		caps:   caps,
		enc: capture.New(b.in,
			capture.WithFormat(cfg.InputFormat),
			capture.WithBlockSize(b.blockSize),
			capture.WithMetrics(b.metrics),
		),
		sched: playback.New(b.out,
			playback.WithFormat(b.outFormat),
			playback.WithMetrics(b.metrics),
		),
		agg:  transcript.New(b.aggOpts...),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	if b.state.Phase != Connecting || b.state.SessionID != id {
		// Disconnect or Close won the race with the handshake.
		b.mu.Unlock()
		_ = handle.Close()
		sess.sched.Close()
		log.Info("bridge: connect aborted after handshake")
		return fmt.Errorf("bridge: connect: %w", ErrAborted)
	}
	// Capture starts under the lock so it is never observed running outside
	// Active. The device callback only takes the encoder lock.
	if err := sess.enc.Start(handle); err != nil {
		b.cancelConnect = nil
		b.setStateLocked(State{Phase: Failed, Err: err})
		b.mu.Unlock()
		_ = handle.Close()
		sess.sched.Close()
		b.metrics.RecordSessionError(ctx, "device")
		span.RecordError(err)
		log.Warn("bridge: capture unavailable", "err", err)
		return fmt.Errorf("bridge: connect: %w", err)
	}
	b.cancelConnect = nil
	b.sess = sess
	b.setStateLocked(State{Phase: Active, SessionID: id})
	b.mu.Unlock()

	b.metrics.ActiveSessions.Add(ctx, 1)
	log.Info("bridge: session active", "transport_id", handle.ID(),
		"native_input_rate", caps.NativeInputRate, "remote_interrupt", caps.SupportsInterrupt)
	go b.dispatch(sess)
	return nil
}

// Disconnect ends the current session, or aborts a handshake in flight. It
// returns after teardown finished and is a no-op when there is no session.
func (b *Bridge) Disconnect() {
	b.mu.Lock()
	sess := b.sess
	if b.state.Phase == Connecting && b.cancelConnect != nil {
		b.cancelConnect()
		b.cancelConnect = nil
		b.setStateLocked(State{Phase: Idle})
	}
	b.mu.Unlock()

	if sess == nil {
		return
	}
	b.teardown(sess, nil)
	<-sess.done
}

// Interrupt flushes scheduled playback and, when the provider supports it,
// asks the remote model to stop the response in progress. It returns
// [ErrNotActive] without an open session.
func (b *Bridge) Interrupt() error {
	b.mu.Lock()
	sess := b.sess
	b.mu.Unlock()
	if sess == nil {
		return ErrNotActive
	}
	sess.sched.Interrupt()
	if !sess.caps.SupportsInterrupt {
		return nil
	}
	if err := b.cancelResponse(sess); err != nil {
		if errors.Is(err, s2s.ErrSessionClosed) {
			return ErrNotActive
		}
		return fmt.Errorf("bridge: interrupt: %w", err)
	}
	return nil
}

// cancelResponse sends the client-side interruption signal.
func (b *Bridge) cancelResponse(sess *session) error {
	err := sess.handle.Interrupt()
	switch {
	case err == nil:
		slog.Debug("bridge: remote response cancelled", "session_id", sess.id)
	case errors.Is(err, s2s.ErrUnsupported):
		// Capabilities overstated; the local flush already happened.
		return nil
	case !errors.Is(err, s2s.ErrSessionClosed):
		slog.Warn("bridge: interrupt signal failed", "session_id", sess.id, "err", err)
	}
	return err
}

// Acknowledge clears a Failed state back to Idle. It is a no-op in any other
// phase.
func (b *Bridge) Acknowledge() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state.Phase == Failed {
		b.setStateLocked(State{Phase: Idle})
	}
}

// Close disconnects and permanently shuts the bridge down. The Turns channel
// and every subscription are closed. Close is idempotent.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.Disconnect()

	b.mu.Lock()
	defer b.mu.Unlock()
	close(b.turns)
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	return nil
}

// teardown releases every resource of sess exactly once and publishes the
// final state: Failed when cause is non-nil, Idle otherwise. Concurrent
// callers block until the first one finished.
func (b *Bridge) teardown(sess *session, cause error) {
	sess.teardown.Do(func() {
		ctx, span := observe.StartSpan(context.Background(), "bridge.teardown")
		defer span.End()

		b.mu.Lock()
		if b.sess == sess {
			b.setStateLocked(State{Phase: Closing, SessionID: sess.id})
		}
		b.mu.Unlock()

		if err := sess.enc.Stop(); err != nil {
			slog.Warn("bridge: stop capture", "session_id", sess.id, "err", err)
		}
		if err := sess.handle.Close(); err != nil {
			slog.Warn("bridge: close transport", "session_id", sess.id, "err", err)
		}
		sess.sched.Close()

		b.mu.Lock()
		if b.sess == sess {
			b.sess = nil
			if cause != nil {
				b.setStateLocked(State{Phase: Failed, Err: cause})
			} else {
				b.setStateLocked(State{Phase: Idle})
			}
		}
		b.mu.Unlock()

		b.metrics.ActiveSessions.Add(ctx, -1)
		stats := sess.enc.Stats()
		if cause != nil {
			span.RecordError(cause)
			slog.Warn("bridge: session ended with error", "session_id", sess.id, "err", cause,
				"frames_sent", stats.Sent, "frames_dropped", stats.Dropped)
		} else {
			slog.Info("bridge: session ended", "session_id", sess.id,
				"frames_sent", stats.Sent, "frames_dropped", stats.Dropped)
		}
	})
}

// ── Dispatcher ───────────────────────────────────────────────────────────────

// dispatch is the single consumer of the session's event stream.
func (b *Bridge) dispatch(sess *session) {
	defer close(sess.done)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("bridge: dispatcher panic", "session_id", sess.id, "panic", r, "stack", string(debug.Stack()))
			b.metrics.RecordSessionError(context.Background(), "panic")
			b.teardown(sess, fmt.Errorf("%w: %v", ErrDispatchPanic, r))
		}
	}()

	for ev := range sess.handle.Events() {
		if b.handle(sess, ev) {
			return
		}
	}
	// The stream ended without a terminal event: a local Close is already
	// tearing down, anything else is treated as a clean end.
	b.teardown(sess, nil)
}

// handle routes one event and reports whether the session is over.
func (b *Bridge) handle(sess *session, ev s2s.Event) bool {
	switch ev := ev.(type) {
	case s2s.AudioDelta:
		if err := sess.sched.Enqueue(ev.Frame); err != nil && !errors.Is(err, playback.ErrClosed) {
			slog.Warn("bridge: dropping inbound audio", "session_id", sess.id, "err", err)
		}
	case s2s.InputTranscriptDelta:
		sess.agg.AppendInput(ev.Text)
	case s2s.OutputTranscriptDelta:
		sess.agg.AppendOutput(ev.Text)
	case s2s.TurnComplete:
		b.publishTurn(sess, sess.agg.Complete())
	case s2s.Interrupted:
		playing := sess.sched.Live() > 0
		sess.sched.Interrupt()
		if playing && sess.caps.SupportsInterrupt {
			_ = b.cancelResponse(sess)
		}
	case s2s.Error:
		kind := "transport"
		if errors.Is(ev.Err, s2s.ErrProtocol) {
			kind = "protocol"
		}
		b.metrics.RecordSessionError(context.Background(), kind)
		b.teardown(sess, fmt.Errorf("%w: %w", ErrSessionLost, ev.Err))
		return true
	case s2s.Closed:
		b.teardown(sess, nil)
		return true
	default:
		panic(fmt.Sprintf("bridge: unknown event %T", ev))
	}
	return false
}

func (b *Bridge) publishTurn(sess *session, turn transcript.Turn) {
	b.metrics.Turns.Add(context.Background(), 1)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	select {
	case b.turns <- turn:
	default:
		slog.Warn("bridge: turn stream full, dropping turn", "session_id", sess.id, "turn_id", turn.ID)
	}
}
