package s2s

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/vyncuslim/SomnoAI-Digital-Sleep-Lab-sub000/pkg/audio"
)

const (
	// DefaultSendQueue is the outbound frame queue depth. At 4096-sample
	// blocks of 16 kHz audio this holds about 16 s of speech.
	DefaultSendQueue = 64

	defaultEventBuffer       = 64
	defaultKeepaliveInterval = 20 * time.Second
	defaultKeepaliveTimeout  = 5 * time.Second
)

// DuplexConfig plugs a provider's wire format into a [Duplex].
type DuplexConfig struct {
	// Name prefixes log lines and errors, e.g. "gemini".
	Name string

	// EncodeAudio builds the JSON message carrying one outbound frame.
	EncodeAudio func(audio.AudioFrame) (any, error)

	// Decode maps one inbound text message to zero or more events. A non-nil
	// error ends the session with a terminal [ErrProtocol]; events returned
	// alongside the error are still delivered first.
	Decode func(data []byte) ([]Event, error)

	// SendQueue is the outbound queue depth. Defaults to [DefaultSendQueue].
	SendQueue int

	// KeepaliveInterval is the ping period. Zero uses 20 s; negative disables.
	KeepaliveInterval time.Duration
}

// Duplex is the shared session plumbing of websocket speech providers. It
// owns three goroutines: a single writer draining the FIFO send queue, a
// reader decoding inbound messages into events, and a keepalive pinger.
//
// Duplex implements [SessionHandle] except for Interrupt, which providers add.
type Duplex struct {
	id   string
	conn *websocket.Conn
	cfg  DuplexConfig

	sendq  chan audio.AudioFrame
	ctrl   chan any
	events chan Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	closed  bool  // set by Close
	ended   bool  // set when the session ended on its own
	failErr error // first writer-side failure

	closeOnce sync.Once
}

// NewDuplex takes ownership of conn, which must have completed the provider
// handshake, and starts the session goroutines.
func NewDuplex(conn *websocket.Conn, cfg DuplexConfig) *Duplex {
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = DefaultSendQueue
	}
	if cfg.KeepaliveInterval == 0 {
		cfg.KeepaliveInterval = defaultKeepaliveInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Duplex{
		id:     uuid.NewString(),
		conn:   conn,
		cfg:    cfg,
		sendq:  make(chan audio.AudioFrame, cfg.SendQueue),
		ctrl:   make(chan any, 4),
		events: make(chan Event, defaultEventBuffer),
		ctx:    ctx,
		cancel: cancel,
	}
	d.wg.Add(2)
	go d.writeLoop()
	go d.readLoop()
	if cfg.KeepaliveInterval > 0 {
		d.wg.Add(1)
		go d.keepaliveLoop()
	}
	return d
}

// ID returns the session identifier.
func (d *Duplex) ID() string { return d.id }

// Events returns the inbound event stream.
func (d *Duplex) Events() <-chan Event { return d.events }

// SendAudio enqueues frame without blocking.
func (d *Duplex) SendAudio(frame audio.AudioFrame) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || d.ended {
		return ErrSessionClosed
	}
	select {
	case d.sendq <- frame:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// SendControl queues a control message ahead of pending audio. It blocks
// until the message is queued or the session ends.
func (d *Duplex) SendControl(msg any) error {
	d.mu.Lock()
	done := d.closed || d.ended
	d.mu.Unlock()
	if done {
		return ErrSessionClosed
	}
	select {
	case d.ctrl <- msg:
		return nil
	case <-d.ctx.Done():
		return ErrSessionClosed
	}
}

// Close ends the session locally. No events are emitted after it returns.
func (d *Duplex) Close() error {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		d.mu.Unlock()

		d.cancel()
		_ = d.conn.Close(websocket.StatusNormalClosure, "")
		d.wg.Wait()

		// Discard events buffered before the close so consumers observe none.
		for range d.events {
		}
	})
	return nil
}

// ── Goroutines ───────────────────────────────────────────────────────────────

func (d *Duplex) writeLoop() {
	defer d.wg.Done()
	for {
		var (
			msg any
			err error
		)
		// Control messages take priority over queued audio.
		select {
		case <-d.ctx.Done():
			return
		case msg = <-d.ctrl:
		default:
			select {
			case <-d.ctx.Done():
				return
			case msg = <-d.ctrl:
			case frame := <-d.sendq:
				if msg, err = d.cfg.EncodeAudio(frame); err != nil {
					slog.Warn(d.cfg.Name+": dropping unencodable frame", "session_id", d.id, "err", err)
					continue
				}
			}
		}
		if err := wsjson.Write(d.ctx, d.conn, msg); err != nil {
			if d.ctx.Err() == nil {
				d.fail(fmt.Errorf("%s: write: %w", d.cfg.Name, err))
			}
			return
		}
	}
}

func (d *Duplex) readLoop() {
	defer d.wg.Done()
	defer close(d.events)

	for {
		typ, data, err := d.conn.Read(d.ctx)
		if err != nil {
			d.finish(err)
			return
		}
		if typ != websocket.MessageText {
			slog.Debug(d.cfg.Name+": ignoring binary message", "session_id", d.id, "bytes", len(data))
			continue
		}
		evs, derr := d.cfg.Decode(data)
		for _, ev := range evs {
			if !d.emit(ev) {
				return
			}
		}
		if derr != nil {
			if !errors.Is(derr, ErrProtocol) {
				derr = fmt.Errorf("%w: %s: %w", ErrProtocol, d.cfg.Name, derr)
			}
			d.terminate(derr)
			return
		}
	}
}

func (d *Duplex) keepaliveLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(d.ctx, defaultKeepaliveTimeout)
			if err := d.conn.Ping(pingCtx); err != nil && d.ctx.Err() == nil {
				slog.Debug(d.cfg.Name+": keepalive ping failed", "session_id", d.id, "err", err)
			}
			cancel()
		}
	}
}

// ── Termination ──────────────────────────────────────────────────────────────

// emit delivers ev unless the session is closing. It reports whether the
// reader should continue.
func (d *Duplex) emit(ev Event) bool {
	select {
	case d.events <- ev:
		return true
	case <-d.ctx.Done():
		return false
	}
}

// fail records a writer-side failure and forces the reader out of Read so it
// emits the terminal sequence.
func (d *Duplex) fail(err error) {
	d.mu.Lock()
	if d.failErr == nil {
		d.failErr = err
	}
	d.mu.Unlock()
	_ = d.conn.CloseNow()
}

// finish classifies a read error and emits the terminal sequence.
func (d *Duplex) finish(readErr error) {
	d.mu.Lock()
	closed, failErr := d.closed, d.failErr
	d.mu.Unlock()
	if closed {
		return
	}
	switch {
	case failErr != nil:
		d.terminate(failErr)
	case isCleanClose(readErr):
		d.terminate(nil)
	default:
		d.terminate(fmt.Errorf("%s: read: %w", d.cfg.Name, readErr))
	}
}

// terminate marks the session ended and emits Error (when err != nil) and
// Closed. The writer and keepalive goroutines are stopped.
func (d *Duplex) terminate(err error) {
	d.mu.Lock()
	if d.closed || d.ended {
		d.mu.Unlock()
		return
	}
	d.ended = true
	d.mu.Unlock()

	if err != nil {
		slog.Warn(d.cfg.Name+": session failed", "session_id", d.id, "err", err)
		if !d.emit(Error{Err: err}) {
			return
		}
	} else {
		slog.Info(d.cfg.Name+": session closed by remote", "session_id", d.id)
	}
	d.emit(Closed{})
	d.cancel()
	_ = d.conn.CloseNow()
}

func isCleanClose(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return false
}
