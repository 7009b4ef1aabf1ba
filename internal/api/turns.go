package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/vyncuslim/SomnoAI-Digital-Sleep-Lab-sub000/internal/transcript"
)

const (
	defaultViewerBuffer = 32
	defaultWriteTimeout = 5 * time.Second
)

// TurnHub fans finalized turns out to any number of websocket viewers. A
// viewer that falls behind by more than its buffer misses turns instead of
// stalling the others.
type TurnHub struct {
	buffer       int
	writeTimeout time.Duration

	mu      sync.Mutex
	viewers map[uint64]chan transcript.Turn
	next    uint64
	closed  bool
}

// HubOption configures a [TurnHub].
type HubOption func(*TurnHub)

// WithViewerBuffer sets the per-viewer queue length.
func WithViewerBuffer(n int) HubOption {
	return func(h *TurnHub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithWriteTimeout bounds a single websocket write.
func WithWriteTimeout(d time.Duration) HubOption {
	return func(h *TurnHub) {
		if d > 0 {
			h.writeTimeout = d
		}
	}
}

// NewTurnHub returns an empty hub.
func NewTurnHub(opts ...HubOption) *TurnHub {
	h := &TurnHub{
		buffer:       defaultViewerBuffer,
		writeTimeout: defaultWriteTimeout,
		viewers:      make(map[uint64]chan transcript.Turn),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Run publishes every turn from turns until the channel closes or ctx ends,
// then disconnects all viewers.
func (h *TurnHub) Run(ctx context.Context, turns <-chan transcript.Turn) error {
	defer h.close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case t, ok := <-turns:
			if !ok {
				return nil
			}
			h.Publish(t)
		}
	}
}

// Publish delivers t to every connected viewer without blocking.
func (h *TurnHub) Publish(t transcript.Turn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.viewers {
		select {
		case ch <- t:
		default:
			slog.Warn("api: turn viewer lagging, dropping turn", "viewer", id, "turn_id", t.ID)
		}
	}
}

// Viewers returns the number of connected viewers.
func (h *TurnHub) Viewers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.viewers)
}

func (h *TurnHub) subscribe() (<-chan transcript.Turn, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan transcript.Turn, h.buffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.next
	h.next++
	h.viewers[id] = ch
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.viewers[id]; ok {
			delete(h.viewers, id)
			close(c)
		}
	}
}

func (h *TurnHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, ch := range h.viewers {
		delete(h.viewers, id)
		close(ch)
	}
}

// ServeHTTP upgrades the request to a websocket and streams each turn as a
// JSON text message. The stream is read-only; client messages are discarded.
func (h *TurnHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Debug("api: turn stream upgrade failed", "err", err)
		return
	}
	defer conn.CloseNow()

	turns, unsubscribe := h.subscribe()
	defer unsubscribe()

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-turns:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "shutting down")
				return
			}
			wctx, cancel := context.WithTimeout(ctx, h.writeTimeout)
			err := wsjson.Write(wctx, conn, t)
			cancel()
			if err != nil {
				slog.Debug("api: turn stream write failed", "err", err)
				return
			}
		}
	}
}
