package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/vyncuslim/SomnoAI-Digital-Sleep-Lab-sub000/pkg/provider/s2s"
)

// Default reconnection parameters.
const (
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// ReconnectConfig configures a [Supervisor].
type ReconnectConfig struct {
	// MaxRetries is the number of reconnection attempts per lost session.
	// Zero disables the supervisor.
	MaxRetries int

	// Backoff is the wait before the first retry. It doubles each attempt up
	// to MaxBackoff. Defaults to 1s if zero.
	Backoff time.Duration

	// MaxBackoff caps the wait between retries. Defaults to 30s if zero.
	MaxBackoff time.Duration

	// OnReconnect is called after a successful reconnection. May be nil.
	OnReconnect func(attempt int)
}

// Supervisor watches a [Bridge] and reconnects it with exponential backoff
// after the transport dropped an active session. Protocol errors, device
// failures and user disconnects are left alone.
type Supervisor struct {
	bridge *Bridge
	cfg    ReconnectConfig

	mu       sync.Mutex
	attempts int // total reconnection attempts, for tests and logs
}

// NewSupervisor returns a Supervisor for b.
func NewSupervisor(b *Bridge, cfg ReconnectConfig) *Supervisor {
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	return &Supervisor{bridge: b, cfg: cfg}
}

// Retryable reports whether a session ending with err should be reopened.
func Retryable(err error) bool {
	return errors.Is(err, ErrSessionLost) && !errors.Is(err, s2s.ErrProtocol)
}

// Run watches state changes until ctx ends or the bridge is closed. It
// returns nil in both cases.
func (s *Supervisor) Run(ctx context.Context) error {
	if s.cfg.MaxRetries <= 0 {
		<-ctx.Done()
		return nil
	}
	states, cancel := s.bridge.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case st, ok := <-states:
			if !ok {
				return nil
			}
			if st.Phase == Failed && Retryable(st.Err) {
				s.reconnect(ctx, st.Err)
			}
		}
	}
}

// Attempts returns the number of reconnection attempts made so far.
func (s *Supervisor) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// reconnect tries to reopen the session with exponential backoff.
func (s *Supervisor) reconnect(ctx context.Context, cause error) {
	backoff := s.cfg.Backoff
	for attempt := 1; attempt <= s.cfg.MaxRetries; attempt++ {
		slog.Info("bridge: attempting reconnection",
			"attempt", attempt,
			"max_retries", s.cfg.MaxRetries,
			"backoff", backoff,
			"cause", cause,
		)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		// Acknowledge or a manual Connect during the wait cancels the retry.
		if s.bridge.State().Phase != Failed {
			return
		}

		s.mu.Lock()
		s.attempts++
		s.mu.Unlock()

		err := s.bridge.Connect(ctx)
		if err == nil {
			slog.Info("bridge: reconnection successful", "attempt", attempt)
			if s.cfg.OnReconnect != nil {
				s.cfg.OnReconnect(attempt)
			}
			return
		}
		if errors.Is(err, ErrClosed) || errors.Is(err, ErrBusy) {
			return
		}
		slog.Warn("bridge: reconnection attempt failed", "attempt", attempt, "err", err)

		backoff = min(backoff*2, s.cfg.MaxBackoff)
	}

	slog.Error("bridge: reconnection failed after max retries", "max_retries", s.cfg.MaxRetries)
}
