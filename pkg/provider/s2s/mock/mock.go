// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Connect calls and hand out controlled sessions. Use
// Session to inject inbound events and inspect the frames that were sent.
//
// Example:
//
//	p := &mock.Provider{}
//	handle, _ := p.Connect(ctx, cfg)
//	sess := p.LastSession()
//	sess.Emit(s2s.AudioDelta{Frame: frame})
//	sess.Fail(errors.New("remote hung up")) // Error + Closed, then channel closed
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/vyncuslim/SomnoAI-Digital-Sleep-Lab-sub000/pkg/audio"
	"github.com/vyncuslim/SomnoAI-Digital-Sleep-Lab-sub000/pkg/provider/s2s"
)

// Compile-time interface assertions.
var (
	_ s2s.Provider      = (*Provider)(nil)
	_ s2s.SessionHandle = (*Session)(nil)
)

// eventBuffer is large enough that tests never block on Emit.
const eventBuffer = 256

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Cfg is the SessionConfig passed to Connect.
	Cfg s2s.SessionConfig
}

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// Session, if non-nil, is returned by every Connect. Otherwise each
	// Connect creates a fresh Session, retrievable with LastSession.
	Session *Session

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// Gate, if non-nil, makes Connect wait until it is closed or ctx ends.
	Gate <-chan struct{}

	// Caps is returned by Capabilities.
	Caps s2s.Capabilities

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	sessions []*Session
}

// Connect records the call and returns a session or ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Cfg: cfg})
	gate := p.Gate
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: mock: %w", s2s.ErrConnect, ctx.Err())
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	sess := p.Session
	if sess == nil {
		sess = NewSession()
	}
	p.sessions = append(p.sessions, sess)
	return sess, nil
}

// Capabilities returns Caps.
func (p *Provider) Capabilities() s2s.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Caps
}

// Calls returns the number of Connect calls.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// Configs returns the SessionConfig of every Connect call in order.
func (p *Provider) Configs() []s2s.SessionConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]s2s.SessionConfig, len(p.ConnectCalls))
	for i, c := range p.ConnectCalls {
		out[i] = c.Cfg
	}
	return out
}

// LastSession returns the most recently connected session, or nil.
func (p *Provider) LastSession() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sessions) == 0 {
		return nil
	}
	return p.sessions[len(p.sessions)-1]
}

// ─── Session ──────────────────────────────────────────────────────────────────

// Session is a mock implementation of s2s.SessionHandle.
type Session struct {
	id     string
	events chan s2s.Event

	mu sync.Mutex

	// SendErr, if non-nil, is returned by SendAudio and the frame is not recorded.
	SendErr error

	// InterruptErr is returned by Interrupt.
	InterruptErr error

	sent       []audio.AudioFrame
	interrupts int
	closeCalls int
	done       bool // local Close or terminal sequence emitted
}

// NewSession returns a ready Session.
func NewSession() *Session {
	return &Session{
		id:     uuid.NewString(),
		events: make(chan s2s.Event, eventBuffer),
	}
}

// ID implements s2s.SessionHandle.
func (s *Session) ID() string { return s.id }

// SendAudio records frame.
func (s *Session) SendAudio(frame audio.AudioFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return s2s.ErrSessionClosed
	}
	if s.SendErr != nil {
		return s.SendErr
	}
	s.sent = append(s.sent, frame)
	return nil
}

// Events implements s2s.SessionHandle.
func (s *Session) Events() <-chan s2s.Event { return s.events }

// Interrupt records the call and returns InterruptErr.
func (s *Session) Interrupt() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interrupts++
	return s.InterruptErr
}

// Close closes the event channel without a terminal sequence.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCalls++
	if !s.done {
		s.done = true
		close(s.events)
	}
	return nil
}

// Emit injects an inbound event. It reports false once the session ended.
func (s *Session) Emit(ev s2s.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return false
	}
	s.events <- ev
	return true
}

// Fail emits the terminal failure sequence Error, Closed and closes the
// event channel. A nil err emits Closed only, as for a clean remote close.
func (s *Session) Fail(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return false
	}
	if err != nil {
		s.events <- s2s.Error{Err: err}
	}
	s.events <- s2s.Closed{}
	s.done = true
	close(s.events)
	return true
}

// Sent returns a copy of every frame accepted by SendAudio, in call order.
func (s *Session) Sent() []audio.AudioFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audio.AudioFrame(nil), s.sent...)
}

// CloseCalls returns the number of Close calls.
func (s *Session) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

// Interrupts returns the number of Interrupt calls.
func (s *Session) Interrupts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interrupts
}
