package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/vyncuslim/SomnoAI-Digital-Sleep-Lab-sub000/pkg/provider/s2s"
)

// S2SFallback is an [s2s.Provider] that opens sessions on the first healthy
// provider of an ordered list. Only the open handshake fails over; an
// established session belongs to the provider that opened it.
type S2SFallback struct {
	group *FallbackGroup[s2s.Provider]

	mu      sync.Mutex
	active  string
	activeP s2s.Provider
}

var _ s2s.Provider = (*S2SFallback)(nil)

// NewS2SFallback returns a fallback provider with primary tried first.
func NewS2SFallback(primaryName string, primary s2s.Provider, cfg FallbackConfig) *S2SFallback {
	return &S2SFallback{group: NewFallbackGroup(primaryName, primary, cfg)}
}

// AddFallback registers another provider, tried after those already added.
func (f *S2SFallback) AddFallback(name string, p s2s.Provider) {
	f.group.Add(name, p)
}

// Connect opens a session on the first provider whose breaker admits the
// call and whose handshake succeeds. When all fail the error wraps both
// [s2s.ErrConnect] and [ErrAllFailed].
func (f *S2SFallback) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	var opened s2s.Provider
	name, sess, err := Execute(ctx, f.group, func(p s2s.Provider) (s2s.SessionHandle, error) {
		h, err := p.Connect(ctx, cfg)
		if err == nil {
			opened = p
		}
		return h, err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", s2s.ErrConnect, err)
	}

	f.mu.Lock()
	prev := f.active
	f.active = name
	f.activeP = opened
	f.mu.Unlock()
	if prev != "" && prev != name {
		slog.Info("resilience: speech provider switched", "from", prev, "to", name)
	}
	return sess, nil
}

// Capabilities describes the provider that opened the most recent session,
// or the primary before the first success.
func (f *S2SFallback) Capabilities() s2s.Capabilities {
	f.mu.Lock()
	p := f.activeP
	f.mu.Unlock()
	if p == nil {
		p = f.group.Primary()
	}
	return p.Capabilities()
}

// Active returns the name of the provider that opened the most recent
// session, or "" before the first success.
func (f *S2SFallback) Active() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

// Names returns the provider names in failover order.
func (f *S2SFallback) Names() []string { return f.group.Names() }

// Breaker exposes the breaker of the named provider for health reporting.
func (f *S2SFallback) Breaker(name string) *CircuitBreaker { return f.group.Breaker(name) }
