package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrAllFailed is returned when every entry of a [FallbackGroup] failed or
// was skipped by its breaker.
var ErrAllFailed = errors.New("resilience: all providers failed")

// FallbackConfig is the template for the breaker created per entry.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

type entry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup holds a primary and ordered fallbacks of the same type, each
// behind its own [CircuitBreaker].
type FallbackGroup[T any] struct {
	cfg FallbackConfig

	mu      sync.RWMutex
	entries []entry[T]
}

// NewFallbackGroup returns a group with primary as the first entry.
func NewFallbackGroup[T any](primaryName string, primary T, cfg FallbackConfig) *FallbackGroup[T] {
	g := &FallbackGroup[T]{cfg: cfg}
	g.Add(primaryName, primary)
	return g
}

// Add appends a fallback. Entries are tried in the order they were added.
func (g *FallbackGroup[T]) Add(name string, value T) {
	bc := g.cfg.CircuitBreaker
	bc.Name = name
	g.mu.Lock()
	defer g.mu.Unlock()
	g.entries = append(g.entries, entry[T]{name: name, value: value, breaker: NewCircuitBreaker(bc)})
}

// Names returns the entry names in try order.
func (g *FallbackGroup[T]) Names() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	names := make([]string, len(g.entries))
	for i, e := range g.entries {
		names[i] = e.name
	}
	return names
}

// Primary returns the first entry.
func (g *FallbackGroup[T]) Primary() T {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.entries[0].value
}

// Breaker returns the breaker guarding the named entry, or nil.
func (g *FallbackGroup[T]) Breaker(name string) *CircuitBreaker {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, e := range g.entries {
		if e.name == name {
			return e.breaker
		}
	}
	return nil
}

// Execute calls fn with each entry in order until one succeeds and returns
// the winning entry's name and result. It stops early when ctx is done.
// When every entry fails the error wraps [ErrAllFailed] and each failure.
func Execute[T, R any](ctx context.Context, g *FallbackGroup[T], fn func(T) (R, error)) (string, R, error) {
	g.mu.RLock()
	entries := append([]entry[T](nil), g.entries...)
	g.mu.RUnlock()

	var (
		zero R
		errs []error
	)
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		var result R
		err := e.breaker.Execute(func() error {
			var ferr error
			result, ferr = fn(e.value)
			return ferr
		})
		if err == nil {
			return e.name, result, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", e.name, err))
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("resilience: skipping provider, circuit open", "provider", e.name)
			continue
		}
		slog.Warn("resilience: provider failed, trying next", "provider", e.name, "err", err)
	}
	return "", zero, fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}
