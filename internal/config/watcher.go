package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"
)

// DefaultPollInterval is how often a [Watcher] stats its file.
const DefaultPollInterval = 5 * time.Second

// snapshot is one accepted version of the file.
type snapshot struct {
	cfg   *Config
	sum   [sha256.Size]byte
	mtime time.Time
}

// Watcher follows a config file by polling its modification time. Each
// edit that parses, validates and differs in content from the active
// version is handed to the change callback. Anything else is logged and
// the active version stays.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)

	active atomic.Pointer[snapshot]

	// seen is the last mtime acted on, including rejected edits. Only Run
	// touches it.
	seen time.Time
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval overrides [DefaultPollInterval]. Non-positive values are
// ignored.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher reads path and fails if that first version is unusable.
// onChange may be nil.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{path: path, interval: DefaultPollInterval, onChange: onChange}
	for _, opt := range opts {
		opt(w)
	}
	snap, err := readSnapshot(path)
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.active.Store(snap)
	w.seen = snap.mtime
	return w, nil
}

// Current is the active config. It is safe to call from any goroutine.
func (w *Watcher) Current() *Config { return w.active.Load().cfg }

// Run polls until ctx ends and then returns nil.
func (w *Watcher) Run(ctx context.Context) error {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		if next := w.poll(); next != nil {
			prev := w.active.Swap(next)
			slog.Info("config: reloaded", "path", w.path)
			if w.onChange != nil {
				w.onChange(prev.cfg, next.cfg)
			}
		}
	}
}

// poll returns a new snapshot when the file holds a different valid config.
func (w *Watcher) poll() *snapshot {
	fi, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config: cannot stat watched file", "path", w.path, "err", err)
		return nil
	}
	if fi.ModTime().Equal(w.seen) {
		return nil
	}
	w.seen = fi.ModTime()

	snap, err := readSnapshot(w.path)
	switch {
	case err != nil:
		slog.Warn("config: ignoring invalid edit", "path", w.path, "err", err)
		return nil
	case snap.sum == w.active.Load().sum:
		slog.Debug("config: file touched without content change", "path", w.path)
		return nil
	}
	return snap
}

func readSnapshot(path string) (*snapshot, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	return &snapshot{cfg: cfg, sum: sha256.Sum256(raw), mtime: fi.ModTime()}, nil
}
