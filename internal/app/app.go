// Package app wires the bridge daemon together.
//
// New builds the bridge, the turn hub, the control API and, when configured,
// the reconnect supervisor and the config watcher. Run executes them under
// one errgroup until the context ends; Shutdown tears everything down in
// order.
//
// Tests inject the provider and devices through [Providers] and may replace
// the listener with [WithListener].
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vyncuslim/SomnoAI-Digital-Sleep-Lab-sub000/internal/api"
	"github.com/vyncuslim/SomnoAI-Digital-Sleep-Lab-sub000/internal/bridge"
	"github.com/vyncuslim/SomnoAI-Digital-Sleep-Lab-sub000/internal/config"
	"github.com/vyncuslim/SomnoAI-Digital-Sleep-Lab-sub000/internal/health"
	"github.com/vyncuslim/SomnoAI-Digital-Sleep-Lab-sub000/internal/observe"
	"github.com/vyncuslim/SomnoAI-Digital-Sleep-Lab-sub000/pkg/provider/s2s"
)

const readHeaderTimeout = 10 * time.Second

// Providers holds the runtime dependencies built from the config registry.
type Providers struct {
	// S2S opens remote sessions. Required.
	S2S s2s.Provider

	// Devices are the audio endpoints. When DeviceErr is set the daemon
	// still starts, reports not-ready and every Connect fails.
	Devices   config.Devices
	DeviceErr error
}

// App owns all subsystem lifetimes.
type App struct {
	providers *Providers
	metrics   *observe.Metrics
	levelVar  *slog.LevelVar

	mu  sync.Mutex
	cfg *config.Config

	bridge     *bridge.Bridge
	hub        *api.TurnHub
	server     *http.Server
	listener   net.Listener
	supervisor *bridge.Supervisor
	watcher    *config.Watcher

	configPath     string
	metricsHandler http.Handler

	stopOnce sync.Once
	stopErr  error
}

// Option configures an [App].
type Option func(*App)

// WithMetrics sets the instruments shared by all subsystems.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets hot reload change the log level of the handler built
// around lv.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = lv }
}

// WithConfigPath enables the config watcher on path.
func WithConfigPath(path string) Option {
	return func(a *App) { a.configPath = path }
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithListener serves the control API on l instead of server.listen_addr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New builds every subsystem but starts nothing.
func New(cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.S2S == nil {
		return nil, errors.New("app: speech provider is required")
	}
	a := &App{cfg: cfg, providers: providers}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	in, out := providers.Devices.Input, providers.Devices.Output
	if providers.DeviceErr != nil || in == nil || out == nil {
		in, out = unavailableDevices(providers.DeviceErr)
	}

	a.bridge = bridge.New(providers.S2S, in, out,
		bridge.WithSessionConfig(sessionConfig(cfg.Session)),
		bridge.WithProviderName(cfg.Providers.S2S.Name),
		bridge.WithBlockSize(cfg.Audio.CaptureBlockSize),
		bridge.WithMetrics(a.metrics),
	)
	a.hub = api.NewTurnHub()

	if cfg.Reconnect.MaxRetries > 0 {
		a.supervisor = bridge.NewSupervisor(a.bridge, bridge.ReconnectConfig{
			MaxRetries: cfg.Reconnect.MaxRetries,
			Backoff:    cfg.Reconnect.Backoff,
			MaxBackoff: cfg.Reconnect.MaxBackoff,
			OnReconnect: func(attempt int) {
				slog.Info("app: session restored", "attempt", attempt)
			},
		})
	}

	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.Reload)
		if err != nil {
			return nil, fmt.Errorf("app: config watcher: %w", err)
		}
		a.watcher = w
	}

	checks := health.New(
		health.BridgeChecker(a.bridge),
		health.DeviceChecker(func() error { return providers.DeviceErr }),
	)
	srv := api.New(a.bridge, a.hub,
		api.WithHealth(checks),
		api.WithMetrics(a.metrics),
		api.WithMetricsHandler(a.metricsHandler),
	)
	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return a, nil
}

// Bridge returns the session bridge.
func (a *App) Bridge() *bridge.Bridge { return a.bridge }

// Config returns the active configuration.
func (a *App) Config() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the control API and runs the background loops until ctx is
// cancelled or one of them fails. It does not close the bridge; call
// Shutdown afterwards.
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.server.Addr)
		if err != nil {
			return fmt.Errorf("app: listen %s: %w", a.server.Addr, err)
		}
	}
	slog.Info("app: control API listening", "addr", ln.Addr().String())

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), readHeaderTimeout)
		defer cancel()
		return a.server.Shutdown(sctx)
	})
	g.Go(func() error {
		return a.hub.Run(ctx, a.bridge.Turns())
	})
	if a.supervisor != nil {
		g.Go(func() error { return a.supervisor.Run(ctx) })
	}
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(ctx) })
	}

	return g.Wait()
}

// Reload applies a changed config file. Session instructions and voice take
// effect on the next Connect and the log level immediately; everything else
// is logged as requiring a restart.
func (a *App) Reload(old, cur *config.Config) {
	d := config.Diff(old, cur)
	if d.Empty() {
		return
	}
	if d.SessionChanged {
		a.bridge.SetSessionConfig(sessionConfig(d.NewSession))
		slog.Info("app: session settings reloaded", "voice", d.NewSession.Voice)
	}
	if d.LogLevelChanged && a.levelVar != nil {
		a.levelVar.Set(SlogLevel(d.NewLogLevel))
		slog.Info("app: log level changed", "level", d.NewLogLevel)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("app: config changes need a restart to take effect", "sections", d.RestartRequired)
	}
	a.mu.Lock()
	a.cfg = cur
	a.mu.Unlock()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown ends any session, releases the devices and stops the HTTP server.
// It is safe to call more than once; later calls return the first result.
func (a *App) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() {
		var errs []error
		done := make(chan error, 1)
		go func() { done <- a.bridge.Close() }()
		select {
		case err := <-done:
			errs = append(errs, err)
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("app: close bridge: %w", ctx.Err()))
		}
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("app: shutdown http: %w", err))
		}
		if c := a.providers.Devices.Close; c != nil {
			if err := c(); err != nil {
				errs = append(errs, fmt.Errorf("app: close devices: %w", err))
			}
		}
		a.stopErr = errors.Join(errs...)
	})
	return a.stopErr
}

// ─── helpers ─────────────────────────────────────────────────────────────────

func sessionConfig(c config.SessionConfig) s2s.SessionConfig {
	return s2s.SessionConfig{Instructions: c.Instructions, Voice: c.Voice}
}

// SlogLevel maps a config level to its slog equivalent.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
