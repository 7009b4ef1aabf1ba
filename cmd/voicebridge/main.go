// Command voicebridge runs the real-time duplex audio bridge daemon: it
// connects the local microphone and speaker to a remote speech-to-speech
// model on request from the dashboard's control API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vyncuslim/SomnoAI-Digital-Sleep-Lab-sub000/internal/app"
	"github.com/vyncuslim/SomnoAI-Digital-Sleep-Lab-sub000/internal/config"
	"github.com/vyncuslim/SomnoAI-Digital-Sleep-Lab-sub000/internal/observe"
	"github.com/vyncuslim/SomnoAI-Digital-Sleep-Lab-sub000/pkg/audio"
	"github.com/vyncuslim/SomnoAI-Digital-Sleep-Lab-sub000/pkg/audio/portaudio"
	"github.com/vyncuslim/SomnoAI-Digital-Sleep-Lab-sub000/pkg/audio/virtual"
	"github.com/vyncuslim/SomnoAI-Digital-Sleep-Lab-sub000/pkg/provider/s2s"
	"github.com/vyncuslim/SomnoAI-Digital-Sleep-Lab-sub000/pkg/provider/s2s/gemini"
	"github.com/vyncuslim/SomnoAI-Digital-Sleep-Lab-sub000/pkg/provider/s2s/openai"
)

const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "voicebridge.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload session settings and log level when the config file changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voicebridge: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voicebridge: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	levelVar := new(slog.LevelVar)
	levelVar.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar})))

	slog.Info("voicebridge starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	shutdownTelemetry, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceName: cfg.Telemetry.ServiceName,
		Registerer:  promReg,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, cfg.Audio)
	registerBuiltinDevices(reg)

	providers, err := app.BuildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	printStartupSummary(cfg, providers)

	opts := []app.Option{
		app.WithLevelVar(levelVar),
		app.WithMetrics(observe.DefaultMetrics()),
		app.WithMetricsHandler(promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})),
	}
	if *watch {
		opts = append(opts, app.WithConfigPath(*configPath))
	}
	application, err := app.New(cfg, providers, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("server ready, press Ctrl+C to shut down")
	code := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return code
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the speech-to-speech providers that ship
// with voicebridge. The capture send queue is shared by all of them.
func registerBuiltinProviders(reg *config.Registry, ac config.AudioConfig) {
	reg.RegisterS2S("gemini-live", func(entry config.ProviderEntry) (s2s.Provider, error) {
		if entry.APIKey == "" {
			return nil, errors.New("gemini-live: api_key is required")
		}
		opts := []gemini.Option{gemini.WithSendQueue(ac.SendQueue)}
		if entry.Model != "" {
			opts = append(opts, gemini.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(entry.BaseURL))
		}
		return gemini.New(entry.APIKey, opts...), nil
	})

	reg.RegisterS2S("openai-realtime", func(entry config.ProviderEntry) (s2s.Provider, error) {
		if entry.APIKey == "" {
			return nil, errors.New("openai-realtime: api_key is required")
		}
		opts := []openai.Option{openai.WithSendQueue(ac.SendQueue)}
		if entry.Model != "" {
			opts = append(opts, openai.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if m := optString(entry.Options, "transcription_model"); m != "" {
			opts = append(opts, openai.WithTranscriptionModel(m))
		}
		return openai.New(entry.APIKey, opts...), nil
	})
}

// registerBuiltinDevices wires the audio backends.
func registerBuiltinDevices(reg *config.Registry) {
	reg.RegisterDevice(config.DevicePortAudio, func(config.AudioConfig) (config.Devices, error) {
		sp, err := portaudio.OpenSpeaker(audio.PlaybackFormat)
		if err != nil {
			return config.Devices{}, err
		}
		return config.Devices{Input: portaudio.NewMicrophone(), Output: sp, Close: sp.Close}, nil
	})

	reg.RegisterDevice(config.DeviceVirtual, func(ac config.AudioConfig) (config.Devices, error) {
		mic := &virtual.Microphone{}
		if ac.InputFile != "" {
			clip, err := virtual.LoadPCM(ac.InputFile)
			if err != nil {
				return config.Devices{}, err
			}
			mic.Clip = clip
		}
		sp := virtual.OpenSpeaker(audio.PlaybackFormat, nil)
		return config.Devices{Input: mic, Output: sp, Close: sp.Close}, nil
	})
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, p *app.Providers) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║      voicebridge startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Speech model", providerLabel(cfg.Providers.S2S))
	for _, fb := range cfg.Providers.Fallbacks {
		printRow("  fallback", providerLabel(fb))
	}
	audioState := string(cfg.Audio.Device)
	if p.DeviceErr != nil {
		audioState += " (unavailable)"
	}
	printRow("Audio", audioState)
	printRow("Voice", cfg.Session.Voice)
	if cfg.Reconnect.MaxRetries > 0 {
		printRow("Reconnect", fmt.Sprintf("%d retries", cfg.Reconnect.MaxRetries))
	} else {
		printRow("Reconnect", "(disabled)")
	}
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if value == "" {
		value = "(default)"
	}
	fmt.Printf("║  %-14s : %-20s ║\n", label, value)
}

func providerLabel(e config.ProviderEntry) string {
	if e.Model != "" {
		return e.Name + " / " + e.Model
	}
	return e.Name
}

// optString extracts a string option, or "" when absent or not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}
