package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vyncuslim/SomnoAI-Digital-Sleep-Lab-sub000/internal/config"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":9000"
  log_level: debug

providers:
  s2s:
    name: gemini-live
    api_key: g-test
    model: gemini-2.0-flash-live-001
  fallbacks:
    - name: openai-realtime
      api_key: sk-test

session:
  instructions: You are a calm sleep coach. Keep answers short.
  voice: Puck

audio:
  device: virtual
  capture_block_size: 2048
  send_queue: 32
  input_file: testdata/breath.pcm

reconnect:
  max_retries: 5
  backoff: 500ms
  max_backoff: 10s

telemetry:
  service_name: sleep-lab-bridge
`

func load(t *testing.T, yaml string) (*config.Config, error) {
	t.Helper()
	return config.LoadFromReader(strings.NewReader(yaml))
}

// ── YAML loading ─────────────────────────────────────────────────────────────

func TestLoadFromReader_FullConfig(t *testing.T) {
	t.Parallel()
	cfg, err := load(t, sampleYAML)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":9000" || cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Providers.S2S.Name != "gemini-live" || cfg.Providers.S2S.APIKey != "g-test" {
		t.Errorf("providers.s2s = %+v", cfg.Providers.S2S)
	}
	if len(cfg.Providers.Fallbacks) != 1 || cfg.Providers.Fallbacks[0].Name != "openai-realtime" {
		t.Errorf("providers.fallbacks = %+v", cfg.Providers.Fallbacks)
	}
	if cfg.Session.Voice != "Puck" || !strings.HasPrefix(cfg.Session.Instructions, "You are a calm") {
		t.Errorf("session = %+v", cfg.Session)
	}
	want := config.AudioConfig{Device: config.DeviceVirtual, CaptureBlockSize: 2048, SendQueue: 32, InputFile: "testdata/breath.pcm"}
	if cfg.Audio != want {
		t.Errorf("audio = %+v, want %+v", cfg.Audio, want)
	}
	if cfg.Reconnect.MaxRetries != 5 || cfg.Reconnect.Backoff != 500*time.Millisecond || cfg.Reconnect.MaxBackoff != 10*time.Second {
		t.Errorf("reconnect = %+v", cfg.Reconnect)
	}
	if cfg.Telemetry.ServiceName != "sleep-lab-bridge" {
		t.Errorf("telemetry = %+v", cfg.Telemetry)
	}
}

func TestLoadFromReader_Defaults(t *testing.T) {
	t.Parallel()
	cfg, err := load(t, "providers:\n  s2s:\n    name: gemini-live\n")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.ListenAddr != config.DefaultListenAddr || cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("server defaults = %+v", cfg.Server)
	}
	if cfg.Audio.Device != config.DevicePortAudio || cfg.Audio.CaptureBlockSize != 4096 || cfg.Audio.SendQueue != 64 {
		t.Errorf("audio defaults = %+v", cfg.Audio)
	}
	if cfg.Reconnect.MaxRetries != 0 || cfg.Reconnect.Backoff != time.Second || cfg.Reconnect.MaxBackoff != 30*time.Second {
		t.Errorf("reconnect defaults = %+v", cfg.Reconnect)
	}
	if cfg.Telemetry.ServiceName != "voicebridge" {
		t.Errorf("telemetry default = %q", cfg.Telemetry.ServiceName)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := load(t, "providers:\n  s2s:\n    name: gemini-live\n    temperature: 0.3\n")
	if err == nil || !strings.Contains(err.Error(), "temperature") {
		t.Fatalf("expected unknown field error, got %v", err)
	}
}

func TestLoadFromReader_EmptyDocument(t *testing.T) {
	t.Parallel()
	_, err := load(t, "")
	if err == nil || !strings.Contains(err.Error(), "providers.s2s.name is required") {
		t.Fatalf("expected missing provider error, got %v", err)
	}
}

// ── Validation ───────────────────────────────────────────────────────────────

func TestValidate(t *testing.T) {
	t.Parallel()
	base := func() *config.Config {
		cfg := &config.Config{Providers: config.ProvidersConfig{S2S: config.ProviderEntry{Name: "gemini-live"}}}
		config.ApplyDefaults(cfg)
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*config.Config) {}},
		{name: "bad log level", mutate: func(c *config.Config) { c.Server.LogLevel = "verbose" }, wantErr: "server.log_level"},
		{name: "missing provider", mutate: func(c *config.Config) { c.Providers.S2S.Name = "" }, wantErr: "providers.s2s.name is required"},
		{name: "unnamed fallback", mutate: func(c *config.Config) {
			c.Providers.Fallbacks = []config.ProviderEntry{{APIKey: "x"}}
		}, wantErr: "providers.fallbacks[0].name is required"},
		{name: "duplicate fallback", mutate: func(c *config.Config) {
			c.Providers.Fallbacks = []config.ProviderEntry{{Name: "gemini-live"}}
		}, wantErr: "duplicates providers.s2s"},
		{name: "bad device", mutate: func(c *config.Config) { c.Audio.Device = "alsa" }, wantErr: "audio.device"},
		{name: "huge block", mutate: func(c *config.Config) { c.Audio.CaptureBlockSize = 1 << 20 }, wantErr: "capture_block_size"},
		{name: "negative queue", mutate: func(c *config.Config) { c.Audio.SendQueue = -1 }, wantErr: "send_queue"},
		{name: "negative retries", mutate: func(c *config.Config) { c.Reconnect.MaxRetries = -2 }, wantErr: "max_retries"},
		{name: "backoff above max", mutate: func(c *config.Config) {
			c.Reconnect.Backoff = time.Minute
			c.Reconnect.MaxBackoff = time.Second
		}, wantErr: "exceeds"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base()
			tt.mutate(cfg)
			err := config.Validate(cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_JoinsAllErrors(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Server: config.ServerConfig{LogLevel: "loud"}, Audio: config.AudioConfig{Device: "alsa"}}
	err := config.Validate(cfg)
	if err == nil {
		t.Fatal("expected errors")
	}
	for _, want := range []string{"server.log_level", "providers.s2s.name", "audio.device"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error missing %q: %v", want, err)
		}
	}
}

// ── Load from file ───────────────────────────────────────────────────────────

func TestLoad(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "voicebridge.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Session.Voice != "Puck" {
		t.Errorf("voice = %q", cfg.Session.Voice)
	}

	_, err = config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing file: err = %v, want ErrNotExist", err)
	}
}
