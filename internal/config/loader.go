package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// KnownProviders lists the built-in speech-to-speech provider names. Unknown
// names only produce a warning so third-party factories can be registered.
var KnownProviders = []string{"gemini-live", "openai-realtime"}

// maxBlockSize bounds capture_block_size to about four seconds at 16 kHz.
const maxBlockSize = 1 << 16

// Load reads, defaults and validates the YAML file at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes YAML from r, rejecting unknown fields, then applies
// defaults and validates.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cfg for coherence and returns every problem found, joined.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Providers.S2S.Name == "" {
		errs = append(errs, errors.New("providers.s2s.name is required"))
	} else {
		warnUnknownProvider("providers.s2s", cfg.Providers.S2S.Name)
	}
	seen := map[string]string{cfg.Providers.S2S.Name: "providers.s2s"}
	for i, fb := range cfg.Providers.Fallbacks {
		prefix := fmt.Sprintf("providers.fallbacks[%d]", i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if prev, ok := seen[fb.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q duplicates %s", prefix, fb.Name, prev))
		}
		seen[fb.Name] = prefix
		warnUnknownProvider(prefix, fb.Name)
	}

	if cfg.Audio.Device != "" && !cfg.Audio.Device.IsValid() {
		errs = append(errs, fmt.Errorf("audio.device %q is invalid; valid values: portaudio, virtual", cfg.Audio.Device))
	}
	if cfg.Audio.CaptureBlockSize < 0 || cfg.Audio.CaptureBlockSize > maxBlockSize {
		errs = append(errs, fmt.Errorf("audio.capture_block_size %d is out of range [1, %d]", cfg.Audio.CaptureBlockSize, maxBlockSize))
	}
	if cfg.Audio.SendQueue < 0 {
		errs = append(errs, fmt.Errorf("audio.send_queue %d must not be negative", cfg.Audio.SendQueue))
	}
	if cfg.Audio.InputFile != "" && cfg.Audio.Device != DeviceVirtual {
		slog.Warn("config: audio.input_file is only used by the virtual device", "device", cfg.Audio.Device)
	}

	if cfg.Reconnect.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("reconnect.max_retries %d must not be negative", cfg.Reconnect.MaxRetries))
	}
	if cfg.Reconnect.Backoff < 0 || cfg.Reconnect.MaxBackoff < 0 {
		errs = append(errs, errors.New("reconnect.backoff and reconnect.max_backoff must not be negative"))
	} else if cfg.Reconnect.MaxBackoff > 0 && cfg.Reconnect.Backoff > cfg.Reconnect.MaxBackoff {
		errs = append(errs, fmt.Errorf("reconnect.backoff %v exceeds reconnect.max_backoff %v", cfg.Reconnect.Backoff, cfg.Reconnect.MaxBackoff))
	}

	return errors.Join(errs...)
}

func warnUnknownProvider(field, name string) {
	if slices.Contains(KnownProviders, name) {
		return
	}
	slog.Warn("config: unknown provider name, may be a typo or a third-party provider",
		"field", field,
		"name", name,
		"known", KnownProviders,
	)
}
