// Package config provides the configuration schema, loader, hot-reload
// watcher and factory registry of the voice bridge.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Device selects the audio device backend.
type Device string

const (
	// DevicePortAudio uses the system default microphone and speaker.
	DevicePortAudio Device = "portaudio"

	// DeviceVirtual uses headless devices: silence or a looped PCM file as
	// input, a paced discard sink as output.
	DeviceVirtual Device = "virtual"
)

// IsValid reports whether d is a recognised device backend.
func (d Device) IsValid() bool {
	return d == DevicePortAudio || d == DeviceVirtual
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr       = ":8090"
	DefaultBlockSize        = 4096
	DefaultSendQueue        = 64
	DefaultReconnectBackoff = time.Second
	DefaultReconnectMax     = 30 * time.Second
	DefaultServiceName      = "voicebridge"
)

// Config is the root configuration, loaded with [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Session   SessionConfig   `yaml:"session"`
	Audio     AudioConfig     `yaml:"audio"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds the control API listener and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the control API (e.g., ":8090").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`
}

// ProvidersConfig selects the speech-to-speech provider and its failover
// chain.
type ProvidersConfig struct {
	// S2S is the primary provider.
	S2S ProviderEntry `yaml:"s2s"`

	// Fallbacks are tried in order when the primary's handshake fails.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`
}

// ProviderEntry configures one provider. Name selects the factory in the
// [Registry].
type ProviderEntry struct {
	// Name selects the registered provider (e.g., "gemini-live").
	Name string `yaml:"name"`

	// APIKey authenticates against the provider.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default websocket endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific values not covered above.
	Options map[string]any `yaml:"options"`
}

// SessionConfig is sent with every open handshake. Changes apply to the next
// session without restart.
type SessionConfig struct {
	// Instructions is the system prompt of the remote model.
	Instructions string `yaml:"instructions"`

	// Voice names the prebuilt output voice.
	Voice string `yaml:"voice"`
}

// AudioConfig selects the devices and capture framing.
type AudioConfig struct {
	// Device selects the backend. Default: portaudio.
	Device Device `yaml:"device"`

	// CaptureBlockSize is the outbound frame size in samples. Default: 4096.
	CaptureBlockSize int `yaml:"capture_block_size"`

	// SendQueue is the capacity of the outbound frame queue. Default: 64.
	SendQueue int `yaml:"send_queue"`

	// InputFile is a raw PCM16 16 kHz mono file the virtual microphone loops.
	// Empty means silence. Ignored by other devices.
	InputFile string `yaml:"input_file"`
}

// ReconnectConfig controls the reconnect supervisor. MaxRetries of zero
// disables it.
type ReconnectConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// TelemetryConfig configures the OpenTelemetry resource.
type TelemetryConfig struct {
	// ServiceName is reported as service.name. Default: voicebridge.
	ServiceName string `yaml:"service_name"`
}

// ApplyDefaults fills zero fields with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Audio.Device == "" {
		cfg.Audio.Device = DevicePortAudio
	}
	if cfg.Audio.CaptureBlockSize == 0 {
		cfg.Audio.CaptureBlockSize = DefaultBlockSize
	}
	if cfg.Audio.SendQueue == 0 {
		cfg.Audio.SendQueue = DefaultSendQueue
	}
	if cfg.Reconnect.Backoff == 0 {
		cfg.Reconnect.Backoff = DefaultReconnectBackoff
	}
	if cfg.Reconnect.MaxBackoff == 0 {
		cfg.Reconnect.MaxBackoff = DefaultReconnectMax
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
	}
}
