package app

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vyncuslim/SomnoAI-Digital-Sleep-Lab-sub000/internal/config"
	"github.com/vyncuslim/SomnoAI-Digital-Sleep-Lab-sub000/internal/resilience"
	"github.com/vyncuslim/SomnoAI-Digital-Sleep-Lab-sub000/pkg/audio"
)

// BuildProviders instantiates the speech provider and the audio devices
// named in cfg. A configured fallback list wraps the providers in a
// [resilience.S2SFallback]. A device failure is not fatal; it is reported
// in Providers.DeviceErr so the daemon can start and explain itself.
func BuildProviders(cfg *config.Config, reg *config.Registry) (*Providers, error) {
	primary, err := reg.CreateS2S(cfg.Providers.S2S)
	if err != nil {
		return nil, fmt.Errorf("app: providers.s2s: %w", err)
	}

	p := &Providers{S2S: primary}
	if len(cfg.Providers.Fallbacks) > 0 {
		fb := resilience.NewS2SFallback(cfg.Providers.S2S.Name, primary, resilience.FallbackConfig{
			CircuitBreaker: resilience.CircuitBreakerConfig{
				OnStateChange: func(name string, from, to resilience.State) {
					slog.Warn("app: provider circuit changed", "provider", name, "from", from.String(), "to", to.String())
				},
			},
		})
		for i, entry := range cfg.Providers.Fallbacks {
			alt, err := reg.CreateS2S(entry)
			if err != nil {
				return nil, fmt.Errorf("app: providers.fallbacks[%d]: %w", i, err)
			}
			fb.AddFallback(entry.Name, alt)
		}
		p.S2S = fb
	}

	devices, err := reg.CreateDevices(cfg.Audio)
	if err != nil {
		slog.Error("app: audio devices unavailable", "device", cfg.Audio.Device, "err", err)
		p.DeviceErr = err
	} else {
		p.Devices = devices
	}
	return p, nil
}

// unavailableDevices stands in for devices that failed to open: capture
// always fails with [audio.ErrDeviceUnavailable] so Connect reports it.
func unavailableDevices(cause error) (audio.InputDevice, audio.Output) {
	if cause == nil {
		cause = audio.ErrDeviceUnavailable
	}
	return deadInput{cause: cause}, deadOutput{}
}

type deadInput struct{ cause error }

func (d deadInput) StartCapture(audio.Format, int, func([]float32)) (audio.Stream, error) {
	if errors.Is(d.cause, audio.ErrDeviceUnavailable) {
		return nil, d.cause
	}
	return nil, fmt.Errorf("%w: %w", audio.ErrDeviceUnavailable, d.cause)
}

type deadOutput struct{}

func (deadOutput) Now() time.Duration { return 0 }

func (deadOutput) Schedule([]float32, audio.Format, time.Duration, func()) (audio.Voice, error) {
	return nil, audio.ErrDeviceUnavailable
}
