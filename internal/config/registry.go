package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/vyncuslim/SomnoAI-Digital-Sleep-Lab-sub000/pkg/audio"
	"github.com/vyncuslim/SomnoAI-Digital-Sleep-Lab-sub000/pkg/provider/s2s"
)

var (
	// ErrProviderNotRegistered is returned by CreateS2S for an unknown name.
	ErrProviderNotRegistered = errors.New("config: provider not registered")

	// ErrDeviceNotRegistered is returned by CreateDevices for an unknown
	// backend.
	ErrDeviceNotRegistered = errors.New("config: device not registered")
)

// Devices is an opened input/output pair. Close releases both.
type Devices struct {
	Input  audio.InputDevice
	Output audio.Output
	Close  func() error
}

// S2SFactory builds a provider from its config entry.
type S2SFactory func(ProviderEntry) (s2s.Provider, error)

// DeviceFactory opens the devices of one backend.
type DeviceFactory func(AudioConfig) (Devices, error)

// Registry maps provider and device names to their factories. It is safe for
// concurrent use.
type Registry struct {
	mu      sync.RWMutex
	s2s     map[string]S2SFactory
	devices map[Device]DeviceFactory
}

// NewRegistry returns an empty [Registry].
func NewRegistry() *Registry {
	return &Registry{
		s2s:     make(map[string]S2SFactory),
		devices: make(map[Device]DeviceFactory),
	}
}

// RegisterS2S registers a provider factory under name, replacing any
// previous registration.
func (r *Registry) RegisterS2S(name string, factory S2SFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.s2s[name] = factory
}

// RegisterDevice registers a device backend factory.
func (r *Registry) RegisterDevice(name Device, factory DeviceFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[name] = factory
}

// CreateS2S builds the provider registered under entry.Name.
func (r *Registry) CreateS2S(entry ProviderEntry) (s2s.Provider, error) {
	r.mu.RLock()
	factory, ok := r.s2s[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: s2s/%q", ErrProviderNotRegistered, entry.Name)
	}
	p, err := factory(entry)
	if err != nil {
		return nil, fmt.Errorf("config: create s2s/%q: %w", entry.Name, err)
	}
	return p, nil
}

// CreateDevices opens the backend selected by cfg.Device.
func (r *Registry) CreateDevices(cfg AudioConfig) (Devices, error) {
	r.mu.RLock()
	factory, ok := r.devices[cfg.Device]
	r.mu.RUnlock()
	if !ok {
		return Devices{}, fmt.Errorf("%w: %q", ErrDeviceNotRegistered, cfg.Device)
	}
	d, err := factory(cfg)
	if err != nil {
		return Devices{}, fmt.Errorf("config: open %s devices: %w", cfg.Device, err)
	}
	if d.Close == nil {
		d.Close = func() error { return nil }
	}
	return d, nil
}

// S2SNames returns the registered provider names, sorted.
func (r *Registry) S2SNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.s2s))
	for n := range r.s2s {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
