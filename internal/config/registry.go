package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/framesync/pkg/device"
)

// ErrDriverNotRegistered is returned by [Registry.CreateDevice] when no factory
// has been registered under the requested driver name.
var ErrDriverNotRegistered = errors.New("config: device driver not registered")

// DeviceFactory opens the device described by a [DeviceConfig].
type DeviceFactory func(DeviceConfig) (device.Device, error)

// Registry maps driver names to device constructors. It is safe for
// concurrent use.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]DeviceFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{devices: make(map[string]DeviceFactory)}
}

// RegisterDevice registers a device factory under driver.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterDevice(driver string, factory DeviceFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[driver] = factory
}

// CreateDevice opens a device using the factory registered under cfg.Driver.
// Returns [ErrDriverNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateDevice(cfg DeviceConfig) (device.Device, error) {
	r.mu.RLock()
	factory, ok := r.devices[cfg.Driver]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (device %q)", ErrDriverNotRegistered, cfg.Driver, cfg.ID)
	}
	return factory(cfg)
}

// Drivers returns the registered driver names in sorted order.
func (r *Registry) Drivers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.devices))
	for n := range r.devices {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
