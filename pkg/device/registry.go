package device

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Unit is one registered device. Its owner is the volume that currently has
// it mounted, or nil.
type Unit struct {
	name string
	dev  Device

	mu    sync.Mutex
	owner any
}

// Name returns the registered name.
func (u *Unit) Name() string { return u.name }

// Device returns the underlying device.
func (u *Unit) Device() Device { return u.dev }

// Owner returns the current owner, or nil.
func (u *Unit) Owner() any {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.owner
}

// Claim records owner as the user of the unit. Claiming a unit held by a
// different owner fails with ErrBusy; re-claiming by the same owner succeeds.
func (u *Unit) Claim(owner any) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.owner != nil && u.owner != owner {
		return fmt.Errorf("%w: %s", ErrBusy, u.name)
	}
	u.owner = owner
	return nil
}

// Release drops the claim if owner holds it.
func (u *Unit) Release(owner any) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.owner == owner {
		u.owner = nil
	}
}

// Registry maps device names to units. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	units map[string]*Unit
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{units: make(map[string]*Unit)}
}

// Register adds dev under name.
func (r *Registry) Register(name string, dev Device) error {
	if name == "" {
		return fmt.Errorf("device: empty name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.units[name]; ok {
		return fmt.Errorf("%w: %s", ErrExists, name)
	}
	r.units[name] = &Unit{name: name, dev: dev}
	return nil
}

// Lookup returns the unit registered under name.
func (r *Registry) Lookup(name string) (*Unit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.units[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return u, nil
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.units))
	for n := range r.units {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Unregister removes name and closes its device. A claimed unit cannot be
// removed.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	u, ok := r.units[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if u.Owner() != nil {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrBusy, name)
	}
	delete(r.units, name)
	r.mu.Unlock()
	return u.dev.Close()
}

// Close closes every registered device and empties the registry.
func (r *Registry) Close() error {
	r.mu.Lock()
	units := r.units
	r.units = make(map[string]*Unit)
	r.mu.Unlock()

	var errs []error
	for _, u := range units {
		if err := u.dev.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", u.name, err))
		}
	}
	return errors.Join(errs...)
}
