// Package service holds the daemon service registry: the named capabilities
// (upload-pack, receive-pack) a client may request, and whether each one is
// enabled and whether repositories may override that.
package service

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

const (
	// UploadPack serves fetch and clone.
	UploadPack = "git-upload-pack"
	// ReceivePack serves push.
	ReceivePack = "git-receive-pack"
)

var (
	// ErrUnknownService is returned for names that are not registered.
	ErrUnknownService = errors.New("service not supported")
	// ErrServiceNotEnabled is returned by Dispatch when the service is disabled
	// for the requested repository.
	ErrServiceNotEnabled = errors.New("service not enabled")
	// ErrServiceNotOverridable is returned by Dispatch when a repository tries
	// to change the state of a service that does not allow overrides.
	ErrServiceNotOverridable = errors.New("service not overridable")
)

// Descriptor describes one daemon service.
type Descriptor struct {
	// Name is the command name clients send, e.g. git-receive-pack.
	Name string
	// ConfigName is the key looked up in the repository's [daemon] section.
	ConfigName string
	// Enabled is the daemon-wide default.
	Enabled bool
	// Overridable lets a repository flip Enabled through daemon.<ConfigName>.
	Overridable bool
}

// Overrides exposes a repository's per-service settings.
type Overrides interface {
	// ServiceOverride reports daemon.<configName> and whether it is set.
	ServiceOverride(configName string) (enabled bool, ok bool)
}

// Registry maps service names to descriptors. It is written during startup
// and read by every session afterwards.
type Registry struct {
	mu       sync.RWMutex
	services map[string]*Descriptor
}

// NewRegistry registers the supplied descriptors.
func NewRegistry(descriptors ...Descriptor) *Registry {
	r := &Registry{services: make(map[string]*Descriptor, len(descriptors))}
	for _, d := range descriptors {
		d := d
		d.Name = canonicalName(d.Name)
		r.services[d.Name] = &d
	}
	return r
}

// NewDefaultRegistry returns the stock daemon services: upload-pack enabled,
// receive-pack disabled, both overridable.
func NewDefaultRegistry() *Registry {
	return NewRegistry(
		Descriptor{Name: UploadPack, ConfigName: "uploadpack", Enabled: true, Overridable: true},
		Descriptor{Name: ReceivePack, ConfigName: "receivepack", Enabled: false, Overridable: true},
	)
}

// Lookup returns a copy of the named descriptor.
func (r *Registry) Lookup(name string) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.services[canonicalName(name)]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrUnknownService, name)
	}
	return *d, nil
}

// SetEnabled changes the daemon-wide default of the named service.
func (r *Registry) SetEnabled(name string, enabled bool) error {
	return r.update(name, func(d *Descriptor) { d.Enabled = enabled })
}

// SetOverridable changes whether repositories may override the named service.
func (r *Registry) SetOverridable(name string, overridable bool) error {
	return r.update(name, func(d *Descriptor) { d.Overridable = overridable })
}

func (r *Registry) update(name string, fn func(*Descriptor)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.services[canonicalName(name)]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownService, name)
	}
	fn(d)
	return nil
}

// Names lists registered command names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Reachable reports whether the service could run for some repository, i.e.
// it is enabled or a repository may enable it. Sessions use it to reject
// early, before resolving a path.
func (r *Registry) Reachable(name string) (Descriptor, error) {
	d, err := r.Lookup(name)
	if err != nil {
		return Descriptor{}, err
	}
	if !d.Enabled && !d.Overridable {
		return d, fmt.Errorf("%w: %s", ErrServiceNotEnabled, d.Name)
	}
	return d, nil
}

// Dispatch decides whether the named service may run against a repository
// whose settings are ov. ov may be nil.
func (r *Registry) Dispatch(name string, ov Overrides) (Descriptor, error) {
	d, err := r.Lookup(name)
	if err != nil {
		return Descriptor{}, err
	}
	enabled := d.Enabled
	if ov != nil && d.ConfigName != "" {
		if v, ok := ov.ServiceOverride(d.ConfigName); ok {
			switch {
			case d.Overridable:
				enabled = v
			case v != d.Enabled:
				return d, fmt.Errorf("%w: %s", ErrServiceNotOverridable, d.Name)
			}
		}
	}
	if !enabled {
		return d, fmt.Errorf("%w: %s", ErrServiceNotEnabled, d.Name)
	}
	return d, nil
}

func canonicalName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return name
	}
	if !strings.HasPrefix(name, "git-") {
		name = "git-" + name
	}
	return name
}
