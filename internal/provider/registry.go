package provider

import (
	"fmt"
	"sort"
	"time"
)

// Registry maps provider name to its Adapter. It is populated once at
// startup and read-only afterwards, so lookups need no synchronization.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter under its own name. Registration happens
// during startup wiring only; later registrations replace silently.
func (r *Registry) Register(a Adapter) {
	r.adapters[a.Name()] = a
}

// Lookup returns the adapter for name. Unknown names return
// ErrProviderNotFound; registered-but-unconfigured providers are
// returned as-is, their operations report ErrProviderDisabled.
func (r *Registry) Lookup(name string) (Adapter, error) {
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, name)
	}
	return a, nil
}

// Enabled returns the names of fully configured providers in sorted
// order. Unconfigured providers are hidden: they never show up as a
// login choice.
func (r *Registry) Enabled() []string {
	out := make([]string, 0, len(r.adapters))
	for name, a := range r.adapters {
		if a.Enabled() {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// FromConfig builds a registry from the per-provider configuration map.
// Unknown provider names are rejected; incomplete configs register the
// provider in its disabled state rather than failing startup.
func FromConfig(configs map[string]Config, timeout time.Duration) (*Registry, error) {
	r := NewRegistry()
	for name, cfg := range configs {
		switch name {
		case NameLinkedIn:
			r.Register(NewLinkedIn(cfg, timeout))
		case NameGitHub:
			r.Register(NewGitHub(cfg, timeout))
		default:
			return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, name)
		}
	}
	return r, nil
}
