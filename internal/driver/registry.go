package driver

import (
	"sync"

	"financehub/internal/domain"
)

// Registration binds one institution to its driver and resolved kind. The
// kind is fixed here, at registration time, so nothing downstream ever
// dispatches on channel strings.
type Registration struct {
	InstitutionID string
	Kind          domain.InstitutionKind
	Driver        domain.Driver
}

// Registry is the closed set of connectable institutions.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Registration
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Registration)}
}

// Register adds or replaces the driver for an institution.
func (r *Registry) Register(institutionID string, kind domain.InstitutionKind, d domain.Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[institutionID] = Registration{InstitutionID: institutionID, Kind: kind, Driver: d}
}

// Lookup resolves an institution to its registration.
func (r *Registry) Lookup(institutionID string) (Registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[institutionID]
	if !ok {
		return Registration{}, domain.ErrDriverNotRegistered
	}
	return reg, nil
}

// List returns all registered institutions.
func (r *Registry) List() []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Registration, 0, len(r.entries))
	for _, reg := range r.entries {
		out = append(out, reg)
	}
	return out
}
