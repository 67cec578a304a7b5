package provider

import (
	"fmt"
	"sync"
)

// DefaultRegistry keeps transports in registration order. The first one
// registered is primary until SetPrimary says otherwise.
type DefaultRegistry struct {
	mu      sync.RWMutex
	order   []Transport
	primary string
}

// NewRegistry creates an empty transport registry.
func NewRegistry() *DefaultRegistry {
	return &DefaultRegistry{}
}

func (r *DefaultRegistry) indexOf(id string) int {
	for i, t := range r.order {
		if t.ID() == id {
			return i
		}
	}
	return -1
}

// Register adds t. IDs must be unique.
func (r *DefaultRegistry) Register(t Transport) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.indexOf(t.ID()) >= 0 {
		return fmt.Errorf("transport with ID '%s' already registered", t.ID())
	}
	r.order = append(r.order, t)
	if r.primary == "" {
		r.primary = t.ID()
	}
	return nil
}

// Get returns the transport registered under id.
func (r *DefaultRegistry) Get(id string) (Transport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if i := r.indexOf(id); i >= 0 {
		return r.order[i], true
	}
	return nil, false
}

// All returns the transports in registration order.
func (r *DefaultRegistry) All() []Transport {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Transport(nil), r.order...)
}

// Primary returns the primary transport, or nil when none is registered.
func (r *DefaultRegistry) Primary() Transport {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if i := r.indexOf(r.primary); i >= 0 {
		return r.order[i]
	}
	return nil
}

// SetPrimary routes requests to the transport registered under id.
func (r *DefaultRegistry) SetPrimary(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.indexOf(id) < 0 {
		return fmt.Errorf("transport '%s' not found", id)
	}
	r.primary = id
	return nil
}

// Remove unregisters id. Removing the primary promotes the earliest
// remaining transport.
func (r *DefaultRegistry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexOf(id)
	if i < 0 {
		return fmt.Errorf("transport '%s' not found", id)
	}
	r.order = append(r.order[:i], r.order[i+1:]...)

	if r.primary == id {
		r.primary = ""
		if len(r.order) > 0 {
			r.primary = r.order[0].ID()
		}
	}
	return nil
}

// Resolve returns the transport requests go to, or ErrNoTransport.
func (r *DefaultRegistry) Resolve() (Transport, error) {
	if t := r.Primary(); t != nil {
		return t, nil
	}
	return nil, ErrNoTransport
}
