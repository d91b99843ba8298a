package channel

import "sync"

// Registry resolves the dispatcher for a tenant. Tenants with their
// own provider credentials get a dedicated dispatcher; everyone else
// shares the default.
type Registry struct {
	mu       sync.RWMutex
	def      *Dispatcher
	byTenant map[string]*Dispatcher
}

// NewRegistry creates a registry with a default dispatcher.
func NewRegistry(def *Dispatcher) *Registry {
	return &Registry{
		def:      def,
		byTenant: make(map[string]*Dispatcher),
	}
}

// Register installs a tenant-specific dispatcher.
func (r *Registry) Register(tenantID string, d *Dispatcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byTenant[tenantID] = d
}

// For returns the dispatcher for a tenant.
func (r *Registry) For(tenantID string) *Dispatcher {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if d, ok := r.byTenant[tenantID]; ok {
		return d
	}
	return r.def
}
