// Package routing enforces tenant isolation: it owns the resource ownership
// registry and the validator every transport and command must pass before any
// other processing.
package routing

import (
	"strings"
	"sync"
)

// Registry maps resource identifiers to their owning tenant. The sync core
// only reads it; mutations come from the external provisioning collaborator
// through Register.
type Registry struct {
	mu     sync.RWMutex
	owners map[string]string
}

// NewRegistry creates an empty ownership registry.
func NewRegistry() *Registry {
	return &Registry{owners: make(map[string]string)}
}

// Register records tenant ownership for the given resource identifiers.
// Registering an already-owned resource to a different tenant is ignored:
// ownership never silently moves between tenants.
func (r *Registry) Register(tenantID string, resourceIDs ...string) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, resourceID := range resourceIDs {
		resourceID = strings.TrimSpace(resourceID)
		if resourceID == "" {
			continue
		}
		if _, taken := r.owners[resourceID]; taken {
			continue
		}
		r.owners[resourceID] = tenantID
	}
}

// Owner returns the owning tenant for a resource, if registered.
func (r *Registry) Owner(resourceID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tenantID, ok := r.owners[resourceID]
	return tenantID, ok
}
