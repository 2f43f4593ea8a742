// Package registry implements the host's two-tier service registry and
// dynamic route table. Each plugin gets a private container parented to the
// host registry; selected instances are promoted into the host tier, tagged
// with their owning plugin id so detach can remove exactly what attach added.
package registry

import (
	"fmt"
	"sort"
	"sync"
)

// HostRegistry is the host's shared service registry. Entries registered by
// the host itself carry no owner and are never removed by plugin detach.
type HostRegistry struct {
	mu      sync.RWMutex
	entries map[string]hostEntry
}

type hostEntry struct {
	value any
	owner string // plugin id, or "" for host-owned
}

// NewHostRegistry creates an empty host registry.
func NewHostRegistry() *HostRegistry {
	return &HostRegistry{entries: make(map[string]hostEntry)}
}

// Register adds a host-owned service. It fails if the name is taken.
func (h *HostRegistry) Register(name string, value any) error {
	return h.register(name, value, "")
}

// RegisterOwned promotes a plugin-owned instance into the shared tier.
func (h *HostRegistry) RegisterOwned(name string, value any, owner string) error {
	return h.register(name, value, owner)
}

func (h *HostRegistry) register(name string, value any, owner string) error {
	if name == "" {
		return fmt.Errorf("service name must not be empty")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.entries[name]; exists {
		return fmt.Errorf("service %q already registered", name)
	}
	h.entries[name] = hostEntry{value: value, owner: owner}
	return nil
}

// Lookup returns the shared instance registered under name.
func (h *HostRegistry) Lookup(name string) (any, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.entries[name]
	return e.value, ok
}

// Contains reports whether name is present in the shared tier.
func (h *HostRegistry) Contains(name string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.entries[name]
	return ok
}

// RemoveOwned removes every entry promoted by the given plugin and returns
// the removed names, sorted.
func (h *HostRegistry) RemoveOwned(owner string) []string {
	if owner == "" {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	var removed []string
	for name, e := range h.entries {
		if e.owner == owner {
			delete(h.entries, name)
			removed = append(removed, name)
		}
	}
	sort.Strings(removed)
	return removed
}
