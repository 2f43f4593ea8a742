package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/GoCodeAlone/hotplug/api"
)

// Container is one plugin's isolated service container. It owns the instances
// it builds and falls back to its parent (the host registry) for anything the
// plugin did not define itself, so plugin services can transparently resolve
// host-provided dependencies.
type Container struct {
	parent api.Resolver

	mu      sync.Mutex
	order   []string
	entries map[string]containerEntry
}

type containerEntry struct {
	value any
	close func() error
}

// Entry is a read-only view of one instance the container owns, in
// registration order.
type Entry struct {
	Name  string
	Value any
}

// NewContainer creates an empty container with the given parent resolver.
func NewContainer(parent api.Resolver) *Container {
	return &Container{parent: parent, entries: make(map[string]containerEntry)}
}

// Register builds the declared service inside the container and records its
// teardown hook. Names must be unique within one container.
func (c *Container) Register(svc api.Service) error {
	if svc.Name == "" {
		return errors.New("service name must not be empty")
	}
	value := svc.Value
	if svc.Build != nil {
		v, err := svc.Build(c)
		if err != nil {
			return fmt.Errorf("build service %q: %w", svc.Name, err)
		}
		value = v
	}
	if value == nil {
		return fmt.Errorf("service %q produced no instance", svc.Name)
	}
	return c.put(svc.Name, value, svc.Close)
}

// RegisterValue records a prebuilt instance, used for controller instances.
func (c *Container) RegisterValue(name string, value any) error {
	if name == "" {
		return errors.New("service name must not be empty")
	}
	return c.put(name, value, nil)
}

func (c *Container) put(name string, value any, closeFn func() error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[name]; exists {
		return fmt.Errorf("service %q declared twice in plugin container", name)
	}
	c.entries[name] = containerEntry{value: value, close: closeFn}
	c.order = append(c.order, name)
	return nil
}

// Lookup resolves a name from the container's own instances first, then from
// the parent.
func (c *Container) Lookup(name string) (any, bool) {
	c.mu.Lock()
	e, ok := c.entries[name]
	c.mu.Unlock()
	if ok {
		return e.value, true
	}
	if c.parent != nil {
		return c.parent.Lookup(name)
	}
	return nil, false
}

// Entries returns the container's instances in registration order.
func (c *Container) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, Entry{Name: name, Value: c.entries[name].value})
	}
	return out
}

// Close runs teardown hooks in reverse registration order, attempting every
// hook and joining any errors, then drops all instances.
func (c *Container) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for i := len(c.order) - 1; i >= 0; i-- {
		name := c.order[i]
		if fn := c.entries[name].close; fn != nil {
			if err := fn(); err != nil {
				errs = append(errs, fmt.Errorf("close service %q: %w", name, err))
			}
		}
	}
	c.order = nil
	c.entries = make(map[string]containerEntry)
	return errors.Join(errs...)
}
