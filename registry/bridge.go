package registry

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/GoCodeAlone/hotplug/api"
	"github.com/GoCodeAlone/hotplug/loader"
)

// Bridge wires a loaded plugin into the host: it builds the plugin's isolated
// container, promotes non-colliding instances into the shared registry, and
// registers promoted controllers' routes in the dynamic route table. Detach
// reverses all of it.
type Bridge struct {
	host   *HostRegistry
	routes *RouteTable
	logger *slog.Logger

	mu         sync.Mutex
	containers map[string]*Container
}

// NewBridge creates a bridge over the given shared registry and route table.
func NewBridge(host *HostRegistry, routes *RouteTable, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		host:       host,
		routes:     routes,
		logger:     logger,
		containers: make(map[string]*Container),
	}
}

// Attach instantiates the plugin's declared components in an isolated
// container parented to the host registry, then promotes and routes them.
// Any failure rolls the plugin's registrations back and is returned to the
// caller; no partial attach state survives.
func (b *Bridge) Attach(id string, scope *loader.Scope, plug *api.Plugin) error {
	services, controllers, err := b.discover(scope, plug)
	if err != nil {
		return err
	}

	c := NewContainer(b.host)
	byName := make(map[string]api.Controller, len(controllers))
	if err := b.build(c, services, controllers, byName); err != nil {
		berr := c.Close()
		if berr != nil {
			b.logger.Warn("container teardown after failed attach", "plugin", id, "error", berr)
		}
		return err
	}

	// Promote instances whose names are free in the shared tier. Names
	// already taken stay private to the plugin; plugins cannot override host
	// services.
	promoted := 0
	routed := 0
	for _, e := range c.Entries() {
		if b.host.Contains(e.Name) {
			b.logger.Debug("skipping promotion, name taken", "plugin", id, "service", e.Name)
			continue
		}
		if err := b.host.RegisterOwned(e.Name, e.Value, id); err != nil {
			b.rollback(id, c)
			return fmt.Errorf("promote service %q: %w", e.Name, err)
		}
		promoted++
		ctrl, ok := byName[e.Name]
		if !ok {
			continue
		}
		if err := b.routes.RegisterController(id, ctrl); err != nil {
			b.rollback(id, c)
			return fmt.Errorf("register routes for %q: %w", e.Name, err)
		}
		routed += len(ctrl.Routes)
	}

	b.mu.Lock()
	b.containers[id] = c
	b.mu.Unlock()

	b.logger.Info("plugin attached",
		"plugin", id,
		"services", len(services),
		"controllers", len(controllers),
		"promoted", promoted,
		"routes", routed,
	)
	return nil
}

// Detach removes the plugin's routes, its promoted instances, and closes its
// isolated container. Detaching a plugin that was never attached is a no-op.
func (b *Bridge) Detach(id string) error {
	b.mu.Lock()
	c, ok := b.containers[id]
	delete(b.containers, id)
	b.mu.Unlock()
	if !ok {
		return nil
	}

	removed := b.routes.UnregisterOwner(id)
	names := b.host.RemoveOwned(id)
	err := c.Close()

	b.logger.Info("plugin detached",
		"plugin", id,
		"routes_removed", removed,
		"services_removed", len(names),
	)
	if err != nil {
		return fmt.Errorf("close container for %s: %w", id, err)
	}
	return nil
}

// discover collects the plugin's declared components: those found by
// scanning the manifest's packages (defaulting to the entry point's own
// package) plus those the entry point declares directly.
func (b *Bridge) discover(scope *loader.Scope, plug *api.Plugin) ([]api.Service, []api.Controller, error) {
	pkgs := scope.Archive().Manifest.Packages
	if len(pkgs) == 0 {
		if entryPkg := scope.EntryPackage(); entryPkg != "" {
			pkgs = []string{entryPkg}
		}
	}

	var (
		services    []api.Service
		controllers []api.Controller
	)
	for _, pkg := range pkgs {
		svcs, ctrls, err := scope.Components(pkg)
		if err != nil {
			return nil, nil, fmt.Errorf("discover components: %w", err)
		}
		services = append(services, svcs...)
		controllers = append(controllers, ctrls...)
	}
	services = append(services, plug.Services...)
	controllers = append(controllers, plug.Controllers...)
	return services, controllers, nil
}

// build instantiates services then controllers inside the container,
// recording controllers by name for route registration.
func (b *Bridge) build(c *Container, services []api.Service, controllers []api.Controller, byName map[string]api.Controller) error {
	for _, svc := range services {
		if err := c.Register(svc); err != nil {
			return fmt.Errorf("wire plugin container: %w", err)
		}
	}
	for _, ctrl := range controllers {
		if ctrl.Name == "" {
			return fmt.Errorf("wire plugin container: controller with empty name")
		}
		if err := c.RegisterValue(ctrl.Name, ctrl); err != nil {
			return fmt.Errorf("wire plugin container: %w", err)
		}
		byName[ctrl.Name] = ctrl
	}
	return nil
}

// rollback undoes a partially completed Attach.
func (b *Bridge) rollback(id string, c *Container) {
	b.routes.UnregisterOwner(id)
	b.host.RemoveOwned(id)
	if err := c.Close(); err != nil {
		b.logger.Warn("container teardown after failed attach", "plugin", id, "error", err)
	}
}
