// Package api defines the contract between the hotplug host and its plugins.
// A plugin archive ships interpreted Go source; the source constructs values
// of the types in this package to declare lifecycle hooks, background
// services, and HTTP request handlers. The host binds this package into every
// plugin's isolated scope, so these types are always shared and an archive can
// never shadow them.
package api

import "net/http"

// Plugin is the entry-point contract. An archive's entry package must export
// exactly one no-argument constructor returning Plugin or *Plugin; the host
// calls it once per load.
//
// All fields are optional. Nil hooks are treated as no-ops.
type Plugin struct {
	// OnLoad runs after the plugin instance is constructed and before any of
	// its services are wired. Returning an error aborts the load; the plugin
	// is never registered.
	OnLoad func() error

	// OnUnload runs during unload, after the plugin's routes and promoted
	// services have been removed from the host.
	OnUnload func() error

	// Services declared directly by the entry point, registered in addition
	// to any discovered by scanning the manifest's packages.
	Services []Service

	// Controllers declared directly by the entry point.
	Controllers []Controller
}

// Resolver looks up a named service. Plugin service builders receive a
// Resolver backed by the plugin's own container, which falls back to the
// host's shared registry for anything the plugin did not define itself.
type Resolver interface {
	Lookup(name string) (any, bool)
}

// Service declares one named component owned by a plugin. The host
// instantiates it inside the plugin's isolated container and promotes it into
// the shared registry if no host service already uses the name.
type Service struct {
	// Name is the symbolic registry name. Required.
	Name string

	// Build constructs the instance, resolving dependencies through r.
	// Exactly one of Build or Value must be set.
	Build func(r Resolver) (any, error)

	// Value is a prebuilt instance, for services with no dependencies.
	Value any

	// Close releases the instance's resources when the plugin is detached.
	Close func() error
}

// Controller groups request handlers under an optional class-level root path,
// mirroring a controller with a root request mapping. Route paths are joined
// to RootPath; a trailing slash on the joined path is stripped.
type Controller struct {
	// Name is the symbolic registry name for the controller instance.
	// Required, and subject to the same promotion rules as a Service.
	Name string

	// RootPath prefixes every route path. May be empty.
	RootPath string

	// Routes is the controller's explicit route descriptor list. Handlers are
	// matched against the host's dynamic route table, not a compile-time mux.
	Routes []Route
}

// Route describes one dynamically registered request handler.
type Route struct {
	// Method is the HTTP method. Empty matches any method.
	Method string

	// Path is the route path relative to the controller's RootPath. Segments
	// of the form {name} capture path parameters, readable via PathParam.
	Path string

	// Params constrains matching on query parameters. Each entry is either
	// "name" (must be present), "name=value" (must equal), or "!name" (must
	// be absent).
	Params []string

	// Headers constrains matching on request headers, same syntax as Params.
	Headers []string

	// Consumes restricts the accepted Content-Type values. Empty means any.
	Consumes []string

	// Produces restricts matching against the Accept header. Empty means any.
	Produces []string

	// Handler serves matched requests.
	Handler http.HandlerFunc
}
