package registry

import (
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/hotplug/api"
)

// RouteTable is the host's dynamic route table: a mutable mapping from
// (method, path) to handler supporting runtime registration and bulk removal
// by owning plugin. It serves as an http.Handler for everything the host's
// static mux does not claim.
type RouteTable struct {
	mu     sync.RWMutex
	routes []*routeEntry
}

type routeEntry struct {
	id       string
	owner    string
	method   string
	path     string // joined, trailing slash stripped; kept for introspection
	segments []segment
	params   []string
	headers  []string
	consumes []string
	produces []string
	handler  http.HandlerFunc
}

type segment struct {
	literal string
	param   string // non-empty for {name} capture segments
}

// RouteInfo describes one registered route for introspection.
type RouteInfo struct {
	ID     string `json:"id"`
	Owner  string `json:"owner"`
	Method string `json:"method"`
	Path   string `json:"path"`
}

// NewRouteTable creates an empty route table.
func NewRouteTable() *RouteTable {
	return &RouteTable{}
}

// RegisterController registers every route the controller declares, joining
// route paths to the controller's root path and stripping any trailing slash.
// All routes are tagged with the owning plugin id for later bulk removal.
func (t *RouteTable) RegisterController(owner string, c api.Controller) error {
	entries := make([]*routeEntry, 0, len(c.Routes))
	for _, r := range c.Routes {
		if r.Handler == nil {
			return fmt.Errorf("route %s %s of controller %q has no handler", r.Method, r.Path, c.Name)
		}
		full := JoinPath(c.RootPath, r.Path)
		entries = append(entries, &routeEntry{
			id:       uuid.NewString(),
			owner:    owner,
			method:   strings.ToUpper(r.Method),
			path:     full,
			segments: splitPath(full),
			params:   r.Params,
			headers:  r.Headers,
			consumes: r.Consumes,
			produces: r.Produces,
			handler:  r.Handler,
		})
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes = append(t.routes, entries...)
	return nil
}

// UnregisterOwner removes every route the plugin registered and returns how
// many were removed.
func (t *RouteTable) UnregisterOwner(owner string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	kept := t.routes[:0]
	removed := 0
	for _, e := range t.routes {
		if e.owner == owner {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	t.routes = kept
	return removed
}

// Routes returns a snapshot of all registrations.
func (t *RouteTable) Routes() []RouteInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]RouteInfo, 0, len(t.routes))
	for _, e := range t.routes {
		out = append(out, RouteInfo{ID: e.id, Owner: e.owner, Method: e.method, Path: e.path})
	}
	return out
}

// ServeHTTP dispatches to the first route matching the request's method,
// path, and declared constraints.
func (t *RouteTable) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	t.mu.RLock()
	routes := make([]*routeEntry, len(t.routes))
	copy(routes, t.routes)
	t.mu.RUnlock()

	path := strings.TrimSuffix(r.URL.Path, "/")
	if path == "" {
		path = "/"
	}
	for _, e := range routes {
		params, ok := e.match(r, path)
		if !ok {
			continue
		}
		e.handler(w, api.WithPathParams(r, params))
		return
	}
	http.NotFound(w, r)
}

func (e *routeEntry) match(r *http.Request, path string) (map[string]string, bool) {
	if e.method != "" && e.method != r.Method {
		return nil, false
	}
	params, ok := matchSegments(e.segments, path)
	if !ok {
		return nil, false
	}
	query := r.URL.Query()
	for _, expr := range e.params {
		if !matchConstraint(expr, func(name string) (string, bool) {
			if !query.Has(name) {
				return "", false
			}
			return query.Get(name), true
		}) {
			return nil, false
		}
	}
	for _, expr := range e.headers {
		if !matchConstraint(expr, func(name string) (string, bool) {
			v := r.Header.Get(name)
			return v, v != ""
		}) {
			return nil, false
		}
	}
	if len(e.consumes) > 0 && !mediaTypeIn(r.Header.Get("Content-Type"), e.consumes) {
		return nil, false
	}
	if len(e.produces) > 0 {
		accept := r.Header.Get("Accept")
		if accept != "" && !strings.Contains(accept, "*/*") && !acceptsAny(accept, e.produces) {
			return nil, false
		}
	}
	return params, true
}

// matchConstraint evaluates one "name", "name=value", or "!name" expression
// against a getter for the named request attribute.
func matchConstraint(expr string, get func(string) (string, bool)) bool {
	if name, ok := strings.CutPrefix(expr, "!"); ok {
		_, present := get(name)
		return !present
	}
	if name, want, ok := strings.Cut(expr, "="); ok {
		got, present := get(name)
		return present && got == want
	}
	_, present := get(expr)
	return present
}

func matchSegments(segs []segment, path string) (map[string]string, bool) {
	got := splitPath(path)
	if len(got) != len(segs) {
		return nil, false
	}
	var params map[string]string
	for i, s := range segs {
		if s.param != "" {
			if got[i].literal == "" {
				return nil, false
			}
			if params == nil {
				params = make(map[string]string)
			}
			params[s.param] = got[i].literal
			continue
		}
		if s.literal != got[i].literal {
			return nil, false
		}
	}
	return params, true
}

func splitPath(p string) []segment {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	parts := strings.Split(p, "/")
	segs := make([]segment, len(parts))
	for i, part := range parts {
		if strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}") {
			segs[i] = segment{param: strings.Trim(part, "{}")}
			continue
		}
		segs[i] = segment{literal: part}
	}
	return segs
}

// JoinPath joins a controller root path and a route path, ensuring a single
// leading slash and no trailing slash, matching the registration and
// unregistration reconstruction rules.
func JoinPath(root, p string) string {
	joined := "/" + strings.Trim(root, "/")
	if trimmed := strings.Trim(p, "/"); trimmed != "" {
		if joined == "/" {
			joined += trimmed
		} else {
			joined += "/" + trimmed
		}
	}
	joined = strings.TrimSuffix(joined, "/")
	if joined == "" {
		joined = "/"
	}
	return joined
}

func mediaTypeIn(contentType string, allowed []string) bool {
	mt := strings.TrimSpace(contentType)
	if i := strings.Index(mt, ";"); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	for _, a := range allowed {
		if strings.EqualFold(mt, a) {
			return true
		}
	}
	return false
}

func acceptsAny(accept string, produces []string) bool {
	for _, p := range produces {
		if strings.Contains(accept, p) {
			return true
		}
	}
	return false
}
