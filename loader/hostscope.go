package loader

import (
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"

	"github.com/traefik/yaegi/interp"

	"github.com/GoCodeAlone/hotplug/loader/symbols"
)

// Resource is one location of a named resource. Both the plugin archive and
// the host scope may provide a resource under the same name; callers see
// every provider, archive first.
type Resource struct {
	// Origin identifies the provider: the archive path or the host resource
	// directory the entry came from.
	Origin string

	// Name is the resource name as requested.
	Name string

	open func() (io.ReadCloser, error)
}

// Open returns a reader for the resource contents.
func (r Resource) Open() (io.ReadCloser, error) { return r.open() }

// HostScope is the host's shared symbol-resolution scope. Every plugin scope
// delegates to it for shared-prefix symbols and falls back to it for symbols
// its archive cannot produce. It is safe for concurrent use.
type HostScope struct {
	mu           sync.RWMutex
	exports      interp.Exports
	prefixes     []string
	resourceDirs []string
}

// NewHostScope creates a host scope pre-populated with the plugin contract
// symbols (the api package). The contract's import prefix is always shared:
// archives can never shadow it.
func NewHostScope() *HostScope {
	h := &HostScope{
		exports:  interp.Exports{},
		prefixes: []string{symbols.ContractPath},
	}
	for pkg, syms := range symbols.Contract() {
		h.exports[pkg] = syms
	}
	return h
}

// RegisterSymbols designates a package's symbols as shared host symbols.
// The package path joins the shared-prefix set, so plugin archives resolve it
// exclusively from the host from then on.
func (h *HostScope) RegisterSymbols(pkgPath string, syms map[string]reflect.Value) {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := exportKey(pkgPath)
	dst, ok := h.exports[key]
	if !ok {
		dst = make(map[string]reflect.Value, len(syms))
		h.exports[key] = dst
	}
	for name, v := range syms {
		dst[name] = v
	}
	h.prefixes = append(h.prefixes, pkgPath)
}

// AddResourceDir appends a directory to the host's shared resource search
// path.
func (h *HostScope) AddResourceDir(dir string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.resourceDirs = append(h.resourceDirs, dir)
}

// IsShared reports whether the import path falls under a shared prefix and
// must therefore resolve from the host exclusively.
func (h *HostScope) IsShared(importPath string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, p := range h.prefixes {
		if importPath == p || strings.HasPrefix(importPath, p+"/") {
			return true
		}
	}
	return false
}

// Symbol resolves one exported symbol from the host's shared exports.
func (h *HostScope) Symbol(importPath, name string) (reflect.Value, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	syms, ok := h.exports[exportKey(importPath)]
	if !ok {
		return reflect.Value{}, false
	}
	v, ok := syms[name]
	return v, ok
}

// Exports returns a snapshot of the shared exports for seeding a plugin
// interpreter.
func (h *HostScope) Exports() interp.Exports {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(interp.Exports, len(h.exports))
	for pkg, syms := range h.exports {
		m := make(map[string]reflect.Value, len(syms))
		for name, v := range syms {
			m[name] = v
		}
		out[pkg] = m
	}
	return out
}

// exportKey builds the yaegi export-map key for an import path: the path
// with its package name repeated, e.g. "fmt" -> "fmt/fmt".
func exportKey(importPath string) string {
	name := importPath
	if i := strings.LastIndex(importPath, "/"); i >= 0 {
		name = importPath[i+1:]
	}
	return importPath + "/" + name
}

// Resources returns every host-side provider of the named resource, one per
// configured resource directory that holds it.
func (h *HostScope) Resources(name string) []Resource {
	h.mu.RLock()
	dirs := make([]string, len(h.resourceDirs))
	copy(dirs, h.resourceDirs)
	h.mu.RUnlock()

	var out []Resource
	for _, dir := range dirs {
		full := filepath.Join(dir, filepath.FromSlash(name))
		if info, err := os.Stat(full); err != nil || info.IsDir() {
			continue
		}
		out = append(out, Resource{
			Origin: dir,
			Name:   name,
			open: func() (io.ReadCloser, error) {
				return os.Open(full)
			},
		})
	}
	return out
}
