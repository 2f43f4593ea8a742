package loader

import (
	"errors"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"io/fs"
	"reflect"
	"strings"
	"sync"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"github.com/GoCodeAlone/hotplug/api"
)

// Resolution errors.
var (
	// ErrSymbolNotFound reports that neither the archive nor the host scope
	// could produce a symbol or resource.
	ErrSymbolNotFound = errors.New("symbol not found")

	// ErrReleased reports use of a scope after Release.
	ErrReleased = errors.New("scope released")

	// ErrNoEntryPoint reports an archive with no qualifying entry constructor.
	ErrNoEntryPoint = errors.New("no entry point found")
)

// EntryFunc constructs the plugin instance declared by an archive. A panic in
// the interpreted constructor is recovered and returned as an error.
type EntryFunc func() (*api.Plugin, error)

// Scope is a plugin's private symbol-resolution context. Symbols resolve from
// a per-scope cache, then (for shared-prefix packages) from the host scope
// exclusively, then from the archive's own source, then from the host scope
// as a fallback. Resources merge archive and host locations, archive first.
//
// A Scope serializes its internal interpreter; methods may be called from
// multiple goroutines.
type Scope struct {
	archive *Archive
	host    *HostScope

	mu       sync.Mutex
	interp   *interp.Interpreter
	cache    map[string]reflect.Value
	aliases  map[string]string // import path -> interpreter alias
	entryPkg string
	released bool
}

// NewScope creates the isolated scope for one archive, seeding the
// interpreter with the host scope's shared exports.
func NewScope(archive *Archive, host *HostScope) (*Scope, error) {
	i := interp.New(interp.Options{
		GoPath:               ".",
		SourcecodeFilesystem: archive.FS(),
	})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("seed stdlib symbols: %w", err)
	}
	if err := i.Use(host.Exports()); err != nil {
		return nil, fmt.Errorf("seed host symbols: %w", err)
	}
	return &Scope{
		archive: archive,
		host:    host,
		interp:  i,
		cache:   make(map[string]reflect.Value),
		aliases: make(map[string]string),
	}, nil
}

// Archive returns the archive this scope loads from.
func (s *Scope) Archive() *Archive { return s.archive }

// EntryPackage returns the import path of the package in which EntryPoint
// found the plugin constructor, or "" before a successful EntryPoint call.
func (s *Scope) EntryPackage() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entryPkg
}

// ResolveSymbol resolves a fully qualified symbol name of the form
// "import/path.Symbol".
func (s *Scope) ResolveSymbol(name string) (reflect.Value, error) {
	pkg, sym, err := splitSymbol(name)
	if err != nil {
		return reflect.Value{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return reflect.Value{}, fmt.Errorf("resolve %s: %w", name, ErrReleased)
	}
	if v, ok := s.cache[name]; ok {
		return v, nil
	}

	// Shared prefixes resolve from the host only; archives must never
	// shadow contract or runtime symbols.
	if s.host.IsShared(pkg) {
		v, ok := s.host.Symbol(pkg, sym)
		if !ok {
			return reflect.Value{}, fmt.Errorf("shared symbol %s: %w", name, ErrSymbolNotFound)
		}
		s.cache[name] = v
		return v, nil
	}

	if s.archive.hasPackage(pkg) {
		// A package the archive ships but cannot evaluate is a real failure.
		// Only a missing symbol within a good package falls through to the
		// host.
		alias, err := s.importPkg(pkg)
		if err != nil {
			return reflect.Value{}, fmt.Errorf("archive package %s: %w", pkg, err)
		}
		if v, err := s.interp.Eval(alias + "." + sym); err == nil {
			s.cache[name] = v
			return v, nil
		}
	}

	if v, ok := s.host.Symbol(pkg, sym); ok {
		s.cache[name] = v
		return v, nil
	}
	return reflect.Value{}, fmt.Errorf("symbol %s: %w", name, ErrSymbolNotFound)
}

// ResolveResource returns every provider of the named resource: the archive's
// entry under resources/ if present, followed by one entry per host resource
// directory that holds the name. Duplicates from both sources are preserved.
func (s *Scope) ResolveResource(name string) ([]Resource, error) {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return nil, fmt.Errorf("resource %s: %w", name, ErrReleased)
	}
	res, fromArchive := s.archive.resource(name)
	s.mu.Unlock()

	var out []Resource
	if fromArchive {
		out = append(out, res)
	}
	out = append(out, s.host.Resources(name)...)
	if len(out) == 0 {
		return nil, fmt.Errorf("resource %s: %w", name, ErrSymbolNotFound)
	}
	return out, nil
}

// EntryPoint locates the archive's plugin constructor: the manifest's entry
// symbol if declared, otherwise the first exported no-argument function among
// the archive's packages (in sorted package order, declaration order within a
// package) returning api.Plugin or *api.Plugin. Ties are not detected.
func (s *Scope) EntryPoint() (EntryFunc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil, ErrReleased
	}

	if entry := s.archive.Manifest.Entry; entry != "" {
		pkg, sym, err := splitSymbol(entry)
		if err != nil {
			return nil, fmt.Errorf("manifest entry %q: %w", entry, err)
		}
		v, err := s.evalSymbol(pkg, sym)
		if err != nil {
			return nil, fmt.Errorf("manifest entry %q: %w", entry, ErrNoEntryPoint)
		}
		if !isEntryConstructor(v.Type()) {
			return nil, fmt.Errorf("manifest entry %q is not a plugin constructor: %w", entry, ErrNoEntryPoint)
		}
		s.entryPkg = pkg
		return entryFunc(v), nil
	}

	for _, pkg := range s.archive.Packages() {
		for _, d := range s.exportedDecls(pkg) {
			if !d.isFunc {
				continue
			}
			v, err := s.evalSymbol(pkg, d.name)
			if err != nil {
				// Symbols that fail to evaluate are skipped, matching the
				// scan's tolerance for unloadable entries.
				continue
			}
			if v.Kind() == reflect.Func && isEntryConstructor(v.Type()) {
				s.entryPkg = pkg
				return entryFunc(v), nil
			}
		}
	}
	return nil, ErrNoEntryPoint
}

// Components evaluates one archive package and returns the services and
// controllers it declares, either as exported values or as exported
// no-argument constructors. Declaration order is preserved.
func (s *Scope) Components(pkgPath string) ([]api.Service, []api.Controller, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil, nil, ErrReleased
	}
	if !s.archive.hasPackage(pkgPath) {
		return nil, nil, fmt.Errorf("scan package %s: %w", pkgPath, ErrSymbolNotFound)
	}
	if _, err := s.importPkg(pkgPath); err != nil {
		return nil, nil, fmt.Errorf("scan package %s: %w", pkgPath, err)
	}

	var (
		services    []api.Service
		controllers []api.Controller
	)
	for _, d := range s.exportedDecls(pkgPath) {
		v, err := s.evalSymbol(pkgPath, d.name)
		if err != nil {
			continue
		}
		svc, ctrl, ok := classifyComponent(v)
		if !ok {
			continue
		}
		if svc != nil {
			services = append(services, *svc)
		}
		if ctrl != nil {
			controllers = append(controllers, *ctrl)
		}
	}
	return services, controllers, nil
}

// Release clears the resolution cache, drops the interpreter, and closes the
// archive. It is idempotent; resolving through a released scope fails with
// ErrReleased.
func (s *Scope) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil
	}
	s.released = true
	s.cache = nil
	s.aliases = nil
	s.interp = nil
	return s.archive.Close()
}

// evalSymbol imports pkg (once) under a private alias and evaluates one of
// its exported symbols. Caller holds s.mu.
func (s *Scope) evalSymbol(pkg, sym string) (reflect.Value, error) {
	alias, err := s.importPkg(pkg)
	if err != nil {
		return reflect.Value{}, err
	}
	v, err := s.interp.Eval(alias + "." + sym)
	if err != nil {
		return reflect.Value{}, fmt.Errorf("eval %s.%s: %w", pkg, sym, err)
	}
	return v, nil
}

// importPkg evaluates an aliased import of the package, caching the alias.
// Caller holds s.mu.
func (s *Scope) importPkg(pkg string) (string, error) {
	if alias, ok := s.aliases[pkg]; ok {
		return alias, nil
	}
	alias := fmt.Sprintf("_p%d", len(s.aliases))
	if _, err := s.interp.Eval(fmt.Sprintf("import %s %q", alias, pkg)); err != nil {
		return "", fmt.Errorf("import %s: %w", pkg, err)
	}
	s.aliases[pkg] = alias
	return alias, nil
}

// declInfo is one exported top-level declaration found by the source scan.
type declInfo struct {
	name   string
	isFunc bool
}

// exportedDecls parses the package's source files (sorted by name) and
// returns exported no-argument function and package-level var declarations in
// order of appearance. Files that fail to parse are skipped; the interpreter
// will surface their errors if the package is actually imported.
func (s *Scope) exportedDecls(pkgPath string) []declInfo {
	var decls []declInfo
	fset := token.NewFileSet()
	for _, file := range s.archive.sourceFiles(pkgPath) {
		src, err := fs.ReadFile(s.archive.FS(), file)
		if err != nil {
			continue
		}
		f, err := parser.ParseFile(fset, file, src, parser.SkipObjectResolution)
		if err != nil {
			continue
		}
		for _, decl := range f.Decls {
			switch d := decl.(type) {
			case *ast.FuncDecl:
				if d.Recv != nil || !d.Name.IsExported() {
					continue
				}
				if d.Type.Params != nil && len(d.Type.Params.List) > 0 {
					continue
				}
				decls = append(decls, declInfo{name: d.Name.Name, isFunc: true})
			case *ast.GenDecl:
				if d.Tok != token.VAR {
					continue
				}
				for _, spec := range d.Specs {
					vs, ok := spec.(*ast.ValueSpec)
					if !ok {
						continue
					}
					for _, ident := range vs.Names {
						if ident.IsExported() {
							decls = append(decls, declInfo{name: ident.Name})
						}
					}
				}
			}
		}
	}
	return decls
}

// splitSymbol splits "import/path.Symbol" into its package path and symbol
// name.
func splitSymbol(name string) (pkg, sym string, err error) {
	slash := strings.LastIndex(name, "/")
	dot := strings.Index(name[slash+1:], ".")
	if dot < 0 {
		return "", "", fmt.Errorf("malformed symbol name %q", name)
	}
	dot += slash + 1
	pkg, sym = name[:dot], name[dot+1:]
	if pkg == "" || sym == "" || strings.Contains(sym, ".") {
		return "", "", fmt.Errorf("malformed symbol name %q", name)
	}
	return pkg, sym, nil
}

var (
	pluginType     = reflect.TypeOf(api.Plugin{})
	pluginPtrType  = reflect.TypeOf((*api.Plugin)(nil))
	serviceType    = reflect.TypeOf(api.Service{})
	servicePtrType = reflect.TypeOf((*api.Service)(nil))
	ctrlType       = reflect.TypeOf(api.Controller{})
	ctrlPtrType    = reflect.TypeOf((*api.Controller)(nil))
)

// isEntryConstructor reports whether t is func() api.Plugin or
// func() *api.Plugin.
func isEntryConstructor(t reflect.Type) bool {
	if t.Kind() != reflect.Func || t.IsVariadic() || t.NumIn() != 0 || t.NumOut() != 1 {
		return false
	}
	return t.Out(0) == pluginType || t.Out(0) == pluginPtrType
}

// entryFunc wraps a validated constructor value, recovering constructor
// panics into errors.
func entryFunc(v reflect.Value) EntryFunc {
	return func() (p *api.Plugin, err error) {
		defer func() {
			if r := recover(); r != nil {
				p, err = nil, fmt.Errorf("plugin constructor panicked: %v", r)
			}
		}()
		out := v.Call(nil)[0]
		if out.Type() == pluginPtrType {
			ptr, _ := out.Interface().(*api.Plugin)
			if ptr == nil {
				return nil, errors.New("plugin constructor returned nil")
			}
			return ptr, nil
		}
		val := out.Interface().(api.Plugin)
		return &val, nil
	}
}

// classifyComponent maps an evaluated symbol to a declared service or
// controller. Values, pointers, and no-argument constructors of either kind
// qualify; anything else is ignored by the scan.
func classifyComponent(v reflect.Value) (*api.Service, *api.Controller, bool) {
	if v.Kind() == reflect.Func {
		t := v.Type()
		if t.IsVariadic() || t.NumIn() != 0 || t.NumOut() != 1 {
			return nil, nil, false
		}
		switch t.Out(0) {
		case serviceType, servicePtrType, ctrlType, ctrlPtrType:
			out, err := safeCall(v)
			if err != nil {
				return nil, nil, false
			}
			return classifyComponent(out)
		}
		return nil, nil, false
	}

	switch v.Type() {
	case serviceType:
		svc := v.Interface().(api.Service)
		return &svc, nil, true
	case servicePtrType:
		if ptr := v.Interface().(*api.Service); ptr != nil {
			svc := *ptr
			return &svc, nil, true
		}
	case ctrlType:
		ctrl := v.Interface().(api.Controller)
		return nil, &ctrl, true
	case ctrlPtrType:
		if ptr := v.Interface().(*api.Controller); ptr != nil {
			ctrl := *ptr
			return nil, &ctrl, true
		}
	}
	return nil, nil, false
}

// safeCall invokes a no-argument constructor, recovering panics.
func safeCall(v reflect.Value) (out reflect.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("component constructor panicked: %v", r)
		}
	}()
	return v.Call(nil)[0], nil
}
