package loader

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/GoCodeAlone/hotplug/internal/plugintest"
	"github.com/GoCodeAlone/hotplug/loader/symbols"
)

const demoPluginSrc = `package demo

import "github.com/GoCodeAlone/hotplug/api"

var Greeting = "hello"

func New() *api.Plugin {
	return &api.Plugin{
		Services: []api.Service{{Name: "greeter", Value: Greeting}},
	}
}
`

// newTestScope builds an archive from files, opens it, and wraps it in a
// scope over the given host.
func newTestScope(t *testing.T, host *HostScope, files map[string]string) *Scope {
	t.Helper()
	if host == nil {
		host = NewHostScope()
	}
	path := plugintest.WriteArchive(t, t.TempDir(), "demo.zip", files)
	a, err := OpenArchive(path)
	if err != nil {
		t.Fatalf("OpenArchive: %v", err)
	}
	s, err := NewScope(a, host)
	if err != nil {
		t.Fatalf("NewScope: %v", err)
	}
	t.Cleanup(func() { s.Release() })
	return s
}

func TestScopeEntryPointScan(t *testing.T) {
	s := newTestScope(t, nil, map[string]string{
		ManifestName:       testManifest,
		"src/demo/demo.go": demoPluginSrc,
	})

	entry, err := s.EntryPoint()
	if err != nil {
		t.Fatalf("EntryPoint: %v", err)
	}
	if got := s.EntryPackage(); got != "demo" {
		t.Errorf("expected entry package 'demo', got %q", got)
	}

	plug, err := entry()
	if err != nil {
		t.Fatalf("entry: %v", err)
	}
	if len(plug.Services) != 1 || plug.Services[0].Name != "greeter" {
		t.Fatalf("unexpected services: %+v", plug.Services)
	}
	if plug.Services[0].Value != "hello" {
		t.Errorf("expected value 'hello', got %v", plug.Services[0].Value)
	}
}

func TestScopeEntryPointManifest(t *testing.T) {
	s := newTestScope(t, nil, map[string]string{
		ManifestName:       "id: demo\nversion: 1.0.0\nentry: demo.New\n",
		"src/demo/demo.go": demoPluginSrc,
	})
	entry, err := s.EntryPoint()
	if err != nil {
		t.Fatalf("EntryPoint: %v", err)
	}
	if _, err := entry(); err != nil {
		t.Fatalf("entry: %v", err)
	}
}

func TestScopeEntryPointManifestBadSymbol(t *testing.T) {
	s := newTestScope(t, nil, map[string]string{
		ManifestName:       "id: demo\nversion: 1.0.0\nentry: demo.Absent\n",
		"src/demo/demo.go": demoPluginSrc,
	})
	if _, err := s.EntryPoint(); !errors.Is(err, ErrNoEntryPoint) {
		t.Errorf("expected ErrNoEntryPoint, got %v", err)
	}
}

func TestScopeNoEntryPoint(t *testing.T) {
	s := newTestScope(t, nil, map[string]string{
		ManifestName:       testManifest,
		"src/demo/demo.go": "package demo\n\nfunc Name() string { return \"demo\" }\n",
	})
	if _, err := s.EntryPoint(); !errors.Is(err, ErrNoEntryPoint) {
		t.Errorf("expected ErrNoEntryPoint, got %v", err)
	}
}

func TestScopeResolveSymbol(t *testing.T) {
	host := NewHostScope()
	host.RegisterSymbols("example.com/hostpkg", map[string]reflect.Value{
		"Answer": reflect.ValueOf(42),
	})
	s := newTestScope(t, host, map[string]string{
		ManifestName:       testManifest,
		"src/demo/demo.go": demoPluginSrc,
	})

	v, err := s.ResolveSymbol("demo.Greeting")
	if err != nil {
		t.Fatalf("resolve archive symbol: %v", err)
	}
	if got := reflect.Indirect(v).Interface(); got != "hello" {
		t.Errorf("expected 'hello', got %v", got)
	}

	// Host fallback for packages the archive does not ship.
	v, err = s.ResolveSymbol("example.com/hostpkg.Answer")
	if err != nil {
		t.Fatalf("resolve host symbol: %v", err)
	}
	if v.Interface() != 42 {
		t.Errorf("expected 42, got %v", v.Interface())
	}

	if _, err := s.ResolveSymbol("example.com/nowhere.Nothing"); !errors.Is(err, ErrSymbolNotFound) {
		t.Errorf("expected ErrSymbolNotFound, got %v", err)
	}
	if _, err := s.ResolveSymbol("malformed"); err == nil {
		t.Error("expected error for malformed symbol name")
	}
}

func TestScopeSharedPrefixResolvesHostOnly(t *testing.T) {
	// The archive ships its own copy of a shared-prefix package; it must be
	// ignored in favor of the host's exports.
	shadowPath := "src/" + symbols.ContractPath + "/shadow.go"
	s := newTestScope(t, nil, map[string]string{
		ManifestName: testManifest,
		shadowPath:   "package api\n\nvar Shadow = \"bad\"\n",
	})

	if _, err := s.ResolveSymbol(symbols.ContractPath + ".Shadow"); !errors.Is(err, ErrSymbolNotFound) {
		t.Errorf("expected ErrSymbolNotFound for shadowed symbol, got %v", err)
	}
	if _, err := s.ResolveSymbol(symbols.ContractPath + ".PathParam"); err != nil {
		t.Errorf("expected contract symbol from host, got %v", err)
	}
}

func TestScopeResolveResource(t *testing.T) {
	hostDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(hostDir, "motd.txt"), []byte("host"), 0o644); err != nil {
		t.Fatal(err)
	}
	host := NewHostScope()
	host.AddResourceDir(hostDir)

	s := newTestScope(t, host, map[string]string{
		ManifestName:         testManifest,
		"resources/motd.txt": "archive",
	})

	res, err := s.ResolveResource("motd.txt")
	if err != nil {
		t.Fatalf("ResolveResource: %v", err)
	}
	if len(res) != 2 {
		t.Fatalf("expected 2 providers, got %d", len(res))
	}
	if res[0].Origin == hostDir {
		t.Error("expected the archive provider first")
	}

	if _, err := s.ResolveResource("missing.txt"); !errors.Is(err, ErrSymbolNotFound) {
		t.Errorf("expected ErrSymbolNotFound, got %v", err)
	}
}

func TestScopeComponents(t *testing.T) {
	src := `package demo

import "github.com/GoCodeAlone/hotplug/api"

var Greeter = api.Service{Name: "greeter", Value: "hello"}

func NewStatus() api.Controller {
	return api.Controller{Name: "status", RootPath: "/status"}
}

func helper() {}
`
	s := newTestScope(t, nil, map[string]string{
		ManifestName:       testManifest,
		"src/demo/demo.go": src,
	})

	services, controllers, err := s.Components("demo")
	if err != nil {
		t.Fatalf("Components: %v", err)
	}
	if len(services) != 1 || services[0].Name != "greeter" {
		t.Fatalf("unexpected services: %+v", services)
	}
	if len(controllers) != 1 || controllers[0].Name != "status" {
		t.Fatalf("unexpected controllers: %+v", controllers)
	}

	if _, _, err := s.Components("absent"); !errors.Is(err, ErrSymbolNotFound) {
		t.Errorf("expected ErrSymbolNotFound for absent package, got %v", err)
	}
}

func TestScopeRelease(t *testing.T) {
	s := newTestScope(t, nil, map[string]string{
		ManifestName:       testManifest,
		"src/demo/demo.go": demoPluginSrc,
	})
	if err := s.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := s.Release(); err != nil {
		t.Fatalf("second Release: %v", err)
	}

	if _, err := s.ResolveSymbol("demo.Greeting"); !errors.Is(err, ErrReleased) {
		t.Errorf("expected ErrReleased, got %v", err)
	}
	if _, err := s.EntryPoint(); !errors.Is(err, ErrReleased) {
		t.Errorf("expected ErrReleased, got %v", err)
	}
	if _, err := s.ResolveResource("motd.txt"); !errors.Is(err, ErrReleased) {
		t.Errorf("expected ErrReleased, got %v", err)
	}
}

func TestScopeBrokenArchivePackageDoesNotFallBack(t *testing.T) {
	// The host exports a symbol at the same path the archive ships. A
	// package the archive provides but cannot evaluate must surface its
	// failure instead of silently resolving from the host.
	host := NewHostScope()
	host.RegisterSymbols("broken", map[string]reflect.Value{
		"Value": reflect.ValueOf("host"),
	})
	s := newTestScope(t, host, map[string]string{
		ManifestName:           testManifest,
		"src/broken/broken.go": "package broken\n\nvar Value = undefined(\n",
	})

	_, err := s.ResolveSymbol("broken.Value")
	if err == nil {
		t.Fatal("expected error for unevaluable archive package")
	}
	if errors.Is(err, ErrSymbolNotFound) {
		t.Errorf("expected an evaluation failure, got not-found: %v", err)
	}
}

func TestScopeMissingSymbolInGoodPackageFallsBack(t *testing.T) {
	host := NewHostScope()
	host.RegisterSymbols("demo", map[string]reflect.Value{
		"Extra": reflect.ValueOf("from host"),
	})
	s := newTestScope(t, host, map[string]string{
		ManifestName:       testManifest,
		"src/demo/demo.go": demoPluginSrc,
	})

	v, err := s.ResolveSymbol("demo.Extra")
	if err != nil {
		t.Fatalf("expected host fallback for missing symbol: %v", err)
	}
	if v.Interface() != "from host" {
		t.Errorf("expected 'from host', got %v", v.Interface())
	}
}
