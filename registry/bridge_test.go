package registry

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/GoCodeAlone/hotplug/api"
	"github.com/GoCodeAlone/hotplug/internal/plugintest"
	"github.com/GoCodeAlone/hotplug/loader"
)

func newTestScope(t *testing.T) *loader.Scope {
	t.Helper()
	path := plugintest.WriteArchive(t, t.TempDir(), "demo.zip", map[string]string{
		loader.ManifestName: "id: demo\nversion: 1.0.0\n",
	})
	a, err := loader.OpenArchive(path)
	if err != nil {
		t.Fatalf("OpenArchive: %v", err)
	}
	s, err := loader.NewScope(a, loader.NewHostScope())
	if err != nil {
		t.Fatalf("NewScope: %v", err)
	}
	t.Cleanup(func() { s.Release() })
	return s
}

func TestBridgeAttachDetach(t *testing.T) {
	host := NewHostRegistry()
	routes := NewRouteTable()
	b := NewBridge(host, routes, slog.Default())

	var closed bool
	plug := &api.Plugin{
		Services: []api.Service{
			{Name: "greeter", Value: "hello", Close: func() error { closed = true; return nil }},
		},
		Controllers: []api.Controller{
			{
				Name:     "status",
				RootPath: "/status",
				Routes:   []api.Route{{Method: "GET", Path: "/", Handler: okHandler("up")}},
			},
		},
	}

	if err := b.Attach("demo", newTestScope(t), plug); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	if v, ok := host.Lookup("greeter"); !ok || v != "hello" {
		t.Errorf("expected promoted greeter, got %v (%v)", v, ok)
	}
	if _, ok := host.Lookup("status"); !ok {
		t.Error("expected promoted controller instance")
	}
	rr := doRequest(t, routes, httptest.NewRequest("GET", "/status", nil))
	if rr.Code != http.StatusOK || rr.Body.String() != "up" {
		t.Errorf("GET /status: got %d %q", rr.Code, rr.Body.String())
	}

	if err := b.Detach("demo"); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if host.Contains("greeter") || host.Contains("status") {
		t.Error("expected promoted entries removed on detach")
	}
	if rr := doRequest(t, routes, httptest.NewRequest("GET", "/status", nil)); rr.Code != http.StatusNotFound {
		t.Errorf("expected route removed, got %d", rr.Code)
	}
	if !closed {
		t.Error("expected service close hook to run on detach")
	}

	// Detaching again is a no-op.
	if err := b.Detach("demo"); err != nil {
		t.Fatalf("second Detach: %v", err)
	}
}

func TestBridgeSkipsCollidingNames(t *testing.T) {
	host := NewHostRegistry()
	routes := NewRouteTable()
	b := NewBridge(host, routes, slog.Default())
	if err := host.Register("db", "host-db"); err != nil {
		t.Fatal(err)
	}

	plug := &api.Plugin{
		Services: []api.Service{
			{Name: "db", Value: "plugin-db"},
			{Name: "cache", Value: "plugin-cache"},
		},
	}
	if err := b.Attach("demo", newTestScope(t), plug); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	// The host's own instance stays; the plugin keeps its copy private.
	if v, _ := host.Lookup("db"); v != "host-db" {
		t.Errorf("expected host db untouched, got %v", v)
	}
	if v, ok := host.Lookup("cache"); !ok || v != "plugin-cache" {
		t.Errorf("expected cache promoted, got %v (%v)", v, ok)
	}

	if err := b.Detach("demo"); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if v, _ := host.Lookup("db"); v != "host-db" {
		t.Errorf("expected host db to survive detach, got %v", v)
	}
	if host.Contains("cache") {
		t.Error("expected promoted cache removed")
	}
}

func TestBridgeAttachRollback(t *testing.T) {
	host := NewHostRegistry()
	routes := NewRouteTable()
	b := NewBridge(host, routes, slog.Default())

	var closed bool
	plug := &api.Plugin{
		Services: []api.Service{
			{Name: "greeter", Value: "hello", Close: func() error { closed = true; return nil }},
		},
		// An unnamed controller cannot be registered; the whole attach
		// must roll back.
		Controllers: []api.Controller{{}},
	}

	if err := b.Attach("demo", newTestScope(t), plug); err == nil {
		t.Fatal("expected Attach to fail")
	}
	if host.Contains("greeter") {
		t.Error("expected no promotions after failed attach")
	}
	if got := len(routes.Routes()); got != 0 {
		t.Errorf("expected no routes after failed attach, got %d", got)
	}
	if !closed {
		t.Error("expected built services closed after failed attach")
	}
	// A failed attach leaves nothing to detach.
	if err := b.Detach("demo"); err != nil {
		t.Fatalf("Detach after failed attach: %v", err)
	}
}
