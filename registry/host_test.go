package registry

import (
	"reflect"
	"testing"
)

func TestHostRegistryRegisterAndLookup(t *testing.T) {
	h := NewHostRegistry()
	if err := h.Register("db", "sqlite"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := h.Register("db", "other"); err == nil {
		t.Error("expected error for duplicate name")
	}
	if err := h.Register("", 1); err == nil {
		t.Error("expected error for empty name")
	}

	v, ok := h.Lookup("db")
	if !ok || v != "sqlite" {
		t.Errorf("expected sqlite, got %v (%v)", v, ok)
	}
	if !h.Contains("db") {
		t.Error("expected Contains(db)")
	}
	if h.Contains("absent") {
		t.Error("did not expect Contains(absent)")
	}
}

func TestHostRegistryRemoveOwned(t *testing.T) {
	h := NewHostRegistry()
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	must(h.Register("db", "host-owned"))
	must(h.RegisterOwned("zeta", 1, "plug-a"))
	must(h.RegisterOwned("alpha", 2, "plug-a"))
	must(h.RegisterOwned("other", 3, "plug-b"))

	removed := h.RemoveOwned("plug-a")
	if want := []string{"alpha", "zeta"}; !reflect.DeepEqual(removed, want) {
		t.Errorf("expected removed %v, got %v", want, removed)
	}
	if h.Contains("alpha") || h.Contains("zeta") {
		t.Error("expected plug-a entries removed")
	}
	if !h.Contains("other") {
		t.Error("expected plug-b entry untouched")
	}
	if !h.Contains("db") {
		t.Error("expected host-owned entry untouched")
	}

	// A blank owner never matches host-owned entries.
	if removed := h.RemoveOwned(""); removed != nil {
		t.Errorf("expected no removals for empty owner, got %v", removed)
	}
	if !h.Contains("db") {
		t.Error("host-owned entry removed by empty owner")
	}
}
