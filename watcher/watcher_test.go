package watcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/GoCodeAlone/hotplug/manager"
)

// fakeOrch records lifecycle calls instead of loading real archives.
type fakeOrch struct {
	mu      sync.Mutex
	plugins map[string]manager.Descriptor
	loads   []string
	reloads []string
	unloads []string
}

func newFakeOrch() *fakeOrch {
	return &fakeOrch{plugins: make(map[string]manager.Descriptor)}
}

func (f *fakeOrch) Load(_ context.Context, path string) (manager.Descriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := strings.TrimSuffix(filepath.Base(path), ".zip")
	d := manager.Descriptor{ID: id, ArchivePath: path, State: manager.StateLoaded}
	f.plugins[id] = d
	f.loads = append(f.loads, path)
	return d, nil
}

func (f *fakeOrch) Reload(_ context.Context, id string) (manager.Descriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reloads = append(f.reloads, id)
	return f.plugins[id], nil
}

func (f *fakeOrch) Unload(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.plugins, id)
	f.unloads = append(f.unloads, id)
	return true, nil
}

func (f *fakeOrch) List() []manager.Descriptor {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]manager.Descriptor, 0, len(f.plugins))
	for _, d := range f.plugins {
		out = append(out, d)
	}
	return out
}

func (f *fakeOrch) counts() (loads, reloads, unloads int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.loads), len(f.reloads), len(f.unloads)
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestProcessLoadsNewArchive(t *testing.T) {
	dir := t.TempDir()
	orch := newFakeOrch()
	w := New(orch, Options{Dir: dir, Debounce: time.Millisecond})

	path := filepath.Join(dir, "demo.zip")
	if err := os.WriteFile(path, []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}
	w.process(context.Background(), path)

	loads, reloads, _ := orch.counts()
	if loads != 1 || reloads != 0 {
		t.Errorf("expected 1 load and 0 reloads, got %d and %d", loads, reloads)
	}
}

func TestProcessReloadsKnownArchive(t *testing.T) {
	dir := t.TempDir()
	orch := newFakeOrch()
	w := New(orch, Options{Dir: dir, Debounce: time.Millisecond})

	path := filepath.Join(dir, "demo.zip")
	if err := os.WriteFile(path, []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}
	w.process(context.Background(), path)
	w.process(context.Background(), path)

	loads, reloads, _ := orch.counts()
	if loads != 1 || reloads != 1 {
		t.Errorf("expected 1 load and 1 reload, got %d and %d", loads, reloads)
	}
	if orch.reloads[0] != "demo" {
		t.Errorf("expected reload of 'demo', got %q", orch.reloads[0])
	}
}

func TestProcessUnloadsRemovedArchive(t *testing.T) {
	dir := t.TempDir()
	orch := newFakeOrch()
	w := New(orch, Options{Dir: dir, Debounce: time.Millisecond})

	path := filepath.Join(dir, "demo.zip")
	if err := os.WriteFile(path, []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}
	w.process(context.Background(), path)
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	w.process(context.Background(), path)

	_, _, unloads := orch.counts()
	if unloads != 1 || orch.unloads[0] != "demo" {
		t.Errorf("expected unload of 'demo', got %v", orch.unloads)
	}

	// A vanished path that was never loaded is ignored.
	w.process(context.Background(), filepath.Join(dir, "ghost.zip"))
	if _, _, unloads := orch.counts(); unloads != 1 {
		t.Errorf("expected no extra unloads, got %d", unloads)
	}
}

func TestReconcileDetectsChanges(t *testing.T) {
	dir := t.TempDir()
	orch := newFakeOrch()
	w := New(orch, Options{Dir: dir, Debounce: time.Millisecond})

	path := filepath.Join(dir, "demo.zip")
	if err := os.WriteFile(path, []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}

	w.reconcile(context.Background())
	waitFor(t, func() bool { l, _, _ := orch.counts(); return l == 1 }, "expected reconcile to load new archive")

	// No change, no action.
	w.reconcile(context.Background())
	time.Sleep(50 * time.Millisecond)
	if l, r, _ := orch.counts(); l != 1 || r != 0 {
		t.Errorf("expected no action for unchanged archive, got %d loads %d reloads", l, r)
	}

	// A bumped modification time triggers a reload.
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}
	w.reconcile(context.Background())
	waitFor(t, func() bool { _, r, _ := orch.counts(); return r == 1 }, "expected reconcile to reload changed archive")

	// Removal is picked up too.
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	w.reconcile(context.Background())
	waitFor(t, func() bool { _, _, u := orch.counts(); return u == 1 }, "expected reconcile to unload removed archive")
}

func TestDebounceCollapsesBursts(t *testing.T) {
	dir := t.TempDir()
	orch := newFakeOrch()
	w := New(orch, Options{Dir: dir, Debounce: 100 * time.Millisecond})

	path := filepath.Join(dir, "demo.zip")
	if err := os.WriteFile(path, []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		w.schedule(context.Background(), path)
		time.Sleep(5 * time.Millisecond)
	}

	waitFor(t, func() bool { l, _, _ := orch.counts(); return l == 1 }, "expected burst to collapse into one load")
	time.Sleep(150 * time.Millisecond)
	if l, r, _ := orch.counts(); l != 1 || r != 0 {
		t.Errorf("expected exactly one action for burst, got %d loads %d reloads", l, r)
	}
}

func TestWatcherEndToEnd(t *testing.T) {
	dir := t.TempDir()
	orch := newFakeOrch()
	w := New(orch, Options{
		Dir:      dir,
		Debounce: 50 * time.Millisecond,
		Interval: 200 * time.Millisecond,
	})
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	path := filepath.Join(dir, "demo.zip")
	if err := os.WriteFile(path, []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { l, _, _ := orch.counts(); return l >= 1 }, "expected archive creation to load")

	if err := os.WriteFile(path, []byte("v2 rewritten"), 0o644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { _, r, _ := orch.counts(); return r >= 1 }, "expected archive rewrite to reload")

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { _, _, u := orch.counts(); return u >= 1 }, "expected archive removal to unload")

	// Non-archive files are ignored.
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(300 * time.Millisecond)
	if l, _, _ := orch.counts(); l != 1 {
		t.Errorf("expected non-archive file ignored, got %d loads", l)
	}
}

// slowOrch stalls inside Load so shutdown can be observed waiting on it.
type slowOrch struct {
	*fakeOrch
	delay time.Duration
}

func (s *slowOrch) Load(ctx context.Context, path string) (manager.Descriptor, error) {
	time.Sleep(s.delay)
	return s.fakeOrch.Load(ctx, path)
}

func TestStopWaitsForFiredDebounce(t *testing.T) {
	dir := t.TempDir()
	orch := &slowOrch{fakeOrch: newFakeOrch(), delay: 200 * time.Millisecond}
	w := New(orch, Options{Dir: dir, Debounce: 10 * time.Millisecond})

	path := filepath.Join(dir, "demo.zip")
	if err := os.WriteFile(path, []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}
	w.schedule(context.Background(), path)

	// Let the timer fire so the callback is mid-load when Stop runs.
	time.Sleep(50 * time.Millisecond)
	w.Stop()

	if loads, _, _ := orch.counts(); loads != 1 {
		t.Errorf("expected Stop to wait out the in-flight load, got %d loads", loads)
	}
}

func TestStopSettlesPendingDebounce(t *testing.T) {
	dir := t.TempDir()
	orch := newFakeOrch()
	w := New(orch, Options{Dir: dir, Debounce: time.Hour})

	path := filepath.Join(dir, "demo.zip")
	w.schedule(context.Background(), path)
	w.schedule(context.Background(), path)

	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked on an unfired debounce timer")
	}
	if loads, reloads, unloads := orch.counts(); loads+reloads+unloads != 0 {
		t.Errorf("expected no lifecycle calls, got %d/%d/%d", loads, reloads, unloads)
	}
}
