// Package watcher keeps the plugin directory and the loaded plugin set in
// sync: archives that appear are loaded, rewritten ones are reloaded, and
// removed ones are unloaded.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/GoCodeAlone/hotplug/loader"
	"github.com/GoCodeAlone/hotplug/manager"
)

// Orchestrator is the lifecycle surface the watcher drives. *manager.Manager
// implements it.
type Orchestrator interface {
	Load(ctx context.Context, path string) (manager.Descriptor, error)
	Reload(ctx context.Context, id string) (manager.Descriptor, error)
	Unload(ctx context.Context, id string) (bool, error)
	List() []manager.Descriptor
}

// Options configures a Watcher.
type Options struct {
	// Dir is the plugin archive directory to watch.
	Dir string

	// Debounce is how long a path must stay quiet after its last event
	// before the watcher acts on it. A burst of events for one path
	// collapses into a single action.
	Debounce time.Duration

	// Interval is the period of the polling backstop that catches changes
	// the filesystem notifier missed. Zero disables polling.
	Interval time.Duration

	Logger *slog.Logger
}

// Watcher synchronizes one directory of plugin archives with an
// Orchestrator.
type Watcher struct {
	orch     Orchestrator
	dir      string
	debounce time.Duration
	interval time.Duration
	logger   *slog.Logger

	fsw    *fsnotify.Watcher
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	timers map[string]*time.Timer
	mtimes map[string]time.Time
}

// New creates a watcher over opts.Dir.
func New(orch Orchestrator, opts Options) *Watcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	return &Watcher{
		orch:     orch,
		dir:      opts.Dir,
		debounce: debounce,
		interval: opts.Interval,
		logger:   logger,
		timers:   make(map[string]*time.Timer),
		mtimes:   make(map[string]time.Time),
	}
}

// Start begins watching. The directory is created if missing so the notifier
// has something to attach to.
func (w *Watcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("ensure plugin directory: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create filesystem watcher: %w", err)
	}
	if err := fsw.Add(w.dir); err != nil {
		fsw.Close()
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	w.fsw = fsw

	// Seed modification times so the polling backstop only reacts to
	// changes after this point; the initial load is the manager's job.
	w.seed()

	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.loop(ctx)
	if w.interval > 0 {
		w.wg.Add(1)
		go w.poll(ctx)
	}
	w.logger.Info("watching plugin directory", "dir", w.dir, "debounce", w.debounce, "interval", w.interval)
	return nil
}

// Stop ends watching and waits for in-flight work to settle.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	if w.fsw != nil {
		w.fsw.Close()
	}

	w.mu.Lock()
	for path, t := range w.timers {
		// A timer that was stopped in time never runs its callback, so its
		// WaitGroup slot is settled here. One that already fired settles
		// itself.
		if t.Stop() {
			w.wg.Done()
		}
		delete(w.timers, path)
	}
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		w.logger.Warn("watcher stop timed out")
	}
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !isArchive(ev.Name) {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule(ctx, filepath.Clean(ev.Name))
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("filesystem watcher error", "error", err)
		}
	}
}

// poll is the backstop for notifier-less filesystems: it compares archive
// modification times each interval and schedules whatever differs.
func (w *Watcher) poll(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.reconcile(ctx)
		}
	}
}

func (w *Watcher) reconcile(ctx context.Context) {
	seen := make(map[string]time.Time)
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Warn("scan plugin directory", "error", err)
		return
	}
	for _, e := range entries {
		if e.IsDir() || !isArchive(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		seen[filepath.Clean(filepath.Join(w.dir, e.Name()))] = info.ModTime()
	}

	w.mu.Lock()
	var changed []string
	for path, mt := range seen {
		if prev, ok := w.mtimes[path]; !ok || !prev.Equal(mt) {
			changed = append(changed, path)
		}
	}
	for path := range w.mtimes {
		if _, ok := seen[path]; !ok {
			changed = append(changed, path)
		}
	}
	w.mu.Unlock()

	for _, path := range changed {
		w.schedule(ctx, path)
	}
}

// schedule arms the debounce timer for path. A newer event for the same path
// supersedes the pending one.
func (w *Watcher) schedule(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if prev, ok := w.timers[path]; ok && prev.Stop() {
		w.wg.Done()
	}
	w.wg.Add(1)
	var t *time.Timer
	t = time.AfterFunc(w.debounce, func() {
		defer w.wg.Done()
		w.mu.Lock()
		if cur, ok := w.timers[path]; ok && cur == t {
			delete(w.timers, path)
		}
		w.mu.Unlock()
		w.process(ctx, path)
	})
	w.timers[path] = t
}

// process acts on the settled state of one archive path: load if new,
// reload if already loaded, unload if gone.
func (w *Watcher) process(ctx context.Context, path string) {
	info, err := os.Stat(path)
	switch {
	case err == nil:
		w.mu.Lock()
		w.mtimes[path] = info.ModTime()
		w.mu.Unlock()
		if id, loaded := w.findByPath(path); loaded {
			if _, err := w.orch.Reload(ctx, id); err != nil {
				w.logger.Warn("hot reload failed", "plugin", id, "archive", path, "error", err)
				return
			}
			w.logger.Info("plugin hot reloaded", "plugin", id, "archive", path)
			return
		}
		d, err := w.orch.Load(ctx, path)
		if err != nil {
			w.logger.Warn("hot load failed", "archive", path, "error", err)
			return
		}
		w.logger.Info("plugin hot loaded", "plugin", d.ID, "archive", path)

	case os.IsNotExist(err):
		w.mu.Lock()
		delete(w.mtimes, path)
		w.mu.Unlock()
		id, loaded := w.findByPath(path)
		if !loaded {
			return
		}
		if ok, err := w.orch.Unload(ctx, id); err != nil || !ok {
			w.logger.Warn("hot unload incomplete", "plugin", id, "archive", path, "error", err)
			return
		}
		w.logger.Info("plugin hot unloaded", "plugin", id, "archive", path)

	default:
		w.logger.Warn("stat archive", "archive", path, "error", err)
	}
}

func (w *Watcher) findByPath(path string) (string, bool) {
	for _, d := range w.orch.List() {
		if filepath.Clean(d.ArchivePath) == path {
			return d.ID, true
		}
	}
	return "", false
}

func (w *Watcher) seed() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, e := range entries {
		if e.IsDir() || !isArchive(e.Name()) {
			continue
		}
		if info, err := e.Info(); err == nil {
			w.mtimes[filepath.Clean(filepath.Join(w.dir, e.Name()))] = info.ModTime()
		}
	}
}

func isArchive(name string) bool {
	return strings.EqualFold(filepath.Ext(name), loader.ArchiveExt)
}
