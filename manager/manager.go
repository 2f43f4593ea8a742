// Package manager orchestrates the plugin lifecycle: loading archives into
// isolated scopes, wiring them into the shared registry, and tearing them
// down on unload or reload.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/mod/semver"

	"github.com/GoCodeAlone/hotplug/internal/version"
	"github.com/GoCodeAlone/hotplug/loader"
	"github.com/GoCodeAlone/hotplug/registry"
)

// Recorder persists lifecycle events. The manager records best-effort; a
// recorder failure never fails the operation it describes.
type Recorder interface {
	Record(ctx context.Context, pluginID, action, detail string) error
}

// Options configures a Manager.
type Options struct {
	// Dir is the archive directory used by LoadAll.
	Dir string

	// MaxPlugins caps the number of concurrently loaded plugins.
	// Zero or negative means unlimited.
	MaxPlugins int

	// SystemVersion overrides the build version used for manifest
	// compatibility checks. Empty uses the build version; "dev" accepts
	// everything.
	SystemVersion string

	Recorder Recorder
	Logger   *slog.Logger
}

// Manager owns the set of loaded plugins. All lifecycle operations for a
// given plugin ID are serialized; operations on distinct IDs may overlap.
type Manager struct {
	host    *loader.HostScope
	bridge  *registry.Bridge
	logger  *slog.Logger
	rec     Recorder
	dir     string
	max     int
	sysVer  string
	now     func() time.Time
	locks   idLocks
	mu      sync.RWMutex
	plugins map[string]*record
}

// New creates a Manager over the given host scope and bridge.
func New(host *loader.HostScope, bridge *registry.Bridge, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sysVer := opts.SystemVersion
	if sysVer == "" {
		sysVer = version.Version
	}
	return &Manager{
		host:    host,
		bridge:  bridge,
		logger:  logger,
		rec:     opts.Recorder,
		dir:     opts.Dir,
		max:     opts.MaxPlugins,
		sysVer:  sysVer,
		now:     time.Now,
		plugins: make(map[string]*record),
	}
}

// Load opens the archive at path, constructs its plugin in an isolated
// scope, and attaches it to the shared registry. On success the plugin is
// listed and its routes are live.
func (m *Manager) Load(ctx context.Context, path string) (Descriptor, error) {
	arch, err := loader.OpenArchive(path)
	if err != nil {
		return Descriptor{}, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}
	id := arch.Manifest.ID
	unlock := m.locks.lock(id)
	defer unlock()
	return m.loadArchive(ctx, arch)
}

// loadArchive runs the load sequence for an opened archive. The caller must
// hold the lifecycle lock for the archive's plugin ID. loadArchive takes
// ownership of arch and closes it on every failure path.
func (m *Manager) loadArchive(ctx context.Context, arch *loader.Archive) (Descriptor, error) {
	id := arch.Manifest.ID
	path := arch.Path()

	if m.atCapacity() {
		arch.Close()
		return Descriptor{}, fmt.Errorf("%w: limit %d reached", ErrCapacityExceeded, m.max)
	}
	if err := m.checkVersion(arch.Manifest); err != nil {
		arch.Close()
		return Descriptor{}, err
	}
	if _, loaded := m.get(id); loaded {
		arch.Close()
		return Descriptor{}, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}

	scope, err := loader.NewScope(arch, m.host)
	if err != nil {
		arch.Close()
		return Descriptor{}, fmt.Errorf("%w: %v", ErrInitialization, err)
	}
	entry, err := scope.EntryPoint()
	if err != nil {
		scope.Release()
		if errors.Is(err, loader.ErrNoEntryPoint) {
			return Descriptor{}, fmt.Errorf("%w: %s", ErrNoEntryPoint, id)
		}
		return Descriptor{}, fmt.Errorf("%w: %v", ErrInitialization, err)
	}
	plug, err := entry()
	if err != nil {
		scope.Release()
		return Descriptor{}, fmt.Errorf("%w: %v", ErrInitialization, err)
	}
	if err := callHook(plug.OnLoad); err != nil {
		scope.Release()
		return Descriptor{}, fmt.Errorf("%w: on-load hook: %v", ErrInitialization, err)
	}

	if err := m.bridge.Attach(id, scope, plug); err != nil {
		// The plugin was started; give it the shutdown it was promised
		// before discarding the scope.
		if herr := callHook(plug.OnUnload); herr != nil {
			m.logger.Warn("on-unload hook during rollback", "plugin", id, "error", herr)
		}
		scope.Release()
		return Descriptor{}, fmt.Errorf("%w: %v", ErrBridgeFailure, err)
	}

	rec := &record{
		desc:   newDescriptor(arch.Manifest, path, m.now()),
		scope:  scope,
		unload: plug.OnUnload,
	}

	m.mu.Lock()
	if m.max > 0 && len(m.plugins) >= m.max {
		m.mu.Unlock()
		if derr := m.bridge.Detach(id); derr != nil {
			m.logger.Warn("detach during rollback", "plugin", id, "error", derr)
		}
		if herr := callHook(plug.OnUnload); herr != nil {
			m.logger.Warn("on-unload hook during rollback", "plugin", id, "error", herr)
		}
		scope.Release()
		return Descriptor{}, fmt.Errorf("%w: limit %d reached", ErrCapacityExceeded, m.max)
	}
	m.plugins[id] = rec
	m.mu.Unlock()

	m.logger.Info("plugin loaded", "plugin", id, "version", rec.desc.Version, "archive", path)
	m.record(ctx, id, "loaded", fmt.Sprintf("version %s from %s", rec.desc.Version, filepath.Base(path)))
	return rec.desc, nil
}

// Unload detaches the plugin's registrations, runs its shutdown hook, and
// releases its scope. Every step runs even if earlier ones fail; the plugin
// is always removed from the table. It returns true only when all steps
// succeeded, and ErrNotFound when the ID is not loaded.
func (m *Manager) Unload(ctx context.Context, id string) (bool, error) {
	unlock := m.locks.lock(id)
	defer unlock()
	return m.unloadLocked(ctx, id)
}

func (m *Manager) unloadLocked(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	rec, ok := m.plugins[id]
	delete(m.plugins, id)
	m.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	var errs []error
	if err := m.bridge.Detach(id); err != nil {
		errs = append(errs, fmt.Errorf("detach: %w", err))
	}
	if err := callHook(rec.unload); err != nil {
		errs = append(errs, fmt.Errorf("on-unload hook: %w", err))
	}
	if err := rec.scope.Release(); err != nil {
		errs = append(errs, fmt.Errorf("release scope: %w", err))
	}

	if len(errs) > 0 {
		rec.desc.State = StateError
		m.logger.Warn("plugin unloaded with errors", "plugin", id, "error", errors.Join(errs...))
		m.record(ctx, id, "unload_failed", errors.Join(errs...).Error())
		return false, nil
	}
	rec.desc.State = StateUnloaded
	m.logger.Info("plugin unloaded", "plugin", id)
	m.record(ctx, id, "unloaded", "")
	return true, nil
}

// Reload unloads the plugin and loads it again from its archive path,
// picking up whatever the archive now contains. The plugin keeps no state
// across the reload. Changing the manifest ID in place is allowed; the old
// ID disappears and the new one is loaded.
func (m *Manager) Reload(ctx context.Context, id string) (Descriptor, error) {
	unlock := m.locks.lock(id)
	defer func() { unlock() }()

	rec, ok := m.get(id)
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	path := rec.ArchivePath

	if _, err := m.unloadLocked(ctx, id); err != nil {
		return Descriptor{}, err
	}

	arch, err := loader.OpenArchive(path)
	if err != nil {
		return Descriptor{}, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}
	if arch.Manifest.ID != id {
		// The rewritten archive declares a different plugin. Swap to the new
		// ID's lock; holding both invites deadlock between crossing reloads.
		// The old ID is already out of the table, and loadArchive re-checks
		// for a duplicate under the new lock.
		unlock()
		unlock = m.locks.lock(arch.Manifest.ID)
	}
	desc, err := m.loadArchive(ctx, arch)
	if err != nil {
		return Descriptor{}, err
	}
	m.record(ctx, desc.ID, "reloaded", "")
	return desc, nil
}

// LoadAll loads every archive in the manager's directory, in name order.
// Archives that fail to load are logged and skipped. A missing directory is
// not an error.
func (m *Manager) LoadAll(ctx context.Context) error {
	if m.dir == "" {
		return nil
	}
	if _, err := os.Stat(m.dir); err != nil {
		if os.IsNotExist(err) {
			m.logger.Info("plugin directory missing, nothing to load", "dir", m.dir)
			return nil
		}
		return fmt.Errorf("scan plugin directory: %w", err)
	}
	paths, err := filepath.Glob(filepath.Join(m.dir, "*"+loader.ArchiveExt))
	if err != nil {
		return fmt.Errorf("scan plugin directory: %w", err)
	}
	sort.Strings(paths)
	for _, p := range paths {
		if _, err := m.Load(ctx, p); err != nil {
			m.logger.Warn("startup load failed", "archive", p, "error", err)
		}
	}
	return nil
}

// UnloadAll unloads every loaded plugin.
func (m *Manager) UnloadAll(ctx context.Context) {
	for _, d := range m.List() {
		if _, err := m.Unload(ctx, d.ID); err != nil {
			m.logger.Warn("shutdown unload failed", "plugin", d.ID, "error", err)
		}
	}
}

// List returns descriptors for every loaded plugin, sorted by ID.
func (m *Manager) List() []Descriptor {
	m.mu.RLock()
	out := make([]Descriptor, 0, len(m.plugins))
	for _, rec := range m.plugins {
		out = append(out, rec.desc)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns the descriptor for one loaded plugin.
func (m *Manager) Get(id string) (Descriptor, bool) {
	return m.get(id)
}

// IsLoaded reports whether a plugin with the given id is in the table.
func (m *Manager) IsLoaded(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.plugins[id]
	return ok
}

// Count returns the number of loaded plugins.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.plugins)
}

// Max returns the configured plugin capacity, zero meaning unlimited.
func (m *Manager) Max() int { return m.max }

// Dir returns the archive directory used by LoadAll.
func (m *Manager) Dir() string { return m.dir }

func (m *Manager) get(id string) (Descriptor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.plugins[id]
	if !ok {
		return Descriptor{}, false
	}
	return rec.desc, true
}

func (m *Manager) atCapacity() bool {
	if m.max <= 0 {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.plugins) >= m.max
}

// checkVersion enforces the manifest's minimum system version. A "dev" build
// accepts every archive.
func (m *Manager) checkVersion(man loader.Manifest) error {
	req := man.RequiredSystemVersion
	if req == "" || m.sysVer == "dev" {
		return nil
	}
	vreq := "v" + strings.TrimPrefix(req, "v")
	vsys := "v" + strings.TrimPrefix(m.sysVer, "v")
	if !semver.IsValid(vreq) {
		return fmt.Errorf("%w: manifest requires malformed version %q", ErrInvalidArchive, req)
	}
	if !semver.IsValid(vsys) || semver.Compare(vsys, vreq) < 0 {
		return fmt.Errorf("%w: requires system version %s, running %s", ErrInvalidArchive, req, m.sysVer)
	}
	return nil
}

func (m *Manager) record(ctx context.Context, id, action, detail string) {
	if m.rec == nil {
		return
	}
	if err := m.rec.Record(ctx, id, action, detail); err != nil {
		m.logger.Warn("record lifecycle event", "plugin", id, "action", action, "error", err)
	}
}

// callHook invokes a lifecycle hook, recovering panics from interpreted
// code into errors.
func callHook(fn func() error) (err error) {
	if fn == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hook panicked: %v", r)
		}
	}()
	return fn()
}

// idLocks hands out one mutex per plugin ID so lifecycle sequences for the
// same ID never interleave. Entries are reference counted and removed when
// idle.
type idLocks struct {
	mu    sync.Mutex
	locks map[string]*idLock
}

type idLock struct {
	refs int
	mu   sync.Mutex
}

func (l *idLocks) lock(id string) (unlock func()) {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*idLock)
	}
	lk := l.locks[id]
	if lk == nil {
		lk = &idLock{}
		l.locks[id] = lk
	}
	lk.refs++
	l.mu.Unlock()

	lk.mu.Lock()
	return func() {
		lk.mu.Unlock()
		l.mu.Lock()
		lk.refs--
		if lk.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}
