package manager

import (
	"time"

	"github.com/GoCodeAlone/hotplug/loader"
)

// State is a plugin's lifecycle state.
type State string

const (
	// StateLoaded marks a plugin that is attached and serving.
	StateLoaded State = "loaded"

	// StateUnloaded marks a plugin that was cleanly detached and released.
	StateUnloaded State = "unloaded"

	// StateError marks a plugin whose unload left residual failures behind.
	StateError State = "error"
)

// Descriptor is the manager's public record of one plugin.
type Descriptor struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	Description string    `json:"description,omitempty"`
	Author      string    `json:"author"`
	ArchivePath string    `json:"archive_path"`
	State       State     `json:"state"`
	LoadedAt    time.Time `json:"loaded_at"`
}

// record is the manager's internal bookkeeping for one loaded plugin.
type record struct {
	desc   Descriptor
	scope  *loader.Scope
	unload func() error // plugin's OnUnload hook, nil if undeclared
}

func newDescriptor(m loader.Manifest, archivePath string, now time.Time) Descriptor {
	return Descriptor{
		ID:          m.ID,
		Name:        m.Name,
		Version:     m.Version,
		Description: m.Description,
		Author:      m.Author,
		ArchivePath: archivePath,
		State:       StateLoaded,
		LoadedAt:    now,
	}
}
