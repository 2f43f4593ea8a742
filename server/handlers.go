package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/hotplug/history"
	"github.com/GoCodeAlone/hotplug/loader"
	"github.com/GoCodeAlone/hotplug/manager"
)

// maxUploadBytes caps plugin archive uploads.
const maxUploadBytes = 64 << 20

// registerPluginRoutes sets up the plugin control-plane routes.
func (s *Server) registerPluginRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/plugins", s.listPlugins)
	mux.HandleFunc("POST /api/plugins", s.loadPlugin)
	mux.HandleFunc("POST /api/plugins/upload", s.uploadPlugin)
	mux.HandleFunc("GET /api/plugins/status", s.pluginStatus)
	mux.HandleFunc("GET /api/plugins/{id}", s.getPlugin)
	mux.HandleFunc("DELETE /api/plugins/{id}", s.unloadPlugin)
	mux.HandleFunc("POST /api/plugins/{id}/reload", s.reloadPlugin)
	mux.HandleFunc("GET /api/plugins/{id}/events", s.pluginEvents)
}

// errorStatus maps lifecycle errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, manager.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, manager.ErrDuplicateID), errors.Is(err, manager.ErrCapacityExceeded):
		return http.StatusConflict
	case errors.Is(err, manager.ErrInvalidArchive), errors.Is(err, manager.ErrNoEntryPoint),
		errors.Is(err, manager.ErrInitialization), errors.Is(err, manager.ErrBridgeFailure):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) listPlugins(w http.ResponseWriter, _ *http.Request) {
	plugins := s.plugins.List()
	if plugins == nil {
		plugins = []manager.Descriptor{}
	}
	writeJSON(w, http.StatusOK, plugins)
}

// loadRequest is the body accepted by POST /api/plugins.
type loadRequest struct {
	Path string `json:"path"`
}

func (s *Server) loadPlugin(w http.ResponseWriter, r *http.Request) {
	var req loadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	desc, err := s.plugins.Load(r.Context(), req.Path)
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, desc)
}

// uploadPlugin accepts a multipart archive upload, stores it in the plugin
// directory, and loads it.
func (s *Server) uploadPlugin(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("archive")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing archive file: "+err.Error())
		return
	}
	defer file.Close()

	name := filepath.Base(header.Filename)
	if !strings.EqualFold(filepath.Ext(name), loader.ArchiveExt) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("archive must be a %s file", loader.ArchiveExt))
		return
	}

	dir := s.plugins.Dir()
	if dir == "" {
		writeError(w, http.StatusInternalServerError, "no plugin directory configured")
		return
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		writeError(w, http.StatusInternalServerError, "prepare plugin directory: "+err.Error())
		return
	}
	dst := filepath.Join(dir, name)
	_, statErr := os.Stat(dst)
	existed := statErr == nil

	// Spool to a name the watcher ignores, then rename into place so the
	// archive never appears half-written.
	tmp := filepath.Join(dir, "."+uuid.NewString()+".tmp")
	out, err := os.Create(tmp)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store archive: "+err.Error())
		return
	}
	if _, err := io.Copy(out, file); err != nil {
		out.Close()
		os.Remove(tmp)
		writeError(w, http.StatusInternalServerError, "store archive: "+err.Error())
		return
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		writeError(w, http.StatusInternalServerError, "store archive: "+err.Error())
		return
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		writeError(w, http.StatusInternalServerError, "store archive: "+err.Error())
		return
	}

	desc, err := s.plugins.Load(r.Context(), dst)
	if err != nil {
		// A rejected upload must not take out an archive that was already
		// on disk backing a loaded plugin.
		if !existed {
			os.Remove(dst)
		}
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, desc)
}

func (s *Server) getPlugin(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	desc, ok := s.plugins.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "plugin not found")
		return
	}
	writeJSON(w, http.StatusOK, desc)
}

func (s *Server) unloadPlugin(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	clean, err := s.plugins.Unload(r.Context(), id)
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	if !clean {
		writeJSON(w, http.StatusOK, map[string]string{"status": "unloaded with errors"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) reloadPlugin(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	desc, err := s.plugins.Reload(r.Context(), id)
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, desc)
}

func (s *Server) pluginEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusNotFound, "event history is not configured")
		return
	}
	filter := history.Filter{
		PluginID: r.PathValue("id"),
		Action:   r.URL.Query().Get("action"),
	}
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = n
	}
	events, err := s.events.List(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if events == nil {
		events = []history.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// statusResponse is the body returned by GET /api/plugins/status.
type statusResponse struct {
	Loaded     int    `json:"loaded"`
	MaxPlugins int    `json:"max_plugins"`
	Dir        string `json:"dir"`
	HotReload  bool   `json:"hot_reload"`
	Uptime     string `json:"uptime"`
	Version    string `json:"version"`
}

func (s *Server) pluginStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Loaded:     s.plugins.Count(),
		MaxPlugins: s.plugins.Max(),
		Dir:        s.plugins.Dir(),
		HotReload:  s.cfg.Plugins.HotReload,
		Uptime:     time.Since(s.startTime).Round(time.Second).String(),
		Version:    s.version,
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}
