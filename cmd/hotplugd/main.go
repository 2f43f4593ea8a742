// Command hotplugd is the hotplug server daemon. It loads plugin archives
// from the configured directory, serves the control-plane API, and keeps the
// loaded set in sync with the directory when hot reload is enabled.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/GoCodeAlone/hotplug/config"
	"github.com/GoCodeAlone/hotplug/history"
	"github.com/GoCodeAlone/hotplug/internal/version"
	"github.com/GoCodeAlone/hotplug/loader"
	"github.com/GoCodeAlone/hotplug/manager"
	"github.com/GoCodeAlone/hotplug/registry"
	"github.com/GoCodeAlone/hotplug/server"
	"github.com/GoCodeAlone/hotplug/watcher"
)

var configPath = flag.String("config", "hotplug.yaml", "path to config file")

func main() {
	flag.Parse()

	cfg := loadConfig(*configPath)
	logger := newLogger(cfg.LogLevel)

	logger.Info("starting hotplugd",
		"version", version.Version,
		"commit", version.Commit,
		"plugins_dir", cfg.Plugins.Dir,
	)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("Failed to create data dir %s: %v", cfg.DataDir, err)
	}
	events, err := history.NewStore(filepath.Join(cfg.DataDir, "plugins.db"))
	if err != nil {
		log.Fatalf("Failed to open event store: %v", err)
	}
	defer events.Close()

	host := loader.NewHostScope()
	for _, dir := range cfg.Plugins.ResourceDirs {
		host.AddResourceDir(dir)
	}

	hostReg := registry.NewHostRegistry()
	routes := registry.NewRouteTable()
	bridge := registry.NewBridge(hostReg, routes, logger)

	mgr := manager.New(host, bridge, manager.Options{
		Dir:        cfg.Plugins.Dir,
		MaxPlugins: cfg.Plugins.MaxPlugins,
		Recorder:   events,
		Logger:     logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := mgr.LoadAll(ctx); err != nil {
		logger.Error("startup load", "error", err)
	}

	var w *watcher.Watcher
	if cfg.Plugins.HotReload {
		w = watcher.New(mgr, watcher.Options{
			Dir:      cfg.Plugins.Dir,
			Debounce: cfg.Plugins.Debounce(),
			Interval: cfg.Plugins.WatchInterval(),
			Logger:   logger,
		})
		if err := w.Start(ctx); err != nil {
			log.Fatalf("Failed to start watcher: %v", err)
		}
	}

	srv := server.New(*cfg, version.String(), logger)
	srv.SetManager(mgr)
	srv.SetHistory(events)
	srv.SetPluginRoutes(routes)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
		}
	}

	if w != nil {
		w.Stop()
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error("server stop", "error", err)
	}
	mgr.UnloadAll(shutdownCtx)
	logger.Info("shutdown complete")
}

// loadConfig reads the config file, falling back to defaults when the
// default path does not exist.
func loadConfig(path string) *config.Config {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg
	}
	if os.IsNotExist(err) || errors.Is(err, os.ErrNotExist) {
		return config.DefaultConfig()
	}
	log.Fatalf("Failed to load config %s: %v", path, err)
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
