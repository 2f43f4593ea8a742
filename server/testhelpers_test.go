package server

import (
	"log/slog"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/GoCodeAlone/hotplug/config"
	"github.com/GoCodeAlone/hotplug/loader"
	"github.com/GoCodeAlone/hotplug/manager"
	"github.com/GoCodeAlone/hotplug/registry"
)

// testEnv bundles the server under test with its backing runtime.
type testEnv struct {
	srv    *Server
	mgr    *manager.Manager
	host   *loader.HostScope
	reg    *registry.HostRegistry
	routes *registry.RouteTable
	dir    string
}

// newTestEnv builds a server over a real plugin runtime with an empty
// temporary plugin directory. withAuth configures an admin user "admin" with
// password "secret".
func newTestEnv(t *testing.T, withAuth bool) *testEnv {
	t.Helper()
	env := &testEnv{
		host:   loader.NewHostScope(),
		reg:    registry.NewHostRegistry(),
		routes: registry.NewRouteTable(),
		dir:    t.TempDir(),
	}
	bridge := registry.NewBridge(env.reg, env.routes, nil)
	env.mgr = manager.New(env.host, bridge, manager.Options{Dir: env.dir, MaxPlugins: 10})

	cfg := config.Config{
		Server:  config.ServerConfig{Addr: ":0"},
		Plugins: config.PluginsConfig{Dir: env.dir, MaxPlugins: 10, HotReload: true},
	}
	if withAuth {
		hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
		if err != nil {
			t.Fatal(err)
		}
		cfg.Auth = config.AuthConfig{
			AdminUser: "admin",
			AdminPass: string(hash),
			JWTSecret: "test-secret-key-1234567890",
		}
	}

	env.srv = New(cfg, "test", slog.Default())
	env.srv.SetManager(env.mgr)
	env.srv.SetPluginRoutes(env.routes)
	env.srv.registerRoutes()
	return env
}
