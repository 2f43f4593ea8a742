// Command hotplug is the CLI client for a hotplugd server.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/GoCodeAlone/hotplug/internal/version"
)

const defaultServer = "http://localhost:9090"

func main() {
	var (
		serverURL = flag.String("server", defaultServer, "hotplugd server URL")
		token     = flag.String("token", os.Getenv("HOTPLUG_TOKEN"), "JWT auth token")
	)
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	cli := &Client{
		BaseURL:    strings.TrimRight(*serverURL, "/"),
		Token:      *token,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
	}

	cmd := args[0]
	rest := args[1:]

	var err error
	switch cmd {
	case "version":
		err = cmdVersion(rest)
	case "status":
		err = cli.cmdStatus(rest)
	case "plugins":
		err = cli.cmdPlugins(rest)
	case "plugin":
		err = cli.cmdPlugin(rest)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `hotplug, a CLI for hotplugd

Usage:
  hotplug [flags] <command> [args]

Flags:
  --server  <url>    server URL (default: http://localhost:9090)
  --token   <token>  JWT auth token (or $HOTPLUG_TOKEN)

Commands:
  version                  print version
  status                   show plugin runtime status
  plugins                  list loaded plugins
  plugin load <path>       load an archive by server-side path
  plugin unload <id>       unload a plugin
  plugin reload <id>       reload a plugin from its archive
  plugin events <id>       show a plugin's lifecycle events
`)
}

// --- version ---

func cmdVersion(_ []string) error {
	fmt.Printf("hotplug %s (commit %s, built %s)\n",
		version.Version, version.Commit, version.BuildDate)
	return nil
}

// Client holds HTTP client state for CLI commands.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// get performs a GET and decodes JSON into v.
func (c *Client) get(path string, v any) error {
	req, err := http.NewRequest(http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// do performs a request with an optional JSON body and decodes the JSON
// response into v (may be nil).
func (c *Client) do(method, path string, body io.Reader, v any) error {
	req, err := http.NewRequest(method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if v != nil && resp.ContentLength != 0 && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(v)
	}
	return nil
}

// --- status ---

func (c *Client) cmdStatus(_ []string) error {
	var result map[string]any
	if err := c.get("/api/plugins/status", &result); err != nil {
		return err
	}
	fmt.Printf("loaded:     %s\n", strVal(result["loaded"]))
	fmt.Printf("max:        %s\n", strVal(result["max_plugins"]))
	fmt.Printf("dir:        %s\n", strVal(result["dir"]))
	fmt.Printf("hot reload: %s\n", strVal(result["hot_reload"]))
	fmt.Printf("uptime:     %s\n", strVal(result["uptime"]))
	fmt.Printf("version:    %s\n", strVal(result["version"]))
	return nil
}

// --- plugins ---

func (c *Client) cmdPlugins(_ []string) error {
	var plugins []map[string]any
	if err := c.get("/api/plugins", &plugins); err != nil {
		return err
	}
	if len(plugins) == 0 {
		fmt.Println("no plugins loaded")
		return nil
	}
	fmt.Printf("%-20s %-24s %-10s %-10s\n", "ID", "NAME", "VERSION", "STATE")
	fmt.Println(strings.Repeat("-", 68))
	for _, p := range plugins {
		fmt.Printf("%-20s %-24s %-10s %-10s\n",
			strVal(p["id"]),
			truncate(strVal(p["name"]), 23),
			strVal(p["version"]),
			strVal(p["state"]),
		)
	}
	return nil
}

// --- plugin subcommands ---

func (c *Client) cmdPlugin(args []string) error {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: hotplug plugin <load|unload|reload|events> <arg>")
		os.Exit(1)
	}
	sub, arg := args[0], args[1]
	switch sub {
	case "load":
		body := fmt.Sprintf(`{"path":%q}`, arg)
		var result map[string]any
		if err := c.do(http.MethodPost, "/api/plugins", strings.NewReader(body), &result); err != nil {
			return err
		}
		fmt.Printf("loaded %s %s\n", strVal(result["id"]), strVal(result["version"]))
	case "unload":
		if err := c.do(http.MethodDelete, "/api/plugins/"+arg, nil, nil); err != nil {
			return err
		}
		fmt.Printf("plugin %s unloaded\n", arg)
	case "reload":
		var result map[string]any
		if err := c.do(http.MethodPost, "/api/plugins/"+arg+"/reload", nil, &result); err != nil {
			return err
		}
		fmt.Printf("reloaded %s %s\n", strVal(result["id"]), strVal(result["version"]))
	case "events":
		var events []map[string]any
		if err := c.get("/api/plugins/"+arg+"/events", &events); err != nil {
			return err
		}
		if len(events) == 0 {
			fmt.Println("no events")
			return nil
		}
		for _, e := range events {
			line := fmt.Sprintf("%s  %-14s", strVal(e["created_at"]), strVal(e["action"]))
			if d := strVal(e["detail"]); d != "" {
				line += "  " + d
			}
			fmt.Println(line)
		}
	default:
		return fmt.Errorf("unknown plugin subcommand: %s", sub)
	}
	return nil
}

// --- helpers ---

func strVal(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
