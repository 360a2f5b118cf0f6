// /internal/diagnostics/diagnostics.go
package diagnostics

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/sync/errgroup"

	"hrs-launcher/internal/host"
	"hrs-launcher/internal/log"
	"hrs-launcher/internal/profile"
	"hrs-launcher/internal/store"
	"hrs-launcher/internal/util"
)

// Report is an environment health snapshot meant to be attached to bug reports.
type Report struct {
	Platform     PlatformInfo     `json:"platform"`
	Host         host.Facts       `json:"host"`
	Connectivity []EndpointStatus `json:"connectivity"`
	Game         GameStatus       `json:"game"`
	Dependencies DependenciesInfo `json:"dependencies"`
	Update       UpdateInfo       `json:"update"`
	Timestamp    time.Time        `json:"timestamp"`
}

type PlatformInfo struct {
	OS              string `json:"os"`
	Arch            string `json:"arch"`
	LauncherVersion string `json:"launcher_version"`
}

type EndpointStatus struct {
	URL       string `json:"url"`
	Reachable bool   `json:"reachable"`
	Via       string `json:"via,omitempty"`
	Error     string `json:"error,omitempty"`
}

type GameStatus struct {
	Installed        bool      `json:"installed"`
	ActiveVersion    string    `json:"active_version,omitempty"`
	Versions         int       `json:"versions"`
	ClientExists     bool      `json:"client_exists"`
	Mods             int       `json:"mods"`
	UserDataModified time.Time `json:"user_data_modified,omitzero"`
	FreeDiskBytes    uint64    `json:"free_disk_bytes"`
}

type DependenciesInfo struct {
	JavaInstalled bool   `json:"java_installed"`
	JavaPath      string `json:"java_path,omitempty"`
}

type UpdateInfo struct {
	Latest    string `json:"latest,omitempty"`
	Available bool   `json:"available"`
	Error     string `json:"error,omitempty"`
}

// UpdateChecker reports the newest published launcher version.
type UpdateChecker interface {
	CheckUpdate(ctx context.Context, current string) (string, bool, error)
}

type Options struct {
	LauncherVersion string
	Endpoints       []string
	Timeout         time.Duration
	JavaPath        string
	RuntimeDir      string
	DataDir         string
	UserDir         string
}

// Checker collects Reports.
type Checker struct {
	store   *store.Store
	updates UpdateChecker
	client  *resty.Client
	opts    Options
	facts   func() host.Facts
}

func New(st *store.Store, updates UpdateChecker, opts Options) *Checker {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Checker{
		store:   st,
		updates: updates,
		client: resty.New().
			SetTimeout(opts.Timeout).
			SetHeader("User-Agent", "hrs-launcher-diagnostics").
			SetHeader("Accept", "*/*"),
		opts:  opts,
		facts: host.Detect,
	}
}

// Run gathers every section. Failures are recorded in the report, never returned.
func (c *Checker) Run(ctx context.Context) Report {
	facts := c.facts()
	r := Report{
		Platform:  PlatformInfo{OS: facts.OS, Arch: facts.Arch, LauncherVersion: c.opts.LauncherVersion},
		Host:      facts,
		Timestamp: time.Now().UTC(),
	}
	r.Connectivity = c.checkConnectivity(ctx)
	r.Game, r.Dependencies = c.checkGame(facts)
	if c.updates != nil {
		latest, ok, err := c.updates.CheckUpdate(ctx, c.opts.LauncherVersion)
		r.Update = UpdateInfo{Latest: latest, Available: ok}
		if err != nil {
			r.Update.Error = err.Error()
		}
	}
	return r
}

func (c *Checker) checkConnectivity(ctx context.Context) []EndpointStatus {
	log.Log.Info("Checking connectivity...")
	out := make([]EndpointStatus, len(c.opts.Endpoints))
	var g errgroup.Group
	for i, endpoint := range c.opts.Endpoints {
		g.Go(func() error {
			out[i] = c.checkEndpoint(ctx, endpoint)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// checkEndpoint tries HEAD, then GET, then a plain TCP connect.
func (c *Checker) checkEndpoint(ctx context.Context, endpoint string) EndpointStatus {
	st := EndpointStatus{URL: endpoint}
	resp, err := c.client.R().SetContext(ctx).Head(endpoint)
	if err == nil && !resp.IsError() {
		st.Reachable, st.Via = true, "HEAD"
		return st
	}
	resp, err = c.client.R().SetContext(ctx).SetDoNotParseResponse(true).Get(endpoint)
	if err == nil {
		resp.RawBody().Close()
		if !resp.IsError() {
			st.Reachable, st.Via = true, "GET"
			return st
		}
		st.Error = resp.Status()
	} else {
		st.Error = err.Error()
	}

	u, perr := url.Parse(endpoint)
	if perr != nil || u.Hostname() == "" {
		return st
	}
	port := u.Port()
	if port == "" {
		port = "443"
		if u.Scheme == "http" {
			port = "80"
		}
	}
	dialer := net.Dialer{Timeout: 5 * time.Second}
	conn, derr := dialer.DialContext(ctx, "tcp", net.JoinHostPort(u.Hostname(), port))
	if derr != nil {
		log.Log.Warn("Endpoint %s is unreachable: %v", endpoint, derr)
		return st
	}
	conn.Close()
	st.Reachable, st.Via = true, "TCP"
	return st
}

func (c *Checker) checkGame(facts host.Facts) (GameStatus, DependenciesInfo) {
	var gs GameStatus
	var deps DependenciesInfo

	versions := c.store.List()
	gs.Versions = len(versions)
	gs.Installed = len(versions) > 0
	gs.Mods = len(c.store.Mods(""))

	javaPath := c.opts.JavaPath
	if v, ok := c.store.GetActive(); ok {
		gs.ActiveVersion = v.ID
		gs.ClientExists = util.PathExists(profile.ClientPath(v.Root, facts.OS))
		if javaPath == "" {
			javaPath = profile.JavaPath(v.Root, facts.OS)
		}
	}
	if (javaPath == "" || !util.PathExists(javaPath)) && c.opts.JavaPath == "" && c.opts.RuntimeDir != "" {
		javaPath = profile.RuntimeJava(c.opts.RuntimeDir, facts.OS)
	}
	if javaPath != "" && util.PathExists(javaPath) {
		deps.JavaInstalled, deps.JavaPath = true, javaPath
	}

	if c.opts.UserDir != "" && util.PathExists(c.opts.UserDir) {
		if t, err := util.GetDirLastModTime(c.opts.UserDir); err == nil {
			gs.UserDataModified = t
		}
	}
	if c.opts.DataDir != "" {
		if free, err := host.FreeDiskSpace(c.opts.DataDir); err == nil {
			gs.FreeDiskBytes = free
		}
	}
	return gs, deps
}

// Save writes the formatted report to logsDir and returns its path.
func Save(r Report, logsDir string) (string, error) {
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return "", fmt.Errorf("create logs directory: %w", err)
	}
	name := "diagnostic_" + r.Timestamp.Format("2006-01-02T15-04-05Z") + ".txt"
	path := filepath.Join(logsDir, name)
	if err := util.WriteFileAtomic(path, []byte(Format(r)), 0o644); err != nil {
		return "", fmt.Errorf("write diagnostic report: %w", err)
	}
	log.Log.Info("Diagnostic report written to %s", path)
	return path, nil
}

// Format renders the report as plain text.
func Format(r Report) string {
	yesNo := func(v bool) string {
		if v {
			return "yes"
		}
		return "no"
	}
	status := func(v bool) string {
		if v {
			return "OK"
		}
		return "FAILED"
	}

	var failed []string
	for _, e := range r.Connectivity {
		if !e.Reachable {
			failed = append(failed, e.URL)
		}
	}

	var b strings.Builder
	fmt.Fprintln(&b, "hrs-launcher Diagnostic Report")
	fmt.Fprintf(&b, "Generated: %s\n", r.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(&b, "Summary: connectivity=%s | installed=%s | java=%s\n",
		status(len(failed) == 0), yesNo(r.Game.Installed), yesNo(r.Dependencies.JavaInstalled))

	fmt.Fprintln(&b, "\n=== PLATFORM ===")
	fmt.Fprintf(&b, "OS: %s\n", r.Platform.OS)
	fmt.Fprintf(&b, "Arch: %s\n", r.Platform.Arch)
	fmt.Fprintf(&b, "Launcher Version: %s\n", r.Platform.LauncherVersion)
	fmt.Fprintf(&b, "CPU Cores: %d\n", r.Host.Cores)
	fmt.Fprintf(&b, "Memory: %s\n", util.FormatSize(int64(r.Host.MemoryBytes)))

	fmt.Fprintln(&b, "\n=== CONNECTIVITY ===")
	for _, e := range r.Connectivity {
		line := fmt.Sprintf("%s: %s", e.URL, status(e.Reachable))
		if e.Via != "" {
			line += " (" + e.Via + ")"
		}
		fmt.Fprintln(&b, line)
	}
	if len(failed) == 0 {
		fmt.Fprintln(&b, "Notes: All endpoints reachable")
	} else {
		fmt.Fprintf(&b, "Notes: Issues: %s\n", strings.Join(failed, ", "))
	}

	fmt.Fprintln(&b, "\n=== GAME STATUS ===")
	fmt.Fprintf(&b, "Installed: %s\n", yesNo(r.Game.Installed))
	fmt.Fprintf(&b, "Active Version: %s\n", orDash(r.Game.ActiveVersion))
	fmt.Fprintf(&b, "Installed Versions: %d\n", r.Game.Versions)
	fmt.Fprintf(&b, "Client Exists: %s\n", yesNo(r.Game.ClientExists))
	fmt.Fprintf(&b, "Mods: %d\n", r.Game.Mods)
	if !r.Game.UserDataModified.IsZero() {
		fmt.Fprintf(&b, "User Data Modified: %s\n", r.Game.UserDataModified.UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "Free Disk: %s\n", util.FormatSize(int64(r.Game.FreeDiskBytes)))

	fmt.Fprintln(&b, "\n=== DEPENDENCIES ===")
	fmt.Fprintf(&b, "Java Installed: %s\n", yesNo(r.Dependencies.JavaInstalled))
	fmt.Fprintf(&b, "Java Path: %s\n", orDash(r.Dependencies.JavaPath))

	fmt.Fprintln(&b, "\n=== UPDATES ===")
	switch {
	case r.Update.Error != "":
		fmt.Fprintf(&b, "Update Check: FAILED (%s)\n", r.Update.Error)
	case r.Update.Available:
		fmt.Fprintf(&b, "Update Available: %s\n", r.Update.Latest)
	default:
		fmt.Fprintln(&b, "Up To Date: yes")
	}
	return b.String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
