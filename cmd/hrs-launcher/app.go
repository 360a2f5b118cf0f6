// /cmd/hrs-launcher/app.go
package main

import (
	"context"
	"path/filepath"
	"runtime"
	"sync"

	"hrs-launcher/internal/catalog"
	"hrs-launcher/internal/config"
	"hrs-launcher/internal/fetcher"
	"hrs-launcher/internal/host"
	"hrs-launcher/internal/installer"
	"hrs-launcher/internal/launcher"
	"hrs-launcher/internal/log"
	"hrs-launcher/internal/mods"
	"hrs-launcher/internal/orchestrator"
	"hrs-launcher/internal/profile"
	"hrs-launcher/internal/store"
)

// app holds the wired components for one command invocation.
type app struct {
	cfg     *config.Config
	store   *store.Store
	catalog *catalog.Client
	orch    *orchestrator.Orchestrator
}

func newApp(cfg *config.Config) (*app, error) {
	st, err := store.Open(cfg.StatePath(), cfg.VersionsDir())
	if err != nil {
		return nil, err
	}
	if err := st.Recovered(); err != nil {
		log.Log.Warn("%v", err)
	}

	inst := installer.New(cfg.VersionsDir(), cfg.DiskMarginMB<<20)
	inst.Sweep()
	// The shared runtime is committed as <data>/jre.
	rt := installer.New(cfg.DataDir, cfg.DiskMarginMB<<20, installer.WithLayout(func(staging string) error {
		return profile.NormalizeRuntime(staging, runtime.GOOS)
	}))
	rt.Sweep()

	f := fetcher.New(fetcher.Options{
		ConnectTimeout:   cfg.ConnectTimeout,
		StallTimeout:     cfg.StallTimeout,
		ProgressInterval: cfg.ProgressInterval,
		UserAgent:        "hrs-launcher/" + version,
	}, st)
	cat := catalog.New(cfg.CatalogURL, cfg.ConnectTimeout)

	builder := profile.NewBuilder(profile.Settings{
		MinHeapMB:  cfg.MinHeapMB,
		MaxHeapMB:  cfg.MaxHeapMB,
		JavaPath:   cfg.JavaPath,
		RuntimeDir: cfg.RuntimeDir(),
		WorkDir:    cfg.DataDir,
		UserDir:    cfg.UserDir(),
		ModsDir:    cfg.ModsDir(),
		CrashDir:   cfg.CrashDir(),
		PlayerName: cfg.PlayerName,
		AuthMode:   cfg.AuthMode,
	})

	orch := orchestrator.New(orchestrator.Deps{
		Store:      st,
		Catalog:    cat,
		Fetcher:    f,
		Installer:  inst,
		Runtime:    rt,
		Mods:       mods.NewManager(st, f, cfg.CacheDir()),
		Builder:    builder,
		Supervisor: launcher.NewSupervisor(launcher.Options{TailLines: cfg.OutputTailLines, GracePeriod: cfg.GracePeriod}),
		Facts:      host.Detect,
	}, orchestrator.Options{
		CacheDir:   cfg.CacheDir(),
		ModsDir:    cfg.ModsDir(),
		ReportPath: filepath.Join(cfg.LogsDir(), "last-launch.json"),
		RuntimeDir: cfg.RuntimeDir(),
		Retries:    cfg.DownloadRetries,
	})

	return &app{cfg: cfg, store: st, catalog: cat, orch: orch}, nil
}

// start runs the orchestrator until the returned stop func is called or ctx
// ends. stop blocks until the active install and game have been wound down.
func (a *app) start(ctx context.Context) (stop func()) {
	runCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.orch.Run(runCtx); err != nil {
			log.Log.Error("Orchestrator stopped: %v", err)
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}
