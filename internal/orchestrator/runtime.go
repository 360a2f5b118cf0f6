// /internal/orchestrator/runtime.go
package orchestrator

import (
	"context"
	"os"
	"path/filepath"

	"hrs-launcher/internal/apperr"
	"hrs-launcher/internal/fetcher"
	"hrs-launcher/internal/installer"
	"hrs-launcher/internal/log"
	"hrs-launcher/internal/profile"
	"hrs-launcher/internal/store"
	"hrs-launcher/internal/util"
)

// AvailableMod is a mod published in the catalog for a version.
type AvailableMod struct {
	fetcher.ArtifactRef
	Installed bool `json:"installed"`
}

// AvailableMods lists the catalog mods of versionID for this host, marking
// the ones already installed.
func (o *Orchestrator) AvailableMods(ctx context.Context, versionID string) ([]AvailableMod, error) {
	if versionID == "" {
		v, ok := o.deps.Store.GetActive()
		if !ok {
			return nil, apperr.New(apperr.CodeNotInstalled, "no version is installed")
		}
		versionID = v.ID
	}
	refs, err := o.deps.Catalog.AvailableMods(ctx, versionID, o.deps.Facts().Platform())
	if err != nil {
		return nil, err
	}
	out := make([]AvailableMod, 0, len(refs))
	for _, ref := range refs {
		_, installed := o.deps.Store.GetMod(store.ModID(versionID, ref.ID))
		out = append(out, AvailableMod{ArtifactRef: ref, Installed: installed})
	}
	return out, nil
}

// ensureRuntime installs the shared Java runtime when v ships without one
// and it is not installed yet. Sources are tried in catalog order.
func (o *Orchestrator) ensureRuntime(ctx context.Context, t *installTask, v store.InstalledVersion, platform string) error {
	if o.deps.Runtime == nil || o.opts.RuntimeDir == "" {
		return nil
	}
	goos := o.deps.Facts().OS
	if util.PathExists(profile.JavaPath(v.Root, goos)) || util.PathExists(profile.RuntimeJava(o.opts.RuntimeDir, goos)) {
		return nil
	}

	var sources []fetcher.ArtifactRef
	err := o.retry(ctx, t, func() error {
		var err error
		sources, err = o.deps.Catalog.ResolveRuntime(ctx, platform)
		return err
	})
	if err != nil {
		return err
	}
	if len(sources) == 0 {
		log.Log.Warn("Version %s bundles no Java runtime and the catalog offers none for %s", v.ID, platform)
		return nil
	}

	log.Log.Info("⬇️ Installing the Java runtime...")
	var last error
	for i, ref := range sources {
		if i > 0 {
			log.Log.Warn("Runtime source %s failed: %v. Trying %s", sources[i-1].URL, last, ref.URL)
			if err := o.deps.Store.ClearOffset(ref.ID); err != nil {
				log.Log.Debug("Could not reset download progress of %s: %v", ref.ID, err)
			}
		}
		last = o.installRuntime(ctx, t, i, ref)
		if last == nil {
			return nil
		}
		if apperr.KindOf(last) == apperr.KindCancelled {
			return last
		}
	}
	return last
}

func (o *Orchestrator) installRuntime(ctx context.Context, t *installTask, index int, ref fetcher.ArtifactRef) error {
	path, err := o.fetchArtifact(ctx, t, profile.RuntimeID, index, ref)
	if err != nil {
		return err
	}
	rt, err := o.deps.Runtime.Install(ctx, profile.RuntimeID, []installer.Fetched{{Ref: ref, Path: path}})
	if err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Join(o.opts.CacheDir, profile.RuntimeID)); err != nil {
		log.Log.Debug("Could not clear download cache of the runtime: %v", err)
	}
	log.Log.Info("✅ Java runtime ready at %s", rt.Root)
	return nil
}
