// /internal/mods/mods.go
package mods

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"hrs-launcher/internal/apperr"
	"hrs-launcher/internal/fetcher"
	"hrs-launcher/internal/log"
	"hrs-launcher/internal/store"
	"hrs-launcher/internal/util"
)

// Fetcher downloads one artifact to a local path.
type Fetcher interface {
	Fetch(ctx context.Context, ref fetcher.ArtifactRef, dest string, sink fetcher.Sink) (string, error)
}

// Manager installs mods against installed versions. Mod downloads do not
// depend on the auth mode.
type Manager struct {
	store    *store.Store
	fetcher  Fetcher
	cacheDir string
}

func NewManager(st *store.Store, f Fetcher, cacheDir string) *Manager {
	return &Manager{store: st, fetcher: f, cacheDir: cacheDir}
}

const (
	modsSubdir   = "mods"
	managedIndex = ".hrs-managed.json"
)

// InstallMod downloads ref and commits it under the version's mods directory.
// Reinstalling an existing mod replaces its files and keeps it enabled.
func (m *Manager) InstallMod(ctx context.Context, versionID string, ref fetcher.ArtifactRef, sink fetcher.Sink) (store.Mod, error) {
	v, err := m.store.Get(versionID)
	if err != nil {
		return store.Mod{}, err
	}
	if err := ref.Validate(); err != nil {
		return store.Mod{}, err
	}

	cached := filepath.Join(m.cacheDir, modsSubdir, ref.FileName())
	path, err := m.fetcher.Fetch(ctx, ref, cached, sink)
	if err != nil {
		return store.Mod{}, err
	}

	modsRoot := filepath.Join(v.Root, store.ModsDirName)
	if err := os.MkdirAll(modsRoot, 0o755); err != nil {
		return store.Mod{}, apperr.Wrap(apperr.CodeIO, "create mods directory", err)
	}
	staging, err := os.MkdirTemp(modsRoot, ".staging-"+ref.ID+"-")
	if err != nil {
		return store.Mod{}, apperr.Wrap(apperr.CodeIO, "create mod staging directory", err)
	}
	defer os.RemoveAll(staging)

	fileName := filepath.Base(filepath.FromSlash(ref.TargetPath()))
	staged := filepath.Join(staging, fileName)
	if err := util.CopyFile(path, staged); err != nil {
		return store.Mod{}, apperr.Wrap(apperr.CodeIO, "stage mod", err)
	}
	if err := fetcher.VerifyFile(staged, ref.Checksum); err != nil {
		return store.Mod{}, err
	}
	meta := readMetadata(staged)

	final := filepath.Join(modsRoot, ref.ID)
	if util.PathExists(final) {
		if err := os.RemoveAll(final); err != nil {
			return store.Mod{}, apperr.Wrap(apperr.CodeIO, "replace previous mod files", err)
		}
	}
	if err := os.Rename(staging, final); err != nil {
		return store.Mod{}, apperr.Wrap(apperr.CodeIO, "commit mod", err)
	}

	mod := store.Mod{
		ID:          store.ModID(versionID, ref.ID),
		ArtifactID:  ref.ID,
		VersionID:   versionID,
		Name:        firstNonEmpty(meta.Name, ref.ID),
		Description: meta.Description,
		Author:      strings.Join(meta.Authors, ", "),
		Version:     firstNonEmpty(meta.Version, ref.Version),
		Path:        filepath.Join(final, fileName),
		Enabled:     true,
		InstalledAt: time.Now().UTC(),
	}
	if err := m.store.PutMod(mod); err != nil {
		_ = os.RemoveAll(final)
		return store.Mod{}, err
	}
	log.Log.Info("✅ Installed mod %s %s for version %s", mod.Name, mod.Version, versionID)
	return mod, nil
}

// ListMods returns the mods of an installed version.
func (m *Manager) ListMods(versionID string) ([]store.Mod, error) {
	if _, err := m.store.Get(versionID); err != nil {
		return nil, err
	}
	return m.store.Mods(versionID), nil
}

// RemoveMod deletes a mod. Removing an unknown mod is not an error.
func (m *Manager) RemoveMod(id string) error {
	mod, existed, err := m.store.RemoveMod(id)
	if err != nil {
		return err
	}
	if !existed {
		log.Log.Debug("Mod %s is not installed, nothing to remove", id)
		return nil
	}
	if err := os.RemoveAll(filepath.Dir(mod.Path)); err != nil {
		log.Log.Warn("Could not delete files of mod %s: %v", id, err)
	}
	log.Log.Info("Removed mod %s", id)
	return nil
}

func (m *Manager) SetEnabled(id string, enabled bool) error {
	return m.store.SetModEnabled(id, enabled)
}

// Apply mirrors the enabled mods of versionID into the game's mods directory.
// Files the launcher placed on a previous run are replaced; anything else in
// the directory is left alone.
func (m *Manager) Apply(versionID, modsDir string) (int, error) {
	if err := os.MkdirAll(modsDir, 0o755); err != nil {
		return 0, apperr.Wrap(apperr.CodeIO, "create game mods directory", err)
	}
	indexPath := filepath.Join(modsDir, managedIndex)
	var previous []string
	if data, err := os.ReadFile(indexPath); err == nil {
		_ = json.Unmarshal(data, &previous)
	}
	for _, name := range previous {
		if err := os.Remove(filepath.Join(modsDir, filepath.Base(name))); err != nil && !errors.Is(err, os.ErrNotExist) {
			return 0, apperr.Wrap(apperr.CodeIO, "remove previously applied mod", err)
		}
	}

	var placed []string
	for _, mod := range m.store.Mods(versionID) {
		if !mod.Enabled {
			continue
		}
		name := filepath.Base(mod.Path)
		if err := util.CopyFile(mod.Path, filepath.Join(modsDir, name)); err != nil {
			return len(placed), apperr.Wrap(apperr.CodeIO, fmt.Sprintf("apply mod %s", mod.ID), err)
		}
		placed = append(placed, name)
	}

	data, err := json.Marshal(placed)
	if err != nil {
		return len(placed), err
	}
	if err := util.WriteFileAtomic(indexPath, data, 0o644); err != nil {
		return len(placed), apperr.Wrap(apperr.CodeIO, "record applied mods", err)
	}
	log.Log.Info("Applied %d mod(s) for version %s", len(placed), versionID)
	return len(placed), nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
