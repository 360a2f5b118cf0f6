// /internal/backup/backup.go
package backup

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"hrs-launcher/internal/apperr"
	"hrs-launcher/internal/log"
	"hrs-launcher/internal/util"
)

const stampLayout = "20060102-150405"

// Snapshot is one saved copy of the user data directory.
type Snapshot struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Taken   time.Time `json:"taken"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// Manager keeps rolling copies of the game's user data (saves, settings)
// so a bad version or mod cannot destroy them.
type Manager struct {
	source string
	dir    string
	keep   int
	now    func() time.Time
}

func New(source, dir string, keep int) *Manager {
	if keep <= 0 {
		keep = 5
	}
	return &Manager{source: source, dir: dir, keep: keep, now: time.Now}
}

// List returns snapshots, newest first.
func (m *Manager) List() ([]Snapshot, error) {
	entries, err := os.ReadDir(m.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeIO, "list backups", err).With(apperr.MetaPath, m.dir)
	}
	var out []Snapshot
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		taken, err := time.ParseInLocation(stampLayout, e.Name(), time.UTC)
		if err != nil {
			continue
		}
		path := filepath.Join(m.dir, e.Name())
		size, _ := util.DirSize(path)
		modTime, _ := util.GetDirLastModTime(path)
		out = append(out, Snapshot{Name: e.Name(), Path: path, Taken: taken, Size: size, ModTime: modTime})
	}
	slices.SortFunc(out, func(a, b Snapshot) int { return strings.Compare(b.Name, a.Name) })
	return out, nil
}

// Take copies the user data if it changed since the newest snapshot.
// It reports whether a snapshot was written.
func (m *Manager) Take() (Snapshot, bool, error) {
	localModTime, err := util.GetDirLastModTime(m.source)
	if err != nil {
		return Snapshot{}, false, apperr.Wrap(apperr.CodeIO, "inspect user data", err).With(apperr.MetaPath, m.source)
	}
	if localModTime.IsZero() {
		log.Log.Debug("No user data at %s, nothing to back up", m.source)
		return Snapshot{}, false, nil
	}

	existing, err := m.List()
	if err != nil {
		return Snapshot{}, false, err
	}
	if len(existing) > 0 && !localModTime.After(existing[0].ModTime) {
		log.Log.Debug("User data unchanged since backup %s", existing[0].Name)
		return existing[0], false, nil
	}

	taken := m.now().UTC().Truncate(time.Second)
	name := taken.Format(stampLayout)
	if len(existing) > 0 && existing[0].Name >= name {
		next, _ := time.ParseInLocation(stampLayout, existing[0].Name, time.UTC)
		taken = next.Add(time.Second)
		name = taken.Format(stampLayout)
	}
	dest := filepath.Join(m.dir, name)
	tmp := dest + ".tmp"
	_ = os.RemoveAll(tmp)
	if err := util.CopyDir(m.source, tmp); err != nil {
		_ = os.RemoveAll(tmp)
		return Snapshot{}, false, apperr.Wrap(apperr.CodeIO, "copy user data", err).With(apperr.MetaPath, tmp)
	}
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.RemoveAll(tmp)
		return Snapshot{}, false, apperr.Wrap(apperr.CodeIO, "commit backup", err).With(apperr.MetaPath, dest)
	}
	log.Log.Info("✅ Backed up user data to %s", dest)

	size, _ := util.DirSize(dest)
	copied, _ := util.GetDirLastModTime(dest)
	snap := Snapshot{Name: name, Path: dest, Taken: taken, Size: size, ModTime: copied}
	m.prune()
	return snap, true, nil
}

// Restore replaces the user data with the named snapshot. The current data
// is snapshotted first so a restore can be undone.
func (m *Manager) Restore(name string) error {
	src := filepath.Join(m.dir, name)
	if _, err := time.Parse(stampLayout, name); err != nil || !util.PathExists(src) {
		return apperr.Newf(apperr.CodeNotFound, "no backup named %q", name)
	}
	if _, _, err := m.Take(); err != nil {
		return fmt.Errorf("back up current user data: %w", err)
	}

	aside := m.source + ".restoring"
	_ = os.RemoveAll(aside)
	if util.PathExists(m.source) {
		if err := os.Rename(m.source, aside); err != nil {
			return apperr.Wrap(apperr.CodeIO, "move current user data aside", err).With(apperr.MetaPath, m.source)
		}
	}
	if err := util.CopyDir(src, m.source); err != nil {
		_ = os.RemoveAll(m.source)
		if util.PathExists(aside) {
			_ = os.Rename(aside, m.source)
		}
		return apperr.Wrap(apperr.CodeIO, "restore user data", err).With(apperr.MetaPath, src)
	}
	_ = os.RemoveAll(aside)
	log.Log.Info("Restored user data from backup %s", name)
	return nil
}

func (m *Manager) prune() {
	all, err := m.List()
	if err != nil || len(all) <= m.keep {
		return
	}
	for _, s := range all[m.keep:] {
		if err := os.RemoveAll(s.Path); err != nil {
			log.Log.Warn("Could not delete old backup %s: %v", s.Path, err)
			continue
		}
		log.Log.Debug("Deleted old backup %s", s.Name)
	}
}
