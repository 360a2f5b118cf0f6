// /internal/store/store.go
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"hrs-launcher/internal/apperr"
	"hrs-launcher/internal/log"
	"hrs-launcher/internal/util"
)

// Store is the persisted record of installed versions, mods, download
// offsets and launch overrides. All mutations go through one mutex and
// replace the state file atomically.
type Store struct {
	mu          sync.Mutex
	path        string
	versionsDir string
	rec         Record
	leases      map[string]int
	recovered   error
	violations  []string
}

// Open loads the record at path and reconciles it with versionsDir.
//
// A corrupt record is moved aside and replaced by an empty one; Recovered
// then reports a CORRUPT_STATE error for the UI.
func Open(path, versionsDir string) (*Store, error) {
	s := &Store{
		path:        path,
		versionsDir: versionsDir,
		rec:         emptyRecord(),
		leases:      map[string]int{},
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, apperr.Wrap(apperr.CodeIO, "create state directory", err)
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		log.Log.Info("No launcher state found at %s, starting fresh", path)
	case err != nil:
		return nil, apperr.Wrap(apperr.CodeIO, "read launcher state", err).With(apperr.MetaPath, path)
	default:
		if err := s.decode(data); err != nil {
			aside := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
			if rerr := os.Rename(path, aside); rerr != nil {
				log.Log.Error("Could not move corrupt state aside: %v", rerr)
			}
			log.Log.Error("Launcher state at %s is corrupt (%v); moved to %s", path, err, aside)
			s.recovered = apperr.Wrap(apperr.CodeCorruptState, "launcher state was corrupt and has been reset", err).
				With(apperr.MetaPath, aside)
			s.rec = emptyRecord()
			if err := s.persist(s.rec); err != nil {
				return nil, err
			}
			return s, nil
		}
	}

	if err := s.reconcile(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) decode(data []byte) error {
	rec := emptyRecord()
	if err := json.Unmarshal(data, &rec); err != nil {
		return err
	}
	if rec.Schema != schemaVersion {
		return fmt.Errorf("unsupported schema %d", rec.Schema)
	}
	if rec.Versions == nil {
		rec.Versions = map[string]InstalledVersion{}
	}
	if rec.Mods == nil {
		rec.Mods = map[string]Mod{}
	}
	if rec.Downloads == nil {
		rec.Downloads = map[string]int64{}
	}
	s.rec = rec
	return nil
}

// reconcile adopts committed directories missing from the record and drops
// records whose files are gone.
func (s *Store) reconcile() error {
	next := s.rec.clone()
	changed := false

	entries, err := os.ReadDir(s.versionsDir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return apperr.Wrap(apperr.CodeIO, "list versions directory", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		id := entry.Name()
		if _, ok := next.Versions[id]; ok {
			continue
		}
		root := filepath.Join(s.versionsDir, id)
		v, err := ReadManifest(root)
		if err != nil || v.ID != id {
			log.Log.Warn("Ignoring directory %s without a valid install manifest", root)
			continue
		}
		v.Root = root
		next.Versions[id] = v
		changed = true
		log.Log.Info("Adopted committed version %s found on disk", id)
	}

	for id, v := range next.Versions {
		v.Root = filepath.Join(s.versionsDir, id)
		next.Versions[id] = v
		if util.PathExists(filepath.Join(v.Root, ManifestName)) {
			continue
		}
		msg := fmt.Sprintf("version %s is recorded but its files are missing; dropping it", id)
		log.Log.Error("[%s] %s", apperr.CodeInvariant, msg)
		s.violations = append(s.violations, msg)
		delete(next.Versions, id)
		changed = true
	}
	for id, m := range next.Mods {
		if _, ok := next.Versions[m.VersionID]; !ok {
			delete(next.Mods, id)
			changed = true
		}
	}
	if _, ok := next.Versions[next.Active]; next.Active != "" && !ok {
		next.Active = ""
		changed = true
	}

	if !changed {
		s.rec = next
		return nil
	}
	if err := s.persist(next); err != nil {
		return err
	}
	s.rec = next
	return nil
}

// Recovered returns the recoverable error raised while opening, if any.
func (s *Store) Recovered() error {
	return s.recovered
}

// Violations lists invariant violations repaired while opening.
func (s *Store) Violations() []string {
	return slices.Clone(s.violations)
}

// VersionsDir is where committed versions live.
func (s *Store) VersionsDir() string {
	return s.versionsDir
}

func (s *Store) persist(rec Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return apperr.Wrap(apperr.CodeInvariant, "encode launcher state", err)
	}
	if err := util.WriteFileAtomic(s.path, data, 0o644); err != nil {
		return apperr.Wrap(apperr.CodeIO, "write launcher state", err).With(apperr.MetaPath, s.path)
	}
	return nil
}

// update applies fn to a copy of the record and swaps it in once persisted.
// Callers hold s.mu.
func (s *Store) update(fn func(*Record) error) error {
	next := s.rec.clone()
	if err := fn(&next); err != nil {
		return err
	}
	if err := s.persist(next); err != nil {
		return err
	}
	s.rec = next
	return nil
}

func notInstalled(id string) *apperr.Error {
	return apperr.Newf(apperr.CodeNotInstalled, "version %s is not installed", id).With(apperr.MetaVersion, id)
}

// List returns installed versions, newest first.
func (s *Store) List() []InstalledVersion {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]InstalledVersion, 0, len(s.rec.Versions))
	for _, v := range s.rec.Versions {
		out = append(out, v)
	}
	slices.SortFunc(out, func(a, b InstalledVersion) int { return CompareVersions(b.ID, a.ID) })
	return out
}

func (s *Store) Get(id string) (InstalledVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.rec.Versions[id]
	if !ok {
		return InstalledVersion{}, notInstalled(id)
	}
	return v, nil
}

func (s *Store) GetActive() (InstalledVersion, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.rec.Versions[s.rec.Active]
	return v, ok
}

func (s *Store) SetActive(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rec.Versions[id]; !ok {
		return notInstalled(id)
	}
	return s.update(func(r *Record) error {
		r.Active = id
		return nil
	})
}

// Add records a committed version. The first version becomes active.
func (s *Store) Add(v InstalledVersion) error {
	if !util.PathExists(filepath.Join(v.Root, ManifestName)) {
		return apperr.Newf(apperr.CodeInvariant, "refusing to record %s: %s has no install manifest", v.ID, v.Root)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.update(func(r *Record) error {
		r.Versions[v.ID] = v
		if r.Active == "" {
			r.Active = v.ID
		}
		// A reinstall may not have carried every mod file over.
		for mid, m := range r.Mods {
			if m.VersionID == v.ID && m.Path != "" && !util.PathExists(m.Path) {
				log.Log.Warn("Dropping mod %s of version %s: %s is missing", mid, v.ID, m.Path)
				delete(r.Mods, mid)
			}
		}
		return nil
	})
}

// Remove deletes an installed version, its files and its mods.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.rec.Versions[id]
	if !ok {
		return notInstalled(id)
	}
	if s.leases[id] > 0 {
		return apperr.Newf(apperr.CodeInUse, "version %s is running", id).With(apperr.MetaVersion, id)
	}

	trash := filepath.Join(s.versionsDir, fmt.Sprintf(".trash-%s-%d", id, time.Now().UnixNano()))
	moved := true
	if err := os.Rename(v.Root, trash); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return apperr.Wrap(apperr.CodeIO, "move version out of place", err).With(apperr.MetaPath, v.Root)
		}
		moved = false
	}
	err := s.update(func(r *Record) error {
		delete(r.Versions, id)
		for mid, m := range r.Mods {
			if m.VersionID == id {
				delete(r.Mods, mid)
			}
		}
		if r.Active == id {
			r.Active = ""
		}
		return nil
	})
	if err != nil {
		if moved {
			if rerr := os.Rename(trash, v.Root); rerr != nil {
				log.Log.Error("Could not restore %s after a failed removal: %v", v.Root, rerr)
			}
		}
		return err
	}
	if err := os.RemoveAll(trash); err != nil {
		log.Log.Warn("Could not delete %s: %v", trash, err)
	}
	log.Log.Info("Removed version %s", id)
	return nil
}

// Acquire marks a version as in use by a running launch.
func (s *Store) Acquire(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rec.Versions[id]; !ok {
		return notInstalled(id)
	}
	s.leases[id]++
	return nil
}

func (s *Store) Release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.leases[id] <= 1 {
		delete(s.leases, id)
		return
	}
	s.leases[id]--
}

func (s *Store) InUse(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leases[id] > 0
}

// Mods lists the mods of one version, or of every version when versionID is empty.
func (s *Store) Mods(versionID string) []Mod {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Mod
	for _, m := range s.rec.Mods {
		if versionID == "" || m.VersionID == versionID {
			out = append(out, m)
		}
	}
	slices.SortFunc(out, func(a, b Mod) int { return strings.Compare(a.ID, b.ID) })
	return out
}

func (s *Store) GetMod(id string) (Mod, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.rec.Mods[id]
	return m, ok
}

func (s *Store) PutMod(m Mod) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rec.Versions[m.VersionID]; !ok {
		return notInstalled(m.VersionID)
	}
	return s.update(func(r *Record) error {
		r.Mods[m.ID] = m
		return nil
	})
}

// RemoveMod forgets a mod and reports whether it existed.
func (s *Store) RemoveMod(id string) (Mod, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.rec.Mods[id]
	if !ok {
		return Mod{}, false, nil
	}
	err := s.update(func(r *Record) error {
		delete(r.Mods, id)
		return nil
	})
	return m, true, err
}

func (s *Store) SetModEnabled(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rec.Mods[id]; !ok {
		return apperr.Newf(apperr.CodeNotFound, "mod %s is not installed", id)
	}
	return s.update(func(r *Record) error {
		m := r.Mods[id]
		m.Enabled = enabled
		r.Mods[id] = m
		return nil
	})
}

// Offset implements fetcher.Offsets.
func (s *Store) Offset(artifactID string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.rec.Downloads[artifactID]
	return v, ok
}

func (s *Store) SaveOffset(artifactID string, offset int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.rec.Downloads[artifactID]; ok && cur == offset {
		return nil
	}
	return s.update(func(r *Record) error {
		r.Downloads[artifactID] = offset
		return nil
	})
}

func (s *Store) ClearOffset(artifactID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rec.Downloads[artifactID]; !ok {
		return nil
	}
	return s.update(func(r *Record) error {
		delete(r.Downloads, artifactID)
		return nil
	})
}

func (s *Store) Overrides() Overrides {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.rec.Overrides
	o.ExtraJVMArgs = slices.Clone(o.ExtraJVMArgs)
	return o
}

func (s *Store) SetOverrides(o Overrides) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.update(func(r *Record) error {
		r.Overrides = o
		return nil
	})
}
