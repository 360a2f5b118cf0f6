package store_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hrs-launcher/internal/apperr"
	"hrs-launcher/internal/store"
)

func setupTestStore(t *testing.T) (*store.Store, string) {
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "state.json"), filepath.Join(dir, "versions"))
	require.NoError(t, err)
	return s, dir
}

// commitVersion lays out a committed version directory the way the installer does.
func commitVersion(t *testing.T, dir, id string) store.InstalledVersion {
	root := filepath.Join(dir, "versions", id)
	require.NoError(t, os.MkdirAll(root, 0o755))
	v := store.InstalledVersion{ID: id, Root: root, Components: []string{"game"}, InstalledAt: time.Now().UTC(), Verified: true}
	require.NoError(t, store.WriteManifest(root, v))
	return v
}

func TestAddListAndActive(t *testing.T) {
	s, dir := setupTestStore(t)
	require.NoError(t, s.Add(commitVersion(t, dir, "1.2.0")))
	require.NoError(t, s.Add(commitVersion(t, dir, "1.10.0")))

	list := s.List()
	require.Len(t, list, 2)
	assert.Equal(t, "1.10.0", list[0].ID)

	active, ok := s.GetActive()
	require.True(t, ok)
	assert.Equal(t, "1.2.0", active.ID)

	require.NoError(t, s.SetActive("1.10.0"))
	err := s.SetActive("9.9.9")
	assert.ErrorIs(t, err, apperr.New(apperr.CodeNotInstalled, ""))
}

func TestAddRefusesUncommittedRoot(t *testing.T) {
	s, dir := setupTestStore(t)
	err := s.Add(store.InstalledVersion{ID: "1.0.0", Root: filepath.Join(dir, "versions", "1.0.0")})
	assert.Equal(t, apperr.CodeInvariant, apperr.CodeOf(err))
	assert.Empty(t, s.List())
}

func TestStatePersistsAcrossReopen(t *testing.T) {
	s, dir := setupTestStore(t)
	v := commitVersion(t, dir, "1.0.0")
	require.NoError(t, s.Add(v))
	require.NoError(t, s.SaveOffset("game", 400_000))
	require.NoError(t, s.SetOverrides(store.Overrides{HeapMB: 2048}))

	reopened, err := store.Open(filepath.Join(dir, "state.json"), filepath.Join(dir, "versions"))
	require.NoError(t, err)
	require.NoError(t, reopened.Recovered())

	got, err := reopened.Get("1.0.0")
	require.NoError(t, err)
	assert.True(t, got.Verified)
	off, ok := reopened.Offset("game")
	require.True(t, ok)
	assert.Equal(t, int64(400_000), off)
	assert.Equal(t, 2048, reopened.Overrides().HeapMB)
	assert.NoFileExists(t, filepath.Join(dir, "state.json.tmp"))
}

func TestCorruptStateFallsBackToEmpty(t *testing.T) {
	dir := t.TempDir()
	commitVersion(t, dir, "1.0.0")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "state.json"), []byte("{not json"), 0o644))

	s, err := store.Open(filepath.Join(dir, "state.json"), filepath.Join(dir, "versions"))
	require.NoError(t, err)

	rec := s.Recovered()
	require.Error(t, rec)
	assert.Equal(t, apperr.CodeCorruptState, apperr.CodeOf(rec))
	assert.Empty(t, s.List())

	matches, err := filepath.Glob(filepath.Join(dir, "state.json.corrupt-*"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestOpenAdoptsCommittedOrphan(t *testing.T) {
	dir := t.TempDir()
	// Crash after the commit rename but before the record write.
	commitVersion(t, dir, "2.0.0")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "versions", ".staging-3.0.0-1"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "versions", "junk"), 0o755))

	s, err := store.Open(filepath.Join(dir, "state.json"), filepath.Join(dir, "versions"))
	require.NoError(t, err)

	list := s.List()
	require.Len(t, list, 1)
	assert.Equal(t, "2.0.0", list[0].ID)
}

func TestOpenDropsVersionsWithMissingFiles(t *testing.T) {
	s, dir := setupTestStore(t)
	v := commitVersion(t, dir, "1.0.0")
	require.NoError(t, s.Add(v))
	require.NoError(t, s.PutMod(store.Mod{ID: store.ModID("1.0.0", "m"), VersionID: "1.0.0"}))
	require.NoError(t, os.RemoveAll(v.Root))

	reopened, err := store.Open(filepath.Join(dir, "state.json"), filepath.Join(dir, "versions"))
	require.NoError(t, err)
	assert.Empty(t, reopened.List())
	assert.Empty(t, reopened.Mods(""))
	_, ok := reopened.GetActive()
	assert.False(t, ok)
	assert.Len(t, reopened.Violations(), 1)
	assert.Empty(t, s.Violations())
}

func TestRemoveCascadesAndRespectsLeases(t *testing.T) {
	s, dir := setupTestStore(t)
	v := commitVersion(t, dir, "1.0.0")
	require.NoError(t, s.Add(v))
	require.NoError(t, s.PutMod(store.Mod{ID: store.ModID("1.0.0", "m"), VersionID: "1.0.0", Enabled: true}))

	require.NoError(t, s.Acquire("1.0.0"))
	err := s.Remove("1.0.0")
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
	assert.ErrorIs(t, err, apperr.New(apperr.CodeInUse, ""))
	s.Release("1.0.0")

	require.NoError(t, s.Remove("1.0.0"))
	assert.NoDirExists(t, v.Root)
	assert.Empty(t, s.Mods("1.0.0"))
	_, ok := s.GetActive()
	assert.False(t, ok)

	err = s.Remove("1.0.0")
	assert.ErrorIs(t, err, apperr.New(apperr.CodeNotInstalled, ""))
}

func TestFailedRemoveKeepsVersionFiles(t *testing.T) {
	s, dir := setupTestStore(t)
	v := commitVersion(t, dir, "1.0.0")
	require.NoError(t, s.Add(v))

	// A directory in place of the temp file makes every state write fail.
	blocker := filepath.Join(dir, "state.json.tmp")
	require.NoError(t, os.MkdirAll(filepath.Join(blocker, "x"), 0o755))

	err := s.Remove("1.0.0")
	assert.Equal(t, apperr.CodeIO, apperr.CodeOf(err))
	assert.DirExists(t, v.Root)
	assert.FileExists(t, filepath.Join(v.Root, store.ManifestName))
	got, err := s.Get("1.0.0")
	require.NoError(t, err)
	assert.Equal(t, v.Root, got.Root)

	require.NoError(t, os.RemoveAll(blocker))
	require.NoError(t, s.Remove("1.0.0"))
	assert.NoDirExists(t, v.Root)
}

func TestAddDropsModsWhoseFilesAreGone(t *testing.T) {
	s, dir := setupTestStore(t)
	v := commitVersion(t, dir, "1.0.0")
	require.NoError(t, s.Add(v))

	kept := filepath.Join(v.Root, store.ModsDirName, "a", "a.jar")
	require.NoError(t, os.MkdirAll(filepath.Dir(kept), 0o755))
	require.NoError(t, os.WriteFile(kept, []byte("a"), 0o644))
	require.NoError(t, s.PutMod(store.Mod{ID: store.ModID("1.0.0", "a"), VersionID: "1.0.0", Path: kept, Enabled: true}))
	lost := filepath.Join(v.Root, store.ModsDirName, "b", "b.jar")
	require.NoError(t, s.PutMod(store.Mod{ID: store.ModID("1.0.0", "b"), VersionID: "1.0.0", Path: lost, Enabled: true}))

	require.NoError(t, s.Add(v))
	mods := s.Mods("1.0.0")
	require.Len(t, mods, 1)
	assert.Equal(t, store.ModID("1.0.0", "a"), mods[0].ID)
}

func TestModsRequireInstalledVersion(t *testing.T) {
	s, dir := setupTestStore(t)
	err := s.PutMod(store.Mod{ID: store.ModID("1.0.0", "m"), VersionID: "1.0.0"})
	assert.ErrorIs(t, err, apperr.New(apperr.CodeNotInstalled, ""))

	require.NoError(t, s.Add(commitVersion(t, dir, "1.0.0")))
	id := store.ModID("1.0.0", "m")
	require.NoError(t, s.PutMod(store.Mod{ID: id, VersionID: "1.0.0", Enabled: true}))
	require.NoError(t, s.SetModEnabled(id, false))

	m, ok := s.GetMod(id)
	require.True(t, ok)
	assert.False(t, m.Enabled)

	_, existed, err := s.RemoveMod(id)
	require.NoError(t, err)
	assert.True(t, existed)
	_, existed, err = s.RemoveMod(id)
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestOffsets(t *testing.T) {
	s, _ := setupTestStore(t)
	_, ok := s.Offset("game")
	assert.False(t, ok)

	require.NoError(t, s.SaveOffset("game", 10))
	require.NoError(t, s.ClearOffset("game"))
	_, ok = s.Offset("game")
	assert.False(t, ok)
	require.NoError(t, s.ClearOffset("game"))
}

func TestCompareVersions(t *testing.T) {
	assert.Equal(t, 1, store.CompareVersions("1.10.0", "1.9.0"))
	assert.Equal(t, -1, store.CompareVersions("v1.0.0", "1.0.1"))
	assert.Equal(t, 0, store.CompareVersions("1.0.0", "v1.0.0"))
	assert.Equal(t, -1, store.CompareVersions("alpha", "beta"))
}
