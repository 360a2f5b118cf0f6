package installer

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hrs-launcher/internal/apperr"
	"hrs-launcher/internal/fetcher"
	"hrs-launcher/internal/store"
	"hrs-launcher/internal/testutil"
)

func plentyOfSpace(string) (uint64, error) { return 1 << 40, nil }

func setupInstaller(t *testing.T, opts ...Option) (*Installer, string, string) {
	root := t.TempDir()
	cache := filepath.Join(root, "cache")
	require.NoError(t, os.MkdirAll(cache, 0o755))
	versions := filepath.Join(root, "versions")
	opts = append([]Option{WithFreeSpace(plentyOfSpace)}, opts...)
	return New(versions, 1024, opts...), versions, cache
}

func fetched(t *testing.T, cache, id, unpack, target string, data []byte) Fetched {
	p := filepath.Join(cache, id)
	require.NoError(t, os.WriteFile(p, data, 0o644))
	return Fetched{
		Path: p,
		Ref: fetcher.ArtifactRef{
			ID:       id,
			URL:      "https://example.invalid/" + id,
			Size:     int64(len(data)),
			Checksum: fetcher.Checksum{Algorithm: "sha256", Digest: testutil.SHA256(data)},
			Path:     target,
			Unpack:   unpack,
		},
	}
}

func TestInstallCommitsAllArtifacts(t *testing.T) {
	inst, versions, cache := setupInstaller(t)
	artifacts := []Fetched{
		fetched(t, cache, "client", "zip", "Client", testutil.ZipBytes(t, map[string]string{"HytaleClient": "bin", "data/a.txt": "a"})),
		fetched(t, cache, "jre", "tar.gz", "jre", testutil.TarGzBytes(t, map[string]string{"bin/java": "#!/bin/sh"})),
		fetched(t, cache, "readme", "", "docs/README.txt", []byte("hello")),
	}

	v, err := inst.Install(context.Background(), "1.0.0", artifacts)
	require.NoError(t, err)

	root := filepath.Join(versions, "1.0.0")
	assert.Equal(t, root, v.Root)
	assert.True(t, v.Verified)
	assert.Equal(t, []string{"client", "jre", "readme"}, v.Components)
	assert.FileExists(t, filepath.Join(root, "Client", "HytaleClient"))
	assert.FileExists(t, filepath.Join(root, "Client", "data", "a.txt"))
	assert.FileExists(t, filepath.Join(root, "jre", "bin", "java"))
	assert.FileExists(t, filepath.Join(root, "docs", "README.txt"))

	m, err := store.ReadManifest(root)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", m.ID)

	leftovers, _ := filepath.Glob(filepath.Join(versions, stagingPrefix+"*"))
	assert.Empty(t, leftovers)
}

func TestReinstallCarriesModsOver(t *testing.T) {
	inst, versions, cache := setupInstaller(t)
	a := fetched(t, cache, "readme", "", "README.txt", []byte("v1"))
	_, err := inst.Install(context.Background(), "1.0.0", []Fetched{a})
	require.NoError(t, err)

	mod := filepath.Join(versions, "1.0.0", store.ModsDirName, "m1", "m1.jar")
	require.NoError(t, os.MkdirAll(filepath.Dir(mod), 0o755))
	require.NoError(t, os.WriteFile(mod, []byte("mod"), 0o644))

	_, err = inst.Install(context.Background(), "1.0.0", []Fetched{a})
	require.NoError(t, err)
	data, err := os.ReadFile(mod)
	require.NoError(t, err)
	assert.Equal(t, "mod", string(data))
}

func TestInstallRejectsCorruptedArtifact(t *testing.T) {
	inst, versions, cache := setupInstaller(t)
	a := fetched(t, cache, "client", "", "", []byte("original"))
	require.NoError(t, os.WriteFile(a.Path, []byte("tampered"), 0o644))

	_, err := inst.Install(context.Background(), "1.0.0", []Fetched{a})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeChecksumMismatch, apperr.CodeOf(err))
	assert.NoDirExists(t, filepath.Join(versions, "1.0.0"))
}

func TestInstallInsufficientDiskSpace(t *testing.T) {
	inst, versions, cache := setupInstaller(t, WithFreeSpace(func(string) (uint64, error) { return 100, nil }))
	a := fetched(t, cache, "client", "", "", testutil.RandomBytes(4096))

	_, err := inst.Install(context.Background(), "1.0.0", []Fetched{a})
	require.Error(t, err)
	assert.Equal(t, apperr.KindResource, apperr.KindOf(err))

	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, "5120", e.Metadata[apperr.MetaRequired])
	assert.Equal(t, "100", e.Metadata[apperr.MetaAvailable])
	entries, _ := os.ReadDir(versions)
	assert.Empty(t, entries)
}

func TestCrashBeforeCommitLeavesNothingVisible(t *testing.T) {
	inst, versions, cache := setupInstaller(t)
	inst.beforeCommit = func() error { return errors.New("power loss") }
	a := fetched(t, cache, "client", "", "", []byte("payload"))

	_, err := inst.Install(context.Background(), "1.0.0", []Fetched{a})
	require.Error(t, err)

	s, err := store.Open(filepath.Join(filepath.Dir(versions), "state.json"), versions)
	require.NoError(t, err)
	assert.Empty(t, s.List())
	assert.NoDirExists(t, filepath.Join(versions, "1.0.0"))
}

func TestCrashAfterCommitIsAdoptedOnRestart(t *testing.T) {
	inst, versions, cache := setupInstaller(t)
	a := fetched(t, cache, "client", "", "", []byte("payload"))

	// The record is never written: the process dies right after the rename.
	_, err := inst.Install(context.Background(), "1.0.0", []Fetched{a})
	require.NoError(t, err)

	s, err := store.Open(filepath.Join(filepath.Dir(versions), "state.json"), versions)
	require.NoError(t, err)
	list := s.List()
	require.Len(t, list, 1)
	assert.Equal(t, "1.0.0", list[0].ID)
}

func TestReinstallReplacesPreviousVersion(t *testing.T) {
	inst, versions, cache := setupInstaller(t)
	_, err := inst.Install(context.Background(), "1.0.0", []Fetched{fetched(t, cache, "client", "", "bin/game", []byte("v1"))})
	require.NoError(t, err)
	_, err = inst.Install(context.Background(), "1.0.0", []Fetched{fetched(t, cache, "client", "", "bin/game", []byte("v2"))})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(versions, "1.0.0", "bin", "game"))
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))
	trash, _ := filepath.Glob(filepath.Join(versions, trashPrefix+"*"))
	assert.Empty(t, trash)
}

func TestZipSlipIsRejected(t *testing.T) {
	inst, versions, cache := setupInstaller(t)
	a := fetched(t, cache, "evil", "zip", "x", testutil.ZipBytes(t, map[string]string{"../../escape.txt": "boom"}))

	_, err := inst.Install(context.Background(), "1.0.0", []Fetched{a})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeIO, apperr.CodeOf(err))
	assert.NoFileExists(t, filepath.Join(filepath.Dir(versions), "escape.txt"))
}

type tarEntry struct {
	name, link, body string
	dir              bool
}

func tarGzEntries(t *testing.T, entries []tarEntry) []byte {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, e := range entries {
		hdr := &tar.Header{Name: e.name, Mode: 0o644, Typeflag: tar.TypeReg, Size: int64(len(e.body))}
		switch {
		case e.dir:
			hdr.Typeflag, hdr.Mode, hdr.Size = tar.TypeDir, 0o755, 0
		case e.link != "":
			hdr.Typeflag, hdr.Linkname, hdr.Size = tar.TypeSymlink, e.link, 0
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if hdr.Size > 0 {
			_, err := tw.Write([]byte(e.body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func TestSymlinkChainCannotEscapeStaging(t *testing.T) {
	inst, versions, cache := setupInstaller(t)
	data := tarGzEntries(t, []tarEntry{
		{name: "sub/", dir: true},
		{name: "sub/l", link: ".."},
		{name: "sub/l/m", link: ".."},
		{name: "sub/l/m/escaped.txt", body: "boom"},
	})
	a := fetched(t, cache, "evil", "tar.gz", "", data)

	_, err := inst.Install(context.Background(), "1.0.0", []Fetched{a})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeIO, apperr.CodeOf(err))
	assert.NoFileExists(t, filepath.Join(versions, "escaped.txt"))
	assert.NoFileExists(t, filepath.Join(filepath.Dir(versions), "escaped.txt"))
	assert.NoDirExists(t, filepath.Join(versions, "1.0.0"))
}

func TestSymlinkOutsideStagingIsRejected(t *testing.T) {
	inst, _, cache := setupInstaller(t)
	for _, link := range []string{"../../outside", "/etc"} {
		data := tarGzEntries(t, []tarEntry{{name: "lib/link", link: link}})
		a := fetched(t, cache, "evil", "tar.gz", "", data)
		_, err := inst.Install(context.Background(), "1.0.0", []Fetched{a})
		assert.Equal(t, apperr.CodeIO, apperr.CodeOf(err), link)
	}
}

func TestSymlinkInsideStagingIsKept(t *testing.T) {
	inst, _, cache := setupInstaller(t)
	data := tarGzEntries(t, []tarEntry{
		{name: "lib/real.so", body: "elf"},
		{name: "lib/alias.so", link: "real.so"},
	})
	a := fetched(t, cache, "runtime", "tar.gz", "", data)

	v, err := inst.Install(context.Background(), "1.0.0", []Fetched{a})
	require.NoError(t, err)
	content, err := os.ReadFile(filepath.Join(v.Root, "lib", "alias.so"))
	require.NoError(t, err)
	assert.Equal(t, "elf", string(content))
}

func TestSweepRemovesLeftovers(t *testing.T) {
	inst, versions, _ := setupInstaller(t)
	require.NoError(t, os.MkdirAll(filepath.Join(versions, stagingPrefix+"1.0.0-123"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(versions, trashPrefix+"0.9.0-1"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(versions, "0.9.0"), 0o755))

	inst.Sweep()

	entries, err := os.ReadDir(versions)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "0.9.0", entries[0].Name())
}

func TestInvalidVersionID(t *testing.T) {
	inst, _, cache := setupInstaller(t)
	a := fetched(t, cache, "client", "", "", []byte("x"))
	for _, id := range []string{"", "../x", ".staging", "a/b"} {
		_, err := inst.Install(context.Background(), id, []Fetched{a})
		assert.Error(t, err, id)
	}
}
