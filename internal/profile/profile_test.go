package profile

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hrs-launcher/internal/apperr"
	"hrs-launcher/internal/host"
	"hrs-launcher/internal/store"
)

var testSettings = Settings{
	MinHeapMB: 1024,
	MaxHeapMB: 8192,
	WorkDir:   "/data",
	UserDir:   "/data/UserData",
	ModsDir:   "/data/UserData/Mods",
	CrashDir:  "/data/crashes",
}

func allExist(string) error { return nil }

func newTestBuilder(opts ...Option) *Builder {
	base := []Option{WithStat(allExist), WithEnviron([]string{"PATH=/usr/bin", "HOME=/home/p"})}
	return NewBuilder(testSettings, append(base, opts...)...)
}

func version() store.InstalledVersion {
	return store.InstalledVersion{ID: "1.0.0", Root: "/data/versions/1.0.0"}
}

func hostOf(cores int, gib uint64) host.Facts {
	return host.Facts{Cores: cores, MemoryBytes: gib * host.GiB, OS: "linux", Arch: "amd64"}
}

func TestSmallHostGetsSerialCollectorAndMinimumHeap(t *testing.T) {
	p, err := newTestBuilder().Build(version(), hostOf(2, 4), store.Overrides{})
	require.NoError(t, err)

	assert.Equal(t, CollectorSerial, p.Collector)
	assert.Equal(t, testSettings.MinHeapMB, p.HeapMB)
	assert.Contains(t, p.JVMFlags, "-XX:+UseSerialGC")
	assert.Contains(t, p.JVMFlags, "-Xmx1024m")
}

func TestLargeHostGetsG1AndHigherCap(t *testing.T) {
	p, err := newTestBuilder().Build(version(), hostOf(16, 32), store.Overrides{})
	require.NoError(t, err)

	assert.Equal(t, CollectorG1, p.Collector)
	assert.Equal(t, 8192, p.HeapMB)
	assert.Contains(t, p.JVMFlags, "-XX:+UseG1GC")
	assert.Contains(t, p.JVMFlags, "-XX:ActiveProcessorCount=16")

	small, err := newTestBuilder().Build(version(), hostOf(2, 4), store.Overrides{})
	require.NoError(t, err)
	assert.Greater(t, p.HeapMB, small.HeapMB)
}

func TestBuildIsDeterministic(t *testing.T) {
	b := newTestBuilder()
	o := store.Overrides{ExtraJVMArgs: []string{"-Dfoo=bar"}, PlayerName: "Alex"}
	first, err := b.Build(version(), hostOf(6, 12), o)
	require.NoError(t, err)
	second, err := b.Build(version(), hostOf(6, 12), o)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestHeapOverrideReplacesComputedHeap(t *testing.T) {
	p, err := newTestBuilder().Build(version(), hostOf(16, 32), store.Overrides{HeapMB: 3000})
	require.NoError(t, err)
	assert.Equal(t, 3000, p.HeapMB)
	assert.Contains(t, p.JVMFlags, "-Xmx3000m")
}

func TestTableCoversEveryBucket(t *testing.T) {
	for _, cores := range []int{1, 2, 3, 7, 8, 64} {
		for _, gib := range []uint64{1, 5, 6, 16, 17, 128} {
			tu := lookup(hostOf(cores, gib))
			assert.NotEmpty(t, tu.collector, "cores=%d mem=%d", cores, gib)
			h := heapMB(gib*host.GiB, tu, testSettings)
			assert.GreaterOrEqual(t, h, testSettings.MinHeapMB)
			assert.LessOrEqual(t, h, max(testSettings.MinHeapMB, tu.heapCapMB))
		}
	}
}

func TestArgsEnvAndIdentity(t *testing.T) {
	b := newTestBuilder(WithEnviron([]string{"LD_LIBRARY_PATH=/opt/lib", "JDK_JAVA_OPTIONS=-XX:+UseZGC"}))
	p, err := b.Build(version(), hostOf(4, 8), store.Overrides{PlayerName: "Alex"})
	require.NoError(t, err)

	assert.Equal(t, filepath.Join("/data/versions/1.0.0", "Client", "HytaleClient"), p.Executable)
	assert.Equal(t, filepath.Join("/data/versions/1.0.0", "jre", "bin", "java"), p.JavaPath)
	assert.Equal(t, []string{
		"--app-dir", "/data/versions/1.0.0",
		"--user-dir", "/data/UserData",
		"--java-exec", p.JavaPath,
		"--auth-mode", "offline",
		"--uuid", PlayerUUID("Alex", ""),
		"--name", "Alex",
	}, p.Args)

	// A user-chosen collector wins over the computed one.
	assert.Equal(t, "-XX:+UseZGC", p.JVMFlags[0])
	assert.NotContains(t, p.JVMFlags, "-XX:+UseParallelGC")

	assert.Contains(t, p.Env, "LD_LIBRARY_PATH="+filepath.Join("/data/versions/1.0.0", "Client")+string(os.PathListSeparator)+"/opt/lib")
	assert.True(t, strings.HasPrefix(p.Env[1], "LD_LIBRARY_PATH="))
	assert.Contains(t, p.Env, "JDK_JAVA_OPTIONS="+strings.Join(p.JVMFlags, " "))
}

func TestPlayerUUID(t *testing.T) {
	assert.Equal(t, PlayerUUID("Alex", ""), PlayerUUID("alex", ""))
	assert.NotEqual(t, PlayerUUID("Alex", ""), PlayerUUID("Sam", ""))
	assert.Equal(t, "6ba7b810-9dad-11d1-80b4-00c04fd430c8", PlayerUUID("x", "6ba7b810-9dad-11d1-80b4-00c04fd430c8"))
}

func TestMissingComponent(t *testing.T) {
	java := JavaPath("/data/versions/1.0.0", "linux")
	b := newTestBuilder(WithStat(func(p string) error {
		if p == java {
			return fs.ErrNotExist
		}
		return nil
	}))

	_, err := b.Build(version(), hostOf(4, 8), store.Overrides{})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeMissingComponent, apperr.CodeOf(err))
	assert.Equal(t, apperr.KindResource, apperr.KindOf(err))
	assert.True(t, errors.Is(err, fs.ErrNotExist))

	e, _ := apperr.As(err)
	assert.Equal(t, java, e.Metadata[apperr.MetaPath])
}

func TestSharedRuntimeBacksUpBundledJava(t *testing.T) {
	bundled := JavaPath("/data/versions/1.0.0", "linux")
	settings := testSettings
	settings.RuntimeDir = "/data/jre"
	b := NewBuilder(settings, WithEnviron(nil), WithStat(func(p string) error {
		if p == bundled {
			return fs.ErrNotExist
		}
		return nil
	}))

	p, err := b.Build(version(), hostOf(4, 8), store.Overrides{})
	require.NoError(t, err)
	assert.Equal(t, "/data/jre/bin/java", filepath.ToSlash(p.JavaPath))
	assert.Contains(t, p.Args, p.JavaPath)

	settings.JavaPath = "/opt/java/bin/java"
	p, err = NewBuilder(settings, WithEnviron(nil), WithStat(allExist)).Build(version(), hostOf(4, 8), store.Overrides{})
	require.NoError(t, err)
	assert.Equal(t, "/opt/java/bin/java", p.JavaPath)
}

func TestNormalizeRuntime(t *testing.T) {
	write := func(p string) {
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\n"), 0o755))
	}

	t.Run("single top-level directory", func(t *testing.T) {
		dir := t.TempDir()
		write(filepath.Join(dir, "jdk-25.0.1+8-jre", "bin", "java"))
		write(filepath.Join(dir, "jdk-25.0.1+8-jre", "lib", "modules"))
		require.NoError(t, NormalizeRuntime(dir, "linux"))
		assert.FileExists(t, RuntimeJava(dir, "linux"))
		assert.FileExists(t, filepath.Join(dir, "lib", "modules"))
		assert.NoDirExists(t, filepath.Join(dir, "jdk-25.0.1+8-jre"))
	})

	t.Run("macOS bundle", func(t *testing.T) {
		dir := t.TempDir()
		write(filepath.Join(dir, "jdk-25-jre", "Contents", "Home", "bin", "java"))
		require.NoError(t, NormalizeRuntime(dir, "darwin"))
		assert.FileExists(t, RuntimeJava(dir, "darwin"))
	})

	t.Run("already flat", func(t *testing.T) {
		dir := t.TempDir()
		write(RuntimeJava(dir, "linux"))
		require.NoError(t, NormalizeRuntime(dir, "linux"))
		assert.FileExists(t, RuntimeJava(dir, "linux"))
	})

	t.Run("no java", func(t *testing.T) {
		dir := t.TempDir()
		write(filepath.Join(dir, "README"))
		err := NormalizeRuntime(dir, "linux")
		assert.Equal(t, apperr.CodeMissingComponent, apperr.CodeOf(err))
	})
}

func TestMergeJavaOptions(t *testing.T) {
	got := MergeJavaOptions("-Xmx4g -XX:+UseG1GC", []string{"-Xms1g", "-Xmx2g", "-XX:+UseSerialGC", "-XX:ActiveProcessorCount=4"})
	assert.Equal(t, []string{"-Xmx4g", "-XX:+UseG1GC", "-Xms1g", "-XX:ActiveProcessorCount=4"}, got)
	assert.Equal(t, []string{"-Xmx2g"}, MergeJavaOptions("", []string{"-Xmx2g"}))
}
