package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.DownloadRetries)
	assert.Equal(t, 200*time.Millisecond, cfg.ProgressInterval)
	assert.Equal(t, 1024, cfg.MinHeapMB)
	assert.Equal(t, "offline", cfg.AuthMode)
	assert.Equal(t, DefaultCatalogURL, cfg.CatalogURL)
	assert.Equal(t, 5, cfg.BackupKeep)
}

func TestEnvThenFlagsOverride(t *testing.T) {
	t.Setenv("HRS_DOWNLOAD_RETRIES", "7")
	t.Setenv("HRS_LOG_LEVEL", "info")
	t.Setenv("HRS_STALL_TIMEOUT", "5s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.DownloadRetries)
	assert.Equal(t, 5*time.Second, cfg.StallTimeout)

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	cfg.BindFlags(fs)
	require.NoError(t, fs.Parse([]string{"--log-level", "DEBUG", "--data-dir", "/tmp/hrs"}))
	require.NoError(t, cfg.Finalize())

	assert.Equal(t, 7, cfg.DownloadRetries)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, filepath.Join("/tmp/hrs", "versions"), cfg.VersionsDir())
}

func TestFinalizeRejectsBadHeapBounds(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	cfg.DataDir = t.TempDir()
	cfg.MaxHeapMB = 512

	assert.Error(t, cfg.Finalize())
}

func TestEnsureDirs(t *testing.T) {
	cfg := &Config{DataDir: t.TempDir()}
	require.NoError(t, cfg.EnsureDirs())
	assert.DirExists(t, cfg.ModsDir())
	assert.DirExists(t, cfg.VersionsDir())
}
