// /internal/config/config.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/pflag"
)

// DefaultCatalogURL serves the release manifest of installable versions.
const DefaultCatalogURL = "https://raw.githubusercontent.com/RustedBytes/hrs-launcher/main/catalog.json"

// Config holds all application settings. Values come from HRS_* environment
// variables first; command-line flags bound with BindFlags override them.
type Config struct {
	DataDir    string `env:"HRS_DATA_DIR"`
	CatalogURL string `env:"HRS_CATALOG_URL" envDefault:"https://raw.githubusercontent.com/RustedBytes/hrs-launcher/main/catalog.json"`
	LogLevel   string `env:"HRS_LOG_LEVEL" envDefault:"warn"`

	DownloadRetries  int           `env:"HRS_DOWNLOAD_RETRIES" envDefault:"3"`
	ConnectTimeout   time.Duration `env:"HRS_CONNECT_TIMEOUT" envDefault:"15s"`
	StallTimeout     time.Duration `env:"HRS_STALL_TIMEOUT" envDefault:"30s"`
	ProgressInterval time.Duration `env:"HRS_PROGRESS_INTERVAL" envDefault:"200ms"`
	DiskMarginMB     int64         `env:"HRS_DISK_MARGIN_MB" envDefault:"512"`

	MinHeapMB  int    `env:"HRS_MIN_HEAP_MB" envDefault:"1024"`
	MaxHeapMB  int    `env:"HRS_MAX_HEAP_MB" envDefault:"8192"`
	JavaPath   string `env:"HRS_JAVA_PATH"`
	PlayerName string `env:"HRS_PLAYER_NAME" envDefault:"Player"`
	AuthMode   string `env:"HRS_AUTH_MODE" envDefault:"offline"`

	GracePeriod     time.Duration `env:"HRS_GRACE_PERIOD" envDefault:"10s"`
	OutputTailLines int           `env:"HRS_OUTPUT_TAIL_LINES" envDefault:"500"`

	BackupKeep int `env:"HRS_BACKUP_KEEP" envDefault:"5"`

	APIAddr string `env:"HRS_API_ADDR" envDefault:"127.0.0.1:7878"`
}

// Load reads the environment into a Config.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// BindFlags registers persistent flags whose defaults are the values already loaded.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.DataDir, "data-dir", c.DataDir, "Launcher data directory. Defaults to the platform application data dir.")
	fs.StringVar(&c.CatalogURL, "catalog-url", c.CatalogURL, "URL of the version catalog.")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Set logging verbosity. Options: debug, info, warn, error, quiet.")
	fs.IntVar(&c.DownloadRetries, "download-retries", c.DownloadRetries, "Times to retry a download after a network failure.")
	fs.StringVar(&c.JavaPath, "java", c.JavaPath, "Java executable to use instead of the bundled runtime.")
	fs.StringVar(&c.PlayerName, "name", c.PlayerName, "Player name passed to the client.")
	fs.StringVar(&c.AuthMode, "auth-mode", c.AuthMode, "Authentication mode passed to the client.")
}

// Finalize resolves derived defaults and validates the configuration.
func (c *Config) Finalize() error {
	if c.DataDir == "" {
		dir, err := DefaultDataDir()
		if err != nil {
			return err
		}
		c.DataDir = dir
	}
	c.LogLevel = strings.ToLower(c.LogLevel)
	if c.MinHeapMB <= 0 || c.MaxHeapMB < c.MinHeapMB {
		return fmt.Errorf("invalid heap bounds: min %d MB, max %d MB", c.MinHeapMB, c.MaxHeapMB)
	}
	if c.DownloadRetries < 0 {
		return fmt.Errorf("download retries must not be negative, got %d", c.DownloadRetries)
	}
	if c.BackupKeep <= 0 {
		c.BackupKeep = 5
	}
	if c.OutputTailLines <= 0 {
		c.OutputTailLines = 500
	}
	return nil
}

// DefaultDataDir returns the per-user application directory.
func DefaultDataDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine user home directory: %w", err)
	}
	switch runtime.GOOS {
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "hrs-launcher"), nil
		}
		return filepath.Join(homeDir, "AppData", "Roaming", "hrs-launcher"), nil
	case "darwin":
		return filepath.Join(homeDir, "Library", "Application Support", "hrs-launcher"), nil
	default:
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			return filepath.Join(xdg, "hrs-launcher"), nil
		}
		return filepath.Join(homeDir, ".local", "share", "hrs-launcher"), nil
	}
}

func (c *Config) VersionsDir() string { return filepath.Join(c.DataDir, "versions") }
func (c *Config) CacheDir() string    { return filepath.Join(c.DataDir, "cache") }
func (c *Config) LogsDir() string     { return filepath.Join(c.DataDir, "logs") }
func (c *Config) CrashDir() string    { return filepath.Join(c.DataDir, "crashes") }
func (c *Config) UserDir() string     { return filepath.Join(c.DataDir, "UserData") }
func (c *Config) ModsDir() string     { return filepath.Join(c.UserDir(), "Mods") }
func (c *Config) BackupsDir() string  { return filepath.Join(c.DataDir, "backups") }
func (c *Config) RuntimeDir() string  { return filepath.Join(c.DataDir, "jre") }
func (c *Config) StatePath() string   { return filepath.Join(c.DataDir, "state.json") }

// EnsureDirs creates the data directory layout.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.VersionsDir(), c.CacheDir(), c.LogsDir(), c.CrashDir(), c.ModsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("could not create %s: %w", dir, err)
		}
	}
	return nil
}
