// /internal/store/types.go
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/mod/semver"
)

// ManifestName is written inside every committed version directory.
const ManifestName = ".install.json"

// ModsDirName is the directory inside a version root that holds its mods.
const ModsDirName = "mods"

// InstalledVersion is a fully committed, verified version on disk.
type InstalledVersion struct {
	ID          string    `json:"id"`
	Root        string    `json:"root"`
	Components  []string  `json:"components"`
	Size        int64     `json:"size"`
	InstalledAt time.Time `json:"installed_at"`
	Verified    bool      `json:"verified"`
}

// Mod is an add-on installed against exactly one version.
type Mod struct {
	ID          string    `json:"id"`
	ArtifactID  string    `json:"artifact_id"`
	VersionID   string    `json:"version_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Author      string    `json:"author,omitempty"`
	Version     string    `json:"version,omitempty"`
	Path        string    `json:"path"`
	Enabled     bool      `json:"enabled"`
	InstalledAt time.Time `json:"installed_at"`
}

// ModID scopes an artifact id to the version it is installed against.
func ModID(versionID, artifactID string) string {
	return versionID + ":" + artifactID
}

// Overrides are user launch settings applied on top of computed defaults.
type Overrides struct {
	HeapMB       int      `json:"heap_mb,omitempty"`
	ExtraJVMArgs []string `json:"extra_jvm_args,omitempty"`
	JavaOptions  string   `json:"java_options,omitempty"`
	UserID       string   `json:"user_id,omitempty"`
	PlayerName   string   `json:"player_name,omitempty"`
	AuthMode     string   `json:"auth_mode,omitempty"`
}

// Record is the persisted launcher state.
type Record struct {
	Schema    int                         `json:"schema"`
	Versions  map[string]InstalledVersion `json:"versions"`
	Active    string                      `json:"active,omitempty"`
	Mods      map[string]Mod              `json:"mods"`
	Downloads map[string]int64            `json:"downloads"`
	Overrides Overrides                   `json:"overrides"`
}

const schemaVersion = 1

func emptyRecord() Record {
	return Record{
		Schema:    schemaVersion,
		Versions:  map[string]InstalledVersion{},
		Mods:      map[string]Mod{},
		Downloads: map[string]int64{},
	}
}

func (r Record) clone() Record {
	c := Record{
		Schema:    r.Schema,
		Versions:  make(map[string]InstalledVersion, len(r.Versions)),
		Active:    r.Active,
		Mods:      make(map[string]Mod, len(r.Mods)),
		Downloads: make(map[string]int64, len(r.Downloads)),
		Overrides: r.Overrides,
	}
	for k, v := range r.Versions {
		c.Versions[k] = v
	}
	for k, v := range r.Mods {
		c.Mods[k] = v
	}
	for k, v := range r.Downloads {
		c.Downloads[k] = v
	}
	return c
}

// WriteManifest records v inside its (staging) directory.
func WriteManifest(dir string, v InstalledVersion) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	f, err := os.Create(filepath.Join(dir, ManifestName))
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReadManifest loads the manifest of a committed version directory.
func ReadManifest(dir string) (InstalledVersion, error) {
	var v InstalledVersion
	data, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("parse %s: %w", ManifestName, err)
	}
	return v, nil
}

// CompareVersions orders version ids semantically, falling back to string order.
func CompareVersions(a, b string) int {
	va, vb := canonical(a), canonical(b)
	if semver.IsValid(va) && semver.IsValid(vb) {
		return semver.Compare(va, vb)
	}
	return strings.Compare(a, b)
}

func canonical(v string) string {
	if strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}
