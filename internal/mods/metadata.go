// /internal/mods/metadata.go
package mods

import (
	"archive/zip"
	"encoding/json"
	"io"
	"path/filepath"
	"strings"
)

// Metadata is display information a mod carries about itself.
type Metadata struct {
	Name        string
	Version     string
	Description string
	Authors     []string
}

type modJSON struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Version     string          `json:"version"`
	Description string          `json:"description"`
	Authors     json.RawMessage `json:"authors"`
}

// metadataFiles are checked in order inside jar and zip mods.
var metadataFiles = []string{"manifest.json", "fabric.mod.json"}

const maxMetadataBytes = 1 << 20

// readMetadata extracts display metadata from a jar or zip mod. Mods
// without readable metadata yield a zero Metadata.
func readMetadata(filePath string) Metadata {
	ext := strings.ToLower(filepath.Ext(filePath))
	if ext != ".jar" && ext != ".zip" {
		return Metadata{}
	}
	reader, err := zip.OpenReader(filePath)
	if err != nil {
		return Metadata{}
	}
	defer reader.Close()

	for _, want := range metadataFiles {
		for _, file := range reader.File {
			if file.Name != want {
				continue
			}
			f, err := file.Open()
			if err != nil {
				return Metadata{}
			}
			content, err := io.ReadAll(io.LimitReader(f, maxMetadataBytes))
			f.Close()
			if err != nil {
				return Metadata{}
			}
			var mj modJSON
			if err := json.Unmarshal(content, &mj); err != nil {
				continue
			}
			return Metadata{
				Name:        strings.TrimSpace(mj.Name),
				Version:     strings.TrimSpace(mj.Version),
				Description: strings.TrimSpace(mj.Description),
				Authors:     parseAuthors(mj.Authors),
			}
		}
	}
	return Metadata{}
}

// parseAuthors accepts ["a", "b"] and [{"name": "a"}].
func parseAuthors(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var names []string
	if err := json.Unmarshal(raw, &names); err == nil {
		return names
	}
	var objs []struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &objs); err != nil {
		return nil
	}
	for _, o := range objs {
		if o.Name != "" {
			names = append(names, o.Name)
		}
	}
	return names
}
