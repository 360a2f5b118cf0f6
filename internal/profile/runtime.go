// /internal/profile/runtime.go
package profile

import (
	"os"
	"path/filepath"

	"hrs-launcher/internal/apperr"
	"hrs-launcher/internal/log"
	"hrs-launcher/internal/util"
)

// RuntimeID is the install id, and directory name, of the shared Java runtime.
const RuntimeID = "jre"

// RuntimeJava locates java inside a shared runtime directory.
func RuntimeJava(dir, goos string) string {
	if goos == "windows" {
		return filepath.Join(dir, "bin", "java.exe")
	}
	return filepath.Join(dir, "bin", "java")
}

// NormalizeRuntime flattens an unpacked runtime so java ends up at
// dir/bin/java. Vendor archives wrap the runtime in a single top-level
// directory, and macOS builds add Contents/Home below it.
func NormalizeRuntime(dir, goos string) error {
	if util.PathExists(RuntimeJava(dir, goos)) {
		return nil
	}
	home := ""
	for _, c := range runtimeHomes(dir) {
		if util.PathExists(RuntimeJava(c, goos)) {
			home = c
			break
		}
	}
	if home == "" {
		return apperr.Newf(apperr.CodeMissingComponent, "runtime archive has no %s", filepath.Base(RuntimeJava(dir, goos))).
			With(apperr.MetaPath, dir)
	}

	log.Log.Debug("Moving runtime up from %s", home)
	top, err := os.MkdirTemp(dir, ".hoist-")
	if err != nil {
		return apperr.Wrap(apperr.CodeIO, "normalize runtime layout", err)
	}
	defer os.RemoveAll(top)
	held := filepath.Join(top, "home")
	if err := os.Rename(home, held); err != nil {
		return apperr.Wrap(apperr.CodeIO, "normalize runtime layout", err).With(apperr.MetaPath, home)
	}
	entries, err := os.ReadDir(held)
	if err != nil {
		return apperr.Wrap(apperr.CodeIO, "normalize runtime layout", err).With(apperr.MetaPath, held)
	}
	for _, e := range entries {
		dst := filepath.Join(dir, e.Name())
		if util.PathExists(dst) {
			if err := os.RemoveAll(dst); err != nil {
				return apperr.Wrap(apperr.CodeIO, "normalize runtime layout", err).With(apperr.MetaPath, dst)
			}
		}
		if err := os.Rename(filepath.Join(held, e.Name()), dst); err != nil {
			return apperr.Wrap(apperr.CodeIO, "normalize runtime layout", err).With(apperr.MetaPath, dst)
		}
	}
	return nil
}

func runtimeHomes(dir string) []string {
	homes := []string{filepath.Join(dir, "Contents", "Home")}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return homes
	}
	var subdirs []string
	for _, e := range entries {
		if e.IsDir() && e.Name()[0] != '.' {
			subdirs = append(subdirs, e.Name())
		}
	}
	if len(subdirs) == 1 {
		sub := filepath.Join(dir, subdirs[0])
		homes = append(homes, sub, filepath.Join(sub, "Contents", "Home"))
	}
	return homes
}
