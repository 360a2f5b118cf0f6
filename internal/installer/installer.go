// /internal/installer/installer.go
package installer

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"hrs-launcher/internal/apperr"
	"hrs-launcher/internal/fetcher"
	"hrs-launcher/internal/host"
	"hrs-launcher/internal/log"
	"hrs-launcher/internal/store"
	"hrs-launcher/internal/util"
)

const (
	stagingPrefix = ".staging-"
	trashPrefix   = ".trash-"

	// tar.gz archives carry no index, so their unpacked size is estimated.
	tarGzExpansion = 3
	verifyParallel = 4
)

// Fetched is an artifact that has been downloaded to Path.
type Fetched struct {
	Ref  fetcher.ArtifactRef
	Path string
}

// Installer turns fetched artifacts into a committed version directory.
// The only visible step is a single rename of the staging directory.
type Installer struct {
	versionsDir string
	diskMargin  int64
	freeSpace   func(path string) (uint64, error)

	// layout rearranges the placed artifacts before they are measured.
	layout func(staging string) error

	// beforeCommit runs after staging is complete and before the rename.
	beforeCommit func() error
}

// Option customizes an Installer.
type Option func(*Installer)

// WithFreeSpace replaces the free disk space lookup.
func WithFreeSpace(fn func(path string) (uint64, error)) Option {
	return func(i *Installer) { i.freeSpace = fn }
}

// WithLayout runs fn over the staging directory once every artifact is placed.
func WithLayout(fn func(staging string) error) Option {
	return func(i *Installer) { i.layout = fn }
}

func New(versionsDir string, diskMarginBytes int64, opts ...Option) *Installer {
	i := &Installer{
		versionsDir: versionsDir,
		diskMargin:  diskMarginBytes,
		freeSpace:   host.FreeDiskSpace,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Install validates artifacts, stages them and commits versionID atomically.
// Any failure before the commit leaves no trace in the versions directory.
func (i *Installer) Install(ctx context.Context, versionID string, artifacts []Fetched) (store.InstalledVersion, error) {
	if err := validVersionID(versionID); err != nil {
		return store.InstalledVersion{}, err
	}
	if len(artifacts) == 0 {
		return store.InstalledVersion{}, apperr.Newf(apperr.CodeInvalid, "version %s has no artifacts", versionID)
	}
	if err := os.MkdirAll(i.versionsDir, 0o755); err != nil {
		return store.InstalledVersion{}, apperr.Wrap(apperr.CodeIO, "create versions directory", err)
	}

	log.Log.Info("--- Installing version %s ---", versionID)
	if err := i.checkDiskSpace(artifacts); err != nil {
		return store.InstalledVersion{}, err
	}
	if err := verifyAll(ctx, artifacts); err != nil {
		return store.InstalledVersion{}, err
	}

	staging, err := os.MkdirTemp(i.versionsDir, stagingPrefix+versionID+"-")
	if err != nil {
		return store.InstalledVersion{}, apperr.Wrap(apperr.CodeIO, "create staging directory", err)
	}
	committed := false
	defer func() {
		if !committed {
			if err := os.RemoveAll(staging); err != nil {
				log.Log.Warn("Could not remove staging directory %s: %v", staging, err)
			}
		}
	}()

	components := make([]string, 0, len(artifacts))
	for _, a := range artifacts {
		if err := ctx.Err(); err != nil {
			return store.InstalledVersion{}, apperr.Wrap(apperr.CodeCancelled, "install cancelled", err)
		}
		if err := place(staging, a); err != nil {
			return store.InstalledVersion{}, err
		}
		components = append(components, a.Ref.ID)
	}

	if i.layout != nil {
		if err := i.layout(staging); err != nil {
			return store.InstalledVersion{}, err
		}
	}
	final := filepath.Join(i.versionsDir, versionID)
	if err := carryMods(final, staging); err != nil {
		return store.InstalledVersion{}, err
	}

	size, err := util.DirSize(staging)
	if err != nil {
		return store.InstalledVersion{}, apperr.Wrap(apperr.CodeIO, "measure staged version", err)
	}
	v := store.InstalledVersion{
		ID:          versionID,
		Root:        final,
		Components:  components,
		Size:        size,
		InstalledAt: time.Now().UTC(),
		Verified:    true,
	}
	if err := store.WriteManifest(staging, v); err != nil {
		return store.InstalledVersion{}, apperr.Wrap(apperr.CodeIO, "write install manifest", err)
	}
	util.SyncDir(staging)

	if i.beforeCommit != nil {
		if err := i.beforeCommit(); err != nil {
			return store.InstalledVersion{}, err
		}
	}

	if err := commit(staging, final, i.versionsDir); err != nil {
		return store.InstalledVersion{}, err
	}
	committed = true
	log.Log.Info("✅ Version %s installed to %s", versionID, final)
	return v, nil
}

// Sweep removes staging and trash directories left by an interrupted run.
func (i *Installer) Sweep() {
	entries, err := os.ReadDir(i.versionsDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() || !(strings.HasPrefix(name, stagingPrefix) || strings.HasPrefix(name, trashPrefix)) {
			continue
		}
		p := filepath.Join(i.versionsDir, name)
		log.Log.Info("Removing leftover %s", p)
		if err := os.RemoveAll(p); err != nil {
			log.Log.Warn("Could not remove %s: %v", p, err)
		}
	}
}

// carryMods copies the mods of a previous install of the same version into
// staging so a reinstall keeps them.
func carryMods(final, staging string) error {
	old := filepath.Join(final, store.ModsDirName)
	if !util.PathExists(old) {
		return nil
	}
	log.Log.Info("Keeping mods of the previous install from %s", old)
	if err := util.CopyDir(old, filepath.Join(staging, store.ModsDirName)); err != nil {
		return apperr.Wrap(apperr.CodeIO, "carry over installed mods", err).With(apperr.MetaPath, old)
	}
	return nil
}

func commit(staging, final, parent string) error {
	var trash string
	if util.PathExists(final) {
		trash = filepath.Join(parent, fmt.Sprintf("%s%s-%d", trashPrefix, filepath.Base(final), time.Now().UnixNano()))
		if err := os.Rename(final, trash); err != nil {
			return apperr.Wrap(apperr.CodeIO, "move previous install aside", err).With(apperr.MetaPath, final)
		}
	}
	if err := os.Rename(staging, final); err != nil {
		if trash != "" {
			_ = os.Rename(trash, final)
		}
		return apperr.Wrap(apperr.CodeIO, "commit version", err).With(apperr.MetaPath, final)
	}
	util.SyncDir(parent)
	if trash != "" {
		if err := os.RemoveAll(trash); err != nil {
			log.Log.Warn("Could not remove previous install %s: %v", trash, err)
		}
	}
	return nil
}

func (i *Installer) checkDiskSpace(artifacts []Fetched) error {
	var required int64
	for _, a := range artifacts {
		n, err := unpackedSize(a)
		if err != nil {
			return err
		}
		required += n
	}
	required += i.diskMargin

	free, err := i.freeSpace(i.versionsDir)
	if err != nil {
		log.Log.Warn("Could not determine free disk space, continuing: %v", err)
		return nil
	}
	if uint64(required) > free {
		return apperr.WithMetadata(apperr.CodeInsufficientDisk,
			fmt.Sprintf("need %s free, %s available", util.FormatSize(required), util.FormatSize(int64(free))),
			map[string]string{
				apperr.MetaRequired:  strconv.FormatInt(required, 10),
				apperr.MetaAvailable: strconv.FormatUint(free, 10),
				apperr.MetaPath:      i.versionsDir,
			})
	}
	return nil
}

func unpackedSize(a Fetched) (int64, error) {
	size := a.Ref.Size
	if size <= 0 {
		info, err := os.Stat(a.Path)
		if err != nil {
			return 0, apperr.Wrap(apperr.CodeIO, "stat artifact", err).With(apperr.MetaPath, a.Path)
		}
		size = info.Size()
	}
	switch a.Ref.Unpack {
	case "zip":
		zr, err := zip.OpenReader(a.Path)
		if err != nil {
			return 0, apperr.Wrap(apperr.CodeIO, "open zip archive", err).With(apperr.MetaPath, a.Path)
		}
		defer zr.Close()
		var total int64
		for _, f := range zr.File {
			total += int64(f.UncompressedSize64)
		}
		return total, nil
	case "tar.gz":
		return size * tarGzExpansion, nil
	}
	return size, nil
}

func verifyAll(ctx context.Context, artifacts []Fetched) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(verifyParallel)
	for _, a := range artifacts {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return apperr.Wrap(apperr.CodeCancelled, "install cancelled", err)
			}
			if err := fetcher.VerifyFile(a.Path, a.Ref.Checksum); err != nil {
				if e, ok := apperr.As(err); ok {
					e.With(apperr.MetaArtifact, a.Ref.ID)
				}
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

func place(staging string, a Fetched) error {
	target, err := stagePath(staging, a.Ref.TargetPath())
	if err != nil {
		return err
	}
	switch a.Ref.Unpack {
	case "zip":
		err = unzip(a.Path, target)
	case "tar.gz":
		err = untarGz(a.Path, target)
	default:
		if err = os.MkdirAll(filepath.Dir(target), 0o755); err == nil {
			err = util.CopyFile(a.Path, target)
		}
	}
	if err != nil {
		if _, ok := apperr.As(err); ok {
			return err
		}
		return apperr.Wrap(apperr.CodeIO, "stage "+a.Ref.ID, err).With(apperr.MetaArtifact, a.Ref.ID)
	}
	return nil
}

// safeJoin joins a slash-separated archive name onto root, rejecting escapes.
func safeJoin(root, name string) (string, error) {
	p := filepath.Join(root, filepath.FromSlash(name))
	if !within(root, p) {
		return "", apperr.Newf(apperr.CodeIO, "illegal path %q in artifact", name).With(apperr.MetaPath, name)
	}
	return p, nil
}

// stagePath is safeJoin that also refuses to write through a symlink that is
// already on disk below root.
func stagePath(root, name string) (string, error) {
	p, err := safeJoin(root, name)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(root, p)
	if err != nil || rel == "." {
		return p, nil
	}
	cur := root
	for _, part := range strings.Split(rel, string(os.PathSeparator)) {
		cur = filepath.Join(cur, part)
		info, err := os.Lstat(cur)
		if errors.Is(err, os.ErrNotExist) {
			return p, nil
		}
		if err != nil {
			return "", err
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return "", apperr.Newf(apperr.CodeIO, "illegal path %q in artifact: %s is a symlink", name, part).With(apperr.MetaPath, name)
		}
	}
	return p, nil
}

// linkStaysInside reports whether a symlink at target pointing to linkname
// resolves below root, following links already present on disk.
func linkStaysInside(root, target, linkname string) bool {
	if filepath.IsAbs(linkname) {
		return false
	}
	resolved := filepath.Join(filepath.Dir(target), linkname)
	if !within(root, resolved) {
		return false
	}
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return false
	}
	realParent, err := filepath.EvalSymlinks(filepath.Dir(target))
	if err != nil {
		return false
	}
	return within(realRoot, filepath.Join(realParent, linkname))
}

func within(root, p string) bool {
	return p == root || strings.HasPrefix(p, root+string(os.PathSeparator))
}

func unzip(archive, dest string) error {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return err
	}
	defer zr.Close()

	for _, f := range zr.File {
		target, err := stagePath(dest, f.Name)
		if err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		rc, err := f.Open()
		if err != nil {
			return err
		}
		err = writeFile(target, rc, f.Mode().Perm()|0o600)
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func untarGz(archive, dest string) error {
	file, err := os.Open(archive)
	if err != nil {
		return err
	}
	defer file.Close()
	gz, err := gzip.NewReader(file)
	if err != nil {
		return err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		target, err := stagePath(dest, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := writeFile(target, tr, os.FileMode(hdr.Mode).Perm()|0o600); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if !linkStaysInside(dest, target, hdr.Linkname) {
				return apperr.Newf(apperr.CodeIO, "illegal symlink %q -> %q in artifact", hdr.Name, hdr.Linkname)
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		default:
			log.Log.Debug("Skipping tar entry %s of type %c", hdr.Name, hdr.Typeflag)
		}
	}
}

func writeFile(target string, r io.Reader, perm os.FileMode) error {
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func validVersionID(id string) error {
	if id == "" || strings.HasPrefix(id, ".") || strings.ContainsAny(id, `/\:`) {
		return apperr.Newf(apperr.CodeInvalid, "invalid version id %q", id)
	}
	return nil
}
