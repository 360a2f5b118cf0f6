// /internal/fetcher/artifact.go
package fetcher

import (
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"hrs-launcher/internal/apperr"
)

// Checksum is an expected digest of an artifact.
type Checksum struct {
	Algorithm string `json:"algorithm"`
	Digest    string `json:"digest"`
}

func (c Checksum) String() string {
	return c.Algorithm + ":" + c.Digest
}

// ArtifactRef identifies one downloadable file of a version.
type ArtifactRef struct {
	ID       string   `json:"id"`
	Version  string   `json:"version"`
	URL      string   `json:"url"`
	Size     int64    `json:"size,omitempty"`
	Checksum Checksum `json:"checksum"`
	// Path is the destination inside the install root. Defaults to the URL
	// file name, or the root itself for archives.
	Path string `json:"path,omitempty"`
	// Unpack is "", "zip" or "tar.gz".
	Unpack string `json:"unpack,omitempty"`
	// Platform restricts the artifact to an "os/arch" pair, or a whole "os", when set.
	Platform string `json:"platform,omitempty"`
}

// FileName is the name the artifact is cached under.
func (r ArtifactRef) FileName() string {
	if u, err := url.Parse(r.URL); err == nil {
		if base := path.Base(u.Path); base != "" && base != "." && base != "/" {
			return r.ID + "-" + base
		}
	}
	return r.ID
}

// TargetPath is the slash-separated destination inside the install root.
func (r ArtifactRef) TargetPath() string {
	if r.Path != "" {
		return r.Path
	}
	if r.Unpack != "" {
		return "."
	}
	if u, err := url.Parse(r.URL); err == nil {
		if base := path.Base(u.Path); base != "" && base != "." && base != "/" {
			return base
		}
	}
	return r.ID
}

// Validate reports malformed references before any network traffic happens.
func (r ArtifactRef) Validate() error {
	if r.ID == "" || strings.ContainsAny(r.ID, `/\`) {
		return apperr.Newf(apperr.CodeInvalid, "invalid artifact id %q", r.ID)
	}
	if r.URL == "" {
		return apperr.Newf(apperr.CodeInvalid, "artifact %s has no url", r.ID)
	}
	if _, err := newHash(r.Checksum.Algorithm); err != nil {
		return err
	}
	if r.Checksum.Digest == "" {
		return apperr.Newf(apperr.CodeInvalid, "artifact %s has no checksum", r.ID)
	}
	switch r.Unpack {
	case "", "zip", "tar.gz":
	default:
		return apperr.Newf(apperr.CodeInvalid, "artifact %s: unsupported unpack format %q", r.ID, r.Unpack)
	}
	return nil
}

func newHash(algorithm string) (hash.Hash, error) {
	switch strings.ToLower(algorithm) {
	case "sha256":
		return sha256.New(), nil
	case "sha1":
		return sha1.New(), nil
	}
	return nil, apperr.Newf(apperr.CodeInvalid, "unsupported checksum algorithm %q", algorithm)
}

// HashFile computes the digest of the file at filePath.
func HashFile(filePath, algorithm string) (string, error) {
	h, err := newHash(algorithm)
	if err != nil {
		return "", err
	}
	file, err := os.Open(filePath)
	if err != nil {
		return "", apperr.Wrap(apperr.CodeIO, "open for checksum", err).With(apperr.MetaPath, filePath)
	}
	defer file.Close()

	if _, err := io.Copy(h, file); err != nil {
		return "", apperr.Wrap(apperr.CodeIO, "read for checksum", err).With(apperr.MetaPath, filePath)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyFile checks the file at filePath against sum.
func VerifyFile(filePath string, sum Checksum) error {
	actual, err := HashFile(filePath, sum.Algorithm)
	if err != nil {
		return err
	}
	if !strings.EqualFold(actual, sum.Digest) {
		return apperr.WithMetadata(apperr.CodeChecksumMismatch,
			fmt.Sprintf("checksum mismatch for %s", filepath.Base(filePath)),
			map[string]string{"expected": sum.Digest, "actual": actual, apperr.MetaPath: filePath})
	}
	return nil
}
