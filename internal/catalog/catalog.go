// /internal/catalog/catalog.go
package catalog

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/mod/semver"

	"hrs-launcher/internal/apperr"
	"hrs-launcher/internal/fetcher"
	"hrs-launcher/internal/log"
	"hrs-launcher/internal/store"
)

// Document is the remote catalog of game versions.
type Document struct {
	LauncherVersion string    `json:"launcher_version"`
	Latest          string    `json:"latest"`
	Versions        []Version `json:"versions"`

	// Runtime lists sources of the shared Java runtime, in order of preference.
	Runtime []fetcher.ArtifactRef `json:"runtime,omitempty"`
}

// Version lists the artifacts making up one game version, plus the mods
// published for it.
type Version struct {
	ID        string                `json:"id"`
	Artifacts []fetcher.ArtifactRef `json:"artifacts"`
	Mods      []fetcher.ArtifactRef `json:"mods,omitempty"`
}

// LatestID returns the newest version id in the document.
func (d *Document) LatestID() string {
	if d.Latest != "" {
		return d.Latest
	}
	var latest string
	for _, v := range d.Versions {
		if latest == "" || store.CompareVersions(v.ID, latest) > 0 {
			latest = v.ID
		}
	}
	return latest
}

func (d *Document) find(id string) (Version, bool) {
	if id == "" || id == "latest" {
		id = d.LatestID()
	}
	for _, v := range d.Versions {
		if v.ID == id {
			return v, true
		}
	}
	return Version{}, false
}

const defaultTTL = 5 * time.Minute

// Client fetches and caches the catalog document.
type Client struct {
	url    string
	http   *resty.Client
	ttl    time.Duration
	mu     sync.Mutex
	doc    *Document
	loaded time.Time
}

func New(url string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		url:  url,
		http: resty.New().SetTimeout(timeout).SetHeader("User-Agent", "hrs-launcher"),
		ttl:  defaultTTL,
	}
}

func (c *Client) URL() string {
	return c.url
}

// Document returns the catalog, refetching it once the cached copy is stale.
func (c *Client) Document(ctx context.Context) (*Document, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.doc != nil && time.Since(c.loaded) < c.ttl {
		return c.doc, nil
	}

	log.Log.Debug("Fetching version catalog from %s", c.url)
	var doc Document
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&doc).
		ForceContentType("application/json").
		Get(c.url)
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperr.Wrap(apperr.CodeCancelled, "catalog request cancelled", ctx.Err())
		}
		return nil, apperr.Wrap(apperr.CodeNetwork, "fetch version catalog", err)
	}
	if resp.IsError() {
		code := apperr.CodeHTTPStatus
		if resp.StatusCode() >= 500 || resp.StatusCode() == http.StatusTooManyRequests {
			code = apperr.CodeNetwork
		}
		return nil, apperr.Newf(code, "version catalog returned %s", resp.Status()).
			With(apperr.MetaStatus, strconv.Itoa(resp.StatusCode()))
	}
	if len(doc.Versions) == 0 {
		return nil, apperr.New(apperr.CodeHTTPStatus, "version catalog lists no versions")
	}
	c.doc = &doc
	c.loaded = time.Now()
	return c.doc, nil
}

// Resolve returns the version with its artifacts filtered to platform
// ("os/arch"). An empty id or "latest" selects the newest version.
func (c *Client) Resolve(ctx context.Context, versionID, platform string) (Version, error) {
	doc, err := c.Document(ctx)
	if err != nil {
		return Version{}, err
	}
	v, ok := doc.find(versionID)
	if !ok {
		return Version{}, apperr.Newf(apperr.CodeNotFound, "version %s is not in the catalog", versionID).
			With(apperr.MetaVersion, versionID)
	}
	out := Version{ID: v.ID}
	for _, ref := range v.Artifacts {
		if !matchesPlatform(ref.Platform, platform) {
			continue
		}
		if err := ref.Validate(); err != nil {
			return Version{}, fmt.Errorf("catalog entry for %s: %w", v.ID, err)
		}
		out.Artifacts = append(out.Artifacts, ref)
	}
	if len(out.Artifacts) == 0 {
		return Version{}, apperr.Newf(apperr.CodeNotFound, "version %s has no artifacts for %s", v.ID, platform).
			With(apperr.MetaVersion, v.ID)
	}
	for _, ref := range v.Mods {
		if matchesPlatform(ref.Platform, platform) {
			out.Mods = append(out.Mods, ref)
		}
	}
	return out, nil
}

// ResolveMod looks up a mod published for versionID.
func (c *Client) ResolveMod(ctx context.Context, versionID, modID string) (fetcher.ArtifactRef, error) {
	doc, err := c.Document(ctx)
	if err != nil {
		return fetcher.ArtifactRef{}, err
	}
	if v, ok := doc.find(versionID); ok {
		for _, ref := range v.Mods {
			if ref.ID == modID {
				return ref, ref.Validate()
			}
		}
	}
	return fetcher.ArtifactRef{}, apperr.Newf(apperr.CodeNotFound, "mod %s is not published for version %s", modID, versionID).
		With(apperr.MetaArtifact, modID)
}

// AvailableMods lists the mods published for versionID that run on platform.
func (c *Client) AvailableMods(ctx context.Context, versionID, platform string) ([]fetcher.ArtifactRef, error) {
	doc, err := c.Document(ctx)
	if err != nil {
		return nil, err
	}
	v, ok := doc.find(versionID)
	if !ok {
		return nil, apperr.Newf(apperr.CodeNotFound, "version %s is not in the catalog", versionID).
			With(apperr.MetaVersion, versionID)
	}
	out := []fetcher.ArtifactRef{}
	for _, ref := range v.Mods {
		if !matchesPlatform(ref.Platform, platform) {
			continue
		}
		if err := ref.Validate(); err != nil {
			log.Log.Warn("Skipping catalog mod %s of %s: %v", ref.ID, v.ID, err)
			continue
		}
		out = append(out, ref)
	}
	return out, nil
}

// ResolveRuntime returns the runtime sources for platform. The list is empty
// when the catalog publishes none.
func (c *Client) ResolveRuntime(ctx context.Context, platform string) ([]fetcher.ArtifactRef, error) {
	doc, err := c.Document(ctx)
	if err != nil {
		return nil, err
	}
	var out []fetcher.ArtifactRef
	for _, ref := range doc.Runtime {
		if !matchesPlatform(ref.Platform, platform) {
			continue
		}
		if err := ref.Validate(); err != nil {
			return nil, fmt.Errorf("catalog runtime entry: %w", err)
		}
		out = append(out, ref)
	}
	return out, nil
}

// CheckUpdate reports the catalog's launcher version and whether it is newer than current.
func (c *Client) CheckUpdate(ctx context.Context, current string) (string, bool, error) {
	doc, err := c.Document(ctx)
	if err != nil {
		return "", false, err
	}
	return doc.LauncherVersion, UpdateAvailable(current, doc.LauncherVersion), nil
}

// UpdateAvailable compares launcher versions. Non-semver builds such as
// "dev" never report an update.
func UpdateAvailable(current, latest string) bool {
	cur, lat := canonical(current), canonical(latest)
	if !semver.IsValid(cur) || !semver.IsValid(lat) {
		return false
	}
	return semver.Compare(lat, cur) > 0
}

func canonical(v string) string {
	if v == "" || strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}

func matchesPlatform(want, have string) bool {
	if want == "" || want == have {
		return true
	}
	goos, _, _ := strings.Cut(have, "/")
	return want == goos
}
