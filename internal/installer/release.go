package installer

import (
	"context"
	"io"
	"net/http"
	"path"
	"strings"
)

const latestVersion = "latest"

// Asset is the release archive for one platform.
type Asset struct {
	Name   string
	Target string
	Zip    bool
}

var assets = map[string]Asset{
	"linux/amd64":   {Name: "rust-silk-x86_64-unknown-linux-gnu.tar.xz", Target: "x86_64-unknown-linux-gnu"},
	"linux/arm64":   {Name: "rust-silk-aarch64-unknown-linux-gnu.tar.xz", Target: "aarch64-unknown-linux-gnu"},
	"darwin/amd64":  {Name: "rust-silk-x86_64-apple-darwin.tar.xz", Target: "x86_64-apple-darwin"},
	"darwin/arm64":  {Name: "rust-silk-aarch64-apple-darwin.tar.xz", Target: "aarch64-apple-darwin"},
	"windows/amd64": {Name: "rust-silk-x86_64-pc-windows-msvc.zip", Target: "x86_64-pc-windows-msvc", Zip: true},
}

// AssetFor maps a GOOS/GOARCH pair to its release asset.
func AssetFor(goos, goarch string) (Asset, bool) {
	a, ok := assets[goos+"/"+goarch]
	return a, ok
}

// binaryName is the executable inside the archive.
func binaryName(goos string) string {
	if goos == "windows" {
		return "rust-silk.exe"
	}
	return "rust-silk"
}

// Release identifies what to download and where to put it.
type Release struct {
	Tag    string // version tag, or "latest" when unresolved
	Folder string // directory name under the install root
	Latest bool   // the configured version was "latest"
}

// downloadURL follows the GitHub releases layout.
func (r Release) downloadURL(baseURL, file string) string {
	if r.Tag == latestVersion {
		return baseURL + "/latest/download/" + file
	}
	return baseURL + "/download/" + r.Tag + "/" + file
}

// normalizeTag turns "0.3.1" into "v0.3.1".
func normalizeTag(v string) string {
	v = strings.TrimSpace(v)
	if v == "" || strings.EqualFold(v, latestVersion) {
		return latestVersion
	}
	if !strings.HasPrefix(v, "v") && !strings.HasPrefix(v, "V") {
		return "v" + v
	}
	return "v" + v[1:]
}

// ResolveVersion pins the configured version. "latest" is resolved by
// following the releases redirect; on failure the tag and folder stay
// "latest" and the lookup is not retried for failureBackoff.
func (in *Installer) ResolveVersion(ctx context.Context) Release {
	tag := normalizeTag(in.version)
	if tag != latestVersion {
		return Release{Tag: tag, Folder: tag}
	}

	fallback := Release{Tag: latestVersion, Folder: latestVersion, Latest: true}
	in.mu.Lock()
	cached, retryAt := in.latest, in.latestRetryAt
	in.mu.Unlock()
	if cached != "" {
		return Release{Tag: cached, Folder: cached, Latest: true}
	}
	if in.now().Before(retryAt) {
		return fallback
	}

	resolved, err := in.followLatest(ctx)
	if err != nil || resolved == "" {
		in.logger.Warn("latest release unresolved, using latest download path", "err", err)
		in.mu.Lock()
		in.latestRetryAt = in.now().Add(failureBackoff)
		in.mu.Unlock()
		return fallback
	}
	in.mu.Lock()
	in.latest = resolved
	in.mu.Unlock()
	return Release{Tag: resolved, Folder: resolved, Latest: true}
}

func (in *Installer) followLatest(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, in.baseURL+"/latest", nil)
	if err != nil {
		return "", err
	}
	resp, err := in.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 400 {
		return "", &statusError{URL: req.URL.String(), StatusCode: resp.StatusCode}
	}
	seg := path.Base(resp.Request.URL.Path)
	if seg == "" || seg == "." || seg == "/" || seg == latestVersion || seg == "releases" {
		return "", nil
	}
	return seg, nil
}
