// Package installer downloads, verifies and caches the rust-silk codec
// binary for the running platform.
package installer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/singleflight"

	"gewebridge/internal/httpx"
	"gewebridge/internal/media"
	"gewebridge/internal/metrics"
)

const (
	markerFile        = "install.json"
	lockFile          = ".lock"
	defaultTimeout    = 120 * time.Second
	extractTimeout    = 60 * time.Second
	maxArchiveBytes   = 200 << 20
	maxChecksumsBytes = 1 << 20
	// failureBackoff is how long a failed install or latest lookup is
	// remembered before the network is tried again.
	failureBackoff = 5 * time.Minute
)

var (
	ErrUnsupportedPlatform = errors.New("no rust-silk build for this platform")
	ErrNotInstalled        = errors.New("rust-silk not installed and auto install disabled")
	ErrChecksumMissing     = errors.New("no checksum available for release asset")
	ErrChecksumMismatch    = errors.New("release asset checksum mismatch")
	ErrBinaryNotFound      = errors.New("rust-silk binary not found in archive")
)

type failure struct {
	err   error
	until time.Time
}

type statusError struct {
	URL        string
	StatusCode int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("GET %s: HTTP %d", e.URL, e.StatusCode)
}

// Install is the marker persisted beside an installed binary.
type Install struct {
	VersionTag    string    `json:"versionTag"`
	InstallFolder string    `json:"installFolder"`
	BinaryPath    string    `json:"binaryPath"`
	AssetName     string    `json:"assetName"`
	InstalledAt   time.Time `json:"installedAt"`
}

type Config struct {
	AutoInstall bool
	BinaryPath  string // use this binary and never download
	Version     string
	BaseURL     string
	InstallDir  string
	SHA256      string
	SkipVerify  bool
	Timeout     time.Duration
	GOOS        string // defaults to runtime.GOOS
	GOARCH      string // defaults to runtime.GOARCH
	HTTPClient  *http.Client
	Runner      media.Runner // for the fallback extractors
	Logger      *slog.Logger
}

// Installer resolves the codec binary path, installing it on first use.
// Concurrent calls for the same release share one download.
type Installer struct {
	autoInstall bool
	binaryPath  string
	version     string
	baseURL     string
	installDir  string
	sha256      string
	skipVerify  bool
	timeout     time.Duration
	goos        string
	goarch      string
	client      *http.Client
	runner      media.Runner
	logger      *slog.Logger

	group         singleflight.Group
	mu            sync.Mutex
	done          map[string]string // install key -> binary path
	failed        map[string]failure
	latest        string
	latestRetryAt time.Time

	installMu sync.Mutex
	now       func() time.Time
}

func New(cfg Config) *Installer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.GOOS == "" {
		cfg.GOOS = runtime.GOOS
	}
	if cfg.GOARCH == "" {
		cfg.GOARCH = runtime.GOARCH
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = httpx.SharedClient(cfg.Timeout)
	}
	if cfg.Runner == nil {
		cfg.Runner = media.ExecRunner{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Installer{
		autoInstall: cfg.AutoInstall,
		binaryPath:  cfg.BinaryPath,
		version:     cfg.Version,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		installDir:  cfg.InstallDir,
		sha256:      strings.ToLower(strings.TrimSpace(cfg.SHA256)),
		skipVerify:  cfg.SkipVerify,
		timeout:     cfg.Timeout,
		goos:        cfg.GOOS,
		goarch:      cfg.GOARCH,
		client:      cfg.HTTPClient,
		runner:      cfg.Runner,
		logger:      cfg.Logger.With("component", "installer"),
		done:        make(map[string]string),
		failed:      make(map[string]failure),
		now:         time.Now,
	}
}

// Resolve returns the codec binary path, or "" when it is unavailable.
// Failures are logged, never returned.
func (in *Installer) Resolve(ctx context.Context) string {
	inst, err := in.Install(ctx)
	if err != nil {
		if !errors.Is(err, ErrUnsupportedPlatform) {
			in.logger.Warn("rust-silk unavailable", "err", err)
		}
		return ""
	}
	return inst.BinaryPath
}

// Install makes sure the configured release is present and returns its
// marker.
func (in *Installer) Install(ctx context.Context) (Install, error) {
	if in.binaryPath != "" {
		if _, err := os.Stat(in.binaryPath); err != nil {
			return Install{}, fmt.Errorf("configured codec binary: %w", err)
		}
		return Install{BinaryPath: in.binaryPath}, nil
	}
	asset, ok := AssetFor(in.goos, in.goarch)
	if !ok {
		return Install{}, fmt.Errorf("%w: %s/%s", ErrUnsupportedPlatform, in.goos, in.goarch)
	}

	rel := in.ResolveVersion(ctx)
	key := strings.Join([]string{in.baseURL, rel.Tag, rel.Folder, asset.Name, in.goos, in.goarch}, "|")

	in.mu.Lock()
	p, ok := in.done[key]
	prev, failed := in.failed[key]
	in.mu.Unlock()
	if ok {
		if _, err := os.Stat(p); err == nil {
			return Install{VersionTag: rel.Tag, InstallFolder: rel.Folder, BinaryPath: p, AssetName: asset.Name}, nil
		}
	}
	if failed && in.now().Before(prev.until) {
		return Install{}, prev.err
	}

	v, err, _ := in.group.Do(key, func() (any, error) {
		// Detached so one caller giving up does not fail the others.
		return in.install(context.WithoutCancel(ctx), rel, asset)
	})
	if err != nil {
		if !errors.Is(err, ErrNotInstalled) {
			in.mu.Lock()
			in.failed[key] = failure{err: err, until: in.now().Add(failureBackoff)}
			in.mu.Unlock()
		}
		return Install{}, err
	}
	inst := v.(Install)
	in.mu.Lock()
	in.done[key] = inst.BinaryPath
	delete(in.failed, key)
	in.mu.Unlock()
	return inst, nil
}

func (in *Installer) targetDir(rel Release) string {
	return filepath.Join(in.installDir, rel.Folder, in.goos+"-"+in.goarch)
}

func (in *Installer) install(ctx context.Context, rel Release, asset Asset) (Install, error) {
	target := in.targetDir(rel)
	if inst, ok := readMarker(target); ok {
		return inst, nil
	}
	if !in.autoInstall {
		return Install{}, ErrNotInstalled
	}

	if err := os.MkdirAll(in.installDir, 0o755); err != nil {
		return Install{}, fmt.Errorf("create install dir: %w", err)
	}
	unlock, err := in.lock(ctx)
	if err != nil {
		return Install{}, err
	}
	defer unlock()

	// Another process may have finished while we waited.
	if inst, ok := readMarker(target); ok {
		return inst, nil
	}

	metrics.CodecInstalls.Inc()
	in.logger.Info("installing rust-silk", "version", rel.Tag, "asset", asset.Name)

	work, err := os.MkdirTemp(in.installDir, ".download-*")
	if err != nil {
		return Install{}, fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(work)

	archive := filepath.Join(work, asset.Name)
	sum, err := in.download(ctx, rel.downloadURL(in.baseURL, asset.Name), archive)
	if err != nil {
		return Install{}, fmt.Errorf("download %s: %w", asset.Name, err)
	}
	if err := in.verify(ctx, rel, asset, sum); err != nil {
		return Install{}, err
	}

	extracted := filepath.Join(work, "extract")
	if err := in.extract(ctx, asset, archive, extracted); err != nil {
		return Install{}, fmt.Errorf("extract %s: %w", asset.Name, err)
	}
	found, err := findBinary(extracted, binaryName(in.goos))
	if err != nil {
		return Install{}, err
	}

	if err := os.MkdirAll(target, 0o755); err != nil {
		return Install{}, fmt.Errorf("create target dir: %w", err)
	}
	dest := filepath.Join(target, binaryName(in.goos))
	if err := copyExecutable(found, dest); err != nil {
		return Install{}, err
	}

	inst := Install{
		VersionTag:    rel.Tag,
		InstallFolder: rel.Folder,
		BinaryPath:    dest,
		AssetName:     asset.Name,
		InstalledAt:   in.now().UTC(),
	}
	if err := writeMarker(target, inst); err != nil {
		return Install{}, err
	}
	in.logger.Info("rust-silk installed", "version", rel.Tag, "path", dest)

	// An unresolved latest has no tag to compare against, so pinned
	// installs are left alone.
	if rel.Latest && rel.Tag != latestVersion {
		in.removeSiblings(rel.Folder, inst.InstalledAt)
	}
	return inst, nil
}

// lock serializes installs and cleanup within the process and across
// processes sharing the install root.
func (in *Installer) lock(ctx context.Context) (func(), error) {
	in.installMu.Lock()
	fl := flock.New(filepath.Join(in.installDir, lockFile))
	ok, err := fl.TryLockContext(ctx, 200*time.Millisecond)
	if err != nil || !ok {
		in.installMu.Unlock()
		if err == nil {
			err = errors.New("lock not acquired")
		}
		return nil, fmt.Errorf("lock install dir: %w", err)
	}
	return func() {
		fl.Unlock()
		in.installMu.Unlock()
	}, nil
}

// download streams url into dest and returns the hex sha256 of the body.
func (in *Installer) download(ctx context.Context, url, dest string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, in.timeout)
	defer cancel()

	resp, err := httpx.DoWithRetry(ctx, in.client, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	}, in.logger)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", &statusError{URL: url, StatusCode: resp.StatusCode}
	}

	f, err := os.Create(dest)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := newHasher()
	n, err := io.Copy(io.MultiWriter(f, h), io.LimitReader(resp.Body, maxArchiveBytes+1))
	if err != nil {
		return "", err
	}
	if n > maxArchiveBytes {
		return "", fmt.Errorf("archive larger than %d bytes", maxArchiveBytes)
	}
	return h.sum(), f.Close()
}

// removeSiblings deletes other release folders after a latest install,
// keeping any whose marker is newer than ours.
func (in *Installer) removeSiblings(keep string, installedAt time.Time) {
	entries, err := os.ReadDir(in.installDir)
	if err != nil {
		in.logger.Warn("list install dir failed", "err", err)
		return
	}
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() || name == keep || strings.HasPrefix(name, ".") {
			continue
		}
		dir := filepath.Join(in.installDir, name)
		if newerInstall(dir, installedAt) {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			in.logger.Warn("remove old rust-silk failed", "dir", dir, "err", err)
			continue
		}
		in.logger.Info("removed old rust-silk", "folder", name)
	}
}

func newerInstall(folder string, than time.Time) bool {
	platforms, err := os.ReadDir(folder)
	if err != nil {
		return false
	}
	for _, p := range platforms {
		if inst, ok := readMarker(filepath.Join(folder, p.Name())); ok && inst.InstalledAt.After(than) {
			return true
		}
	}
	return false
}

func readMarker(dir string) (Install, bool) {
	data, err := os.ReadFile(filepath.Join(dir, markerFile))
	if err != nil {
		return Install{}, false
	}
	var inst Install
	if err := json.Unmarshal(data, &inst); err != nil || inst.BinaryPath == "" {
		return Install{}, false
	}
	if _, err := os.Stat(inst.BinaryPath); err != nil {
		return Install{}, false
	}
	return inst, true
}

func writeMarker(dir string, inst Install) error {
	data, err := json.MarshalIndent(inst, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, markerFile), data, 0o644); err != nil {
		return fmt.Errorf("write install marker: %w", err)
	}
	return nil
}

// copyExecutable copies src to dst via a temp file and marks it 0755.
func copyExecutable(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o755)
	if err != nil {
		return fmt.Errorf("create binary: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("copy binary: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Chmod(tmp, 0o755); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}
