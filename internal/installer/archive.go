package installer

import (
	"archive/tar"
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/ulikunitz/xz"
)

// extract unpacks the archive into dest, falling back to the system tar
// or PowerShell when the built-in reader fails.
func (in *Installer) extract(ctx context.Context, asset Asset, archive, dest string) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	var err error
	if asset.Zip {
		err = extractZip(archive, dest)
	} else {
		err = extractTarXz(archive, dest)
	}
	if err == nil {
		return nil
	}
	in.logger.Warn("built-in extraction failed, trying system tool", "asset", asset.Name, "err", err)

	var name string
	var args []string
	switch {
	case asset.Zip && in.goos == "windows":
		name = "powershell"
		args = []string{"-NoProfile", "-NonInteractive", "-Command",
			fmt.Sprintf("Expand-Archive -LiteralPath '%s' -DestinationPath '%s' -Force", archive, dest)}
	case asset.Zip:
		name = "unzip"
		args = []string{"-o", archive, "-d", dest}
	default:
		name = "tar"
		args = []string{"-xf", archive, "-C", dest}
	}
	if _, ferr := in.runner.Run(ctx, extractTimeout, name, args...); ferr != nil {
		return errors.Join(err, ferr)
	}
	return nil
}

// safeJoin resolves an archive entry name under dest, rejecting escapes.
func safeJoin(dest, name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("archive entry escapes destination: %q", name)
	}
	return filepath.Join(dest, clean), nil
}

func extractTarXz(archive, dest string) error {
	f, err := os.Open(archive)
	if err != nil {
		return err
	}
	defer f.Close()

	xr, err := xz.NewReader(f)
	if err != nil {
		return fmt.Errorf("xz: %w", err)
	}
	tr := tar.NewReader(xr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("tar: %w", err)
		}
		path, err := safeJoin(dest, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(path, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeEntry(path, tr, fs.FileMode(hdr.Mode)); err != nil {
				return err
			}
		}
	}
}

func extractZip(archive, dest string) error {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return fmt.Errorf("zip: %w", err)
	}
	defer zr.Close()

	for _, zf := range zr.File {
		path, err := safeJoin(dest, zf.Name)
		if err != nil {
			return err
		}
		if zf.FileInfo().IsDir() {
			if err := os.MkdirAll(path, 0o755); err != nil {
				return err
			}
			continue
		}
		rc, err := zf.Open()
		if err != nil {
			return err
		}
		err = writeEntry(path, rc, zf.Mode())
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func writeEntry(path string, r io.Reader, mode fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm()|0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, io.LimitReader(r, maxArchiveBytes)); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// findBinary searches root recursively for a regular file called name.
func findBinary(root, name string) (string, error) {
	var found string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && d.Type().IsRegular() && strings.EqualFold(d.Name(), name) {
			found = path
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if found == "" {
		return "", fmt.Errorf("%w: %s", ErrBinaryNotFound, name)
	}
	return found, nil
}
