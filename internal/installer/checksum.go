package installer

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"net/http"
	"strings"
)

type hasher struct{ hash.Hash }

func newHasher() *hasher { return &hasher{sha256.New()} }

func (h *hasher) sum() string { return hex.EncodeToString(h.Sum(nil)) }

// verify compares the archive digest with the first available checksum:
// configured value, then SHA256SUMS, then <asset>.sha256.
func (in *Installer) verify(ctx context.Context, rel Release, asset Asset, got string) error {
	if in.skipVerify {
		in.logger.Warn("checksum verification skipped", "asset", asset.Name)
		return nil
	}
	want, source := in.sha256, "config"
	if want == "" {
		want, source = in.fetchChecksum(ctx, rel, asset)
	}
	if want == "" {
		return fmt.Errorf("%w: %s", ErrChecksumMissing, asset.Name)
	}
	if !strings.EqualFold(want, got) {
		return fmt.Errorf("%w: %s from %s wants %s, got %s", ErrChecksumMismatch, asset.Name, source, want, got)
	}
	in.logger.Debug("checksum verified", "asset", asset.Name, "source", source)
	return nil
}

func (in *Installer) fetchChecksum(ctx context.Context, rel Release, asset Asset) (string, string) {
	if body, err := in.fetchSmall(ctx, rel.downloadURL(in.baseURL, "SHA256SUMS")); err == nil {
		if sum := parseChecksums(body, asset.Name); sum != "" {
			return sum, "SHA256SUMS"
		}
	} else {
		in.logger.Debug("SHA256SUMS unavailable", "err", err)
	}
	if body, err := in.fetchSmall(ctx, rel.downloadURL(in.baseURL, asset.Name+".sha256")); err == nil {
		if fields := strings.Fields(body); len(fields) > 0 && isHexDigest(fields[0]) {
			return strings.ToLower(fields[0]), asset.Name + ".sha256"
		}
	} else {
		in.logger.Debug("asset checksum unavailable", "err", err)
	}
	return "", ""
}

func (in *Installer) fetchSmall(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := in.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", &statusError{URL: url, StatusCode: resp.StatusCode}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxChecksumsBytes))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// parseChecksums reads sha256sum output ("<hex>  [*]<name>") and returns
// the digest listed for name.
func parseChecksums(body, name string) string {
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 || !isHexDigest(fields[0]) {
			continue
		}
		file := strings.TrimPrefix(fields[len(fields)-1], "*")
		file = strings.TrimPrefix(file, "./")
		if file == name {
			return strings.ToLower(fields[0])
		}
	}
	return ""
}

func isHexDigest(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
