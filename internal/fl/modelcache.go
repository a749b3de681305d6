package fl

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"fednode-backend/internal/central"
)

// ModelCache keeps local copies of global model artifacts, one per tenant
// and version. A cached artifact is only reused when its checksum still
// matches the aggregator's descriptor; anything else is re-downloaded and
// verified before a run may use it.
type ModelCache struct {
	downloader ModelDownloader
	dir        string
}

type ModelDownloader interface {
	DownloadModel(ctx context.Context, url, dest string) error
}

func NewModelCache(downloader ModelDownloader, dir string) *ModelCache {
	return &ModelCache{downloader: downloader, dir: dir}
}

// Ensure returns the path of a verified local artifact for meta, downloading
// it if the cache is absent, stale, or corrupt. Paths are namespaced per
// hospital so concurrent runs for different tenants never collide.
func (c *ModelCache) Ensure(ctx context.Context, hospitalId string, meta central.ModelMeta) (string, error) {
	path := filepath.Join(c.dir, hospitalId, fmt.Sprintf("global-%s.pth", sanitizeVersion(meta.Version)))

	if ok, err := checksumMatches(path, meta.Checksum); err == nil && ok {
		slog.Info("reusing cached global model", "hospital_id", hospitalId, "version", meta.Version)
		return path, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		return "", &ModelFetchError{Version: meta.Version, Err: err}
	}

	tmp := path + ".download"
	if err := c.downloader.DownloadModel(ctx, meta.Url, tmp); err != nil {
		os.Remove(tmp)
		return "", &ModelFetchError{Version: meta.Version, Err: err}
	}

	if ok, err := checksumMatches(tmp, meta.Checksum); err != nil {
		os.Remove(tmp)
		return "", &ModelFetchError{Version: meta.Version, Err: err}
	} else if !ok {
		os.Remove(tmp)
		return "", &ModelFetchError{Version: meta.Version, Err: fmt.Errorf("checksum mismatch for downloaded artifact")}
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", &ModelFetchError{Version: meta.Version, Err: err}
	}

	slog.Info("downloaded global model", "hospital_id", hospitalId, "version", meta.Version)
	return path, nil
}

// checksumMatches reports whether the file at path hashes to want. An empty
// want accepts any existing non-empty file, for aggregators that do not
// publish checksums.
func checksumMatches(path, want string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	if want == "" {
		return true, nil
	}
	return strings.EqualFold(hex.EncodeToString(h.Sum(nil)), want), nil
}

func sanitizeVersion(version string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, version)
}
