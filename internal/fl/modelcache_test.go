package fl

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"testing"

	"fednode-backend/internal/central"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDownloader struct {
	content   []byte
	downloads int
	err       error
}

func (f *fakeDownloader) DownloadModel(ctx context.Context, url, dest string) error {
	f.downloads++
	if f.err != nil {
		return f.err
	}
	return os.WriteFile(dest, f.content, 0o644)
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestModelCacheDownloadsAndVerifies(t *testing.T) {
	content := []byte("global model weights")
	dl := &fakeDownloader{content: content}
	cache := NewModelCache(dl, t.TempDir())

	meta := central.ModelMeta{Version: "7", Checksum: digest(content), Url: "/artifacts/global-7.pth"}

	path, err := cache.Ensure(context.Background(), "h1", meta)
	require.NoError(t, err)
	assert.Equal(t, 1, dl.downloads)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, content, data)
}

func TestModelCacheReusesVerifiedCopy(t *testing.T) {
	content := []byte("global model weights")
	dl := &fakeDownloader{content: content}
	cache := NewModelCache(dl, t.TempDir())

	meta := central.ModelMeta{Version: "7", Checksum: digest(content), Url: "/artifacts/global-7.pth"}

	first, err := cache.Ensure(context.Background(), "h1", meta)
	require.NoError(t, err)
	second, err := cache.Ensure(context.Background(), "h1", meta)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, dl.downloads, "cached artifact with matching checksum should not be re-downloaded")
}

func TestModelCacheRedownloadsCorruptCopy(t *testing.T) {
	content := []byte("global model weights")
	dl := &fakeDownloader{content: content}
	cache := NewModelCache(dl, t.TempDir())

	meta := central.ModelMeta{Version: "7", Checksum: digest(content), Url: "/artifacts/global-7.pth"}

	path, err := cache.Ensure(context.Background(), "h1", meta)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("bitrot"), 0o644))

	path2, err := cache.Ensure(context.Background(), "h1", meta)
	require.NoError(t, err)
	assert.Equal(t, path, path2)
	assert.Equal(t, 2, dl.downloads)

	data, err := os.ReadFile(path2)
	require.NoError(t, err)
	assert.Equal(t, content, data)
}

func TestModelCacheRejectsChecksumMismatch(t *testing.T) {
	dl := &fakeDownloader{content: []byte("tampered weights")}
	cache := NewModelCache(dl, t.TempDir())

	meta := central.ModelMeta{Version: "7", Checksum: digest([]byte("expected weights")), Url: "/artifacts/global-7.pth"}

	_, err := cache.Ensure(context.Background(), "h1", meta)

	var fetchErr *ModelFetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, "7", fetchErr.Version)
}

func TestModelCacheDownloadFailure(t *testing.T) {
	dl := &fakeDownloader{err: fmt.Errorf("connection refused")}
	cache := NewModelCache(dl, t.TempDir())

	_, err := cache.Ensure(context.Background(), "h1", central.ModelMeta{Version: "7", Url: "/artifacts/global-7.pth"})

	var fetchErr *ModelFetchError
	require.ErrorAs(t, err, &fetchErr)
}

func TestModelCacheAcceptsMissingChecksum(t *testing.T) {
	dl := &fakeDownloader{content: []byte("weights")}
	cache := NewModelCache(dl, t.TempDir())

	path, err := cache.Ensure(context.Background(), "h1", central.ModelMeta{Version: "7", Url: "/artifacts/global-7.pth"})
	require.NoError(t, err)
	assert.FileExists(t, path)
	assert.Equal(t, 1, dl.downloads)

	// Without a published checksum any existing non-empty copy is reused.
	_, err = cache.Ensure(context.Background(), "h1", central.ModelMeta{Version: "7", Url: "/artifacts/global-7.pth"})
	require.NoError(t, err)
	assert.Equal(t, 1, dl.downloads)
}

func TestModelCacheIsolatesTenants(t *testing.T) {
	content := []byte("weights")
	dl := &fakeDownloader{content: content}
	cache := NewModelCache(dl, t.TempDir())

	meta := central.ModelMeta{Version: "7", Checksum: digest(content), Url: "/artifacts/global-7.pth"}

	p1, err := cache.Ensure(context.Background(), "h1", meta)
	require.NoError(t, err)
	p2, err := cache.Ensure(context.Background(), "h2", meta)
	require.NoError(t, err)

	assert.NotEqual(t, p1, p2)
	assert.Equal(t, 2, dl.downloads)
}
