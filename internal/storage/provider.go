package storage

import (
	"context"
	"io"
)

// Provider stores uploaded sample artifacts. Keys are namespaced per
// hospital by the callers; the provider itself is tenant-agnostic.
type Provider interface {
	CreateBucket(ctx context.Context, bucket string) error

	PutObject(ctx context.Context, bucket, key string, data io.Reader) error

	GetObject(ctx context.Context, bucket, key string) ([]byte, error)

	// DownloadObject copies the object to a local file, creating parent
	// directories as needed. Training stages artifacts through this.
	DownloadObject(ctx context.Context, bucket, key, filename string) error
}
