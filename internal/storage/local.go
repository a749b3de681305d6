package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// LocalProvider keeps artifacts on the local filesystem. This is the default
// for single-node deployments; S3 is available for shared setups.
type LocalProvider struct {
	dir string
}

var _ Provider = (*LocalProvider)(nil)

func NewLocalProvider(dir string) (*LocalProvider, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path for %s: %w", dir, err)
	}
	if err := os.MkdirAll(abs, os.ModePerm); err != nil {
		return nil, fmt.Errorf("failed to create storage directory %s: %w", abs, err)
	}
	return &LocalProvider{dir: abs}, nil
}

func (p *LocalProvider) CreateBucket(ctx context.Context, bucket string) error {
	return os.MkdirAll(filepath.Join(p.dir, bucket), os.ModePerm)
}

func (p *LocalProvider) PutObject(ctx context.Context, bucket, key string, data io.Reader) error {
	path := filepath.Join(p.dir, bucket, key)
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		return fmt.Errorf("failed to create directory for %s/%s: %w", bucket, key, err)
	}

	dst, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file %s/%s: %w", bucket, key, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, data); err != nil {
		return fmt.Errorf("failed to write file %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (p *LocalProvider) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	return os.ReadFile(filepath.Join(p.dir, bucket, key))
}

func (p *LocalProvider) DownloadObject(ctx context.Context, bucket, key, filename string) error {
	src, err := os.Open(filepath.Join(p.dir, bucket, key))
	if err != nil {
		return fmt.Errorf("failed to open object %s/%s: %w", bucket, key, err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(filename), os.ModePerm); err != nil {
		return err
	}

	dst, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return err
	}
	return nil
}
