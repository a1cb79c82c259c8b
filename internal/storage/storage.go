// Package storage abstracts the binary object store for evidence photos.
// The core only keeps locators; file contents are never interpreted.
package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Store persists evidence blobs and resolves locators to fetchable URLs.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader) (locator string, err error)
	URL(locator string) string
}

// FS stores blobs under <root>/blobs, the default for single-node use.
type FS struct {
	Root string
}

func NewFS(root string) (*FS, error) {
	dir := filepath.Join(root, "blobs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FS{Root: root}, nil
}

func (s *FS) Put(ctx context.Context, key string, r io.Reader) (string, error) {
	if strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid key %q", key)
	}
	path := filepath.Join(s.Root, "blobs", filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		os.Remove(path)
		return "", err
	}
	return "fs://" + key, nil
}

func (s *FS) URL(locator string) string {
	key := strings.TrimPrefix(locator, "fs://")
	return "file://" + filepath.Join(s.Root, "blobs", filepath.FromSlash(key))
}
