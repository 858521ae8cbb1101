package client

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// LocalStorage implements StorageClient on a local directory served as static
// files. Used when R2 is not configured.
type LocalStorage struct {
	baseDir   string
	publicURL string
}

// NewLocalStorage creates a directory-backed storage client rooted at baseDir
func NewLocalStorage(baseDir, publicURL string) (*LocalStorage, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage dir: %w", err)
	}
	return &LocalStorage{
		baseDir:   baseDir,
		publicURL: strings.TrimRight(publicURL, "/"),
	}, nil
}

func (s *LocalStorage) path(key string) string {
	return filepath.Join(s.baseDir, filepath.FromSlash(key))
}

// Upload writes an artifact under the storage root and returns its URL
func (s *LocalStorage) Upload(ctx context.Context, key string, body io.Reader, contentType string) (string, error) {
	path := s.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create artifact dir: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create artifact: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, body); err != nil {
		return "", fmt.Errorf("failed to write artifact: %w", err)
	}

	return s.GetPublicURL(key), nil
}

// Download reads an artifact back from disk
func (s *LocalStorage) Download(ctx context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}
	return data, nil
}

// Delete removes a single artifact
func (s *LocalStorage) Delete(ctx context.Context, key string) error {
	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete artifact: %w", err)
	}
	return nil
}

// DeletePrefix removes every artifact under the given key prefix
func (s *LocalStorage) DeletePrefix(ctx context.Context, prefix string) error {
	if err := os.RemoveAll(s.path(prefix)); err != nil {
		return fmt.Errorf("failed to delete artifacts: %w", err)
	}
	return nil
}

// GetPublicURL returns the URL the static file server exposes for a key
func (s *LocalStorage) GetPublicURL(key string) string {
	return s.publicURL + "/" + key
}

// BaseDir returns the directory served by the static file route
func (s *LocalStorage) BaseDir() string {
	return s.baseDir
}
