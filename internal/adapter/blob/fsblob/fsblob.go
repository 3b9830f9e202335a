// Package fsblob implements the blob store port on the local filesystem.
// It exists for development and tests; deployments use the s3 adapter.
package fsblob

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/inkhorn/docmd/internal/domain"
)

// Store keeps blobs as files under a root directory, one file per key.
type Store struct{ root string }

// New creates the root directory if needed and returns the store.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("op=blob.fs.new: %w", err)
	}
	return &Store{root: root}, nil
}

func (s *Store) path(key string) (string, error) {
	clean := filepath.Clean(key)
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("blob key %q: %w", key, domain.ErrInvalidArgument)
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}

// Stat returns file metadata, sniffing the MIME from content.
func (s *Store) Stat(_ domain.Context, key string) (domain.BlobInfo, error) {
	p, err := s.path(key)
	if err != nil {
		return domain.BlobInfo{}, err
	}
	fi, err := os.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return domain.BlobInfo{}, fmt.Errorf("op=blob.stat: %s: %w", key, domain.ErrNotFound)
		}
		return domain.BlobInfo{}, fmt.Errorf("op=blob.stat: %w", err)
	}
	mime := "application/octet-stream"
	if mt, err := mimetype.DetectFile(p); err == nil {
		mime = mt.String()
	}
	return domain.BlobInfo{
		Size:         fi.Size(),
		LastModified: fi.ModTime().UTC(),
		ETag:         fmt.Sprintf("%x-%x", fi.Size(), fi.ModTime().UnixNano()),
		MIME:         mime,
	}, nil
}

// Get reads the whole blob into memory.
func (s *Store) Get(_ domain.Context, key string) ([]byte, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("op=blob.get: %s: %w", key, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("op=blob.get: %w", err)
	}
	return data, nil
}

// GetToFile copies the blob to a local path.
func (s *Store) GetToFile(ctx domain.Context, key, path string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	src, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("op=blob.get_file: %s: %w", key, domain.ErrNotFound)
		}
		return fmt.Errorf("op=blob.get_file: %w", err)
	}
	defer func() { _ = src.Close() }()
	dst, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("op=blob.get_file: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return fmt.Errorf("op=blob.get_file: %w", err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("op=blob.get_file: %w", err)
	}
	return nil
}

// Put writes the blob under its key, creating parent directories.
func (s *Store) Put(_ domain.Context, key string, r io.Reader, _ int64, _ string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("op=blob.put: %w", err)
	}
	f, err := os.Create(p)
	if err != nil {
		return fmt.Errorf("op=blob.put: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return fmt.Errorf("op=blob.put: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("op=blob.put: %w", err)
	}
	return nil
}

// Copy duplicates src to dst.
func (s *Store) Copy(ctx domain.Context, src, dst string) error {
	data, err := s.Get(ctx, src)
	if err != nil {
		return err
	}
	return s.Put(ctx, dst, strings.NewReader(string(data)), int64(len(data)), "")
}

// Delete removes a blob; a missing key is not an error.
func (s *Store) Delete(_ domain.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("op=blob.delete: %w", err)
	}
	return nil
}

// Exists reports whether the blob is present.
func (s *Store) Exists(_ domain.Context, key string) (bool, error) {
	p, err := s.path(key)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(p); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("op=blob.exists: %w", err)
	}
	return true, nil
}

// Presign is unsupported on the filesystem driver; callers fall back to
// serving content through the API.
func (s *Store) Presign(key, method string, expires time.Duration, mime string) (string, error) {
	return "", fmt.Errorf("op=blob.presign: filesystem driver: %w", domain.ErrInvalidArgument)
}
