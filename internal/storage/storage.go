// Package storage is where recordings land: a local directory or a GCS
// bucket. Paths are slash separated and relative to the backend root.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
)

var (
	ErrInvalidPath = errors.New("invalid storage path")
	ErrNotExist    = errors.New("object does not exist")
)

// Storage stores recording files and playlists
type Storage interface {
	// Write stores data at name, replacing it
	Write(ctx context.Context, name string, data []byte) error

	// Create opens name for streaming writes. The object is complete once
	// the writer is closed.
	Create(ctx context.Context, name string) (io.WriteCloser, error)

	// Open returns a seekable reader, e.g. for http.ServeContent
	Open(ctx context.Context, name string) (io.ReadSeekCloser, error)

	// Read returns the content of name
	Read(ctx context.Context, name string) ([]byte, error)

	// Delete removes name; a missing object is not an error
	Delete(ctx context.Context, name string) error

	// Exists reports whether name is stored
	Exists(ctx context.Context, name string) (bool, error)

	// List returns the object names directly below dir
	List(ctx context.Context, dir string) ([]string, error)

	// Size returns the stored length of name
	Size(ctx context.Context, name string) (int64, error)
}

// Clean validates a storage path and normalises it. Absolute paths and
// paths leaving the root are rejected.
func Clean(name string) (string, error) {
	if name == "" || strings.HasPrefix(name, "/") || strings.Contains(name, "\\") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, name)
	}
	cleaned := path.Clean(name)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, name)
	}
	return cleaned, nil
}

// ContentType guesses the MIME type of a recording file
func ContentType(name string) string {
	switch path.Ext(name) {
	case ".m3u8":
		return "application/vnd.apple.mpegurl"
	case ".ts":
		return "video/mp2t"
	case ".m4s":
		return "video/iso.segment"
	case ".mp4":
		return "video/mp4"
	case ".flv":
		return "video/x-flv"
	}
	if t := mime.TypeByExtension(path.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}

// CacheControl keeps playlists fresh and lets finished files be cached
func CacheControl(name string) string {
	switch path.Ext(name) {
	case ".m3u8":
		return "no-cache, no-store, must-revalidate"
	case ".ts", ".m4s", ".mp4", ".flv":
		return "public, max-age=3600"
	}
	return "public, max-age=300"
}

// LocalStorage implements Storage on the local filesystem
type LocalStorage struct {
	baseDir string
}

// NewLocalStorage creates baseDir if needed
func NewLocalStorage(baseDir string) (*LocalStorage, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &LocalStorage{baseDir: baseDir}, nil
}

func (s *LocalStorage) resolve(name string) (string, error) {
	cleaned, err := Clean(name)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.baseDir, filepath.FromSlash(cleaned)), nil
}

// FullPath returns the filesystem path of name
func (s *LocalStorage) FullPath(name string) (string, error) {
	return s.resolve(name)
}

func (s *LocalStorage) Write(_ context.Context, name string, data []byte) error {
	full, err := s.resolve(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	// write then rename so readers never see a partial playlist
	tmp := full + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tmp, full); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

func (s *LocalStorage) Create(_ context.Context, name string) (io.WriteCloser, error) {
	full, err := s.resolve(name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	f, err := os.Create(full)
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}
	return f, nil
}

func (s *LocalStorage) Open(_ context.Context, name string) (io.ReadSeekCloser, error) {
	full, err := s.resolve(name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if err != nil {
		return nil, notExist(err)
	}
	return f, nil
}

func (s *LocalStorage) Read(_ context.Context, name string) ([]byte, error) {
	full, err := s.resolve(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, notExist(err)
	}
	return data, nil
}

func (s *LocalStorage) Delete(_ context.Context, name string) error {
	full, err := s.resolve(name)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

func (s *LocalStorage) Exists(_ context.Context, name string) (bool, error) {
	full, err := s.resolve(name)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(full); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check file existence: %w", err)
	}
	return true, nil
}

func (s *LocalStorage) List(_ context.Context, dir string) ([]string, error) {
	full, err := s.resolve(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		return nil, notExist(err)
	}
	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() && !strings.HasSuffix(entry.Name(), ".tmp") {
			files = append(files, entry.Name())
		}
	}
	return files, nil
}

func (s *LocalStorage) Size(_ context.Context, name string) (int64, error) {
	full, err := s.resolve(name)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(full)
	if err != nil {
		return 0, notExist(err)
	}
	return info.Size(), nil
}

func notExist(err error) error {
	if os.IsNotExist(err) {
		return fmt.Errorf("%w: %v", ErrNotExist, err)
	}
	return err
}
