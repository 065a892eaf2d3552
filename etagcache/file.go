package etagcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// File keeps one JSON document per upload in a directory, mapping part numbers to ETags.
type File struct {
	dir string
	mu  sync.Mutex
}

// NewFile creates a file backed cache rooted at dir. The directory is created if missing.
func NewFile(dir string) (*File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &File{dir: dir}, nil
}

// Get ...
func (f *File) Get(_ context.Context, uploadID string, partNumber int) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	parts, err := f.read(uploadID)
	if err != nil {
		return "", false, err
	}
	etag, ok := parts[strconv.Itoa(partNumber)]
	return etag, ok, nil
}

// Put ...
func (f *File) Put(_ context.Context, uploadID string, partNumber int, etag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	parts, err := f.read(uploadID)
	if err != nil {
		return err
	}
	parts[strconv.Itoa(partNumber)] = etag
	return f.write(uploadID, parts)
}

// Clear ...
func (f *File) Clear(_ context.Context, uploadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	err := os.Remove(f.path(uploadID))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove cache file: %w", err)
	}
	return nil
}

func (f *File) path(uploadID string) string {
	return filepath.Join(f.dir, url.PathEscape(Namespace(uploadID))+".json")
}

func (f *File) read(uploadID string) (map[string]string, error) {
	parts := map[string]string{}

	data, err := os.ReadFile(f.path(uploadID))
	if errors.Is(err, fs.ErrNotExist) {
		return parts, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cache file: %w", err)
	}
	if err := json.Unmarshal(data, &parts); err != nil {
		return nil, fmt.Errorf("decode cache file: %w", err)
	}
	return parts, nil
}

func (f *File) write(uploadID string, parts map[string]string) error {
	data, err := json.Marshal(parts)
	if err != nil {
		return fmt.Errorf("encode cache file: %w", err)
	}

	tmp, err := os.CreateTemp(f.dir, "tmp-*.json")
	if err != nil {
		return fmt.Errorf("create cache file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()           //nolint:errcheck
		os.Remove(tmp.Name()) //nolint:errcheck
		return fmt.Errorf("write cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name()) //nolint:errcheck
		return fmt.Errorf("close cache file: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path(uploadID)); err != nil {
		os.Remove(tmp.Name()) //nolint:errcheck
		return fmt.Errorf("replace cache file: %w", err)
	}
	return nil
}
