package storage

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	cacheDir       = "cache"
	filePermission = 0644
	dirPermission  = 0755
)

// FileCache implements Cache with one JSON file per key.
type FileCache struct {
	dir    string
	logger *slog.Logger
}

// NewFileCache creates a file cache rooted at dir. The directory is created
// on first write.
func NewFileCache(dir string, logger *slog.Logger) *FileCache {
	return &FileCache{
		dir:    dir,
		logger: logger,
	}
}

// Get reads the entry stored under key. Unreadable or corrupt files are
// logged and reported as a miss.
func (c *FileCache) Get(key string) (Entry, bool) {
	path, err := c.entryPath(key)
	if err != nil {
		c.logger.Warn("rejected cache key", slog.String("key", key), slog.Any("error", err))
		return Entry{}, false
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			c.logger.Warn("read cache file", slog.String("path", path), slog.Any("error", err))
		}
		return Entry{}, false
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		c.logger.Warn("corrupt cache file", slog.String("path", path), slog.Any("error", err))
		return Entry{}, false
	}

	c.logger.Debug("cache hit",
		slog.String("key", key),
		slog.Time("timestamp", e.Timestamp))
	return e, true
}

// Set stores data under key, replacing any previous entry atomically.
func (c *FileCache) Set(key string, data []byte, timestamp time.Time) error {
	if !json.Valid(data) {
		return fmt.Errorf("cache entry %q is not valid JSON", key)
	}
	path, err := c.entryPath(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(c.dir, dirPermission); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}

	out, err := json.MarshalIndent(Entry{Data: data, Timestamp: timestamp}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	if err := atomicWriteFile(path, out, filePermission); err != nil {
		return fmt.Errorf("write cache file: %w", err)
	}

	c.logger.Debug("cached entry",
		slog.String("key", key),
		slog.String("path", path))
	return nil
}

// Delete removes the entry stored under key. Missing entries are not an error.
func (c *FileCache) Delete(key string) error {
	path, err := c.entryPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete cache file: %w", err)
	}
	return nil
}

// entryPath maps key onto a file inside the cache directory.
func (c *FileCache) entryPath(key string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", fmt.Errorf("invalid cache key: %w", err)
	}
	path := filepath.Join(c.dir, url.QueryEscape(key)+".json")
	if err := c.verifyPathInDir(path); err != nil {
		return "", err
	}
	return path, nil
}

// atomicWriteFile writes data to a file atomically by writing to a temp file
// in the same directory, syncing, then renaming over the target path.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := f.Name()

	// Clean up temp file on any failure
	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}

	success = true
	return nil
}

// validateKey checks that a cache key is safe to turn into a filename.
func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("cache key must not be empty")
	}
	if strings.Contains(key, "..") {
		return fmt.Errorf("cache key must not contain %q", "..")
	}
	if strings.ContainsRune(key, 0) {
		return fmt.Errorf("cache key must not contain null bytes")
	}
	return nil
}

// verifyPathInDir checks that the resolved path stays inside the cache directory.
func (c *FileCache) verifyPathInDir(path string) error {
	rel, err := filepath.Rel(c.dir, path)
	if err != nil {
		return fmt.Errorf("path outside cache directory: %w", err)
	}
	if strings.HasPrefix(rel, "..") || strings.ContainsAny(rel, `/\`) {
		return fmt.Errorf("path %q escapes cache directory", path)
	}
	return nil
}
