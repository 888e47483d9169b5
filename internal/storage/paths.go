package storage

import (
	"os"
	"path/filepath"
)

const appDir = ".scout"

// DefaultStoragePath returns the default storage location for scout
// Platform-specific paths:
//   - macOS/Linux: ~/.scout
//   - Windows: %USERPROFILE%\.scout
func DefaultStoragePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, appDir), nil
}

// DefaultCachePath returns the directory FileCache uses by default.
func DefaultCachePath() (string, error) {
	base, err := DefaultStoragePath()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, cacheDir), nil
}
