package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var networkFilesystems = map[string]struct{}{
	"afpfs":  {},
	"cifs":   {},
	"nfs":    {},
	"smbfs":  {},
	"smb2":   {},
	"webdav": {},
}

// EnsureLocalFilesystem fails when path lives on a network filesystem.
// SQLite and the filesystem cache both rely on flock(2), which those
// filesystems do not honour reliably. purpose names the caller in the error.
func EnsureLocalFilesystem(path, purpose string) error {
	return ensureLocalFilesystemWithDetector(path, purpose, detectFilesystemType)
}

func ensureLocalFilesystemWithDetector(path, purpose string, detector func(string) (string, error)) error {
	if path == "" {
		return fmt.Errorf("%s path is empty", purpose)
	}

	inspectPath, err := nearestExistingPath(path)
	if err != nil {
		return fmt.Errorf("resolve %s path %q: %w", purpose, path, err)
	}

	fsType, err := detector(inspectPath)
	if err != nil {
		// Unknown platforms cannot tell; let the caller proceed.
		return nil
	}

	if isNetworkFilesystem(fsType) {
		return fmt.Errorf(
			"%s path %q is on network filesystem %q; %s requires a local filesystem for reliable locking",
			purpose, path, fsType, purpose,
		)
	}
	return nil
}

func nearestExistingPath(path string) (string, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("absolute path: %w", err)
	}

	candidate := absPath
	for {
		_, err := os.Stat(candidate)
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat %q: %w", candidate, err)
		}

		parent := filepath.Dir(candidate)
		if parent == candidate {
			return "", fmt.Errorf("no existing parent for %q", absPath)
		}
		candidate = parent
	}
}

func isNetworkFilesystem(fsType string) bool {
	normalized := strings.TrimSpace(strings.ToLower(fsType))
	_, found := networkFilesystems[normalized]
	return found
}
