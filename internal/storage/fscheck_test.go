package storage

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func TestEnsureLocalFilesystem_AllowsLocalFS(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "runs.db")
	err := ensureLocalFilesystemWithDetector(dbPath, "SQLite", func(path string) (string, error) {
		return "apfs", nil
	})
	if err != nil {
		t.Fatalf("expected local filesystem to pass, got: %v", err)
	}
}

func TestEnsureLocalFilesystem_RejectsNetworkFS(t *testing.T) {
	t.Parallel()

	cacheDir := filepath.Join(t.TempDir(), "cache")
	err := ensureLocalFilesystemWithDetector(cacheDir, "cache", func(path string) (string, error) {
		return "nfs", nil
	})
	if err == nil {
		t.Fatal("expected network filesystem validation error")
	}

	msg := err.Error()
	for _, want := range []string{"nfs", "cache requires a local filesystem", cacheDir} {
		if !strings.Contains(msg, want) {
			t.Fatalf("expected error to contain %q, got %q", want, msg)
		}
	}
}

func TestEnsureLocalFilesystem_UnknownPlatformPasses(t *testing.T) {
	t.Parallel()

	err := ensureLocalFilesystemWithDetector(t.TempDir(), "cache", func(string) (string, error) {
		return "", errors.New("unsupported")
	})
	if err != nil {
		t.Fatalf("expected detection failure to be tolerated, got %v", err)
	}
}

func TestEnsureLocalFilesystem_UsesNearestExistingPath(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	dbPath := filepath.Join(root, "nested", "dir", "runs.db")

	var inspectedPath string
	err := ensureLocalFilesystemWithDetector(dbPath, "SQLite", func(path string) (string, error) {
		inspectedPath = path
		return "ext4", nil
	})
	if err != nil {
		t.Fatalf("expected local filesystem to pass, got: %v", err)
	}

	if inspectedPath != root {
		t.Fatalf("expected detector to inspect nearest existing path %q, got %q", root, inspectedPath)
	}
}

func TestIsNetworkFilesystem(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		fs   string
		want bool
	}{
		{name: "nfs", fs: "nfs", want: true},
		{name: "cifs uppercase", fs: "CIFS", want: true},
		{name: "local ext4", fs: "0xef53", want: false},
		{name: "local apfs", fs: "apfs", want: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := isNetworkFilesystem(tc.fs); got != tc.want {
				t.Fatalf("isNetworkFilesystem(%q)=%v, want %v", tc.fs, got, tc.want)
			}
		})
	}
}
