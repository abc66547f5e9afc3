package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// ChecksumFile is the lock manifest kept next to config.yaml.
const ChecksumFile = ".checksums"

// ChecksumManifest pins config and workflow files to their blake3 hashes.
// Paths are relative to the manifest's directory.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// Checksum renders the blake3 digest recorded with each run.
func Checksum(data []byte) string {
	sum := blake3.Sum256(data)
	return "blake3:" + hex.EncodeToString(sum[:])
}

// ComputeBlake3Hash computes the BLAKE3 hash of a file.
func ComputeBlake3Hash(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// LockReport describes a written or dry-run manifest.
type LockReport struct {
	ChecksumPath string
	Written      bool
	Hashes       map[string]string
}

// Lock hashes files and writes the manifest into dir. Files must live under
// dir.
func Lock(dir string, files []string, dryRun bool) (*LockReport, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	manifest := ChecksumManifest{
		Version:     1,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Hashes:      make(map[string]string, len(files)),
	}
	for _, f := range files {
		abs, err := filepath.Abs(f)
		if err != nil {
			return nil, err
		}
		rel, err := filepath.Rel(absDir, abs)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return nil, fmt.Errorf("%s is outside %s", f, absDir)
		}
		hash, err := ComputeBlake3Hash(abs)
		if err != nil {
			return nil, fmt.Errorf("failed to hash %s: %w", rel, err)
		}
		manifest.Hashes[filepath.ToSlash(rel)] = hash
	}

	report := &LockReport{ChecksumPath: filepath.Join(absDir, ChecksumFile), Hashes: manifest.Hashes}
	if dryRun {
		return report, nil
	}
	data, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checksums: %w", err)
	}
	// Restrictive permissions: the manifest authorizes file contents.
	if err := os.WriteFile(report.ChecksumPath, data, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write checksums: %w", err)
	}
	report.Written = true
	return report, nil
}

// LoadChecksums reads the manifest from dir. It returns os.ErrNotExist
// (wrapped) when there is none.
func LoadChecksums(dir string) (*ChecksumManifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ChecksumFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("checksums file not found (run 'keel config lock'): %w", err)
		}
		return nil, fmt.Errorf("failed to read checksums: %w", err)
	}
	var manifest ChecksumManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse checksums: %w", err)
	}
	if manifest.Version != 1 {
		return nil, fmt.Errorf("unsupported checksums version: %d", manifest.Version)
	}
	return &manifest, nil
}

// Files returns the manifest's paths, sorted.
func (m *ChecksumManifest) Files() []string {
	out := make([]string, 0, len(m.Hashes))
	for f := range m.Hashes {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}
