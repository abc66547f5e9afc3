package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// IntegrityResult collects the findings of VerifyIntegrity. Errors fail the
// check; warnings do not.
type IntegrityResult struct {
	Passed   bool
	Warnings []string
	Errors   []string
}

// VerifyIntegrity checks every file pinned in dir's manifest, plus extra
// files that should be pinned. A missing manifest is only a warning.
func VerifyIntegrity(dir string, extra []string) (*IntegrityResult, error) {
	result := &IntegrityResult{Passed: true}

	manifest, err := LoadChecksums(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("no %s manifest in %s; run 'keel config lock' to enable integrity verification", ChecksumFile, dir))
			return result, nil
		}
		return nil, err
	}

	fail := func(msg string) {
		result.Passed = false
		result.Errors = append(result.Errors, msg)
	}

	for _, rel := range manifest.Files() {
		path := filepath.Join(dir, filepath.FromSlash(rel))
		actual, err := ComputeBlake3Hash(path)
		if err != nil {
			fail(fmt.Sprintf("failed to hash %s: %v", rel, err))
			continue
		}
		if actual != manifest.Hashes[rel] {
			fail(fmt.Sprintf("hash mismatch for %s (expected %s, got %s)", rel, manifest.Hashes[rel], actual))
		}
	}

	for _, f := range extra {
		rel, err := filepath.Rel(dir, f)
		if err != nil {
			continue
		}
		if _, ok := manifest.Hashes[filepath.ToSlash(rel)]; !ok {
			result.Warnings = append(result.Warnings, fmt.Sprintf("file %s not in %s manifest", rel, ChecksumFile))
		}
	}
	return result, nil
}

// verifyLocked refuses a config file that a manifest in dir pins to other
// contents.
func verifyLocked(dir, configPath string) error {
	manifest, err := LoadChecksums(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	rel, err := filepath.Rel(dir, configPath)
	if err != nil {
		return err
	}
	expected, ok := manifest.Hashes[filepath.ToSlash(rel)]
	if !ok {
		return fmt.Errorf("%s has no hash in %s (run 'keel config lock')", rel, ChecksumFile)
	}
	actual, err := ComputeBlake3Hash(configPath)
	if err != nil {
		return err
	}
	if actual != expected {
		return fmt.Errorf("config verification failed: hash mismatch for %s\n"+
			"If you edited this file intentionally, run: keel config lock", rel)
	}
	return nil
}
