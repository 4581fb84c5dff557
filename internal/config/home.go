package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// HomeEnvVar overrides the autobuild home directory.
const HomeEnvVar = "AUTOBUILD_HOME"

// RootMarker marks a directory as the autobuild root when found walking up from cwd.
const RootMarker = ".autobuild-root"

// GetHome returns the autobuild home directory
// Priority order:
//  1. AUTOBUILD_HOME environment variable (if set)
//  2. Nearest ancestor of the working directory holding a .autobuild-root marker
//  3. Current working directory (fallback)
//
// The directory is created if it doesn't exist
func GetHome() (string, error) {
	if home := os.Getenv(HomeEnvVar); home != "" {
		return home, nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}

	base := cwd
	if root, ok := findRoot(cwd); ok {
		base = root
	}

	home := filepath.Join(base, ".autobuild")
	if err := os.MkdirAll(home, 0755); err != nil {
		return "", fmt.Errorf("create autobuild home directory: %w", err)
	}
	return home, nil
}

// findRoot walks up from start looking for the root marker file
func findRoot(start string) (string, bool) {
	current := start
	for {
		if _, err := os.Stat(filepath.Join(current, RootMarker)); err == nil {
			return current, true
		}

		parent := filepath.Dir(current)
		if parent == current {
			return "", false
		}
		current = parent
	}
}

// ResolvePath anchors a relative config path at the autobuild home's parent,
// so ".autobuild/profiles.yaml" means the same file from any subdirectory.
func ResolvePath(path string) (string, error) {
	if path == "" || filepath.IsAbs(path) {
		return path, nil
	}
	home, err := GetHome()
	if err != nil {
		return "", err
	}
	return filepath.Join(filepath.Dir(home), path), nil
}
