// Package version parses dataset release versions and manages the local
// version marker file.
package version

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// MarkerFile is the name of the version marker inside the raw data directory.
const MarkerFile = "version.txt"

// releasePattern matches the release tag segment of an F1DB download URL,
// e.g. ".../releases/download/v2025.3.0/f1db-csv.zip".
var releasePattern = regexp.MustCompile(`/v(\d{4}\.\d+\.\d+)`)

// Parse extracts the YYYY.N.N version token from a release URL.
// The second return value is false when the URL carries no version.
func Parse(url string) (string, bool) {
	match := releasePattern.FindStringSubmatch(url)
	if match == nil {
		return "", false
	}
	return match[1], true
}

// MarkerPath returns the marker location for dir.
func MarkerPath(dir string) string {
	return filepath.Join(dir, MarkerFile)
}

// ReadMarker returns the trimmed version recorded in dir. The second return
// value is false when no marker exists.
func ReadMarker(dir string) (string, bool, error) {
	// #nosec G304 -- dir is the configured raw data directory
	data, err := os.ReadFile(MarkerPath(dir))
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading version marker: %w", err)
	}
	return strings.TrimSpace(string(data)), true, nil
}

// WriteMarker replaces the marker in dir with exactly v. The content is
// written to a temporary file first and renamed into place.
func WriteMarker(dir, v string) error {
	tmp, err := os.CreateTemp(dir, ".version-*")
	if err != nil {
		return fmt.Errorf("creating version marker: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.WriteString(v); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing version marker: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing version marker: %w", err)
	}
	// #nosec G302 -- the marker is read by downstream tooling
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("setting version marker mode: %w", err)
	}
	if err := os.Rename(tmpName, MarkerPath(dir)); err != nil {
		return fmt.Errorf("replacing version marker: %w", err)
	}
	return nil
}
