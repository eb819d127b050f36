package ingest

import (
	"errors"
	"path/filepath"
	"strings"
)

// Staging subdirectory names.
const (
	downloadDirName = "download"
	extractDirName  = "extracted"
	tempDirName     = "temp_raw"
)

// Config holds the inputs of an ingestion run.
type Config struct {
	// ReleaseURL is the archive location. Its path carries the version.
	ReleaseURL string

	// RawDir is the canonical local copy of the dataset.
	RawDir string

	// Bucket and Prefix locate the remote mirror.
	Bucket string
	Prefix string

	// StagingDir holds per-run working directories. It must not be RawDir
	// or lie inside it. Defaults to a hidden sibling of RawDir.
	StagingDir string

	// CleanBeforeMerge empties RawDir before new entries are moved in, so
	// files dropped from a release do not linger.
	CleanBeforeMerge bool
}

// DefaultStagingDir returns the staging root used when none is configured:
// "<parent>/.<base>-staging".
func DefaultStagingDir(rawDir string) string {
	clean := filepath.Clean(rawDir)
	return filepath.Join(filepath.Dir(clean), "."+filepath.Base(clean)+"-staging")
}

func (c Config) withDefaults() Config {
	if c.StagingDir == "" && c.RawDir != "" {
		c.StagingDir = DefaultStagingDir(c.RawDir)
	}
	return c
}

// Validate reports every missing or conflicting field at once.
func (c Config) Validate() error {
	var errs []string
	if c.ReleaseURL == "" {
		errs = append(errs, "release url is required")
	}
	if c.RawDir == "" {
		errs = append(errs, "raw dir is required")
	}
	if c.Bucket == "" {
		errs = append(errs, "bucket is required")
	}
	if c.Prefix == "" {
		errs = append(errs, "prefix is required")
	}
	if c.RawDir != "" && c.StagingDir != "" && within(c.RawDir, c.StagingDir) {
		errs = append(errs, "staging dir must be outside raw dir")
	}
	if len(errs) > 0 {
		return newError(KindConfiguration, "validating config", errors.New(strings.Join(errs, "; ")))
	}
	return nil
}

// within reports whether child is parent or lies beneath it.
func within(parent, child string) bool {
	p, err := filepath.Abs(parent)
	if err != nil {
		return false
	}
	c, err := filepath.Abs(child)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(p, c)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

type stagingDirs struct {
	download string
	extract  string
	temp     string
}

func (c Config) staging() stagingDirs {
	return stagingDirs{
		download: filepath.Join(c.StagingDir, downloadDirName),
		extract:  filepath.Join(c.StagingDir, extractDirName),
		temp:     filepath.Join(c.StagingDir, tempDirName),
	}
}

func (s stagingDirs) all() []string {
	return []string{s.download, s.extract, s.temp}
}
