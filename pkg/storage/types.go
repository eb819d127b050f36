// Package storage defines the remote mirror contract and the local tree walk
// shared by publisher implementations.
package storage

import (
	"path"
	"strings"
	"time"
)

// Location identifies a mirror root in an object store.
type Location struct {
	Bucket string `json:"bucket"`
	Prefix string `json:"prefix,omitempty"`
}

// String returns a string representation.
func (l Location) String() string {
	if l.Prefix != "" {
		return l.Bucket + "/" + strings.Trim(l.Prefix, "/")
	}
	return l.Bucket
}

// ObjectInfo describes one local file and the key it is mirrored to.
type ObjectInfo struct {
	Key       string `json:"key"`
	LocalPath string `json:"local_path"`
	Size      int64  `json:"size"`
}

// UploadSummary reports the outcome of a directory upload.
type UploadSummary struct {
	Location Location      `json:"location"`
	Objects  int           `json:"objects"`
	Bytes    int64         `json:"bytes"`
	Duration time.Duration `json:"duration"`
}

// ObjectKey joins prefix and a slash-separated relative path into an object
// key. Empty and slash-only prefixes produce the bare relative path.
func ObjectKey(prefix, rel string) string {
	prefix = strings.Trim(prefix, "/")
	rel = strings.TrimLeft(rel, "/")
	if prefix == "" {
		return rel
	}
	return path.Join(prefix, rel)
}
