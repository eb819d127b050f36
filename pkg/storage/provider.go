package storage

import "context"

// Publisher mirrors a local directory tree into an object store.
// GCS (through its S3 interoperability endpoint) and S3 implement this.
type Publisher interface {
	// Name returns the publisher name.
	Name() string

	// Upload stores every regular file under localDir at
	// prefix/<path relative to localDir>. Remote objects that have no local
	// counterpart are left in place.
	Upload(ctx context.Context, bucket, localDir, prefix string) (*UploadSummary, error)

	// Close releases resources.
	Close() error
}
