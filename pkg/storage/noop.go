package storage

import "context"

// NoopPublisher walks the tree but uploads nothing. Used for dry runs.
type NoopPublisher struct{}

// NewNoopPublisher creates a new no-op publisher.
func NewNoopPublisher() *NoopPublisher {
	return &NoopPublisher{}
}

// Name returns the publisher name.
func (*NoopPublisher) Name() string {
	return "noop"
}

// Upload reports the objects that would have been uploaded.
func (*NoopPublisher) Upload(_ context.Context, bucket, localDir, prefix string) (*UploadSummary, error) {
	objects, err := Walk(localDir, prefix)
	if err != nil {
		return nil, err
	}
	return summarize(Location{Bucket: bucket, Prefix: prefix}, objects), nil
}

// Close is a no-op.
func (*NoopPublisher) Close() error {
	return nil
}

// Verify interface compliance.
var _ Publisher = (*NoopPublisher)(nil)
