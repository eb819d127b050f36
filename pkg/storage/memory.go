package storage

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"
)

// MemoryPublisher keeps an in-process mirror. It backs the "memory"
// publisher mode, which lets an ingestion run be checked end to end without
// cloud credentials.
type MemoryPublisher struct {
	mu      sync.RWMutex
	buckets map[string]map[string][]byte
	uploads int
}

// NewMemoryPublisher creates an empty in-memory mirror.
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{buckets: make(map[string]map[string][]byte)}
}

// Name returns the publisher name.
func (*MemoryPublisher) Name() string {
	return "memory"
}

// Upload copies every file under localDir into the bucket map.
func (m *MemoryPublisher) Upload(ctx context.Context, bucket, localDir, prefix string) (*UploadSummary, error) {
	started := time.Now()
	objects, err := Walk(localDir, prefix)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploads++

	objs, ok := m.buckets[bucket]
	if !ok {
		objs = make(map[string][]byte)
		m.buckets[bucket] = objs
	}
	for _, o := range objects {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("uploading %s: %w", o.Key, err)
		}
		data, err := os.ReadFile(o.LocalPath)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", o.LocalPath, err)
		}
		objs[o.Key] = data
	}
	return Summarize(Location{Bucket: bucket, Prefix: prefix}, objects, started), nil
}

// Object returns the stored content for key.
func (m *MemoryPublisher) Object(bucket, key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.buckets[bucket][key]
	return data, ok
}

// Keys returns the sorted keys stored in bucket.
func (m *MemoryPublisher) Keys(bucket string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.buckets[bucket]))
	for k := range m.buckets[bucket] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Uploads returns how many Upload calls have been made.
func (m *MemoryPublisher) Uploads() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.uploads
}

// Close is a no-op.
func (*MemoryPublisher) Close() error {
	return nil
}

// Verify interface compliance.
var _ Publisher = (*MemoryPublisher)(nil)
