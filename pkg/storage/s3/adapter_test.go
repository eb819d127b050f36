package s3

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	s3AdapterTestBucket = "f1db-raw"
	s3AdapterTestPrefix = "raw/latest"
)

// mockClient implements the Client interface for testing.
type mockClient struct {
	mu          sync.Mutex
	puts        map[string]string
	contentType map[string]string
	putErr      error
	exists      bool
	existsErr   error
	makeErr     error
	madeBucket  string
}

func newMockClient() *mockClient {
	return &mockClient{puts: map[string]string{}, contentType: map[string]string{}}
}

func (m *mockClient) FPutObject(_ context.Context, bucketName, objectName, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return minio.UploadInfo{}, m.putErr
	}
	m.puts[objectName] = filePath
	m.contentType[objectName] = opts.ContentType
	return minio.UploadInfo{Bucket: bucketName, Key: objectName}, nil
}

func (m *mockClient) BucketExists(_ context.Context, _ string) (bool, error) {
	return m.exists, m.existsErr
}

func (m *mockClient) MakeBucket(_ context.Context, bucketName string, _ minio.MakeBucketOptions) error {
	m.madeBucket = bucketName
	return m.makeErr
}

func (m *mockClient) keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.puts))
	for k := range m.puts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeTree(t *testing.T, files ...string) string {
	t.Helper()
	root := t.TempDir()
	for _, rel := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o750))
		require.NoError(t, os.WriteFile(p, []byte(rel), 0o600))
	}
	return root
}

func TestNew(t *testing.T) {
	t.Run("nil client returns error", func(t *testing.T) {
		_, err := New(Config{}, nil, nil)
		require.Error(t, err)
		assert.Equal(t, "s3 client is required", err.Error())
	})

	t.Run("defaults applied", func(t *testing.T) {
		adapter, err := New(Config{}, newMockClient(), nil)
		require.NoError(t, err)
		assert.Equal(t, DefaultEndpoint, adapter.cfg.Endpoint)
		assert.Equal(t, 1, adapter.cfg.Concurrency)
		assert.Equal(t, "s3", adapter.Name())
		assert.NoError(t, adapter.Close())
	})

	t.Run("concurrency capped", func(t *testing.T) {
		adapter, err := New(Config{Concurrency: 1000}, newMockClient(), nil)
		require.NoError(t, err)
		assert.Equal(t, maxConcurrency, adapter.cfg.Concurrency)
	})
}

func TestNewFromConfig(t *testing.T) {
	adapter, err := NewFromConfig(Config{
		Endpoint:    "http://localhost:9000",
		AccessKeyID: "key",
		SecretKey:   "secret",
	}, quietLogger())
	require.NoError(t, err)
	assert.NotNil(t, adapter.client)
}

func TestSplitEndpoint(t *testing.T) {
	tests := []struct {
		name       string
		endpoint   string
		useSSL     bool
		wantHost   string
		wantSecure bool
	}{
		{name: "gcs default", endpoint: DefaultEndpoint, wantHost: "storage.googleapis.com", wantSecure: true},
		{name: "http scheme", endpoint: "http://localhost:9000", useSSL: true, wantHost: "localhost:9000"},
		{name: "bare host keeps flag", endpoint: "minio:9000", useSSL: true, wantHost: "minio:9000", wantSecure: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, secure, err := splitEndpoint(tt.endpoint, tt.useSSL)
			require.NoError(t, err)
			assert.Equal(t, tt.wantHost, host)
			assert.Equal(t, tt.wantSecure, secure)
		})
	}
}

func TestUpload_MirrorsTree(t *testing.T) {
	for _, concurrency := range []int{1, 4} {
		client := newMockClient()
		adapter, err := New(Config{Concurrency: concurrency}, client, quietLogger())
		require.NoError(t, err)

		root := writeTree(t, "drivers.csv", "version.txt", "seasons/2025/races.csv")
		summary, err := adapter.Upload(context.Background(), s3AdapterTestBucket, root, s3AdapterTestPrefix)
		require.NoError(t, err)

		assert.Equal(t, 3, summary.Objects)
		assert.Equal(t, []string{
			"raw/latest/drivers.csv",
			"raw/latest/seasons/2025/races.csv",
			"raw/latest/version.txt",
		}, client.keys())
		assert.Equal(t, filepath.Join(root, "seasons", "2025", "races.csv"), client.puts["raw/latest/seasons/2025/races.csv"])
		assert.Equal(t, "text/csv", client.contentType["raw/latest/drivers.csv"])
	}
}

func TestUpload_PutError(t *testing.T) {
	client := newMockClient()
	client.putErr = errors.New("access denied")
	adapter, err := New(Config{}, client, quietLogger())
	require.NoError(t, err)

	_, err = adapter.Upload(context.Background(), s3AdapterTestBucket, writeTree(t, "a.csv"), s3AdapterTestPrefix)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "uploading")
	assert.Contains(t, err.Error(), "access denied")
}

func TestUpload_EnsureBucket(t *testing.T) {
	t.Run("creates missing bucket", func(t *testing.T) {
		client := newMockClient()
		adapter, err := New(Config{CreateBucket: true}, client, quietLogger())
		require.NoError(t, err)

		_, err = adapter.Upload(context.Background(), s3AdapterTestBucket, writeTree(t, "a.csv"), "")
		require.NoError(t, err)
		assert.Equal(t, s3AdapterTestBucket, client.madeBucket)
	})

	t.Run("existing bucket untouched", func(t *testing.T) {
		client := newMockClient()
		client.exists = true
		adapter, err := New(Config{CreateBucket: true}, client, quietLogger())
		require.NoError(t, err)

		_, err = adapter.Upload(context.Background(), s3AdapterTestBucket, writeTree(t, "a.csv"), "")
		require.NoError(t, err)
		assert.Empty(t, client.madeBucket)
	})

	t.Run("lookup failure", func(t *testing.T) {
		client := newMockClient()
		client.existsErr = errors.New("timeout")
		adapter, err := New(Config{CreateBucket: true}, client, quietLogger())
		require.NoError(t, err)

		_, err = adapter.Upload(context.Background(), s3AdapterTestBucket, writeTree(t, "a.csv"), "")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "checking bucket")
	})
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "text/plain; charset=utf-8", contentType("raw/version.txt"))
	assert.Equal(t, defaultContentType, contentType("raw/blob"))
}

func TestPing(t *testing.T) {
	client := newMockClient()
	adapter, err := New(Config{}, client, quietLogger())
	require.NoError(t, err)

	err = adapter.Ping(context.Background(), s3AdapterTestBucket)
	require.Error(t, err)
	assert.Equal(t, "bucket f1db-raw does not exist", err.Error())

	client.exists = true
	assert.NoError(t, adapter.Ping(context.Background(), s3AdapterTestBucket))

	client.existsErr = errors.New("forbidden")
	err = adapter.Ping(context.Background(), s3AdapterTestBucket)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "forbidden")
}
