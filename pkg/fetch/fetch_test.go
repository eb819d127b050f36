package fetch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fetchTestArchive = "f1db-csv.zip"

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// buildZip returns a ZIP archive holding entries. Names ending in "/" are
// written as directory entries.
func buildZip(t *testing.T, entries map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range entries {
		fw, err := w.Create(name)
		require.NoError(t, err)
		if content != "" {
			_, err = fw.Write([]byte(content))
			require.NoError(t, err)
		}
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestFileName(t *testing.T) {
	tests := []struct {
		name string
		url  string
		want string
	}{
		{name: "release asset", url: "https://github.com/f1db/f1db/releases/download/v2025.3.0/f1db-csv.zip", want: fetchTestArchive},
		{name: "query string ignored", url: "https://host/a/b.zip?token=1", want: "b.zip"},
		{name: "bare host", url: "https://host", want: defaultFileName},
		{name: "trailing slash", url: "https://host/", want: defaultFileName},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FileName(tt.url))
		})
	}
}

func TestDownload_Success(t *testing.T) {
	payload := bytes.Repeat([]byte("f1db"), chunkSize)
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "nested", "download")
	f := New(WithLogger(quietLogger()), WithHTTPClient(srv.Client()), WithUserAgent("test-agent"))

	p, err := f.Download(context.Background(), srv.URL+"/v2025.3.0/"+fetchTestArchive, dest)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dest, fetchTestArchive), p)
	assert.Equal(t, "test-agent", gotUA)

	data, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestDownload_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	f := New(WithLogger(quietLogger()))
	_, err := f.Download(context.Background(), srv.URL+"/"+fetchTestArchive, t.TempDir())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNetwork))
	assert.Contains(t, err.Error(), "404")
}

func TestDownload_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	addr := srv.URL
	srv.Close()

	f := New(WithLogger(quietLogger()))
	_, err := f.Download(context.Background(), addr+"/"+fetchTestArchive, t.TempDir())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNetwork))
}

func TestDownload_CancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("x"))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := New(WithLogger(quietLogger()))
	_, err := f.Download(ctx, srv.URL+"/"+fetchTestArchive, t.TempDir())
	assert.True(t, errors.Is(err, ErrNetwork))
}

func TestExtract_NestedEntries(t *testing.T) {
	archive := filepath.Join(t.TempDir(), fetchTestArchive)
	require.NoError(t, os.WriteFile(archive, buildZip(t, map[string]string{
		"drivers.csv":            "id,name\n1,Hamilton\n",
		"seasons/":               "",
		"seasons/2025/races.csv": "round\n1\n",
	}), 0o600))

	dest := filepath.Join(t.TempDir(), "extracted")
	n, err := New(WithLogger(quietLogger())).Extract(archive, dest)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	data, err := os.ReadFile(filepath.Join(dest, "drivers.csv"))
	require.NoError(t, err)
	assert.Equal(t, "id,name\n1,Hamilton\n", string(data))

	data, err = os.ReadFile(filepath.Join(dest, "seasons", "2025", "races.csv"))
	require.NoError(t, err)
	assert.Equal(t, "round\n1\n", string(data))

	info, err := os.Stat(filepath.Join(dest, "seasons"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestExtract_MissingArchive(t *testing.T) {
	_, err := New(WithLogger(quietLogger())).Extract(filepath.Join(t.TempDir(), "absent.zip"), t.TempDir())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingFile))
}

func TestExtract_CorruptArchive(t *testing.T) {
	archive := filepath.Join(t.TempDir(), fetchTestArchive)
	require.NoError(t, os.WriteFile(archive, []byte("not a zip"), 0o600))

	_, err := New(WithLogger(quietLogger())).Extract(archive, t.TempDir())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCorruptArchive))
	assert.Contains(t, err.Error(), "opening archive")
}

func TestExtract_EmptyArchive(t *testing.T) {
	archive := filepath.Join(t.TempDir(), fetchTestArchive)
	require.NoError(t, os.WriteFile(archive, buildZip(t, nil), 0o600))

	dest := filepath.Join(t.TempDir(), "extracted")
	n, err := New(WithLogger(quietLogger())).Extract(archive, dest)
	require.NoError(t, err)
	assert.Zero(t, n)

	entries, err := os.ReadDir(dest)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestEntryTarget(t *testing.T) {
	dest := t.TempDir()

	tests := []struct {
		name    string
		entry   string
		wantErr bool
	}{
		{name: "plain file", entry: "a.csv"},
		{name: "nested", entry: "a/b/c.csv"},
		{name: "dot segments inside", entry: "a/../b.csv"},
		{name: "parent escape", entry: "../b.csv", wantErr: true},
		{name: "deep escape", entry: "a/../../b.csv", wantErr: true},
		{name: "absolute", entry: "/etc/passwd", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := entryTarget(dest, tt.entry)
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrUnsafePath))
				return
			}
			assert.NoError(t, err)
		})
	}
}
