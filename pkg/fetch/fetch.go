// Package fetch downloads release archives and extracts them to disk.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/zip"
)

const (
	defaultUserAgent = "f1db-ingest"
	defaultFileName  = "archive.zip"
	chunkSize        = 32 * 1024
)

// Sentinel errors. Callers match them with errors.Is.
var (
	// ErrNetwork reports a failed or unsuccessful remote request.
	ErrNetwork = errors.New("network error")

	// ErrMissingFile reports an archive that is absent where it was expected.
	ErrMissingFile = errors.New("missing file")

	// ErrUnsafePath reports an archive entry that would land outside the
	// extraction directory.
	ErrUnsafePath = errors.New("unsafe archive entry path")

	// ErrCorruptArchive reports a file that is not a readable ZIP archive.
	ErrCorruptArchive = errors.New("corrupt archive")
)

// Fetcher downloads and extracts archives.
type Fetcher struct {
	client    *http.Client
	logger    *slog.Logger
	userAgent string
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient sets the HTTP client used for downloads.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) {
		f.client = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Fetcher) {
		f.logger = l
	}
}

// WithUserAgent sets the User-Agent header sent with downloads.
func WithUserAgent(ua string) Option {
	return func(f *Fetcher) {
		f.userAgent = ua
	}
}

// New creates a Fetcher. Without options it uses http.DefaultClient and the
// default slog logger.
func New(opts ...Option) *Fetcher {
	f := &Fetcher{
		client:    http.DefaultClient,
		logger:    slog.Default(),
		userAgent: defaultUserAgent,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// FileName returns the local file name for rawURL: its final path segment.
func FileName(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return defaultFileName
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" || name == "" {
		return defaultFileName
	}
	return name
}

// Download streams rawURL into destDir and returns the local file path.
// destDir and its parents are created when missing.
func (f *Fetcher) Download(ctx context.Context, rawURL, destDir string) (string, error) {
	if err := os.MkdirAll(destDir, 0o750); err != nil {
		return "", fmt.Errorf("creating download directory: %w", err)
	}
	localPath := filepath.Join(destDir, FileName(rawURL))

	f.logger.Info("downloading release archive", "url", rawURL, "path", localPath)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return "", fmt.Errorf("%w: building request: %w", ErrNetwork, err)
	}
	req.Header.Set("User-Agent", f.userAgent)

	// #nosec G107 -- the release URL is operator configuration
	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: requesting %s: %w", ErrNetwork, rawURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: requesting %s: unexpected status %s", ErrNetwork, rawURL, resp.Status)
	}

	written, err := writeStream(localPath, resp.Body)
	if err != nil {
		return "", err
	}

	if _, err := os.Stat(localPath); err != nil {
		return "", fmt.Errorf("%w: expected download at %s: %w", ErrMissingFile, localPath, err)
	}

	f.logger.Info("downloaded release archive", "path", localPath, "size", humanize.Bytes(uint64(written))) // #nosec G115 -- io.Copy never returns a negative count
	return localPath, nil
}

// writeStream copies body into a new file at p in fixed-size chunks.
func writeStream(p string, body io.Reader) (int64, error) {
	// #nosec G304 -- p is built from the staging directory
	out, err := os.Create(p)
	if err != nil {
		return 0, fmt.Errorf("creating archive file: %w", err)
	}

	written, err := io.CopyBuffer(out, body, make([]byte, chunkSize))
	if err != nil {
		_ = out.Close()
		return written, fmt.Errorf("%w: reading response body: %w", ErrNetwork, err)
	}
	if err := out.Close(); err != nil {
		return written, fmt.Errorf("closing archive file: %w", err)
	}
	return written, nil
}

// Extract unpacks the ZIP archive at archivePath into destDir and returns the
// number of entries written. Nested directory entries are preserved.
func (f *Fetcher) Extract(archivePath, destDir string) (int, error) {
	if _, err := os.Stat(archivePath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			f.logger.Error("archive does not exist", "path", archivePath)
			return 0, fmt.Errorf("%w: archive %s", ErrMissingFile, archivePath)
		}
		return 0, fmt.Errorf("checking archive: %w", err)
	}

	if err := os.MkdirAll(destDir, 0o750); err != nil {
		return 0, fmt.Errorf("creating extraction directory: %w", err)
	}

	f.logger.Info("extracting archive", "archive", archivePath, "dest", destDir)

	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return 0, fmt.Errorf("%w: opening archive: %w", ErrCorruptArchive, err)
	}
	defer func() { _ = r.Close() }()

	names := make([]string, 0, len(r.File))
	for _, file := range r.File {
		if err := extractEntry(file, destDir); err != nil {
			return len(names), err
		}
		names = append(names, file.Name)
	}

	f.logger.Info("extracted archive", "entries", len(names), "dest", destDir)
	f.logger.Debug("extracted entries", "names", names)
	return len(names), nil
}

// entryTarget resolves name under destDir, rejecting paths that escape it.
func entryTarget(destDir, name string) (string, error) {
	clean := filepath.FromSlash(name)
	if filepath.IsAbs(clean) || strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	target := filepath.Join(destDir, clean)
	rel, err := filepath.Rel(destDir, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	return target, nil
}

func extractEntry(file *zip.File, destDir string) error {
	target, err := entryTarget(destDir, file.Name)
	if err != nil {
		return err
	}

	if file.FileInfo().IsDir() {
		if err := os.MkdirAll(target, 0o750); err != nil {
			return fmt.Errorf("creating directory %s: %w", file.Name, err)
		}
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return fmt.Errorf("creating parent of %s: %w", file.Name, err)
	}

	src, err := file.Open()
	if err != nil {
		return fmt.Errorf("opening entry %s: %w", file.Name, err)
	}
	defer func() { _ = src.Close() }()

	mode := file.Mode().Perm()
	if mode == 0 {
		mode = 0o644
	}

	// #nosec G304 -- target is confined to destDir by entryTarget
	dst, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("creating %s: %w", file.Name, err)
	}

	// #nosec G110 -- archive size limits are out of scope
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return fmt.Errorf("writing %s: %w", file.Name, err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", file.Name, err)
	}
	return nil
}
