// Package s3 provides an S3-protocol implementation of the storage publisher.
// Google Cloud Storage is reached through its S3 interoperability endpoint
// using HMAC keys.
package s3

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"net/url"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"golang.org/x/sync/errgroup"

	"github.com/txn2/f1db-ingest/pkg/storage"
)

const (
	// DefaultEndpoint is the GCS XML API endpoint that speaks the S3 protocol.
	DefaultEndpoint = "https://storage.googleapis.com"

	defaultContentType = "application/octet-stream"
	maxConcurrency     = 64
)

// Config holds S3 adapter configuration.
type Config struct {
	Endpoint     string
	Region       string
	AccessKeyID  string
	SecretKey    string
	UseSSL       bool
	Concurrency  int
	CreateBucket bool
	// Verify lists the prefix after each upload and fails the upload when
	// an object is missing or has the wrong size.
	Verify       bool
}

// Client defines the minio operations used by the adapter.
// This interface allows for mocking in tests.
type Client interface {
	FPutObject(ctx context.Context, bucketName, objectName, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
}

// Adapter implements storage.Publisher over an S3-compatible API.
type Adapter struct {
	cfg       Config
	client    Client
	inventory *Inventory
	logger    *slog.Logger
}

// New creates a new adapter with an existing client.
func New(cfg Config, client Client, logger *slog.Logger) (*Adapter, error) {
	if client == nil {
		return nil, fmt.Errorf("s3 client is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		cfg:    normalize(cfg),
		client: client,
		logger: logger,
	}, nil
}

// NewFromConfig creates a new adapter with a new minio client from config.
func NewFromConfig(cfg Config, logger *slog.Logger) (*Adapter, error) {
	cfg = normalize(cfg)
	host, secure, err := splitEndpoint(cfg.Endpoint, cfg.UseSSL)
	if err != nil {
		return nil, err
	}

	client, err := minio.New(host, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretKey, ""),
		Secure: secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("creating s3 client: %w", err)
	}

	a, err := New(cfg, client, logger)
	if err != nil {
		return nil, err
	}
	if cfg.Verify {
		a.inventory, err = NewInventoryFromConfig(context.Background(), cfg)
		if err != nil {
			return nil, err
		}
	}
	return a, nil
}

func normalize(cfg Config) Config {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Concurrency > maxConcurrency {
		cfg.Concurrency = maxConcurrency
	}
	return cfg
}

// splitEndpoint returns the host[:port] minio expects and whether to use TLS.
// A scheme in the endpoint wins over useSSL.
func splitEndpoint(endpoint string, useSSL bool) (string, bool, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", false, fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	if u.Host == "" {
		return endpoint, useSSL, nil
	}
	switch u.Scheme {
	case "https":
		return u.Host, true, nil
	case "http":
		return u.Host, false, nil
	default:
		return u.Host, useSSL, nil
	}
}

// Name returns the publisher name.
func (*Adapter) Name() string {
	return "s3"
}

// Upload mirrors every file under localDir to bucket/prefix. Files are sent
// with at most cfg.Concurrency uploads in flight; the first failure cancels
// the rest.
func (a *Adapter) Upload(ctx context.Context, bucket, localDir, prefix string) (*storage.UploadSummary, error) {
	started := time.Now()
	loc := storage.Location{Bucket: bucket, Prefix: prefix}

	if a.cfg.CreateBucket {
		if err := a.ensureBucket(ctx, bucket); err != nil {
			return nil, err
		}
	}

	objects, err := storage.Walk(localDir, prefix)
	if err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.Concurrency)
	for _, obj := range objects {
		g.Go(func() error {
			return a.put(gctx, bucket, obj)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if a.inventory != nil {
		if err := a.inventory.Verify(ctx, bucket, prefix, objects); err != nil {
			return nil, fmt.Errorf("verifying upload: %w", err)
		}
		a.logger.Debug("verified mirrored objects", "location", loc.String(), "objects", len(objects))
	}

	summary := storage.Summarize(loc, objects, started)
	a.logger.Info("uploaded directory", "location", loc.String(), "objects", summary.Objects, "duration", summary.Duration)
	return summary, nil
}

func (a *Adapter) put(ctx context.Context, bucket string, obj storage.ObjectInfo) error {
	_, err := a.client.FPutObject(ctx, bucket, obj.Key, obj.LocalPath, minio.PutObjectOptions{
		ContentType: contentType(obj.Key),
	})
	if err != nil {
		return fmt.Errorf("uploading %s to %s: %w", obj.LocalPath, obj.Key, err)
	}
	a.logger.Debug("uploaded object", "bucket", bucket, "key", obj.Key, "size", obj.Size)
	return nil
}

func (a *Adapter) ensureBucket(ctx context.Context, bucket string) error {
	exists, err := a.client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("checking bucket %s: %w", bucket, err)
	}
	if exists {
		return nil
	}
	if err := a.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: a.cfg.Region}); err != nil {
		return fmt.Errorf("creating bucket %s: %w", bucket, err)
	}
	a.logger.Info("created bucket", "bucket", bucket)
	return nil
}

// Ping checks that bucket exists and the credentials can see it.
func (a *Adapter) Ping(ctx context.Context, bucket string) error {
	exists, err := a.client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("checking bucket %s: %w", bucket, err)
	}
	if !exists {
		return fmt.Errorf("bucket %s does not exist", bucket)
	}
	return nil
}

// datasetTypes covers the extensions shipped in F1DB archives, which the
// platform MIME table does not always know.
var datasetTypes = map[string]string{
	".csv":  "text/csv",
	".txt":  "text/plain; charset=utf-8",
	".json": "application/json",
}

// contentType guesses a MIME type from the key's extension.
func contentType(key string) string {
	ext := path.Ext(key)
	if ct, ok := datasetTypes[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return defaultContentType
}

// Close releases the list client when verification is on. The minio
// client holds no connections that need explicit release.
func (a *Adapter) Close() error {
	if a.inventory != nil {
		return a.inventory.Close()
	}
	return nil
}

// Verify interface compliance.
var _ storage.Publisher = (*Adapter)(nil)
