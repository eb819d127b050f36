package s3

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	s3client "github.com/txn2/mcp-s3/pkg/client"

	"github.com/txn2/f1db-ingest/pkg/storage"
)

// listPageSize is the S3 ListObjects page limit.
const listPageSize = 1000

// ErrNotMirrored reports uploaded objects the bucket listing does not show
// with the expected size.
var ErrNotMirrored = errors.New("objects not mirrored")

// Lister defines the mcp-s3 listing operations the inventory uses.
// This interface allows for mocking in tests.
type Lister interface {
	ListObjects(ctx context.Context, bucket, prefix, delimiter string, maxKeys int32, continueToken string) (*s3client.ListObjectsOutput, error)
	Close() error
}

// Inventory reads back a bucket prefix after an upload and confirms every
// object arrived.
type Inventory struct {
	client Lister
}

// NewInventory creates an inventory over an existing client.
func NewInventory(client Lister) (*Inventory, error) {
	if client == nil {
		return nil, fmt.Errorf("s3 list client is required")
	}
	return &Inventory{client: client}, nil
}

// NewInventoryFromConfig creates an inventory with a new mcp-s3 client.
func NewInventoryFromConfig(ctx context.Context, cfg Config) (*Inventory, error) {
	cfg = normalize(cfg)
	client, err := s3client.New(ctx, &s3client.Config{
		Region:          cfg.Region,
		Endpoint:        cfg.Endpoint,
		AccessKeyID:     cfg.AccessKeyID,
		SecretAccessKey: cfg.SecretKey,
		UsePathStyle:    true,
		Name:            "f1db-ingest",
	})
	if err != nil {
		return nil, fmt.Errorf("creating s3 list client: %w", err)
	}
	return NewInventory(client)
}

// Verify lists bucket/prefix and checks that every object is present with
// its local size. Keys the first page does not show are looked up one by
// one, so prefixes past a single page are still covered.
func (i *Inventory) Verify(ctx context.Context, bucket, prefix string, objects []storage.ObjectInfo) error {
	if len(objects) == 0 {
		return nil
	}

	listPrefix := ""
	if prefix != "" {
		listPrefix = strings.TrimSuffix(prefix, "/") + "/"
	}
	remote, err := i.list(ctx, bucket, listPrefix, listPageSize)
	if err != nil {
		return err
	}

	var missing []string
	for _, obj := range objects {
		size, ok := remote[obj.Key]
		if !ok && len(remote) >= listPageSize {
			exact, err := i.list(ctx, bucket, obj.Key, 1)
			if err != nil {
				return err
			}
			size, ok = exact[obj.Key]
		}
		if !ok || size != obj.Size {
			missing = append(missing, obj.Key)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("%w in %s: %s", ErrNotMirrored, storage.Location{Bucket: bucket, Prefix: prefix}, strings.Join(missing, ", "))
	}
	return nil
}

func (i *Inventory) list(ctx context.Context, bucket, prefix string, limit int32) (map[string]int64, error) {
	out, err := i.client.ListObjects(ctx, bucket, prefix, "", limit, "")
	if err != nil {
		return nil, fmt.Errorf("listing %s/%s: %w", bucket, prefix, err)
	}
	sizes := make(map[string]int64, len(out.Objects))
	for _, obj := range out.Objects {
		sizes[obj.Key] = obj.Size
	}
	return sizes, nil
}

// Close releases the list client.
func (i *Inventory) Close() error {
	return i.client.Close()
}
