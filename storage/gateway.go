package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
)

// BucketContent is the object store bucket holding generated documents.
const BucketContent = "DIALECTIC_CONTENT"

// UploadOptions controls gateway upload behavior.
type UploadOptions struct {
	// Upsert permits overwriting an existing object. Without it an upload
	// to an occupied path fails with ErrObjectExists.
	Upsert bool
}

// Gateway is the byte-addressed content store backed by a JetStream Object
// Store bucket. Paths follow the projects/{...} convention in paths.go.
type Gateway struct {
	bucket string
	obs    jetstream.ObjectStore
}

// NewGateway opens (or creates) the content bucket.
func NewGateway(ctx context.Context, js jetstream.JetStream, bucket string) (*Gateway, error) {
	if bucket == "" {
		bucket = BucketContent
	}
	obs, err := js.ObjectStore(ctx, bucket)
	if err != nil {
		obs, err = js.CreateObjectStore(ctx, jetstream.ObjectStoreConfig{
			Bucket:      bucket,
			Description: "Dialectic generated content",
		})
		if err != nil {
			return nil, fmt.Errorf("create content bucket %s: %w", bucket, err)
		}
	}
	return &Gateway{bucket: bucket, obs: obs}, nil
}

// Bucket returns the gateway's bucket name.
func (g *Gateway) Bucket() string {
	return g.bucket
}

// Download returns the bytes stored at path.
func (g *Gateway) Download(ctx context.Context, path string) ([]byte, error) {
	data, err := g.obs.GetBytes(ctx, path)
	if err != nil {
		if errors.Is(err, jetstream.ErrObjectNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("download %s: %w", path, err)
	}
	return data, nil
}

// Upload stores data at path and returns the path. Without opts.Upsert an
// occupied path is an error.
func (g *Gateway) Upload(ctx context.Context, path string, data []byte, opts UploadOptions) (string, error) {
	if !opts.Upsert {
		if _, err := g.obs.GetInfo(ctx, path); err == nil {
			return "", fmt.Errorf("upload %s: %w", path, ErrObjectExists)
		}
	}
	if _, err := g.obs.PutBytes(ctx, path, data); err != nil {
		return "", fmt.Errorf("upload %s: %w", path, err)
	}
	return path, nil
}

// Delete removes the object at path. Deleting a missing object is not an error.
func (g *Gateway) Delete(ctx context.Context, path string) error {
	if err := g.obs.Delete(ctx, path); err != nil {
		if errors.Is(err, jetstream.ErrObjectNotFound) {
			return nil
		}
		return fmt.Errorf("delete %s: %w", path, err)
	}
	return nil
}
