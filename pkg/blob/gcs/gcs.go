package gcs

import (
	"context"
	"errors"
	"io"
	"path"

	"cloud.google.com/go/storage"
)

type GCS struct {
	bucket *storage.BucketHandle
	prefix string
}

func New(ctx context.Context, bucket, prefix string) (*GCS, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, err
	}

	return &GCS{
		bucket: client.Bucket(bucket),
		prefix: prefix,
	}, nil
}

func (g *GCS) key(p string) string {
	if g.prefix == "" {
		return p
	}
	return path.Join(g.prefix, p)
}

func (g *GCS) Write(p string, content []byte) error {
	ctx := context.Background()
	w := g.bucket.Object(g.key(p)).NewWriter(ctx)

	if _, err := w.Write(content); err != nil {
		return err
	}

	// Close, just like writing a file.
	return w.Close()
}

func (g *GCS) Read(p string) ([]byte, error) {
	ctx := context.Background()
	r, err := g.bucket.Object(g.key(p)).NewReader(ctx)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	return io.ReadAll(r)
}

func (g *GCS) Exists(p string) (bool, error) {
	ctx := context.Background()
	_, err := g.bucket.Object(g.key(p)).Attrs(ctx)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	return false, err
}
