// Package blob abstracts the archive cache backends: a local
// directory, an S3 bucket or a GCS bucket.
package blob

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/scmtools/scmbridge/pkg/blob/file"
	"github.com/scmtools/scmbridge/pkg/blob/gcs"
	"github.com/scmtools/scmbridge/pkg/blob/s3"
)

type Storage interface {
	Write(path string, content []byte) error
	Read(path string) ([]byte, error)
	Exists(path string) (bool, error)
}

// FromURL selects a backend from a storage address:
//
//	file:///var/cache/scmbridge
//	s3://bucket/prefix
//	gs://bucket/prefix
//
// A plain path selects the file backend.
func FromURL(ctx context.Context, raw string) (Storage, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing storage address %q: %w", raw, err)
	}

	prefix := strings.Trim(u.Path, "/")

	switch u.Scheme {
	case "", "file":
		if u.Scheme == "" {
			return file.New(raw)
		}
		return file.New(u.Path)
	case "s3":
		return s3.New(u.Host, prefix)
	case "gs":
		return gcs.New(ctx, u.Host, prefix)
	default:
		return nil, fmt.Errorf("unsupported storage scheme %q", u.Scheme)
	}
}
