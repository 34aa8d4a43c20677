package archive

import (
	"context"
	"io"

	"cloud.google.com/go/storage"
)

// ObjectStore opens snapshot objects for writing. Closing the returned writer
// commits the object.
type ObjectStore interface {
	NewObjectWriter(ctx context.Context, bucket, object string) io.WriteCloser
}

// gcsObjectStore writes snapshots to Cloud Storage.
type gcsObjectStore struct {
	client *storage.Client
}

// NewGCSObjectStore returns an ObjectStore backed by client, or nil when
// client is nil.
func NewGCSObjectStore(client *storage.Client) ObjectStore {
	if client == nil {
		return nil
	}
	return &gcsObjectStore{client: client}
}

// NewObjectWriter tags snapshots as gzip'd JSON so GCS decompresses them for
// clients that do not send Accept-Encoding: gzip.
func (s *gcsObjectStore) NewObjectWriter(ctx context.Context, bucket, object string) io.WriteCloser {
	w := s.client.Bucket(bucket).Object(object).NewWriter(ctx)
	w.ContentType = "application/json"
	w.ContentEncoding = "gzip"
	return w
}
