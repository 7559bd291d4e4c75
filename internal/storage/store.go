package storage

import (
	"context"
	"io"
)

// ObjectStore is the storage boundary this core consumes: stream an object
// in under a key, get back a public URL; read it back by key. Implementations
// must not buffer the whole stream.
type ObjectStore interface {
	PutStream(ctx context.Context, key, contentType string, r io.Reader, length int64) (string, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
}
