package objstore

import (
	"context"
	"time"
)

// Metadata describes a stored object.
type Metadata struct {
	Key          string
	Size         int64
	LastModified time.Time
	ETag         string
}

// Store is the uniform object-store capability used by every persistence
// path: WAL objects, columnar segments, snapshots, manifests, and the
// DLQ blob. Implementations classify failures into the semantic error
// kinds (NotFound, TransientStorage, PermanentStorage) on egress so
// retry policy can be decided without knowing the backend.
type Store interface {
	// Put stores data under key, overwriting any existing object.
	Put(ctx context.Context, key string, data []byte) error

	// Get returns the full object body. A missing key yields NotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Head returns object metadata without the body.
	Head(ctx context.Context, key string) (Metadata, error)

	// List returns metadata for every object under prefix.
	List(ctx context.Context, prefix string) ([]Metadata, error)

	// Delete removes the object. Deleting a missing key is a no-op.
	Delete(ctx context.Context, key string) error

	// Copy duplicates an object server-side where supported.
	Copy(ctx context.Context, from, to string) error

	// PutMultipart stores the concatenation of parts under key.
	PutMultipart(ctx context.Context, key string, parts [][]byte) error
}
