package blob

import (
	"context"
	"io"
	"path"
	"time"

	"github.com/google/uuid"
)

// Store holds encrypted file blobs under opaque keys.
type Store interface {
	Put(ctx context.Context, key string, r io.ReadSeeker, size int64) error
	// Open returns domain.ErrNotFound for a missing key.
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete of a missing key is not an error.
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Name() string
}

// NewKey returns a fresh storage key, unrelated to the file name.
func NewKey(now time.Time) string {
	now = now.UTC()
	return path.Join("blobs", now.Format("2006"), now.Format("01"), now.Format("02"), uuid.NewString())
}
