package fetch

import (
	"context"
	"fmt"
	"io"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	"github.com/pssdev/depotsync/internal/manifest"
)

// BucketFetcher retrieves chunks from a gocloud blob bucket laid out as
// depots/{depotID}/chunks/{hash}. It serves local mirrors via fileblob as
// well as object stores.
type BucketFetcher struct {
	bucket *blob.Bucket
}

// NewBucketFetcher wraps an already-open bucket. The caller keeps ownership
// of the bucket and closes it after the run.
func NewBucketFetcher(bucket *blob.Bucket) *BucketFetcher {
	return &BucketFetcher{bucket: bucket}
}

// ChunkKey returns the bucket key for a chunk of the given depot.
func ChunkKey(depotID uint32, hash string) string {
	return fmt.Sprintf("depots/%d/chunks/%s", depotID, hash)
}

// Fetch implements Fetcher.
func (b *BucketFetcher) Fetch(ctx context.Context, depotID uint32, chunk manifest.ChunkInfo) ([]byte, error) {
	r, err := b.bucket.NewReader(ctx, ChunkKey(depotID, chunk.Hash), nil)
	if err != nil {
		return nil, mapBucketErr(err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, Transient(fmt.Errorf("read chunk %s: %w", chunk.Hash, err))
	}
	if int64(len(data)) != chunk.Length {
		return nil, Transient(fmt.Errorf("chunk %s: got %d bytes, want %d", chunk.Hash, len(data), chunk.Length))
	}
	return data, nil
}

func mapBucketErr(err error) error {
	switch gcerrors.Code(err) {
	case gcerrors.NotFound:
		return ErrNotFound
	case gcerrors.PermissionDenied:
		return fmt.Errorf("%w: %v", ErrAuth, err)
	default:
		return Transient(err)
	}
}
