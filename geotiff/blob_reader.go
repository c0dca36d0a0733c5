package geotiff

import (
	"context"
	"fmt"
	"io"
	"sync"

	"gocloud.dev/blob"
)

// BlobReader satisfies io.ReadSeeker and io.ReaderAt for objects in a
// gocloud.dev bucket (S3, GCS, Azure, local directories, memory).
type BlobReader struct {
	ctx    context.Context
	bucket *blob.Bucket
	key    string
	size   int64

	// ownsBucket is set when the reader opened the bucket and must close it.
	ownsBucket bool

	// mu protects the offset field for sequential Read/Seek operations.
	mu     sync.Mutex
	offset int64
}

// NewBlobReader creates a reader for key in bucket. The caller keeps
// ownership of bucket.
func NewBlobReader(ctx context.Context, bucket *blob.Bucket, key string) (*BlobReader, error) {
	attrs, err := bucket.Attributes(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to get attributes for key %s: %w", key, err)
	}

	return &BlobReader{
		ctx:    ctx,
		bucket: bucket,
		key:    key,
		size:   attrs.Size,
	}, nil
}

// OpenBlobReader opens the bucket at bucketURL and returns a reader for key
// that closes the bucket on Close.
func OpenBlobReader(ctx context.Context, bucketURL, key string) (*BlobReader, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open bucket %s: %w", bucketURL, err)
	}
	r, err := NewBlobReader(ctx, bucket, key)
	if err != nil {
		bucket.Close()
		return nil, err
	}
	r.ownsBucket = true
	return r, nil
}

// Size is the length of the object.
func (r *BlobReader) Size() int64 { return r.size }

// Read performs a sequential read.
func (r *BlobReader) Read(p []byte) (n int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.offset >= r.size {
		return 0, io.EOF
	}

	n, err = r.readAt(p, r.offset)
	if n > 0 {
		r.offset += int64(n)
	}
	return n, err
}

// Seek updates the internal offset for the next sequential Read.
func (r *BlobReader) Seek(offset int64, whence int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	newOffset, err := seekOffset(r.offset, r.size, offset, whence)
	if err != nil {
		return 0, err
	}
	r.offset = newOffset
	return r.offset, nil
}

// ReadAt implements io.ReaderAt for concurrent, stateless reads.
func (r *BlobReader) ReadAt(p []byte, off int64) (n int, err error) {
	return r.readAt(p, off)
}

// Close releases the bucket when the reader opened it.
func (r *BlobReader) Close() error {
	if r.ownsBucket {
		return r.bucket.Close()
	}
	return nil
}

func (r *BlobReader) readAt(p []byte, off int64) (n int, err error) {
	length, err := clampRange(len(p), off, r.size, "blob")
	if err != nil || length == 0 {
		return 0, err
	}

	// gocloud.dev/blob takes an offset and a length, not an end byte.
	reader, err := r.bucket.NewRangeReader(r.ctx, r.key, off, length, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create range reader: %w", err)
	}
	defer reader.Close()

	n, err = io.ReadFull(reader, p[:length])
	if err == nil && length < int64(len(p)) {
		err = io.EOF
	}
	return n, err
}
