// Package etagcache persists the ETags of acknowledged multipart parts, so that an interrupted
// upload can be resumed without sending those parts again.
//
// Entries are namespaced per upload: every backend stores the parts of one upload under
// the key returned by Namespace, and Clear drops all of them at once.
package etagcache

import (
	"context"
)

const keyPrefix = "s3-upload-"

// Cache maps (upload ID, part number) to the ETag returned by the storage service.
// Put must be idempotent: storing the same entry twice leaves the cache unchanged.
type Cache interface {
	// Get returns the cached ETag of a part. found is false when the part is not cached.
	Get(ctx context.Context, uploadID string, partNumber int) (etag string, found bool, err error)
	// Put stores the ETag of an acknowledged part.
	Put(ctx context.Context, uploadID string, partNumber int, etag string) error
	// Clear removes every cached part of the upload.
	Clear(ctx context.Context, uploadID string) error
}

// Namespace returns the storage key under which the parts of an upload are kept.
func Namespace(uploadID string) string {
	return keyPrefix + uploadID
}
