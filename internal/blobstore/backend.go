package blobstore

import (
	"context"
	"errors"

	"disposisi-go/internal/model"
)

// ErrChunkNotFound is wrapped by ReadChunk when the requested chunk does not
// exist, so Store can tell a concurrently deleted blob from a broken backend.
var ErrChunkNotFound = errors.New("chunk not found")

// Backend provides the storage mechanics for one blob store medium. All
// shared algorithm logic (chunking, checksums, commit ordering) lives in
// Store; backends only move bytes.
//
// PublishInfo is the commit point: a blob whose metadata record exists is
// visible, everything else is invisible garbage. Implementations must make
// PublishInfo atomic (a reader sees the full record or none of it).
type Backend interface {
	// WriteChunk persists one chunk of a blob at the given index.
	WriteChunk(ctx context.Context, blobID string, index int, data []byte) error

	// ReadChunk returns the chunk at the given index. An absent chunk is
	// reported by wrapping ErrChunkNotFound.
	ReadChunk(ctx context.Context, blobID string, index int) ([]byte, error)

	// DeleteChunks removes every chunk of a blob. Idempotent.
	DeleteChunks(ctx context.Context, blobID string) error

	// PublishInfo atomically writes the metadata record, committing the blob.
	PublishInfo(ctx context.Context, info model.BlobInfo) error

	// ReadInfo returns the metadata record and whether it exists.
	ReadInfo(ctx context.Context, blobID string) (model.BlobInfo, bool, error)

	// DeleteInfo removes the metadata record. Idempotent.
	DeleteInfo(ctx context.Context, blobID string) error

	// ListInfo returns every committed metadata record.
	ListInfo(ctx context.Context) ([]model.BlobInfo, error)
}
