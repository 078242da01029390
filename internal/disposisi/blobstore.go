package disposisi

import (
	"context"
	"io"

	"disposisi-go/internal/model"
)

// BlobStore provides an interface for chunked attachment storage.
// A blob is either fully present (all chunks committed, checksum recorded)
// or entirely absent from read paths; no partial content is ever observable.
// Blobs are immutable once committed: attachments are replaced, not edited.
type BlobStore interface {
	// Put splits the content into fixed-size chunks, persists them in index
	// order, and commits the blob by publishing its metadata last. The ID,
	// size, checksum, and chunk layout of info are assigned by the store;
	// callers supply filename and content type. If any write fails no
	// partial blob becomes visible and already-written chunks are cleaned
	// up best-effort.
	Put(ctx context.Context, content io.Reader, info model.BlobInfo) (model.BlobInfo, error)

	// Get reassembles the chunks in order and verifies the whole-content
	// checksum before returning. Absent or uncommitted blobs fail with
	// NOT_FOUND; a digest mismatch fails with INTEGRITY.
	Get(ctx context.Context, id string) ([]byte, model.BlobInfo, error)

	// Stat returns a committed blob's metadata without reading content.
	Stat(ctx context.Context, id string) (model.BlobInfo, error)

	// Delete removes the blob's chunks and metadata. Deleting an absent
	// blob is not an error.
	Delete(ctx context.Context, id string) error

	// List returns metadata for every committed blob.
	List(ctx context.Context) ([]model.BlobInfo, error)

	// Restore recreates a blob preserving its archived ID and chunk layout.
	// The content's digest must match info.Checksum or the call fails with
	// INTEGRITY and nothing becomes visible. Reserved for the restore
	// engine; general callers store new content through Put.
	Restore(ctx context.Context, content io.Reader, info model.BlobInfo) error
}
