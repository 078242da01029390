package testutil

import (
	"testing"

	"disposisi-go/internal/blobstore"
	"disposisi-go/internal/disposisi"
)

// NewTestBlobStore creates a blob store over an in-memory backend with a small
// chunk size so multi-chunk paths are exercised by modest test payloads.
func NewTestBlobStore(t *testing.T) *blobstore.Store {
	t.Helper()
	return blobstore.NewStore(blobstore.NewMemoryBackend(), 16, FixedClock(), NewStubIDGenerator(), disposisi.NewNopLogger())
}
