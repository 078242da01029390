package blobstore

import (
	"context"
	"fmt"
	"sync"

	"disposisi-go/internal/model"
)

// MemoryBackend is an in-memory Backend, useful for testing.
// This implementation is safe for concurrent use.
type MemoryBackend struct {
	mu     sync.RWMutex
	chunks map[string][][]byte // blobID -> ordered chunks
	infos  map[string]model.BlobInfo
}

// NewMemoryBackend creates a new in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		chunks: make(map[string][][]byte),
		infos:  make(map[string]model.BlobInfo),
	}
}

func (m *MemoryBackend) WriteChunk(_ context.Context, blobID string, index int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if index != len(m.chunks[blobID]) {
		return fmt.Errorf("chunk %d written out of order for blob %s", index, blobID)
	}
	m.chunks[blobID] = append(m.chunks[blobID], append([]byte(nil), data...))
	return nil
}

func (m *MemoryBackend) ReadChunk(_ context.Context, blobID string, index int) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	chunks, ok := m.chunks[blobID]
	if !ok || index >= len(chunks) {
		return nil, fmt.Errorf("%w: chunk %d of blob %s", ErrChunkNotFound, index, blobID)
	}
	return chunks[index], nil
}

func (m *MemoryBackend) DeleteChunks(_ context.Context, blobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.chunks, blobID)
	return nil
}

func (m *MemoryBackend) PublishInfo(_ context.Context, info model.BlobInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.infos[info.ID] = info
	return nil
}

func (m *MemoryBackend) ReadInfo(_ context.Context, blobID string) (model.BlobInfo, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.infos[blobID]
	return info, ok, nil
}

func (m *MemoryBackend) DeleteInfo(_ context.Context, blobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.infos, blobID)
	return nil
}

func (m *MemoryBackend) ListInfo(_ context.Context) ([]model.BlobInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	infos := make([]model.BlobInfo, 0, len(m.infos))
	for _, info := range m.infos {
		infos = append(infos, info)
	}
	return infos, nil
}

// Compile-time check that MemoryBackend implements the Backend interface
var _ Backend = (*MemoryBackend)(nil)
