package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"disposisi-go/internal/disposisi"
	"disposisi-go/internal/model"
)

// DefaultChunkSize bounds per-write memory and matches common attachment
// sizes (scanned pages).
const DefaultChunkSize = 256 * 1024

// Store implements disposisi.BlobStore over a pluggable Backend. Content is
// split into fixed-size chunks, digested with SHA-256, and committed by
// publishing the metadata record after every chunk has landed, so readers
// never observe partial content even across a crash mid-write.
type Store struct {
	backend   Backend
	chunkSize int64
	clock     disposisi.Clock
	idgen     disposisi.IDGenerator
	logger    disposisi.Logger
}

var _ disposisi.BlobStore = (*Store)(nil)

// NewStore creates a blob store over the given backend. chunkSize <= 0
// selects DefaultChunkSize.
func NewStore(backend Backend, chunkSize int64, clock disposisi.Clock, idgen disposisi.IDGenerator, logger disposisi.Logger) *Store {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Store{
		backend:   backend,
		chunkSize: chunkSize,
		clock:     clock,
		idgen:     idgen,
		logger:    logger,
	}
}

// Put stores new content under a freshly assigned blob ID.
func (s *Store) Put(ctx context.Context, content io.Reader, info model.BlobInfo) (model.BlobInfo, error) {
	info.ID = s.idgen.New()
	info.ChunkSize = s.chunkSize
	info.CreatedAt = s.clock.Now().UTC()

	size, count, checksum, err := s.writeChunks(ctx, info.ID, content, s.chunkSize)
	if err != nil {
		s.discardChunks(info.ID)
		return model.BlobInfo{}, err
	}
	info.Size = size
	info.ChunkCount = count
	info.Checksum = checksum

	if err := s.backend.PublishInfo(ctx, info); err != nil {
		s.discardChunks(info.ID)
		return model.BlobInfo{}, disposisi.NewStorage("committing blob", err)
	}

	s.logger.Debug("blob stored", "blob", info.ID, "size", size, "chunks", count)
	return info, nil
}

// Restore recreates an archived blob under its original ID and chunk layout.
// The recomputed digest must match info.Checksum.
func (s *Store) Restore(ctx context.Context, content io.Reader, info model.BlobInfo) error {
	chunkSize := info.ChunkSize
	if chunkSize <= 0 {
		chunkSize = s.chunkSize
	}

	size, count, checksum, err := s.writeChunks(ctx, info.ID, content, chunkSize)
	if err != nil {
		s.discardChunks(info.ID)
		return err
	}
	if checksum != info.Checksum || size != info.Size {
		s.discardChunks(info.ID)
		return disposisi.NewIntegrity(
			fmt.Sprintf("restored blob %s digest does not match its metadata", info.ID),
			map[string]any{"blob": info.ID, "expected": info.Checksum, "actual": checksum})
	}
	info.ChunkSize = chunkSize
	info.ChunkCount = count

	if err := s.backend.PublishInfo(ctx, info); err != nil {
		s.discardChunks(info.ID)
		return disposisi.NewStorage("committing restored blob", err)
	}
	return nil
}

// Get reassembles the blob and verifies its checksum before returning.
func (s *Store) Get(ctx context.Context, id string) ([]byte, model.BlobInfo, error) {
	info, err := s.Stat(ctx, id)
	if err != nil {
		return nil, model.BlobInfo{}, err
	}

	content := make([]byte, 0, info.Size)
	for i := 0; i < info.ChunkCount; i++ {
		chunk, err := s.backend.ReadChunk(ctx, id, i)
		if err != nil {
			// Delete removes metadata first, so a reader that won the Stat
			// race can still lose its chunks. If the record is gone now the
			// blob is absent, not broken.
			if errors.Is(err, ErrChunkNotFound) {
				if _, ok, infoErr := s.backend.ReadInfo(ctx, id); infoErr == nil && !ok {
					return nil, model.BlobInfo{}, disposisi.NewNotFound("blob", id)
				}
			}
			return nil, model.BlobInfo{}, disposisi.NewStorage(fmt.Sprintf("reading blob %s chunk %d", id, i), err)
		}
		content = append(content, chunk...)
	}

	digest := sha256.Sum256(content)
	if got := hex.EncodeToString(digest[:]); got != info.Checksum || int64(len(content)) != info.Size {
		return nil, model.BlobInfo{}, disposisi.NewIntegrity(
			fmt.Sprintf("blob %s content does not match its checksum", id),
			map[string]any{"blob": id, "expected": info.Checksum})
	}

	return content, info, nil
}

// Stat returns a committed blob's metadata.
func (s *Store) Stat(ctx context.Context, id string) (model.BlobInfo, error) {
	info, ok, err := s.backend.ReadInfo(ctx, id)
	if err != nil {
		return model.BlobInfo{}, disposisi.NewStorage(fmt.Sprintf("reading blob %s metadata", id), err)
	}
	if !ok {
		return model.BlobInfo{}, disposisi.NewNotFound("blob", id)
	}
	return info, nil
}

// Delete removes the blob. Metadata goes first so the blob leaves read paths
// before its chunks do; deleting an absent blob is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.backend.DeleteInfo(ctx, id); err != nil {
		return disposisi.NewStorage(fmt.Sprintf("deleting blob %s metadata", id), err)
	}
	if err := s.backend.DeleteChunks(ctx, id); err != nil {
		return disposisi.NewStorage(fmt.Sprintf("deleting blob %s chunks", id), err)
	}
	return nil
}

// List returns metadata for every committed blob.
func (s *Store) List(ctx context.Context) ([]model.BlobInfo, error) {
	infos, err := s.backend.ListInfo(ctx)
	if err != nil {
		return nil, disposisi.NewStorage("listing blobs", err)
	}
	return infos, nil
}

// writeChunks streams content into the backend in strict index order while
// digesting it, and reports the totals for the metadata record.
func (s *Store) writeChunks(ctx context.Context, blobID string, content io.Reader, chunkSize int64) (size int64, count int, checksum string, err error) {
	hasher := sha256.New()
	buf := make([]byte, chunkSize)

	for {
		if err := ctx.Err(); err != nil {
			return 0, 0, "", disposisi.NewStorage("blob write cancelled", err)
		}

		n, readErr := io.ReadFull(content, buf)
		if n > 0 {
			hasher.Write(buf[:n])
			if err := s.backend.WriteChunk(ctx, blobID, count, buf[:n]); err != nil {
				return 0, 0, "", disposisi.NewStorage(fmt.Sprintf("writing blob chunk %d", count), err)
			}
			size += int64(n)
			count++
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF) {
				break
			}
			return 0, 0, "", disposisi.NewStorage("reading blob content", readErr)
		}
	}

	return size, count, hex.EncodeToString(hasher.Sum(nil)), nil
}

// discardChunks is the best-effort cleanup after a failed write attempt.
// Not required for correctness: uncommitted chunks are unreferenced and
// invisible.
func (s *Store) discardChunks(blobID string) {
	if err := s.backend.DeleteChunks(context.Background(), blobID); err != nil {
		s.logger.Warn("orphaned chunks left behind", "blob", blobID, "error", err)
	}
}
