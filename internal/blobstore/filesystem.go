package blobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"disposisi-go/internal/model"
)

// FileSystemBackend stores blobs in a directory structure:
//
//	<root>/
//	  chunks/
//	    <blobID>/
//	      chunk-000000     (ordered chunk files)
//	  meta/
//	    <blobID>.json      (metadata record; presence = committed)
//
// Metadata is published with a temp-file-plus-rename so the commit is atomic
// on POSIX filesystems.
type FileSystemBackend struct {
	root      string
	chunksDir string
	metaDir   string
}

// NewFileSystemBackend creates a filesystem backend rooted at the given path.
func NewFileSystemBackend(root string) (*FileSystemBackend, error) {
	chunksDir := filepath.Join(root, "chunks")
	metaDir := filepath.Join(root, "meta")

	if err := os.MkdirAll(chunksDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create chunks directory: %w", err)
	}
	if err := os.MkdirAll(metaDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create meta directory: %w", err)
	}

	return &FileSystemBackend{
		root:      root,
		chunksDir: chunksDir,
		metaDir:   metaDir,
	}, nil
}

func chunkName(index int) string {
	return fmt.Sprintf("chunk-%06d", index)
}

func (f *FileSystemBackend) WriteChunk(ctx context.Context, blobID string, index int, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := filepath.Join(f.chunksDir, blobID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating blob chunk directory: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, chunkName(index)), data, 0644)
}

func (f *FileSystemBackend) ReadChunk(ctx context.Context, blobID string, index int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(f.chunksDir, blobID, chunkName(index)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: chunk %d of blob %s", ErrChunkNotFound, index, blobID)
		}
		return nil, fmt.Errorf("reading chunk %d of blob %s: %w", index, blobID, err)
	}
	return data, nil
}

func (f *FileSystemBackend) DeleteChunks(ctx context.Context, blobID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return os.RemoveAll(filepath.Join(f.chunksDir, blobID))
}

func (f *FileSystemBackend) PublishInfo(ctx context.Context, info model.BlobInfo) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("encoding blob metadata: %w", err)
	}

	// Temp file in the same directory so the rename is atomic.
	tmp, err := os.CreateTemp(f.metaDir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp metadata file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return fmt.Errorf("writing metadata: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp metadata file: %w", err)
	}
	if err := os.Rename(tmpPath, f.metaPath(info.ID)); err != nil {
		return fmt.Errorf("publishing metadata: %w", err)
	}

	success = true
	return nil
}

func (f *FileSystemBackend) ReadInfo(ctx context.Context, blobID string) (model.BlobInfo, bool, error) {
	if err := ctx.Err(); err != nil {
		return model.BlobInfo{}, false, err
	}

	payload, err := os.ReadFile(f.metaPath(blobID))
	if err != nil {
		if os.IsNotExist(err) {
			return model.BlobInfo{}, false, nil
		}
		return model.BlobInfo{}, false, fmt.Errorf("reading blob metadata: %w", err)
	}

	var info model.BlobInfo
	if err := json.Unmarshal(payload, &info); err != nil {
		return model.BlobInfo{}, false, fmt.Errorf("decoding blob metadata: %w", err)
	}
	return info, true, nil
}

func (f *FileSystemBackend) DeleteInfo(ctx context.Context, blobID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(f.metaPath(blobID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting blob metadata: %w", err)
	}
	return nil
}

func (f *FileSystemBackend) ListInfo(ctx context.Context) ([]model.BlobInfo, error) {
	listing, err := os.ReadDir(f.metaDir)
	if err != nil {
		return nil, fmt.Errorf("reading meta directory: %w", err)
	}

	var infos []model.BlobInfo
	for _, item := range listing {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := item.Name()
		if item.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".tmp-") {
			continue
		}
		info, ok, err := f.ReadInfo(ctx, strings.TrimSuffix(name, ".json"))
		if err != nil {
			return nil, err
		}
		if ok {
			infos = append(infos, info)
		}
	}
	return infos, nil
}

// ValidateSetup verifies that the backend directories are accessible.
func (f *FileSystemBackend) ValidateSetup() error {
	for _, dir := range []string{f.root, f.chunksDir, f.metaDir} {
		info, err := os.Stat(dir)
		if err != nil {
			return fmt.Errorf("blob store directory not accessible: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("blob store path is not a directory: %s", dir)
		}
	}
	return nil
}

func (f *FileSystemBackend) metaPath(blobID string) string {
	return filepath.Join(f.metaDir, blobID+".json")
}

// Compile-time check that FileSystemBackend implements the Backend interface
var _ Backend = (*FileSystemBackend)(nil)
