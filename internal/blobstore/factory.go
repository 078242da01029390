package blobstore

import (
	"context"
	"fmt"

	"disposisi-go/internal/config"
	"disposisi-go/internal/disposisi"
)

// NewBackendFromConfig creates a Backend based on the blob store config type.
func NewBackendFromConfig(ctx context.Context, cfg config.BlobStoreConfig) (Backend, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryBackend(), nil
	case "filesystem":
		if cfg.Root == "" {
			return nil, fmt.Errorf("filesystem blob store requires root to be set")
		}
		return NewFileSystemBackend(cfg.Root)
	case "s3":
		return NewS3Backend(ctx, S3Options{
			Bucket:    cfg.S3Bucket,
			Prefix:    cfg.S3Prefix,
			Region:    cfg.S3Region,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		})
	default:
		return nil, fmt.Errorf("unknown blob store type: %s", cfg.Type)
	}
}

// NewStoreFromConfig creates a fully wired blob store from configuration.
func NewStoreFromConfig(ctx context.Context, cfg config.BlobStoreConfig, clock disposisi.Clock, idgen disposisi.IDGenerator, logger disposisi.Logger) (*Store, error) {
	backend, err := NewBackendFromConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewStore(backend, cfg.ChunkSize, clock, idgen, logger), nil
}
