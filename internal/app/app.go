package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"disposisi-go/internal/blobstore"
	"disposisi-go/internal/config"
	"disposisi-go/internal/database"
	"disposisi-go/internal/disposisi"
	"disposisi-go/internal/encryption"
	"disposisi-go/internal/model"
)

// App is the application layer between the CLI and the core stores.
// It constructs all dependencies from config, exposes high-level operations
// that accept raw CLI inputs, and manages resource lifecycle on Close.
type App struct {
	cfg       *config.Config
	db        disposisi.Database
	blobs     disposisi.BlobStore
	counters  *disposisi.CounterManager
	docs      *disposisi.DocumentStore
	encryptor disposisi.Encryptor
	service   *disposisi.Service
	logFile   *os.File
}

// NewApp creates a fully wired App from the given config.
// operation identifies the CLI command being run (e.g. "DocCreate", "Backup");
// it tags every log line written during the run. The caller must call Close
// when done.
func NewApp(ctx context.Context, cfg *config.Config, operation string) (*App, error) {
	opID := fmt.Sprintf("%s-%s", operation, time.Now().UTC().Format("20060102T150405Z"))
	logger, logFile, err := newLogger(cfg.LogDir, opID)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	log := &slogAdapter{l: logger}

	clock := disposisi.RealClock{}
	idgen := disposisi.UUIDGenerator{}

	blobs, err := blobstore.NewStoreFromConfig(ctx, cfg.BlobStore, clock, idgen, log)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("creating blob store: %w", err)
	}

	db, err := database.NewDatabaseFromConfig(cfg.Database)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("creating database: %w", err)
	}

	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		db.Close()
		logFile.Close()
		return nil, fmt.Errorf("creating encryptor: %w", err)
	}

	counters := disposisi.NewCounterManager(db, log)

	var docOpts []disposisi.DocumentStoreOption
	if len(cfg.Documents.RequiredFields) > 0 {
		docOpts = append(docOpts, disposisi.WithRequiredFields(cfg.Documents.RequiredFields...))
	}
	docs := disposisi.NewDocumentStore(db, blobs, counters, clock, idgen, log, docOpts...)

	svc := disposisi.NewService(db, blobs, counters, enc, clock, idgen, log, disposisi.ServiceConfig{
		BackupDir: cfg.Backup.Dir,
		Encrypt:   cfg.Backup.Encrypt,
	})

	return &App{
		cfg:       cfg,
		db:        db,
		blobs:     blobs,
		counters:  counters,
		docs:      docs,
		encryptor: enc,
		service:   svc,
		logFile:   logFile,
	}, nil
}

// CreateDocument stores a new document with the given fields and attachment IDs.
func (a *App) CreateDocument(ctx context.Context, fields map[string]any, attachments []string) (*model.Document, error) {
	return a.docs.Create(ctx, fields, attachments)
}

// GetDocument returns the document with the given ID.
func (a *App) GetDocument(ctx context.Context, id int64) (*model.Document, error) {
	return a.docs.Get(ctx, id)
}

// UpdateDocument applies a partial update against the expected version.
func (a *App) UpdateDocument(ctx context.Context, id int64, expectedVersion int64, patch disposisi.Patch) (*model.Document, error) {
	return a.docs.Update(ctx, id, expectedVersion, patch)
}

// DeleteDocument soft-deletes the document, or removes it permanently when
// hard is true.
func (a *App) DeleteDocument(ctx context.Context, id int64, hard bool) error {
	return a.docs.Delete(ctx, id, hard)
}

// ListDocuments returns documents matching the filter.
func (a *App) ListDocuments(ctx context.Context, filter disposisi.ListFilter) ([]*model.Document, error) {
	return a.docs.List(ctx, filter)
}

// History returns the most recent audit log entries.
func (a *App) History(ctx context.Context, limit int) ([]*model.AuditEntry, error) {
	return a.docs.History(ctx, limit)
}

// PutBlob stores the file at the given path as a new blob and returns its
// assigned metadata. contentType may be empty.
func (a *App) PutBlob(ctx context.Context, rawPath string, contentType string) (model.BlobInfo, error) {
	f, err := os.Open(rawPath)
	if err != nil {
		return model.BlobInfo{}, fmt.Errorf("opening file: %w", err)
	}
	defer f.Close()

	return a.blobs.Put(ctx, f, model.BlobInfo{
		Filename:    filepath.Base(rawPath),
		ContentType: contentType,
	})
}

// GetBlob writes the blob's content to destPath and returns its metadata.
// When destPath is empty the blob's original filename in the current
// directory is used.
func (a *App) GetBlob(ctx context.Context, id string, destPath string) (model.BlobInfo, error) {
	content, info, err := a.blobs.Get(ctx, id)
	if err != nil {
		return model.BlobInfo{}, err
	}

	if destPath == "" {
		destPath = info.Filename
	}
	if err := os.WriteFile(destPath, content, 0644); err != nil {
		return model.BlobInfo{}, fmt.Errorf("writing file: %w", err)
	}
	return info, nil
}

// PurgeOrphans deletes blobs no document references and returns how many
// were removed.
func (a *App) PurgeOrphans(ctx context.Context) (int, error) {
	return a.docs.PurgeOrphans(ctx)
}

// NextSequence allocates the next value of the named counter.
func (a *App) NextSequence(ctx context.Context, name string) (int64, error) {
	return a.counters.Next(ctx, name)
}

// ResetSequence sets the named counter to the given value.
func (a *App) ResetSequence(ctx context.Context, name string, value int64) error {
	return a.counters.Reset(ctx, name, value)
}

// Backup writes a new archive and returns its published path.
func (a *App) Backup(ctx context.Context) (string, error) {
	return a.service.Snapshot(ctx)
}

// Restore applies the archive at the given path to the live store.
func (a *App) Restore(ctx context.Context, archivePath string, opts disposisi.RestoreOptions) (*disposisi.RestoreResult, error) {
	return a.service.Restore(ctx, archivePath, opts)
}

// Stats returns document and blob counts plus current counter values.
func (a *App) Stats(ctx context.Context) (*disposisi.Stats, error) {
	return a.service.Stats(ctx)
}

// SetupEncryption generates the archive encryption key pair.
func (a *App) SetupEncryption(passphrase string) error {
	return a.encryptor.Setup(passphrase)
}

// EncryptionConfigured reports whether the key pair exists.
func (a *App) EncryptionConfigured() bool {
	return a.encryptor.IsConfigured()
}

// Close releases the database connection and the log file.
func (a *App) Close() error {
	var firstErr error
	if err := a.db.Close(); err != nil {
		firstErr = fmt.Errorf("closing database: %w", err)
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return firstErr
}
