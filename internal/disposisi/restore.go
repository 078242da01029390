package disposisi

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"disposisi-go/internal/model"
)

// RestoreStatus is the state of a restore attempt. PENDING, VALIDATING, and
// APPLYING are transient; COMMITTED, ABORTED, and ROLLED_BACK are terminal.
type RestoreStatus string

const (
	RestorePending    RestoreStatus = "PENDING"
	RestoreValidating RestoreStatus = "VALIDATING"
	RestoreApplying   RestoreStatus = "APPLYING"
	RestoreCommitted  RestoreStatus = "COMMITTED"
	RestoreAborted    RestoreStatus = "ABORTED"
	RestoreRolledBack RestoreStatus = "ROLLED_BACK"
)

// RestoreOptions controls a restore attempt.
type RestoreOptions struct {
	// Overwrite replaces live documents whose IDs collide with the archive.
	// When false, any collision aborts the restore before any mutation.
	Overwrite bool
	// Passphrase unlocks the private key for encrypted archives.
	Passphrase string
}

// RestoreResult reports the outcome of a restore attempt.
type RestoreResult struct {
	Status               RestoreStatus
	ConflictingDocuments []int64
	ConflictingCounters  []string
	DocumentsRestored    int
	BlobsRestored        int
	CountersRestored     int
}

// archiveContents is everything read and verified during VALIDATING.
type archiveContents struct {
	manifest  *model.Manifest
	documents []*model.Document
	blobs     []model.ArchiveBlobEntry
	dir       string
	decrypt   DecryptionContext // nil for unencrypted archives
}

// Restore reconstructs documents, blobs, and counters from an archive.
//
// The attempt runs the state machine PENDING -> VALIDATING -> (ABORTED |
// APPLYING) -> (COMMITTED | ROLLED_BACK). VALIDATING touches no state; any
// failure during APPLYING undoes everything this attempt wrote, so a failed
// restore leaves the live store exactly as it was before the call.
func (s *Service) Restore(ctx context.Context, archivePath string, opts RestoreOptions) (*RestoreResult, error) {
	result := &RestoreResult{Status: RestorePending}

	result.Status = RestoreValidating
	s.logger.Info("restore validating", "archive", archivePath)

	contents, err := s.validateArchive(archivePath, opts)
	if err != nil {
		result.Status = RestoreAborted
		return result, err
	}

	if err := s.scanCollisions(ctx, contents, result); err != nil {
		result.Status = RestoreAborted
		return result, err
	}
	if !opts.Overwrite && (len(result.ConflictingDocuments) > 0 || len(result.ConflictingCounters) > 0) {
		result.Status = RestoreAborted
		return result, NewConflict(
			fmt.Sprintf("%d document and %d counter collisions between archive and live store",
				len(result.ConflictingDocuments), len(result.ConflictingCounters)),
			map[string]any{"documents": result.ConflictingDocuments, "counters": result.ConflictingCounters},
		)
	}

	result.Status = RestoreApplying
	s.logger.Info("restore applying", "archive", archivePath, "documents", len(contents.documents), "blobs", len(contents.blobs))

	// New-ID allocation stays suspended for the whole APPLYING phase so a
	// concurrent Create cannot claim an ID the archive is about to restore.
	resume := s.counters.SuspendAllocations()
	defer resume()

	undo := &undoLog{service: s, logger: s.logger}
	if err := s.apply(ctx, contents, opts, result, undo); err != nil {
		undo.rollback()
		result.Status = RestoreRolledBack
		result.DocumentsRestored = 0
		result.BlobsRestored = 0
		result.CountersRestored = 0
		return result, err
	}

	result.Status = RestoreCommitted
	s.logger.Info("restore committed", "archive", archivePath,
		"documents", result.DocumentsRestored, "blobs", result.BlobsRestored, "counters", result.CountersRestored)
	return result, nil
}

// validateArchive reads the manifest, recomputes every content digest, and
// decodes the document records. Nothing in the live store is touched.
func (s *Service) validateArchive(archivePath string, opts RestoreOptions) (*archiveContents, error) {
	manifestPayload, err := os.ReadFile(filepath.Join(archivePath, manifestFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NewNotFound("archive", archivePath)
		}
		return nil, NewStorage("reading manifest", err)
	}
	var manifest model.Manifest
	if err := json.Unmarshal(manifestPayload, &manifest); err != nil {
		return nil, NewValidation("malformed manifest: %v", err)
	}
	if manifest.FormatVersion != ArchiveFormatVersion {
		return nil, NewValidation("unsupported archive format version %d", manifest.FormatVersion)
	}

	docsPayload, err := os.ReadFile(filepath.Join(archivePath, documentsFile))
	if err != nil {
		return nil, NewStorage("reading documents file", err)
	}
	docsSum := sha256.Sum256(docsPayload)
	docsDigest := hex.EncodeToString(docsSum[:])

	blobEntries, err := readBlobEntries(archivePath)
	if err != nil {
		return nil, err
	}
	if len(blobEntries) != manifest.BlobCount {
		return nil, NewIntegrity(
			fmt.Sprintf("archive lists %d blobs, manifest says %d", len(blobEntries), manifest.BlobCount), nil)
	}

	// Every blob content file must digest to its recorded checksum, and the
	// listing as a whole must digest to the manifest checksum.
	for _, entry := range blobEntries {
		payload, err := os.ReadFile(blobContentPath(archivePath, entry.Info.ID))
		if err != nil {
			return nil, NewStorage("reading blob content", err)
		}
		sum := sha256.Sum256(payload)
		if hex.EncodeToString(sum[:]) != entry.FileChecksum {
			return nil, NewIntegrity(
				fmt.Sprintf("blob %s content digest does not match archive record", entry.Info.ID),
				map[string]any{"blob": entry.Info.ID})
		}
	}
	if got := contentChecksum(docsDigest, blobEntries, manifest.Counters); got != manifest.Checksum {
		return nil, NewIntegrity("manifest checksum does not match archive contents",
			map[string]any{"expected": manifest.Checksum, "actual": got})
	}

	contents := &archiveContents{manifest: &manifest, blobs: blobEntries, dir: archivePath}

	if manifest.Encrypted {
		if opts.Passphrase == "" {
			return nil, NewValidation("archive is encrypted but no passphrase was provided")
		}
		decrypt, err := s.encryptor.Unlock(opts.Passphrase)
		if err != nil {
			return nil, NewValidation("unlocking archive key: %v", err)
		}
		contents.decrypt = decrypt

		var plaintext bytes.Buffer
		if err := decrypt.Decrypt(bytes.NewReader(docsPayload), &plaintext); err != nil {
			return nil, NewIntegrity(fmt.Sprintf("decrypting documents file: %v", err), nil)
		}
		docsPayload = plaintext.Bytes()
	}

	if err := json.Unmarshal(docsPayload, &contents.documents); err != nil {
		return nil, NewValidation("malformed documents file: %v", err)
	}
	if len(contents.documents) != manifest.DocumentCount {
		return nil, NewIntegrity(
			fmt.Sprintf("archive holds %d documents, manifest says %d", len(contents.documents), manifest.DocumentCount), nil)
	}

	return contents, nil
}

// scanCollisions fills the result's conflict lists from the live store.
// A counter conflicts when the live value is ahead of the archive, since
// regressing it could re-issue identifiers already in use.
func (s *Service) scanCollisions(ctx context.Context, contents *archiveContents, result *RestoreResult) error {
	for _, doc := range contents.documents {
		existing, err := s.db.GetDocument(ctx, doc.ID)
		if err != nil {
			return wrapStorage(fmt.Sprintf("checking document %d", doc.ID), err)
		}
		if existing != nil {
			result.ConflictingDocuments = append(result.ConflictingDocuments, doc.ID)
		}
	}

	live, err := s.counters.Snapshot(ctx)
	if err != nil {
		return err
	}
	for name, archived := range contents.manifest.Counters {
		if live[name] > archived {
			result.ConflictingCounters = append(result.ConflictingCounters, name)
		}
	}
	sort.Slice(result.ConflictingDocuments, func(i, j int) bool {
		return result.ConflictingDocuments[i] < result.ConflictingDocuments[j]
	})
	sort.Strings(result.ConflictingCounters)
	return nil
}

// apply restores blobs first (inert until referenced), then documents, then
// counters. Counter values land only after documents and blobs are fully
// committed, so a crash mid-apply can never leave the sequence behind the
// restored data.
func (s *Service) apply(ctx context.Context, contents *archiveContents, opts RestoreOptions, result *RestoreResult, undo *undoLog) error {
	for _, entry := range contents.blobs {
		if err := ctx.Err(); err != nil {
			return NewStorage("restore cancelled", err)
		}
		restored, err := s.restoreBlob(ctx, contents, entry)
		if err != nil {
			return err
		}
		if restored {
			undo.blobCreated(entry.Info.ID)
			result.BlobsRestored++
		}
	}

	for _, doc := range contents.documents {
		if err := ctx.Err(); err != nil {
			return NewStorage("restore cancelled", err)
		}
		existing, err := s.db.GetDocument(ctx, doc.ID)
		if err != nil {
			return wrapStorage(fmt.Sprintf("checking document %d", doc.ID), err)
		}
		if existing != nil {
			// Collision under overwrite: replace, keeping the pre-image so
			// rollback can reinstate it.
			if _, err := s.db.HardDeleteDocument(ctx, doc.ID); err != nil {
				return wrapStorage(fmt.Sprintf("replacing document %d", doc.ID), err)
			}
			undo.documentReplaced(existing)
		} else {
			undo.documentCreated(doc.ID)
		}
		if err := s.db.InsertDocument(ctx, doc); err != nil {
			return wrapStorage(fmt.Sprintf("restoring document %d", doc.ID), err)
		}
		result.DocumentsRestored++
	}

	live, err := s.counters.Snapshot(ctx)
	if err != nil {
		return err
	}
	for name, archived := range contents.manifest.Counters {
		if err := ctx.Err(); err != nil {
			return NewStorage("restore cancelled", err)
		}
		// Never regress a live counter: IDs above the archived high-water
		// mark may already be referenced by documents kept in overwrite mode.
		value := archived
		if live[name] > value {
			value = live[name]
		}
		undo.counterReset(name, live[name])
		if err := s.counters.Reset(ctx, name, value); err != nil {
			return err
		}
		result.CountersRestored++
	}

	return nil
}

// restoreBlob lands one archived blob in the blob store. Returns false when
// an identical blob already exists (same ID, same checksum); a same-ID blob
// with different content is a conflict.
func (s *Service) restoreBlob(ctx context.Context, contents *archiveContents, entry model.ArchiveBlobEntry) (bool, error) {
	existing, err := s.blobs.Stat(ctx, entry.Info.ID)
	if err == nil {
		if existing.Checksum == entry.Info.Checksum {
			return false, nil
		}
		return false, NewConflict(
			fmt.Sprintf("blob %s exists with different content", entry.Info.ID),
			map[string]any{"blob": entry.Info.ID})
	}
	if !IsCode(err, CodeNotFound) {
		return false, err
	}

	payload, err := os.ReadFile(blobContentPath(contents.dir, entry.Info.ID))
	if err != nil {
		return false, NewStorage("reading blob content", err)
	}
	if contents.decrypt != nil {
		var plaintext bytes.Buffer
		if err := contents.decrypt.Decrypt(bytes.NewReader(payload), &plaintext); err != nil {
			return false, NewIntegrity(fmt.Sprintf("decrypting blob %s: %v", entry.Info.ID, err),
				map[string]any{"blob": entry.Info.ID})
		}
		payload = plaintext.Bytes()
	}

	if err := s.blobs.Restore(ctx, bytes.NewReader(payload), entry.Info); err != nil {
		return false, err
	}
	return true, nil
}

// readBlobEntries loads every blobs/<id>.json record from the archive.
func readBlobEntries(archivePath string) ([]model.ArchiveBlobEntry, error) {
	dir := filepath.Join(archivePath, blobsDir)
	listing, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, NewStorage("reading archive blob directory", err)
	}

	var entries []model.ArchiveBlobEntry
	for _, item := range listing {
		if item.IsDir() || filepath.Ext(item.Name()) != ".json" {
			continue
		}
		payload, err := os.ReadFile(filepath.Join(dir, item.Name()))
		if err != nil {
			return nil, NewStorage("reading blob metadata", err)
		}
		var entry model.ArchiveBlobEntry
		if err := json.Unmarshal(payload, &entry); err != nil {
			return nil, NewValidation("malformed blob metadata %s: %v", item.Name(), err)
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Info.ID < entries[j].Info.ID })
	return entries, nil
}

// undoLog records the mutations of one restore attempt so APPLYING failures
// can be unwound in reverse order.
type undoLog struct {
	service *Service
	logger  Logger
	steps   []func(context.Context) error
}

func (u *undoLog) blobCreated(id string) {
	u.steps = append(u.steps, func(ctx context.Context) error {
		return u.service.blobs.Delete(ctx, id)
	})
}

func (u *undoLog) documentCreated(id int64) {
	u.steps = append(u.steps, func(ctx context.Context) error {
		_, err := u.service.db.HardDeleteDocument(ctx, id)
		return err
	})
}

func (u *undoLog) documentReplaced(preimage *model.Document) {
	doc := preimage.Clone()
	u.steps = append(u.steps, func(ctx context.Context) error {
		if _, err := u.service.db.HardDeleteDocument(ctx, doc.ID); err != nil {
			return err
		}
		return u.service.db.InsertDocument(ctx, doc)
	})
}

func (u *undoLog) counterReset(name string, previous int64) {
	u.steps = append(u.steps, func(ctx context.Context) error {
		return u.service.db.ResetSequence(ctx, name, previous)
	})
}

// rollback unwinds recorded steps newest-first. It runs on a background
// context: the attempt may have been cancelled, but the undo must finish.
func (u *undoLog) rollback() {
	ctx := context.Background()
	for i := len(u.steps) - 1; i >= 0; i-- {
		if err := u.steps[i](ctx); err != nil {
			u.logger.Error("rollback step failed", "step", i, "error", err)
		}
	}
}
