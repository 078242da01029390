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

// Snapshot serializes every document, every referenced blob, and every
// counter into a new archive directory under the configured backup dir.
//
// The archive is assembled in a dot-prefixed staging directory and published
// by a single atomic rename, with the manifest written last inside staging.
// A crash or cancellation mid-backup leaves only staging debris that is
// never mistaken for a complete archive.
func (s *Service) Snapshot(ctx context.Context) (string, error) {
	ts := s.clock.Now().UTC().Format("20060102T150405Z")
	stagingDir := filepath.Join(s.cfg.BackupDir, fmt.Sprintf(".staging-%s-%s", ts, s.idgen.New()))
	finalDir := filepath.Join(s.cfg.BackupDir, "backup-"+ts)

	if err := os.MkdirAll(filepath.Join(stagingDir, blobsDir), 0755); err != nil {
		return "", NewStorage("creating staging directory", err)
	}
	published := false
	defer func() {
		if !published {
			os.RemoveAll(stagingDir)
		}
	}()

	// One transaction gives documents and counters a consistent cut. Blobs
	// are immutable once committed and must be committed before they are
	// attachable, so reading them afterwards cannot observe a half-written
	// attachment.
	docs, counters, err := s.db.Snapshot(ctx)
	if err != nil {
		return "", wrapStorage("snapshotting database", err)
	}

	docsPayload, err := json.MarshalIndent(docs, "", "  ")
	if err != nil {
		return "", NewStorage("encoding documents", err)
	}
	docsDigest, err := s.writeArchiveFile(filepath.Join(stagingDir, documentsFile), docsPayload)
	if err != nil {
		return "", err
	}

	blobEntries, err := s.archiveBlobs(ctx, stagingDir, docs)
	if err != nil {
		return "", err
	}

	manifest := &model.Manifest{
		FormatVersion: ArchiveFormatVersion,
		CreatedAt:     s.clock.Now().UTC(),
		DocumentCount: len(docs),
		BlobCount:     len(blobEntries),
		Counters:      counters,
		Encrypted:     s.cfg.Encrypt,
		Checksum:      contentChecksum(docsDigest, blobEntries, counters),
	}
	manifestPayload, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return "", NewStorage("encoding manifest", err)
	}
	// Manifest is never encrypted; it must be checkable without a passphrase.
	if err := os.WriteFile(filepath.Join(stagingDir, manifestFile), manifestPayload, 0644); err != nil {
		return "", NewStorage("writing manifest", err)
	}

	if err := os.Rename(stagingDir, finalDir); err != nil {
		return "", NewStorage("publishing archive", err)
	}
	published = true

	s.logger.Info("backup complete", "archive", finalDir, "documents", len(docs), "blobs", len(blobEntries))
	return finalDir, nil
}

// archiveBlobs writes content and metadata for every blob referenced by the
// snapshotted documents. Orphan blobs are deliberately not archived.
func (s *Service) archiveBlobs(ctx context.Context, stagingDir string, docs []*model.Document) ([]model.ArchiveBlobEntry, error) {
	seen := make(map[string]struct{})
	var entries []model.ArchiveBlobEntry

	for _, doc := range docs {
		for _, blobID := range doc.Attachments {
			if _, done := seen[blobID]; done {
				continue
			}
			seen[blobID] = struct{}{}

			if err := ctx.Err(); err != nil {
				return nil, NewStorage("backup cancelled", err)
			}

			content, info, err := s.blobs.Get(ctx, blobID)
			if err != nil {
				return nil, err
			}

			fileDigest, err := s.writeArchiveFile(blobContentPath(stagingDir, blobID), content)
			if err != nil {
				return nil, err
			}

			entry := model.ArchiveBlobEntry{Info: info, FileChecksum: fileDigest}
			metaPayload, err := json.MarshalIndent(entry, "", "  ")
			if err != nil {
				return nil, NewStorage("encoding blob metadata", err)
			}
			if err := os.WriteFile(blobMetaPath(stagingDir, blobID), metaPayload, 0644); err != nil {
				return nil, NewStorage("writing blob metadata", err)
			}

			entries = append(entries, entry)
			s.logger.Debug("blob archived", "blob", blobID, "size", info.Size)
		}
	}
	return entries, nil
}

// writeArchiveFile writes payload to path, encrypting first when the engine
// is configured for encrypted archives. Returns the hex SHA-256 of the bytes
// as written, which feeds the manifest's content listing.
func (s *Service) writeArchiveFile(path string, payload []byte) (string, error) {
	if s.cfg.Encrypt {
		var ciphertext bytes.Buffer
		if err := s.encryptor.Encrypt(bytes.NewReader(payload), &ciphertext); err != nil {
			return "", NewStorage("encrypting archive payload", err)
		}
		payload = ciphertext.Bytes()
	}

	if err := os.WriteFile(path, payload, 0644); err != nil {
		return "", NewStorage("writing archive file", err)
	}

	digest := sha256.Sum256(payload)
	return hex.EncodeToString(digest[:]), nil
}

func blobContentPath(archiveDir, blobID string) string {
	return filepath.Join(archiveDir, blobsDir, blobID+".content")
}

func blobMetaPath(archiveDir, blobID string) string {
	return filepath.Join(archiveDir, blobsDir, blobID+".json")
}

// contentChecksum digests the archive's content listing: the documents file
// digest, each blob's file digest ordered by ID, and each counter ordered by
// name. Restore recomputes this from the files on disk and rejects the
// archive on any mismatch before touching state.
func contentChecksum(documentsDigest string, blobs []model.ArchiveBlobEntry, counters map[string]int64) string {
	sorted := append([]model.ArchiveBlobEntry(nil), blobs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Info.ID < sorted[j].Info.ID })

	names := make([]string, 0, len(counters))
	for name := range counters {
		names = append(names, name)
	}
	sort.Strings(names)

	h := sha256.New()
	fmt.Fprintf(h, "documents %s\n", documentsDigest)
	for _, e := range sorted {
		fmt.Fprintf(h, "blob %s %s\n", e.Info.ID, e.FileChecksum)
	}
	for _, name := range names {
		fmt.Fprintf(h, "counter %s %d\n", name, counters[name])
	}
	return hex.EncodeToString(h.Sum(nil))
}
