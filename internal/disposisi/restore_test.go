package disposisi_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"disposisi-go/internal/blobstore"
	"disposisi-go/internal/disposisi"
	"disposisi-go/internal/model"
	"disposisi-go/internal/testutil"
)

// snapshotArchive builds a source store with two documents (one with an
// attachment) and returns the published archive path.
func snapshotArchive(t *testing.T, dir string, encrypt bool) (string, *engineFixture) {
	t.Helper()
	ctx := context.Background()

	source := newEngine(t, dir, encrypt)
	blob := source.putBlob(t, "attachment content that spans chunks")
	source.createDoc(t, map[string]any{"perihal": "undangan", "asal_surat": "dinas"}, []string{blob.ID})
	source.createDoc(t, map[string]any{"perihal": "laporan"}, nil)

	archive, err := source.svc.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	return archive, source
}

func TestService_Restore(t *testing.T) {
	ctx := context.Background()

	t.Run("round-trips into an empty store", func(t *testing.T) {
		dir := t.TempDir()
		archive, source := snapshotArchive(t, dir, false)

		target := newEngine(t, dir, false)
		result, err := target.svc.Restore(ctx, archive, disposisi.RestoreOptions{})
		if err != nil {
			t.Fatalf("Restore() error = %v", err)
		}
		if result.Status != disposisi.RestoreCommitted {
			t.Fatalf("Status = %s, want COMMITTED", result.Status)
		}
		if result.DocumentsRestored != 2 || result.BlobsRestored != 1 || result.CountersRestored != 1 {
			t.Errorf("restored = %d docs, %d blobs, %d counters, want 2, 1, 1",
				result.DocumentsRestored, result.BlobsRestored, result.CountersRestored)
		}

		// Documents come back with their original IDs, versions, and fields.
		sourceDocs, err := source.docs.List(ctx, disposisi.ListFilter{Status: disposisi.StatusAll})
		if err != nil {
			t.Fatalf("List(source) error = %v", err)
		}
		targetDocs, err := target.docs.List(ctx, disposisi.ListFilter{Status: disposisi.StatusAll})
		if err != nil {
			t.Fatalf("List(target) error = %v", err)
		}
		if len(targetDocs) != len(sourceDocs) {
			t.Fatalf("target holds %d documents, want %d", len(targetDocs), len(sourceDocs))
		}
		for i := range sourceDocs {
			src, dst := sourceDocs[i], targetDocs[i]
			if dst.ID != src.ID || dst.Version != src.Version || dst.Deleted != src.Deleted {
				t.Errorf("doc %d = {id %d v %d del %v}, want {id %d v %d del %v}",
					i, dst.ID, dst.Version, dst.Deleted, src.ID, src.Version, src.Deleted)
			}
			if dst.Fields["perihal"] != src.Fields["perihal"] {
				t.Errorf("doc %d perihal = %v, want %v", i, dst.Fields["perihal"], src.Fields["perihal"])
			}
		}

		// Attachment content is byte-identical under its original ID.
		blobID := sourceDocs[0].Attachments[0]
		srcContent, _, err := source.blobs.Get(ctx, blobID)
		if err != nil {
			t.Fatalf("Get(source blob) error = %v", err)
		}
		dstContent, _, err := target.blobs.Get(ctx, blobID)
		if err != nil {
			t.Fatalf("Get(target blob) error = %v", err)
		}
		if !bytes.Equal(srcContent, dstContent) {
			t.Errorf("restored blob content differs from source")
		}

		// ID allocation continues above the archived high-water mark.
		next, err := target.counters.Next(ctx, disposisi.DocumentSequence)
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		if next != 3 {
			t.Errorf("Next() after restore = %d, want 3", next)
		}
	})

	t.Run("collisions abort without overwrite and mutate nothing", func(t *testing.T) {
		dir := t.TempDir()
		archive, source := snapshotArchive(t, dir, false)

		// Diverge the live store after the backup.
		if _, err := source.docs.Update(ctx, 1, 1, disposisi.Patch{
			Fields: map[string]any{"status": "selesai"},
		}); err != nil {
			t.Fatalf("Update() error = %v", err)
		}

		result, err := source.svc.Restore(ctx, archive, disposisi.RestoreOptions{})
		if !disposisi.IsCode(err, disposisi.CodeConflict) {
			t.Fatalf("Restore() error = %v, want CONFLICT", err)
		}
		if result.Status != disposisi.RestoreAborted {
			t.Errorf("Status = %s, want ABORTED", result.Status)
		}
		if len(result.ConflictingDocuments) != 2 {
			t.Errorf("ConflictingDocuments = %v, want both archived IDs", result.ConflictingDocuments)
		}

		// The live document keeps its post-backup state.
		doc, err := source.docs.Get(ctx, 1)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if doc.Version != 2 || doc.Fields["status"] != "selesai" {
			t.Errorf("doc 1 = v%d %v, want v2 status=selesai untouched", doc.Version, doc.Fields["status"])
		}
	})

	t.Run("counter ahead of the archive aborts without overwrite", func(t *testing.T) {
		dir := t.TempDir()
		archive, _ := snapshotArchive(t, dir, false)

		// Empty target, but its counter has moved past the archived value of 2.
		target := newEngine(t, dir, false)
		for i := 0; i < 3; i++ {
			if _, err := target.counters.Next(ctx, disposisi.DocumentSequence); err != nil {
				t.Fatalf("Next() error = %v", err)
			}
		}

		result, err := target.svc.Restore(ctx, archive, disposisi.RestoreOptions{})
		if !disposisi.IsCode(err, disposisi.CodeConflict) {
			t.Fatalf("Restore() error = %v, want CONFLICT", err)
		}
		if result.Status != disposisi.RestoreAborted {
			t.Errorf("Status = %s, want ABORTED", result.Status)
		}
		if len(result.ConflictingCounters) != 1 || result.ConflictingCounters[0] != disposisi.DocumentSequence {
			t.Errorf("ConflictingCounters = %v, want [%s]", result.ConflictingCounters, disposisi.DocumentSequence)
		}
		if result.DocumentsRestored != 0 {
			t.Errorf("DocumentsRestored = %d, want 0", result.DocumentsRestored)
		}

		// Nothing landed and allocation continues from the live value.
		docs, err := target.docs.List(ctx, disposisi.ListFilter{Status: disposisi.StatusAll})
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if len(docs) != 0 {
			t.Errorf("target holds %d documents after aborted restore, want 0", len(docs))
		}
		next, err := target.counters.Next(ctx, disposisi.DocumentSequence)
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		if next != 4 {
			t.Errorf("Next() after aborted restore = %d, want 4", next)
		}
	})

	t.Run("overwrite replaces collided documents with archived state", func(t *testing.T) {
		dir := t.TempDir()
		archive, source := snapshotArchive(t, dir, false)

		if _, err := source.docs.Update(ctx, 1, 1, disposisi.Patch{
			Fields: map[string]any{"status": "selesai"},
		}); err != nil {
			t.Fatalf("Update() error = %v", err)
		}

		result, err := source.svc.Restore(ctx, archive, disposisi.RestoreOptions{Overwrite: true})
		if err != nil {
			t.Fatalf("Restore(overwrite) error = %v", err)
		}
		if result.Status != disposisi.RestoreCommitted {
			t.Fatalf("Status = %s, want COMMITTED", result.Status)
		}

		doc, err := source.docs.Get(ctx, 1)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if doc.Version != 1 {
			t.Errorf("doc 1 version = %d, want archived version 1", doc.Version)
		}
		if _, ok := doc.Fields["status"]; ok {
			t.Errorf("doc 1 kept post-backup field, want archived fields only")
		}
	})

	t.Run("never regresses a live counter", func(t *testing.T) {
		dir := t.TempDir()
		archive, source := snapshotArchive(t, dir, false)

		// Advance the counter past the archived value of 2.
		for i := 0; i < 3; i++ {
			if _, err := source.counters.Next(ctx, disposisi.DocumentSequence); err != nil {
				t.Fatalf("Next() error = %v", err)
			}
		}

		result, err := source.svc.Restore(ctx, archive, disposisi.RestoreOptions{Overwrite: true})
		if err != nil {
			t.Fatalf("Restore() error = %v", err)
		}
		if result.Status != disposisi.RestoreCommitted {
			t.Fatalf("Status = %s, want COMMITTED", result.Status)
		}

		next, err := source.counters.Next(ctx, disposisi.DocumentSequence)
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		if next != 6 {
			t.Errorf("Next() after restore = %d, want 6 (live value 5 kept)", next)
		}
	})

	t.Run("restore into a restored store is idempotent under overwrite", func(t *testing.T) {
		dir := t.TempDir()
		archive, _ := snapshotArchive(t, dir, false)

		target := newEngine(t, dir, false)
		if _, err := target.svc.Restore(ctx, archive, disposisi.RestoreOptions{}); err != nil {
			t.Fatalf("first Restore() error = %v", err)
		}

		result, err := target.svc.Restore(ctx, archive, disposisi.RestoreOptions{Overwrite: true})
		if err != nil {
			t.Fatalf("second Restore() error = %v", err)
		}
		if result.Status != disposisi.RestoreCommitted {
			t.Fatalf("Status = %s, want COMMITTED", result.Status)
		}
		if result.BlobsRestored != 0 {
			t.Errorf("BlobsRestored = %d, want 0 (identical blobs skipped)", result.BlobsRestored)
		}
		if result.DocumentsRestored != 2 {
			t.Errorf("DocumentsRestored = %d, want 2", result.DocumentsRestored)
		}
	})

	t.Run("rejects a tampered archive before touching state", func(t *testing.T) {
		dir := t.TempDir()
		archive, _ := snapshotArchive(t, dir, false)

		docsPath := filepath.Join(archive, "documents.json")
		payload, err := os.ReadFile(docsPath)
		if err != nil {
			t.Fatalf("reading documents file: %v", err)
		}
		tampered := bytes.Replace(payload, []byte("undangan"), []byte("XXXXXXXX"), 1)
		if err := os.WriteFile(docsPath, tampered, 0644); err != nil {
			t.Fatalf("writing tampered file: %v", err)
		}

		target := newEngine(t, dir, false)
		result, err := target.svc.Restore(ctx, archive, disposisi.RestoreOptions{})
		if !disposisi.IsCode(err, disposisi.CodeIntegrity) {
			t.Fatalf("Restore(tampered) error = %v, want INTEGRITY", err)
		}
		if result.Status != disposisi.RestoreAborted {
			t.Errorf("Status = %s, want ABORTED", result.Status)
		}

		docs, err := target.docs.List(ctx, disposisi.ListFilter{Status: disposisi.StatusAll})
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if len(docs) != 0 {
			t.Errorf("target holds %d documents after aborted restore, want 0", len(docs))
		}
	})

	t.Run("rejects a tampered blob content file", func(t *testing.T) {
		dir := t.TempDir()
		archive, source := snapshotArchive(t, dir, false)

		docs, err := source.docs.List(ctx, disposisi.ListFilter{})
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		blobID := docs[0].Attachments[0]
		contentPath := filepath.Join(archive, "blobs", blobID+".content")
		if err := os.WriteFile(contentPath, []byte("tampered"), 0644); err != nil {
			t.Fatalf("tampering blob content: %v", err)
		}

		target := newEngine(t, dir, false)
		_, err = target.svc.Restore(ctx, archive, disposisi.RestoreOptions{})
		if !disposisi.IsCode(err, disposisi.CodeIntegrity) {
			t.Errorf("Restore(tampered blob) error = %v, want INTEGRITY", err)
		}
	})

	t.Run("missing archive", func(t *testing.T) {
		f := newEngine(t, t.TempDir(), false)
		_, err := f.svc.Restore(ctx, filepath.Join(t.TempDir(), "backup-nope"), disposisi.RestoreOptions{})
		if !disposisi.IsCode(err, disposisi.CodeNotFound) {
			t.Errorf("Restore(missing) error = %v, want NOT_FOUND", err)
		}
	})

	t.Run("blob ID collision with different content rolls back", func(t *testing.T) {
		dir := t.TempDir()

		// Source with two attachments so one restores before the other conflicts.
		source := newEngine(t, dir, false)
		first := source.putBlob(t, "first attachment body")
		second := source.putBlob(t, "second attachment body")
		source.createDoc(t, map[string]any{"perihal": "x"}, []string{first.ID, second.ID})
		archive, err := source.svc.Snapshot(ctx)
		if err != nil {
			t.Fatalf("Snapshot() error = %v", err)
		}

		// Target already holds a different blob under the second archived ID.
		target := newEngine(t, dir, false)
		gen := testutil.NewStubIDGenerator()
		gen.New() // burn id-1 so the next Put collides with the second archived blob
		target.blobs = blobstore.NewStore(blobstore.NewMemoryBackend(), 16, target.clock, gen, disposisi.NewNopLogger())
		target.svc = disposisi.NewService(target.db, target.blobs, target.counters, testutil.NewTestEncryptor(),
			target.clock, testutil.NewStubIDGenerator(), disposisi.NewNopLogger(),
			disposisi.ServiceConfig{BackupDir: dir})
		if _, err := target.blobs.Put(ctx, strings.NewReader("unrelated content"), model.BlobInfo{Filename: "other.pdf"}); err != nil {
			t.Fatalf("Put() error = %v", err)
		}

		result, err := target.svc.Restore(ctx, archive, disposisi.RestoreOptions{})
		if !disposisi.IsCode(err, disposisi.CodeConflict) {
			t.Fatalf("Restore() error = %v, want CONFLICT", err)
		}
		if result.Status != disposisi.RestoreRolledBack {
			t.Errorf("Status = %s, want ROLLED_BACK", result.Status)
		}

		// The blob restored before the conflict must be gone again.
		if _, err := target.blobs.Stat(ctx, first.ID); !disposisi.IsCode(err, disposisi.CodeNotFound) {
			t.Errorf("Stat(%s) error = %v, want NOT_FOUND after rollback", first.ID, err)
		}
		// The pre-existing blob survives untouched.
		content, _, err := target.blobs.Get(ctx, second.ID)
		if err != nil {
			t.Fatalf("Get(%s) error = %v", second.ID, err)
		}
		if string(content) != "unrelated content" {
			t.Errorf("pre-existing blob content = %q, want untouched", content)
		}
		// No documents landed.
		docs, err := target.docs.List(ctx, disposisi.ListFilter{Status: disposisi.StatusAll})
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if len(docs) != 0 {
			t.Errorf("target holds %d documents after rollback, want 0", len(docs))
		}
	})

	t.Run("cancelled context leaves the store untouched", func(t *testing.T) {
		dir := t.TempDir()
		archive, _ := snapshotArchive(t, dir, false)

		target := newEngine(t, dir, false)
		cancelled, cancel := context.WithCancel(context.Background())
		cancel()

		result, err := target.svc.Restore(cancelled, archive, disposisi.RestoreOptions{})
		if !disposisi.IsCode(err, disposisi.CodeStorage) {
			t.Fatalf("Restore(cancelled) error = %v, want STORAGE", err)
		}
		if result.Status != disposisi.RestoreAborted && result.Status != disposisi.RestoreRolledBack {
			t.Errorf("Status = %s, want a terminal failure state", result.Status)
		}

		docs, err := target.docs.List(ctx, disposisi.ListFilter{Status: disposisi.StatusAll})
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if len(docs) != 0 {
			t.Errorf("target holds %d documents after cancelled restore, want 0", len(docs))
		}
	})

	t.Run("encrypted archive round-trips with a passphrase", func(t *testing.T) {
		dir := t.TempDir()
		archive, source := snapshotArchive(t, dir, true)

		target := newEngine(t, dir, true)

		// No passphrase: validation rejects it before anything happens.
		_, err := target.svc.Restore(ctx, archive, disposisi.RestoreOptions{})
		if !disposisi.IsCode(err, disposisi.CodeValidation) {
			t.Fatalf("Restore(no passphrase) error = %v, want VALIDATION", err)
		}

		result, err := target.svc.Restore(ctx, archive, disposisi.RestoreOptions{Passphrase: "sesame"})
		if err != nil {
			t.Fatalf("Restore() error = %v", err)
		}
		if result.Status != disposisi.RestoreCommitted {
			t.Fatalf("Status = %s, want COMMITTED", result.Status)
		}

		sourceDocs, err := source.docs.List(ctx, disposisi.ListFilter{})
		if err != nil {
			t.Fatalf("List(source) error = %v", err)
		}
		blobID := sourceDocs[0].Attachments[0]
		srcContent, _, err := source.blobs.Get(ctx, blobID)
		if err != nil {
			t.Fatalf("Get(source blob) error = %v", err)
		}
		dstContent, _, err := target.blobs.Get(ctx, blobID)
		if err != nil {
			t.Fatalf("Get(target blob) error = %v", err)
		}
		if !bytes.Equal(srcContent, dstContent) {
			t.Errorf("decrypted blob content differs from source")
		}
	})
}
