package disposisi_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"disposisi-go/internal/blobstore"
	"disposisi-go/internal/disposisi"
	"disposisi-go/internal/model"
	"disposisi-go/internal/testutil"
)

// engineFixture wires a complete persistence stack around a shared backup
// directory so archives written by one fixture can be restored by another.
type engineFixture struct {
	svc      *disposisi.Service
	docs     *disposisi.DocumentStore
	db       disposisi.Database
	blobs    *blobstore.Store
	counters *disposisi.CounterManager
	clock    *testutil.StubClock
}

func newEngine(t *testing.T, backupDir string, encrypt bool) *engineFixture {
	t.Helper()

	db := testutil.NewTestDatabase(t)
	clock := testutil.FixedClock()
	nop := disposisi.NewNopLogger()
	blobs := blobstore.NewStore(blobstore.NewMemoryBackend(), 16, clock, testutil.NewStubIDGenerator(), nop)
	counters := disposisi.NewCounterManager(db, nop)
	docs := disposisi.NewDocumentStore(db, blobs, counters, clock, testutil.NewStubIDGenerator(), nop)
	svc := disposisi.NewService(db, blobs, counters, testutil.NewTestEncryptor(), clock, testutil.NewStubIDGenerator(), nop,
		disposisi.ServiceConfig{BackupDir: backupDir, Encrypt: encrypt})

	return &engineFixture{svc: svc, docs: docs, db: db, blobs: blobs, counters: counters, clock: clock}
}

func (f *engineFixture) putBlob(t *testing.T, content string) model.BlobInfo {
	t.Helper()
	info, err := f.blobs.Put(context.Background(), strings.NewReader(content), model.BlobInfo{Filename: "scan.pdf"})
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	return info
}

func (f *engineFixture) createDoc(t *testing.T, fields map[string]any, attachments []string) *model.Document {
	t.Helper()
	doc, err := f.docs.Create(context.Background(), fields, attachments)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return doc
}

func readManifest(t *testing.T, archive string) *model.Manifest {
	t.Helper()
	payload, err := os.ReadFile(filepath.Join(archive, "manifest.json"))
	if err != nil {
		t.Fatalf("reading manifest: %v", err)
	}
	var m model.Manifest
	if err := json.Unmarshal(payload, &m); err != nil {
		t.Fatalf("decoding manifest: %v", err)
	}
	return &m
}

func TestService_Snapshot(t *testing.T) {
	ctx := context.Background()

	t.Run("writes a complete archive", func(t *testing.T) {
		dir := t.TempDir()
		f := newEngine(t, dir, false)

		blob := f.putBlob(t, "attachment content that spans chunks")
		f.createDoc(t, map[string]any{"perihal": "undangan"}, []string{blob.ID})
		f.createDoc(t, map[string]any{"perihal": "laporan"}, nil)

		archive, err := f.svc.Snapshot(ctx)
		if err != nil {
			t.Fatalf("Snapshot() error = %v", err)
		}

		m := readManifest(t, archive)
		if m.FormatVersion != disposisi.ArchiveFormatVersion {
			t.Errorf("format version = %d, want %d", m.FormatVersion, disposisi.ArchiveFormatVersion)
		}
		if m.DocumentCount != 2 {
			t.Errorf("document count = %d, want 2", m.DocumentCount)
		}
		if m.BlobCount != 1 {
			t.Errorf("blob count = %d, want 1", m.BlobCount)
		}
		if m.Counters["document"] != 2 {
			t.Errorf("counters[document] = %d, want 2", m.Counters["document"])
		}
		if m.Encrypted {
			t.Errorf("manifest marked encrypted for a plaintext archive")
		}

		for _, name := range []string{"documents.json", filepath.Join("blobs", blob.ID+".content"), filepath.Join("blobs", blob.ID+".json")} {
			if _, err := os.Stat(filepath.Join(archive, name)); err != nil {
				t.Errorf("archive missing %s: %v", name, err)
			}
		}
	})

	t.Run("archives only referenced blobs", func(t *testing.T) {
		dir := t.TempDir()
		f := newEngine(t, dir, false)

		referenced := f.putBlob(t, "referenced")
		orphan := f.putBlob(t, "orphan")
		f.createDoc(t, map[string]any{"perihal": "x"}, []string{referenced.ID})

		archive, err := f.svc.Snapshot(ctx)
		if err != nil {
			t.Fatalf("Snapshot() error = %v", err)
		}

		if m := readManifest(t, archive); m.BlobCount != 1 {
			t.Errorf("blob count = %d, want 1", m.BlobCount)
		}
		if _, err := os.Stat(filepath.Join(archive, "blobs", orphan.ID+".content")); !os.IsNotExist(err) {
			t.Errorf("orphan blob %s was archived", orphan.ID)
		}
	})

	t.Run("shared attachments are archived once", func(t *testing.T) {
		dir := t.TempDir()
		f := newEngine(t, dir, false)

		blob := f.putBlob(t, "shared")
		f.createDoc(t, map[string]any{"perihal": "a"}, []string{blob.ID})
		f.createDoc(t, map[string]any{"perihal": "b"}, []string{blob.ID})

		archive, err := f.svc.Snapshot(ctx)
		if err != nil {
			t.Fatalf("Snapshot() error = %v", err)
		}
		if m := readManifest(t, archive); m.BlobCount != 1 {
			t.Errorf("blob count = %d, want 1", m.BlobCount)
		}
	})

	t.Run("leaves no staging debris on publish", func(t *testing.T) {
		dir := t.TempDir()
		f := newEngine(t, dir, false)
		f.createDoc(t, map[string]any{"perihal": "x"}, nil)

		if _, err := f.svc.Snapshot(ctx); err != nil {
			t.Fatalf("Snapshot() error = %v", err)
		}

		listing, err := os.ReadDir(dir)
		if err != nil {
			t.Fatalf("reading backup dir: %v", err)
		}
		for _, item := range listing {
			if strings.HasPrefix(item.Name(), ".staging-") {
				t.Errorf("staging directory %s left behind", item.Name())
			}
		}
	})

	t.Run("encrypted archive keeps the manifest readable", func(t *testing.T) {
		dir := t.TempDir()
		f := newEngine(t, dir, true)

		blob := f.putBlob(t, "secret content")
		f.createDoc(t, map[string]any{"perihal": "rahasia"}, []string{blob.ID})

		archive, err := f.svc.Snapshot(ctx)
		if err != nil {
			t.Fatalf("Snapshot() error = %v", err)
		}

		if m := readManifest(t, archive); !m.Encrypted {
			t.Errorf("manifest not marked encrypted")
		}

		docsPayload, err := os.ReadFile(filepath.Join(archive, "documents.json"))
		if err != nil {
			t.Fatalf("reading documents file: %v", err)
		}
		if json.Valid(docsPayload) {
			t.Errorf("documents file is plaintext JSON in an encrypted archive")
		}
	})
}

func TestService_Stats(t *testing.T) {
	ctx := context.Background()
	f := newEngine(t, t.TempDir(), false)

	blob := f.putBlob(t, "body")
	doc := f.createDoc(t, map[string]any{"perihal": "x"}, []string{blob.ID})
	f.createDoc(t, map[string]any{"perihal": "y"}, nil)
	if err := f.docs.Delete(ctx, doc.ID, false); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	stats, err := f.svc.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.DocumentCount != 2 {
		t.Errorf("DocumentCount = %d, want 2 (soft-deleted included)", stats.DocumentCount)
	}
	if stats.BlobCount != 1 {
		t.Errorf("BlobCount = %d, want 1", stats.BlobCount)
	}
	if stats.Counters["document"] != 2 {
		t.Errorf("Counters[document] = %d, want 2", stats.Counters["document"])
	}
}
