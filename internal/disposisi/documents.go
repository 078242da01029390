package disposisi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"disposisi-go/internal/model"
)

// Patch describes a document mutation. Fields are merged into the existing
// field map; a non-nil Attachments pointer replaces the attachment list.
type Patch struct {
	Fields      map[string]any
	Attachments *[]string
}

// DocumentStore owns document CRUD, referential integrity against the blob
// store, and identifier allocation via the counter manager.
type DocumentStore struct {
	db       Database
	blobs    BlobStore
	counters *CounterManager
	clock    Clock
	idgen    IDGenerator
	logger   Logger

	requiredFields []string
}

// DocumentStoreOption configures a DocumentStore.
type DocumentStoreOption func(*DocumentStore)

// WithRequiredFields makes Create and Update reject documents missing any of
// the named fields. The field policy belongs to the calling layer; the core
// defaults to requiring only a non-empty field map.
func WithRequiredFields(names ...string) DocumentStoreOption {
	return func(s *DocumentStore) { s.requiredFields = names }
}

// NewDocumentStore creates a DocumentStore with the provided dependencies.
func NewDocumentStore(db Database, blobs BlobStore, counters *CounterManager, clock Clock, idgen IDGenerator, logger Logger, opts ...DocumentStoreOption) *DocumentStore {
	s := &DocumentStore{
		db:       db,
		blobs:    blobs,
		counters: counters,
		clock:    clock,
		idgen:    idgen,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create validates the fields and attachment references, allocates a new ID,
// and persists the document at version 1.
func (s *DocumentStore) Create(ctx context.Context, fields map[string]any, attachments []string) (*model.Document, error) {
	if err := s.validateFields(fields, true); err != nil {
		return nil, err
	}
	if err := s.validateAttachments(ctx, attachments); err != nil {
		return nil, err
	}

	id, err := s.counters.Next(ctx, DocumentSequence)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	doc := &model.Document{
		ID:          id,
		Fields:      copyFields(fields),
		Attachments: append([]string(nil), attachments...),
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.db.InsertDocument(ctx, doc); err != nil {
		return nil, wrapStorage(fmt.Sprintf("inserting document %d", id), err)
	}

	s.audit(ctx, "document_created", id, doc.Fields)
	s.logger.Info("document created", "id", id, "version", doc.Version)
	return doc.Clone(), nil
}

// Update applies the patch if expectedVersion matches the stored version,
// bumping the version and the updatedAt timestamp. On a version mismatch the
// caller must re-read and retry with the current version.
func (s *DocumentStore) Update(ctx context.Context, id int64, expectedVersion int64, patch Patch) (*model.Document, error) {
	if patch.Fields == nil && patch.Attachments == nil {
		return nil, NewValidation("patch must change fields or attachments")
	}
	if patch.Fields != nil {
		if err := s.validateFields(patch.Fields, false); err != nil {
			return nil, err
		}
	}
	if patch.Attachments != nil {
		if err := s.validateAttachments(ctx, *patch.Attachments); err != nil {
			return nil, err
		}
	}

	current, err := s.db.GetDocument(ctx, id)
	if err != nil {
		return nil, wrapStorage(fmt.Sprintf("reading document %d", id), err)
	}
	if current == nil {
		return nil, NewNotFound("document", id)
	}
	if current.Version != expectedVersion {
		return nil, versionConflict(id, expectedVersion, current.Version)
	}

	updated := current.Clone()
	for k, v := range patch.Fields {
		updated.Fields[k] = v
	}
	if patch.Attachments != nil {
		updated.Attachments = append([]string(nil), (*patch.Attachments)...)
	}
	updated.Version = expectedVersion + 1
	updated.UpdatedAt = s.clock.Now().UTC()

	ok, err := s.db.ReplaceDocument(ctx, updated, expectedVersion)
	if err != nil {
		return nil, wrapStorage(fmt.Sprintf("updating document %d", id), err)
	}
	if !ok {
		// Lost the race between the read above and the compare-and-swap.
		latest, err := s.db.GetDocument(ctx, id)
		if err != nil {
			return nil, wrapStorage(fmt.Sprintf("re-reading document %d", id), err)
		}
		if latest == nil {
			return nil, NewNotFound("document", id)
		}
		return nil, versionConflict(id, expectedVersion, latest.Version)
	}

	s.audit(ctx, "document_updated", id, patch.Fields)
	s.logger.Info("document updated", "id", id, "version", updated.Version)
	return updated.Clone(), nil
}

// Delete removes a document. A soft delete flips the deleted flag and leaves
// attachments referenced and retrievable; a hard delete removes the record
// and dereferences its attachments, making them orphan-eligible. Orphaned
// blobs are never reclaimed automatically, see PurgeOrphans.
func (s *DocumentStore) Delete(ctx context.Context, id int64, hard bool) error {
	var (
		found bool
		err   error
	)
	if hard {
		found, err = s.db.HardDeleteDocument(ctx, id)
	} else {
		found, err = s.db.SoftDeleteDocument(ctx, id, s.clock.Now().UTC())
	}
	if err != nil {
		return wrapStorage(fmt.Sprintf("deleting document %d", id), err)
	}
	if !found {
		return NewNotFound("document", id)
	}

	s.audit(ctx, "document_deleted", id, map[string]any{"hard": hard})
	s.logger.Info("document deleted", "id", id, "hard", hard)
	return nil
}

// Get returns a document by ID. Soft-deleted documents remain retrievable
// with the deleted flag set.
func (s *DocumentStore) Get(ctx context.Context, id int64) (*model.Document, error) {
	doc, err := s.db.GetDocument(ctx, id)
	if err != nil {
		return nil, wrapStorage(fmt.Sprintf("reading document %d", id), err)
	}
	if doc == nil {
		return nil, NewNotFound("document", id)
	}
	return doc, nil
}

// List returns documents matching the filter, ordered by ID. The zero filter
// lists active documents only.
func (s *DocumentStore) List(ctx context.Context, filter ListFilter) ([]*model.Document, error) {
	if filter.Status == "" {
		filter.Status = StatusActive
	}
	docs, err := s.db.ListDocuments(ctx, filter)
	if err != nil {
		return nil, wrapStorage("listing documents", err)
	}
	return docs, nil
}

// PurgeOrphans deletes every blob that no document references. This is an
// explicit administrative pass, never run implicitly. Returns the number of
// blobs removed.
func (s *DocumentStore) PurgeOrphans(ctx context.Context) (int, error) {
	referenced, err := s.db.ReferencedBlobIDs(ctx)
	if err != nil {
		return 0, wrapStorage("listing referenced blobs", err)
	}

	blobs, err := s.blobs.List(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, info := range blobs {
		if _, ok := referenced[info.ID]; ok {
			continue
		}
		if err := s.blobs.Delete(ctx, info.ID); err != nil {
			return removed, err
		}
		removed++
		s.logger.Info("orphan blob purged", "blob", info.ID, "filename", info.Filename)
	}
	return removed, nil
}

// validateFields checks field presence and value types. Required-field
// presence is only enforced on full field maps (create), not patches.
func (s *DocumentStore) validateFields(fields map[string]any, full bool) error {
	if full && len(fields) == 0 {
		return NewValidation("document fields must not be empty")
	}
	if full {
		for _, name := range s.requiredFields {
			if _, ok := fields[name]; !ok {
				return NewValidation("required field missing: %s", name)
			}
		}
	}
	for k, v := range fields {
		if k == "" {
			return NewValidation("field name must not be empty")
		}
		switch v.(type) {
		case string, bool, int, int64, float64, time.Time, nil:
		default:
			return NewValidation("field %q has unsupported type %T", k, v)
		}
	}
	return nil
}

// validateAttachments confirms every referenced blob is committed and the
// list holds no duplicates.
func (s *DocumentStore) validateAttachments(ctx context.Context, attachments []string) error {
	seen := make(map[string]struct{}, len(attachments))
	for _, id := range attachments {
		if id == "" {
			return NewValidation("attachment ID must not be empty")
		}
		if _, dup := seen[id]; dup {
			return NewValidation("duplicate attachment: %s", id)
		}
		seen[id] = struct{}{}
		if _, err := s.blobs.Stat(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// audit records a mutation in the audit trail. The core does not depend on
// the audit log; failures are logged and swallowed.
func (s *DocumentStore) audit(ctx context.Context, action string, id int64, details any) {
	payload, err := json.Marshal(details)
	if err != nil {
		payload = []byte("{}")
	}
	entry := &model.AuditEntry{
		ID:         s.idgen.New(),
		Action:     action,
		DocumentID: id,
		Details:    string(payload),
		CreatedAt:  s.clock.Now().UTC(),
	}
	if err := s.db.InsertAuditEntry(ctx, entry); err != nil {
		s.logger.Warn("audit entry not recorded", "action", action, "id", id, "error", err)
	}
}

// History returns the most recent audit entries, newest first.
func (s *DocumentStore) History(ctx context.Context, limit int) ([]*model.AuditEntry, error) {
	entries, err := s.db.ListAuditEntries(ctx, limit)
	if err != nil {
		return nil, wrapStorage("listing audit entries", err)
	}
	return entries, nil
}

func versionConflict(id, expected, actual int64) *Error {
	return NewConflict(
		fmt.Sprintf("document %d version mismatch: expected %d, stored %d", id, expected, actual),
		map[string]any{"id": id, "expected": expected, "actual": actual},
	)
}

// wrapStorage passes through core errors from the storage layer (e.g. a
// CONFLICT from a duplicate insert) and wraps everything else as STORAGE.
func wrapStorage(msg string, err error) error {
	var coreErr *Error
	if errors.As(err, &coreErr) {
		return err
	}
	return NewStorage(msg, err)
}

func copyFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}
