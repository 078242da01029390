package disposisi

import (
	"context"
	"time"

	"disposisi-go/internal/model"
)

// StatusFilter selects which documents List returns.
type StatusFilter string

const (
	StatusActive  StatusFilter = "active" // default: soft-deleted excluded
	StatusDeleted StatusFilter = "deleted"
	StatusAll     StatusFilter = "all"
)

// ListFilter narrows a document listing.
type ListFilter struct {
	Status StatusFilter
	Limit  int // 0 means no limit
	Offset int
}

// Database provides an interface for document, sequence, and audit storage.
// Implementations must apply each mutation atomically: a reader never
// observes a document with half of an update applied.
type Database interface {
	// Document operations

	// InsertDocument persists a new document with its ordered attachment
	// list. Inserting an ID that already exists fails with a CONFLICT error.
	InsertDocument(ctx context.Context, doc *model.Document) error

	// GetDocument returns a document by ID, or nil if absent.
	GetDocument(ctx context.Context, id int64) (*model.Document, error)

	// ReplaceDocument atomically replaces the stored document (fields,
	// attachments, version, timestamps) if the stored version equals
	// expectedVersion. Returns false when no row matched.
	ReplaceDocument(ctx context.Context, doc *model.Document, expectedVersion int64) (bool, error)

	// SoftDeleteDocument flips the deleted flag and bumps the version.
	// Returns false if the document does not exist.
	SoftDeleteDocument(ctx context.Context, id int64, at time.Time) (bool, error)

	// HardDeleteDocument removes the document row and its attachment
	// references. Returns false if the document does not exist.
	HardDeleteDocument(ctx context.Context, id int64) (bool, error)

	// ListDocuments returns documents matching the filter, ordered by ID.
	ListDocuments(ctx context.Context, filter ListFilter) ([]*model.Document, error)

	// CountDocuments returns the number of documents matching the filter.
	CountDocuments(ctx context.Context, filter ListFilter) (int64, error)

	// ReferencedBlobIDs returns the set of blob IDs referenced by any
	// document, including soft-deleted ones.
	ReferencedBlobIDs(ctx context.Context) (map[string]struct{}, error)

	// Sequence operations

	// NextSequence atomically increments and returns the named sequence,
	// creating it at 1 on first use.
	NextSequence(ctx context.Context, name string) (int64, error)

	// ResetSequence sets the named sequence's high-water mark.
	ResetSequence(ctx context.Context, name string, value int64) error

	// ListSequences returns every sequence and its current value.
	ListSequences(ctx context.Context) (map[string]int64, error)

	// Snapshot returns all documents (including soft-deleted) and all
	// sequence values read in a single transaction, so backup observes a
	// consistent cut.
	Snapshot(ctx context.Context) ([]*model.Document, map[string]int64, error)

	// Audit operations

	// InsertAuditEntry appends an entry to the audit trail.
	InsertAuditEntry(ctx context.Context, entry *model.AuditEntry) error

	// ListAuditEntries returns the most recent audit entries, newest first.
	ListAuditEntries(ctx context.Context, limit int) ([]*model.AuditEntry, error)

	// Close closes the database connection.
	Close() error
}
