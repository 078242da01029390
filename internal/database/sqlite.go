package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"disposisi-go/internal/database/migrations"
	"disposisi-go/internal/disposisi"
	"disposisi-go/internal/model"
)

// SQLiteDatabase implements the disposisi.Database interface using SQLite.
type SQLiteDatabase struct {
	db   *sql.DB
	path string
}

// NewSQLiteDatabase creates a new SQLite database connection.
// path can be a file path or ":memory:" for in-memory database.
func NewSQLiteDatabase(path string) (*SQLiteDatabase, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}

	return &SQLiteDatabase{
		db:   db,
		path: path,
	}, nil
}

// NewSQLiteDatabaseFromDB wraps an existing database connection.
// The caller is responsible for ensuring the connection is properly configured.
func NewSQLiteDatabaseFromDB(db *sql.DB) *SQLiteDatabase {
	return &SQLiteDatabase{db: db}
}

// OpenConnection opens and configures a SQLite database connection with appropriate PRAGMAs.
// This is exported for use in tools and tests that need a properly configured SQLite connection.
// path can be a file path or ":memory:" for in-memory database.
func OpenConnection(path string) (*sql.DB, error) {
	// DSN parameters apply to every pooled connection, unlike a PRAGMA
	// issued through the pool which only reaches one connection. Foreign
	// keys default to OFF in SQLite; the busy timeout makes concurrent
	// writers queue for up to 5s instead of failing.
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Every pooled connection to ":memory:" would open its own empty
	// database, so in-memory databases must stay on a single connection.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	return db, nil
}

// Document operations

func (s *SQLiteDatabase) InsertDocument(ctx context.Context, doc *model.Document) error {
	fields, err := json.Marshal(doc.Fields)
	if err != nil {
		return fmt.Errorf("encoding document fields: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO documents (id, fields, version, deleted, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		doc.ID, string(fields), doc.Version, doc.Deleted, doc.CreatedAt, doc.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return disposisi.NewConflict(
				fmt.Sprintf("document %d already exists", doc.ID),
				map[string]any{"id": doc.ID})
		}
		return fmt.Errorf("inserting document: %w", err)
	}

	if err := insertAttachments(ctx, tx, doc.ID, doc.Attachments); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) GetDocument(ctx context.Context, id int64) (*model.Document, error) {
	doc, err := scanDocument(s.db.QueryRowContext(ctx,
		`SELECT id, fields, version, deleted, created_at, updated_at FROM documents WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("finding document by id: %w", err)
	}

	doc.Attachments, err = s.loadAttachments(ctx, id)
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *SQLiteDatabase) ReplaceDocument(ctx context.Context, doc *model.Document, expectedVersion int64) (bool, error) {
	fields, err := json.Marshal(doc.Fields)
	if err != nil {
		return false, fmt.Errorf("encoding document fields: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE documents SET fields = ?, version = ?, deleted = ?, updated_at = ?
		 WHERE id = ? AND version = ?`,
		string(fields), doc.Version, doc.Deleted, doc.UpdatedAt, doc.ID, expectedVersion)
	if err != nil {
		return false, fmt.Errorf("updating document: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking update result: %w", err)
	}
	if affected == 0 {
		return false, nil // version mismatch or absent
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM attachments WHERE document_id = ?`, doc.ID); err != nil {
		return false, fmt.Errorf("clearing attachments: %w", err)
	}
	if err := insertAttachments(ctx, tx, doc.ID, doc.Attachments); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing transaction: %w", err)
	}
	return true, nil
}

func (s *SQLiteDatabase) SoftDeleteDocument(ctx context.Context, id int64, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET deleted = 1, version = version + 1, updated_at = ? WHERE id = ?`, at, id)
	if err != nil {
		return false, fmt.Errorf("soft-deleting document: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking delete result: %w", err)
	}
	return affected > 0, nil
}

func (s *SQLiteDatabase) HardDeleteDocument(ctx context.Context, id int64) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM attachments WHERE document_id = ?`, id); err != nil {
		return false, fmt.Errorf("deleting attachments: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("deleting document: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking delete result: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing transaction: %w", err)
	}
	return affected > 0, nil
}

func (s *SQLiteDatabase) ListDocuments(ctx context.Context, filter disposisi.ListFilter) ([]*model.Document, error) {
	query := `SELECT id, fields, version, deleted, created_at, updated_at FROM documents`
	switch filter.Status {
	case disposisi.StatusDeleted:
		query += ` WHERE deleted = 1`
	case disposisi.StatusAll:
	default:
		query += ` WHERE deleted = 0`
	}
	query += ` ORDER BY id`

	limit := int64(-1) // SQLite: LIMIT -1 means unlimited
	if filter.Limit > 0 {
		limit = int64(filter.Limit)
	}
	query += ` LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query, limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}

	var docs []*model.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning document: %w", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterating documents: %w", err)
	}
	// Release the connection before issuing the attachment queries.
	rows.Close()

	for _, doc := range docs {
		doc.Attachments, err = s.loadAttachments(ctx, doc.ID)
		if err != nil {
			return nil, err
		}
	}
	return docs, nil
}

func (s *SQLiteDatabase) CountDocuments(ctx context.Context, filter disposisi.ListFilter) (int64, error) {
	query := `SELECT COUNT(*) FROM documents`
	switch filter.Status {
	case disposisi.StatusDeleted:
		query += ` WHERE deleted = 1`
	case disposisi.StatusAll:
	default:
		query += ` WHERE deleted = 0`
	}

	var count int64
	if err := s.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting documents: %w", err)
	}
	return count, nil
}

func (s *SQLiteDatabase) ReferencedBlobIDs(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT blob_id FROM attachments`)
	if err != nil {
		return nil, fmt.Errorf("listing referenced blobs: %w", err)
	}
	defer rows.Close()

	referenced := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning blob id: %w", err)
		}
		referenced[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating blob ids: %w", err)
	}
	return referenced, nil
}

// Sequence operations

func (s *SQLiteDatabase) NextSequence(ctx context.Context, name string) (int64, error) {
	// Upsert-and-increment in a single statement keeps the counter atomic
	// at the storage level even without the manager's per-name lock.
	var value int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO counters (name, value) VALUES (?, 1)
		 ON CONFLICT(name) DO UPDATE SET value = value + 1
		 RETURNING value`, name).Scan(&value)
	if err != nil {
		return 0, fmt.Errorf("incrementing sequence %q: %w", name, err)
	}
	return value, nil
}

func (s *SQLiteDatabase) ResetSequence(ctx context.Context, name string, value int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO counters (name, value) VALUES (?, ?)
		 ON CONFLICT(name) DO UPDATE SET value = excluded.value`, name, value)
	if err != nil {
		return fmt.Errorf("resetting sequence %q: %w", name, err)
	}
	return nil
}

func (s *SQLiteDatabase) ListSequences(ctx context.Context) (map[string]int64, error) {
	return listSequences(ctx, s.db)
}

// Snapshot reads all documents and all sequence values inside one
// transaction, giving backup a consistent cut of the database.
func (s *SQLiteDatabase) Snapshot(ctx context.Context) ([]*model.Document, map[string]int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("starting snapshot transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, fields, version, deleted, created_at, updated_at FROM documents ORDER BY id`)
	if err != nil {
		return nil, nil, fmt.Errorf("snapshotting documents: %w", err)
	}
	var docs []*model.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			rows.Close()
			return nil, nil, fmt.Errorf("scanning document: %w", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, nil, fmt.Errorf("iterating documents: %w", err)
	}
	rows.Close()

	for _, doc := range docs {
		doc.Attachments, err = loadAttachments(ctx, tx, doc.ID)
		if err != nil {
			return nil, nil, err
		}
	}

	counters, err := listSequences(ctx, tx)
	if err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("committing snapshot transaction: %w", err)
	}
	return docs, counters, nil
}

// Audit operations

func (s *SQLiteDatabase) InsertAuditEntry(ctx context.Context, entry *model.AuditEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, action, document_id, details, created_at) VALUES (?, ?, ?, ?, ?)`,
		entry.ID, entry.Action, entry.DocumentID, entry.Details, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) ListAuditEntries(ctx context.Context, limit int) ([]*model.AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, action, document_id, details, created_at FROM audit_log
		 ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing audit entries: %w", err)
	}
	defer rows.Close()

	var entries []*model.AuditEntry
	for rows.Next() {
		entry := &model.AuditEntry{}
		if err := rows.Scan(&entry.ID, &entry.Action, &entry.DocumentID, &entry.Details, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit entries: %w", err)
	}
	return entries, nil
}

// Path returns the database file path (or ":memory:" for in-memory databases).
func (s *SQLiteDatabase) Path() string {
	return s.path
}

// CheckMigrations verifies the database schema is up-to-date.
func (s *SQLiteDatabase) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(s.db)
}

// Migrate brings the database schema to the latest version.
func (s *SQLiteDatabase) Migrate() error {
	return migrations.MigrateUp(s.db)
}

// Close closes the database connection.
func (s *SQLiteDatabase) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// queryer is the subset of *sql.DB and *sql.Tx used by shared helpers.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteDatabase) loadAttachments(ctx context.Context, docID int64) ([]string, error) {
	return loadAttachments(ctx, s.db, docID)
}

func loadAttachments(ctx context.Context, q queryer, docID int64) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT blob_id FROM attachments WHERE document_id = ? ORDER BY position`, docID)
	if err != nil {
		return nil, fmt.Errorf("loading attachments: %w", err)
	}
	defer rows.Close()

	attachments := []string{}
	for rows.Next() {
		var blobID string
		if err := rows.Scan(&blobID); err != nil {
			return nil, fmt.Errorf("scanning attachment: %w", err)
		}
		attachments = append(attachments, blobID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating attachments: %w", err)
	}
	return attachments, nil
}

func insertAttachments(ctx context.Context, q queryer, docID int64, attachments []string) error {
	for i, blobID := range attachments {
		_, err := q.ExecContext(ctx,
			`INSERT INTO attachments (document_id, position, blob_id) VALUES (?, ?, ?)`,
			docID, i, blobID)
		if err != nil {
			return fmt.Errorf("inserting attachment %d: %w", i, err)
		}
	}
	return nil
}

func listSequences(ctx context.Context, q queryer) (map[string]int64, error) {
	rows, err := q.QueryContext(ctx, `SELECT name, value FROM counters`)
	if err != nil {
		return nil, fmt.Errorf("listing sequences: %w", err)
	}
	defer rows.Close()

	sequences := make(map[string]int64)
	for rows.Next() {
		var name string
		var value int64
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("scanning sequence: %w", err)
		}
		sequences[name] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sequences: %w", err)
	}
	return sequences, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*model.Document, error) {
	doc := &model.Document{}
	var fields string
	if err := row.Scan(&doc.ID, &fields, &doc.Version, &doc.Deleted, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(fields), &doc.Fields); err != nil {
		return nil, fmt.Errorf("decoding document fields: %w", err)
	}
	return doc, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}

// Compile-time check that SQLiteDatabase implements disposisi.Database
var _ disposisi.Database = (*SQLiteDatabase)(nil)
