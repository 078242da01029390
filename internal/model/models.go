package model

import "time"

// Document represents a single disposition record.
// Fields carries the domain attributes (perihal, asal_surat, and so on);
// the persistence core treats them as opaque beyond presence/type checks.
type Document struct {
	ID          int64          `json:"id"`
	Fields      map[string]any `json:"fields"`
	Attachments []string       `json:"attachments"` // ordered blob IDs
	Version     int64          `json:"version"`
	Deleted     bool           `json:"deleted"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Clone returns a deep copy so callers can mutate the result freely.
func (d *Document) Clone() *Document {
	out := *d
	out.Fields = make(map[string]any, len(d.Fields))
	for k, v := range d.Fields {
		out.Fields[k] = v
	}
	out.Attachments = append([]string(nil), d.Attachments...)
	return &out
}

// BlobInfo describes a stored attachment. A blob is visible only once its
// metadata record exists; chunks without metadata are invisible garbage.
type BlobInfo struct {
	ID          string    `json:"id"` // UUID
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	Checksum    string    `json:"checksum"` // hex SHA-256 of the whole content
	ChunkSize   int64     `json:"chunk_size"`
	ChunkCount  int       `json:"chunk_count"`
	CreatedAt   time.Time `json:"created_at"`
}

// AuditEntry records a document mutation for the audit trail.
type AuditEntry struct {
	ID         string    `json:"id"` // UUID
	Action     string    `json:"action"`
	DocumentID int64     `json:"document_id"`
	Details    string    `json:"details"` // JSON payload
	CreatedAt  time.Time `json:"created_at"`
}

// Manifest is the self-describing header of a backup archive, written last
// and checked first.
type Manifest struct {
	FormatVersion int              `json:"format_version"`
	CreatedAt     time.Time        `json:"created_at"`
	DocumentCount int              `json:"document_count"`
	BlobCount     int              `json:"blob_count"`
	Counters      map[string]int64 `json:"counters"`
	Encrypted     bool             `json:"encrypted"`
	Checksum      string           `json:"checksum"` // hex SHA-256 over the content listing
}

// ArchiveBlobEntry is the per-blob metadata record stored in an archive.
// FileChecksum digests the content file as written to the archive, which is
// the ciphertext when the archive is encrypted; Info.Checksum always digests
// the plaintext.
type ArchiveBlobEntry struct {
	Info         BlobInfo `json:"info"`
	FileChecksum string   `json:"file_checksum"`
}
