package types

import (
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

type DocumentStatus string

const (
	StatusActive   DocumentStatus = "active"
	StatusChunked  DocumentStatus = "chunked"
	StatusIndexed  DocumentStatus = "indexed"
	StatusArchived DocumentStatus = "archived"
)

type AuditAction string

const (
	AuditCreateVersion   AuditAction = "CREATE_VERSION"
	AuditUpdateMetadata  AuditAction = "UPDATE_METADATA"
	AuditArchiveDocument AuditAction = "ARCHIVE_DOCUMENT"
	AuditDeleteVersion   AuditAction = "DELETE_VERSION"
)

type Document struct {
	ID          uuid.UUID
	Title       string
	Filename    string
	Category    string
	Owner       string
	OwnerArea   string
	Department  string
	Tags        []string
	Description string
	Public      bool
	Indexable   bool
	FileSize    int64
	FileType    string
	FilePath    string
	Status      DocumentStatus
	ChunkCount  int
	CreatedAt   time.Time
	UpdatedAt   time.Time
	IndexedAt   sql.NullTime
}

// Meta is the document-level payload mirrored into every vector record.
func (d *Document) Meta() DocumentMeta {
	owner := d.Owner
	if owner == "" {
		owner = d.OwnerArea
	}
	return DocumentMeta{
		Title:       d.Title,
		Category:    d.Category,
		Owner:       owner,
		Department:  d.Department,
		Tags:        d.Tags,
		Description: d.Description,
		Public:      d.Public,
		Indexable:   d.Indexable,
	}
}

type Version struct {
	ID            uuid.UUID
	DocumentID    uuid.UUID
	Label         string
	Filename      string
	FilePath      string
	FileSize      int64
	FileType      string
	FileHash      string
	ChangeSummary string
	EffectiveFrom time.Time
	EffectiveTo   sql.NullTime
	IsCurrent     bool
	Deleted       bool
	UploadedAt    time.Time
}

type Chunk struct {
	ID         uuid.UUID
	DocumentID uuid.UUID
	VersionID  uuid.UUID
	Index      int
	Content    string
	Section    string
	IsCurrent  bool
	Deleted    bool
	CreatedAt  time.Time
	Embedding  []float32
}

type AuditRecord struct {
	ID         uuid.UUID
	Action     AuditAction
	DocumentID uuid.UUID
	Version    string
	CreatedAt  time.Time
}

type DocumentMeta struct {
	Title       string
	Category    string
	Owner       string
	Department  string
	Tags        []string
	Description string
	Public      bool
	Indexable   bool
}

// VectorRecord mirrors one chunk in the vector store. The payload columns
// duplicate primary-store data because the two stores share no transaction
// and retrieval never reads the primary store.
type VectorRecord struct {
	ID         uuid.UUID
	DocumentID uuid.UUID
	Version    string
	ChunkIndex int
	Filename   string
	Content    string
	IsCurrent  bool
	Deleted    bool
	Meta       DocumentMeta
	Embedding  []float32
}

type VectorHit struct {
	Record VectorRecord
	Score  float64
}

// VersionFlag is the per-(document, version) flag pair both stores agree on
// when consistent. The reconciler compares these across stores.
type VersionFlag struct {
	DocumentID uuid.UUID
	Version    string
	IsCurrent  bool
	Deleted    bool
}

// DocumentSummary is one row of the document listing: a document joined with
// its current version, if any.
type DocumentSummary struct {
	Document
	Version       string
	EffectiveFrom sql.NullTime
}

// ParseTags accepts either a JSON array or a comma-separated list.
func ParseTags(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(raw), &tags); err == nil {
		return tags
	}
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}
