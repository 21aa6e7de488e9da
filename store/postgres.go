package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"apexrag/types"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBStorer is the primary (relational) store: documents, versions, chunks
// and the audit log. Every method that changes more than one row runs in a
// single transaction; cross-store consistency with the vector store is the
// engine's job.
type DBStorer interface {
	GetDocument(ctx context.Context, id uuid.UUID) (*types.Document, error)
	ListDocuments(ctx context.Context) ([]types.DocumentSummary, error)
	ListVersions(ctx context.Context, docID uuid.UUID) ([]types.Version, error)
	CurrentVersions(ctx context.Context, docID uuid.UUID) ([]types.Version, error)
	VersionByLabel(ctx context.Context, docID uuid.UUID, label string) (*types.Version, error)
	HasFileHash(ctx context.Context, docID uuid.UUID, hash string) (bool, error)
	CreateDocument(ctx context.Context, doc *types.Document, ver *types.Version, chunks []types.Chunk) error
	CreateVersion(ctx context.Context, doc *types.Document, prev, ver *types.Version, chunks []types.Chunk) error
	RollbackVersion(ctx context.Context, ver, prev *types.Version, prevDoc *types.Document) error
	RemoveDocument(ctx context.Context, docID uuid.UUID) error
	Archive(ctx context.Context, docID uuid.UUID, now time.Time) error
	SoftDeleteVersion(ctx context.Context, ver *types.Version, now time.Time) error
	UpdateMetadata(ctx context.Context, doc *types.Document) error
	VersionFlags(ctx context.Context) ([]types.VersionFlag, error)
	Close() error
}

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, connStr string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Init(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS documents (
		document_id UUID PRIMARY KEY,
		title TEXT NOT NULL,
		filename TEXT NOT NULL DEFAULT '',
		category TEXT,
		owner_name TEXT,
		owner_area TEXT,
		department TEXT,
		tags TEXT,
		description TEXT,
		is_public BOOLEAN NOT NULL DEFAULT false,
		is_indexable BOOLEAN NOT NULL DEFAULT true,
		file_size BIGINT NOT NULL DEFAULT 0,
		file_type TEXT,
		file_path TEXT,
		status TEXT NOT NULL,
		chunk_count INT NOT NULL DEFAULT 0,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL,
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
		indexed_at TIMESTAMP WITH TIME ZONE
	);

	CREATE TABLE IF NOT EXISTS document_versions (
		version_id UUID PRIMARY KEY,
		document_id UUID NOT NULL,
		version TEXT NOT NULL,
		filename TEXT NOT NULL,
		file_path TEXT,
		file_size BIGINT NOT NULL DEFAULT 0,
		file_type TEXT,
		file_hash TEXT NOT NULL,
		change_summary TEXT,
		effective_from TIMESTAMP WITH TIME ZONE NOT NULL,
		effective_to TIMESTAMP WITH TIME ZONE,
		is_current BOOLEAN NOT NULL DEFAULT false,
		deleted BOOLEAN NOT NULL DEFAULT false,
		uploaded_at TIMESTAMP WITH TIME ZONE NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_versions_doc_id ON document_versions(document_id);

	CREATE TABLE IF NOT EXISTS document_chunks (
		chunk_id UUID PRIMARY KEY,
		document_id UUID NOT NULL,
		version_id UUID NOT NULL,
		chunk_index INT NOT NULL,
		content TEXT NOT NULL,
		section TEXT,
		is_current BOOLEAN NOT NULL DEFAULT false,
		deleted BOOLEAN NOT NULL DEFAULT false,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_chunks_doc_id ON document_chunks(document_id);
	CREATE INDEX IF NOT EXISTS idx_chunks_version_id ON document_chunks(version_id);

	CREATE TABLE IF NOT EXISTS document_audits (
		audit_id UUID PRIMARY KEY,
		action TEXT NOT NULL,
		document_id UUID NOT NULL,
		version TEXT,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL
	);
	`
	_, err := p.pool.Exec(ctx, query)
	return err
}

const documentColumns = `document_id, title, filename, category, owner_name, owner_area,
	department, tags, description, is_public, is_indexable, file_size, file_type,
	file_path, status, chunk_count, created_at, updated_at, indexed_at`

func scanDocument(row pgx.Row) (*types.Document, error) {
	doc := &types.Document{}
	var rawTags *string
	var category, ownerName, ownerArea, department, description, fileType, filePath *string
	err := row.Scan(
		&doc.ID, &doc.Title, &doc.Filename, &category, &ownerName, &ownerArea,
		&department, &rawTags, &description, &doc.Public, &doc.Indexable, &doc.FileSize,
		&fileType, &filePath, &doc.Status, &doc.ChunkCount, &doc.CreatedAt,
		&doc.UpdatedAt, &doc.IndexedAt,
	)
	if err != nil {
		return nil, err
	}
	doc.Category = deref(category)
	doc.Owner = deref(ownerName)
	doc.OwnerArea = deref(ownerArea)
	doc.Department = deref(department)
	doc.Description = deref(description)
	doc.FileType = deref(fileType)
	doc.FilePath = deref(filePath)
	if rawTags != nil {
		doc.Tags = deserializeTags(*rawTags)
	}
	return doc, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func serializeTags(tags []string) string {
	if tags == nil {
		tags = []string{}
	}
	data, _ := json.Marshal(tags)
	return string(data)
}

func deserializeTags(raw string) []string {
	return types.ParseTags(raw)
}

func (p *PostgresStore) GetDocument(ctx context.Context, id uuid.UUID) (*types.Document, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE document_id = $1`, id)
	doc, err := scanDocument(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewNotFoundError("document", id.String())
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (p *PostgresStore) ListDocuments(ctx context.Context) ([]types.DocumentSummary, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT d.document_id, d.title, d.filename, d.category, d.owner_name,
			d.owner_area, d.department, d.tags, d.description, d.is_public,
			d.is_indexable, d.file_size, d.file_type, d.file_path, d.status,
			d.chunk_count, d.created_at, d.updated_at, d.indexed_at,
			v.version, v.effective_from
		FROM documents d
		LEFT JOIN document_versions v
			ON v.document_id = d.document_id AND v.is_current AND NOT v.deleted
		ORDER BY d.created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.DocumentSummary
	for rows.Next() {
		var s types.DocumentSummary
		var rawTags *string
		var category, ownerName, ownerArea, department, description, fileType, filePath, version *string
		err := rows.Scan(
			&s.ID, &s.Title, &s.Filename, &category, &ownerName, &ownerArea,
			&department, &rawTags, &description, &s.Public, &s.Indexable, &s.FileSize,
			&fileType, &filePath, &s.Status, &s.ChunkCount, &s.CreatedAt,
			&s.UpdatedAt, &s.IndexedAt, &version, &s.EffectiveFrom,
		)
		if err != nil {
			return nil, err
		}
		s.Category = deref(category)
		s.Owner = deref(ownerName)
		s.OwnerArea = deref(ownerArea)
		s.Department = deref(department)
		s.Description = deref(description)
		s.FileType = deref(fileType)
		s.FilePath = deref(filePath)
		s.Version = deref(version)
		if rawTags != nil {
			s.Tags = deserializeTags(*rawTags)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

const versionColumns = `version_id, document_id, version, filename, file_path, file_size,
	file_type, file_hash, change_summary, effective_from, effective_to, is_current,
	deleted, uploaded_at`

func scanVersion(row pgx.Row) (*types.Version, error) {
	v := &types.Version{}
	var filePath, fileType, changeSummary *string
	err := row.Scan(
		&v.ID, &v.DocumentID, &v.Label, &v.Filename, &filePath, &v.FileSize,
		&fileType, &v.FileHash, &changeSummary, &v.EffectiveFrom, &v.EffectiveTo,
		&v.IsCurrent, &v.Deleted, &v.UploadedAt,
	)
	if err != nil {
		return nil, err
	}
	v.FilePath = deref(filePath)
	v.FileType = deref(fileType)
	v.ChangeSummary = deref(changeSummary)
	return v, nil
}

func (p *PostgresStore) ListVersions(ctx context.Context, docID uuid.UUID) ([]types.Version, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+versionColumns+` FROM document_versions
		 WHERE document_id = $1 ORDER BY effective_from DESC`, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CurrentVersions(ctx context.Context, docID uuid.UUID) ([]types.Version, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+versionColumns+` FROM document_versions
		 WHERE document_id = $1 AND is_current AND NOT deleted`, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

func (p *PostgresStore) VersionByLabel(ctx context.Context, docID uuid.UUID, label string) (*types.Version, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+versionColumns+` FROM document_versions
		 WHERE document_id = $1 AND version = $2`, docID, label)
	v, err := scanVersion(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewNotFoundError("version", label)
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (p *PostgresStore) HasFileHash(ctx context.Context, docID uuid.UUID, hash string) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM document_versions WHERE document_id = $1 AND file_hash = $2)`,
		docID, hash).Scan(&exists)
	return exists, err
}

// CreateDocument inserts a document, its first version, all chunks and the
// audit record in one transaction.
func (p *PostgresStore) CreateDocument(ctx context.Context, doc *types.Document, ver *types.Version, chunks []types.Chunk) error {
	return p.withTx(ctx, func(tx pgx.Tx) error {
		if err := insertDocument(ctx, tx, doc); err != nil {
			return err
		}
		if err := insertVersion(ctx, tx, ver); err != nil {
			return err
		}
		if err := insertChunks(ctx, tx, chunks); err != nil {
			return err
		}
		return insertAudit(ctx, tx, types.AuditCreateVersion, doc.ID, ver.Label)
	})
}

// CreateVersion demotes prev (if any), inserts the new version with its
// chunks, refreshes the document row and writes the audit record, all in
// one transaction.
func (p *PostgresStore) CreateVersion(ctx context.Context, doc *types.Document, prev, ver *types.Version, chunks []types.Chunk) error {
	return p.withTx(ctx, func(tx pgx.Tx) error {
		if prev != nil {
			_, err := tx.Exec(ctx,
				`UPDATE document_versions SET is_current = false, effective_to = $2
				 WHERE version_id = $1`, prev.ID, ver.EffectiveFrom)
			if err != nil {
				return err
			}
			_, err = tx.Exec(ctx,
				`UPDATE document_chunks SET is_current = false
				 WHERE document_id = $1 AND is_current`, doc.ID)
			if err != nil {
				return err
			}
		}
		if err := insertVersion(ctx, tx, ver); err != nil {
			return err
		}
		if err := insertChunks(ctx, tx, chunks); err != nil {
			return err
		}
		if err := updateDocument(ctx, tx, doc); err != nil {
			return err
		}
		return insertAudit(ctx, tx, types.AuditCreateVersion, doc.ID, ver.Label)
	})
}

// RollbackVersion compensates a CreateVersion whose vector upsert failed:
// the new version and its chunks are removed, the previous version and its
// chunks get their current flags back, and the document row is restored
// from the pre-operation snapshot.
func (p *PostgresStore) RollbackVersion(ctx context.Context, ver, prev *types.Version, prevDoc *types.Document) error {
	return p.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`DELETE FROM document_chunks WHERE version_id = $1`, ver.ID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`DELETE FROM document_versions WHERE version_id = $1`, ver.ID); err != nil {
			return err
		}
		if prev != nil {
			_, err := tx.Exec(ctx,
				`UPDATE document_versions SET is_current = true, effective_to = NULL
				 WHERE version_id = $1`, prev.ID)
			if err != nil {
				return err
			}
			_, err = tx.Exec(ctx,
				`UPDATE document_chunks SET is_current = true
				 WHERE version_id = $1 AND NOT deleted`, prev.ID)
			if err != nil {
				return err
			}
		}
		if prevDoc != nil {
			return updateDocument(ctx, tx, prevDoc)
		}
		return nil
	})
}

// RemoveDocument hard-deletes every row belonging to the document.
func (p *PostgresStore) RemoveDocument(ctx context.Context, docID uuid.UUID) error {
	return p.withTx(ctx, func(tx pgx.Tx) error {
		for _, q := range []string{
			`DELETE FROM document_chunks WHERE document_id = $1`,
			`DELETE FROM document_versions WHERE document_id = $1`,
			`DELETE FROM document_audits WHERE document_id = $1`,
			`DELETE FROM documents WHERE document_id = $1`,
		} {
			if _, err := tx.Exec(ctx, q, docID); err != nil {
				return err
			}
		}
		return nil
	})
}

func (p *PostgresStore) Archive(ctx context.Context, docID uuid.UUID, now time.Time) error {
	return p.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`UPDATE documents SET status = $2, updated_at = $3 WHERE document_id = $1`,
			docID, types.StatusArchived, now)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`UPDATE document_versions
			 SET is_current = false, effective_to = COALESCE(effective_to, $2)
			 WHERE document_id = $1`, docID, now)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`UPDATE document_chunks SET deleted = true, is_current = false
			 WHERE document_id = $1`, docID)
		if err != nil {
			return err
		}
		return insertAudit(ctx, tx, types.AuditArchiveDocument, docID, "")
	})
}

func (p *PostgresStore) SoftDeleteVersion(ctx context.Context, ver *types.Version, now time.Time) error {
	return p.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`UPDATE document_versions
			 SET deleted = true, is_current = false, effective_to = COALESCE(effective_to, $2)
			 WHERE version_id = $1`, ver.ID, now)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`UPDATE document_chunks SET deleted = true, is_current = false
			 WHERE version_id = $1`, ver.ID)
		if err != nil {
			return err
		}
		return insertAudit(ctx, tx, types.AuditDeleteVersion, ver.DocumentID, ver.Label)
	})
}

func (p *PostgresStore) UpdateMetadata(ctx context.Context, doc *types.Document) error {
	return p.withTx(ctx, func(tx pgx.Tx) error {
		if err := updateDocument(ctx, tx, doc); err != nil {
			return err
		}
		return insertAudit(ctx, tx, types.AuditUpdateMetadata, doc.ID, "")
	})
}

func (p *PostgresStore) VersionFlags(ctx context.Context) ([]types.VersionFlag, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT document_id, version, is_current, deleted FROM document_versions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.VersionFlag
	for rows.Next() {
		var f types.VersionFlag
		if err := rows.Scan(&f.DocumentID, &f.Version, &f.IsCurrent, &f.Deleted); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (p *PostgresStore) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func insertDocument(ctx context.Context, tx pgx.Tx, doc *types.Document) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO documents (document_id, title, filename, category, owner_name,
			owner_area, department, tags, description, is_public, is_indexable,
			file_size, file_type, file_path, status, chunk_count, created_at,
			updated_at, indexed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		doc.ID, doc.Title, doc.Filename, doc.Category, doc.Owner, doc.OwnerArea,
		doc.Department, serializeTags(doc.Tags), doc.Description, doc.Public,
		doc.Indexable, doc.FileSize, doc.FileType, doc.FilePath, doc.Status,
		doc.ChunkCount, doc.CreatedAt, doc.UpdatedAt, doc.IndexedAt,
	)
	return err
}

func updateDocument(ctx context.Context, tx pgx.Tx, doc *types.Document) error {
	_, err := tx.Exec(ctx, `
		UPDATE documents SET title = $2, filename = $3, category = $4, owner_name = $5,
			owner_area = $6, department = $7, tags = $8, description = $9,
			is_public = $10, is_indexable = $11, file_size = $12, file_type = $13,
			file_path = $14, status = $15, chunk_count = $16, updated_at = $17,
			indexed_at = $18
		WHERE document_id = $1`,
		doc.ID, doc.Title, doc.Filename, doc.Category, doc.Owner, doc.OwnerArea,
		doc.Department, serializeTags(doc.Tags), doc.Description, doc.Public,
		doc.Indexable, doc.FileSize, doc.FileType, doc.FilePath, doc.Status,
		doc.ChunkCount, doc.UpdatedAt, doc.IndexedAt,
	)
	return err
}

func insertVersion(ctx context.Context, tx pgx.Tx, v *types.Version) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO document_versions (version_id, document_id, version, filename,
			file_path, file_size, file_type, file_hash, change_summary,
			effective_from, effective_to, is_current, deleted, uploaded_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		v.ID, v.DocumentID, v.Label, v.Filename, v.FilePath, v.FileSize, v.FileType,
		v.FileHash, v.ChangeSummary, v.EffectiveFrom, v.EffectiveTo, v.IsCurrent,
		v.Deleted, v.UploadedAt,
	)
	return err
}

func insertChunks(ctx context.Context, tx pgx.Tx, chunks []types.Chunk) error {
	for i := range chunks {
		c := &chunks[i]
		_, err := tx.Exec(ctx, `
			INSERT INTO document_chunks (chunk_id, document_id, version_id,
				chunk_index, content, section, is_current, deleted, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			c.ID, c.DocumentID, c.VersionID, c.Index, c.Content, c.Section,
			c.IsCurrent, c.Deleted, c.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert chunk %d: %w", c.Index, err)
		}
	}
	return nil
}

func insertAudit(ctx context.Context, tx pgx.Tx, action types.AuditAction, docID uuid.UUID, version string) error {
	var v *string
	if version != "" {
		v = &version
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO document_audits (audit_id, action, document_id, version, created_at)
		VALUES ($1,$2,$3,$4,$5)`,
		uuid.New(), action, docID, v, time.Now().UTC(),
	)
	return err
}

func (p *PostgresStore) Close() error {
	if p.pool != nil {
		p.pool.Close()
		log.Println("primary store connection pool closed")
	}
	return nil
}
