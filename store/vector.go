package store

import (
	"context"
	"fmt"
	"log"

	"apexrag/types"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// VectorStorer is the similarity index: one record per chunk, embedding
// plus a payload duplicating everything retrieval needs. It lives in its
// own database with its own pool and shares no transaction with the
// primary store.
type VectorStorer interface {
	Upsert(ctx context.Context, records []types.VectorRecord) error
	Search(ctx context.Context, vec []float32, limit int) ([]types.VectorHit, error)
	SetFlags(ctx context.Context, docID uuid.UUID, version string, isCurrent, deleted bool) error
	SetMetadata(ctx context.Context, docID uuid.UUID, meta types.DocumentMeta) error
	DeleteByDocument(ctx context.Context, docID uuid.UUID) error
	DeleteByVersion(ctx context.Context, docID uuid.UUID, version string) error
	VersionFlags(ctx context.Context) ([]types.VersionFlag, error)
	Close() error
}

type PgVectorStore struct {
	pool      *pgxpool.Pool
	dimension int
}

func NewPgVectorStore(ctx context.Context, connStr string, dimension int) (*PgVectorStore, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &PgVectorStore{pool: pool, dimension: dimension}, nil
}

func (s *PgVectorStore) Init(ctx context.Context) error {
	query := fmt.Sprintf(`
	CREATE EXTENSION IF NOT EXISTS vector;

	CREATE TABLE IF NOT EXISTS vector_records (
		id UUID PRIMARY KEY,
		document_id UUID NOT NULL,
		version TEXT NOT NULL,
		chunk_index INT NOT NULL,
		filename TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL,
		is_current BOOLEAN NOT NULL,
		deleted BOOLEAN NOT NULL,
		title TEXT,
		category TEXT,
		owner_name TEXT,
		department TEXT,
		tags TEXT,
		description TEXT,
		is_public BOOLEAN NOT NULL DEFAULT false,
		is_indexable BOOLEAN NOT NULL DEFAULT true,
		embedding vector(%d)
	);

	CREATE INDEX IF NOT EXISTS idx_vector_records_embedding
		ON vector_records USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100);

	CREATE INDEX IF NOT EXISTS idx_vector_records_doc_id ON vector_records(document_id);
	CREATE INDEX IF NOT EXISTS idx_vector_records_flags ON vector_records(is_current, deleted);
	`, s.dimension)
	_, err := s.pool.Exec(ctx, query)
	return err
}

func (s *PgVectorStore) Upsert(ctx context.Context, records []types.VectorRecord) error {
	for i := range records {
		r := &records[i]
		_, err := s.pool.Exec(ctx, `
			INSERT INTO vector_records (id, document_id, version, chunk_index, filename,
				content, is_current, deleted, title, category, owner_name, department,
				tags, description, is_public, is_indexable, embedding)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
			ON CONFLICT (id) DO UPDATE SET
				is_current = EXCLUDED.is_current,
				deleted = EXCLUDED.deleted,
				content = EXCLUDED.content,
				embedding = EXCLUDED.embedding`,
			r.ID, r.DocumentID, r.Version, r.ChunkIndex, r.Filename, r.Content,
			r.IsCurrent, r.Deleted, r.Meta.Title, r.Meta.Category, r.Meta.Owner,
			r.Meta.Department, serializeTags(r.Meta.Tags), r.Meta.Description,
			r.Meta.Public, r.Meta.Indexable, pgvector.NewVector(r.Embedding),
		)
		if err != nil {
			return fmt.Errorf("upsert vector record %d: %w", r.ChunkIndex, err)
		}
	}
	return nil
}

// Search returns the nearest current, non-deleted records under cosine
// similarity, score descending.
func (s *PgVectorStore) Search(ctx context.Context, vec []float32, limit int) ([]types.VectorHit, error) {
	if len(vec) == 0 {
		return nil, fmt.Errorf("empty query vector")
	}

	vector := pgvector.NewVector(vec)
	rows, err := s.pool.Query(ctx, `
		SELECT id, document_id, version, chunk_index, filename, content,
			is_current, deleted, title, 1 - (embedding <=> $1) AS score
		FROM vector_records
		WHERE is_current AND NOT deleted
		ORDER BY embedding <=> $1
		LIMIT $2`, vector, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []types.VectorHit
	for rows.Next() {
		var h types.VectorHit
		var title *string
		err := rows.Scan(
			&h.Record.ID, &h.Record.DocumentID, &h.Record.Version,
			&h.Record.ChunkIndex, &h.Record.Filename, &h.Record.Content,
			&h.Record.IsCurrent, &h.Record.Deleted, &title, &h.Score,
		)
		if err != nil {
			return nil, err
		}
		h.Record.Meta.Title = deref(title)
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// SetFlags updates is_current/deleted on every record of a document, or of
// one version when version is non-empty.
func (s *PgVectorStore) SetFlags(ctx context.Context, docID uuid.UUID, version string, isCurrent, deleted bool) error {
	if version == "" {
		_, err := s.pool.Exec(ctx,
			`UPDATE vector_records SET is_current = $2, deleted = $3 WHERE document_id = $1`,
			docID, isCurrent, deleted)
		return err
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE vector_records SET is_current = $3, deleted = $4
		 WHERE document_id = $1 AND version = $2`,
		docID, version, isCurrent, deleted)
	return err
}

func (s *PgVectorStore) SetMetadata(ctx context.Context, docID uuid.UUID, meta types.DocumentMeta) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE vector_records SET title = $2, category = $3, owner_name = $4,
			department = $5, tags = $6, description = $7, is_public = $8,
			is_indexable = $9
		WHERE document_id = $1`,
		docID, meta.Title, meta.Category, meta.Owner, meta.Department,
		serializeTags(meta.Tags), meta.Description, meta.Public, meta.Indexable,
	)
	return err
}

func (s *PgVectorStore) DeleteByDocument(ctx context.Context, docID uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM vector_records WHERE document_id = $1`, docID)
	return err
}

func (s *PgVectorStore) DeleteByVersion(ctx context.Context, docID uuid.UUID, version string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM vector_records WHERE document_id = $1 AND version = $2`,
		docID, version)
	return err
}

// VersionFlags reports the distinct flag combinations present per
// (document, version). A consistent store yields exactly one row per pair.
func (s *PgVectorStore) VersionFlags(ctx context.Context) ([]types.VersionFlag, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT document_id, version, is_current, deleted FROM vector_records`)
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

func (s *PgVectorStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
		log.Println("vector store connection pool closed")
	}
	return nil
}
