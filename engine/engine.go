package engine

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"apexrag/model"
	"apexrag/store"
	"apexrag/types"

	"github.com/google/uuid"
)

type Config struct {
	UploadDir    string
	ChunkSize    int
	ChunkOverlap int
}

// Engine orchestrates ingestion, version supersession and deletion across
// the primary store and the vector store. Every state-changing operation
// follows the same discipline: primary-store commit first, vector-store
// write second, explicit compensation when the second step fails.
type Engine struct {
	cfg      Config
	db       store.DBStorer
	vectors  store.VectorStorer
	embedder model.Embedder
	chunker  *model.Chunker
	logger   *slog.Logger

	// AddVersion is check-then-insert; without per-document serialization
	// two concurrent calls could both become current.
	mu       sync.Mutex
	docLocks map[uuid.UUID]*sync.Mutex
}

func New(cfg Config, db store.DBStorer, vectors store.VectorStorer, embedder model.Embedder) *Engine {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = model.DefaultChunkSize
	}
	if cfg.ChunkOverlap <= 0 {
		cfg.ChunkOverlap = model.DefaultChunkOverlap
	}
	if cfg.UploadDir != "" {
		if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
			slog.Default().Error("failed to create upload directory", "dir", cfg.UploadDir, "error", err)
		}
	}
	return &Engine{
		cfg:      cfg,
		db:       db,
		vectors:  vectors,
		embedder: embedder,
		chunker:  model.NewChunker(cfg.ChunkSize, cfg.ChunkOverlap),
		logger:   slog.Default(),
		docLocks: make(map[uuid.UUID]*sync.Mutex),
	}
}

func (e *Engine) lockDocument(id uuid.UUID) func() {
	e.mu.Lock()
	l, ok := e.docLocks[id]
	if !ok {
		l = &sync.Mutex{}
		e.docLocks[id] = l
	}
	e.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Ingest creates a new document from an upload: persist the file, extract,
// chunk and embed the text, commit all rows in one primary-store
// transaction, then upsert the vectors. A vector failure after the commit
// rolls the whole document back so no row ever claims indexed status
// without vectors behind it.
func (e *Engine) Ingest(ctx context.Context, upload types.Upload) (*types.UploadResult, error) {
	if upload.Filename == "" {
		return nil, types.NewValidationError("invalid file name")
	}

	docID := uuid.New()
	versionID := uuid.New()
	safeName := filepath.Base(upload.Filename)
	label := upload.Version
	if label == "" {
		label = "1.0"
	}

	path := e.storagePath(docID, versionID, safeName)
	if err := os.WriteFile(path, upload.Data, 0o644); err != nil {
		return nil, fmt.Errorf("failed to persist upload: %w", err)
	}

	chunks, embeddings, err := e.processChunks(ctx, upload.Data, safeName)
	if err != nil {
		e.removeFile(path)
		return nil, err
	}

	now := time.Now().UTC()
	doc := &types.Document{
		ID:          docID,
		Title:       firstNonEmpty(upload.Title, safeName),
		Filename:    safeName,
		Category:    upload.Category,
		Owner:       upload.Owner,
		OwnerArea:   upload.OwnerArea,
		Department:  upload.Department,
		Tags:        types.ParseTags(upload.Tags),
		Description: upload.Description,
		Public:      boolValue(upload.Public, false),
		Indexable:   boolValue(upload.Indexable, true),
		FileSize:    int64(len(upload.Data)),
		FileType:    fileType(safeName),
		FilePath:    path,
		Status:      types.StatusIndexed,
		ChunkCount:  len(chunks),
		CreatedAt:   now,
		UpdatedAt:   now,
		IndexedAt:   sql.NullTime{Time: now, Valid: true},
	}
	ver := newVersion(versionID, doc, label, upload, now)
	rows := buildChunkRows(doc.ID, versionID, chunks, now)

	if err := e.db.CreateDocument(ctx, doc, ver, rows); err != nil {
		e.removeFile(path)
		return nil, fmt.Errorf("failed to store document: %w", err)
	}

	records := buildVectorRecords(doc, label, chunks, embeddings)
	if err := e.vectors.Upsert(ctx, records); err != nil {
		// Compensating rollback: the primary store committed but the
		// vectors never landed, so the document must disappear again.
		if dbErr := e.db.RemoveDocument(ctx, docID); dbErr != nil {
			e.logger.Error("compensation failed: orphaned document rows",
				"document_id", docID, "error", dbErr)
		}
		if vecErr := e.vectors.DeleteByDocument(ctx, docID); vecErr != nil {
			e.logger.Warn("compensation: vector cleanup failed",
				"document_id", docID, "error", vecErr)
		}
		e.removeFile(path)
		return nil, err
	}

	e.logger.Info("document indexed", "document_id", docID, "filename", safeName,
		"version", label, "chunks", len(chunks))

	return &types.UploadResult{
		DocumentID: docID.String(),
		Filename:   safeName,
		ChunkCount: len(chunks),
		Status:     string(types.StatusIndexed),
	}, nil
}

// AddVersion supersedes the current version with a strictly greater label.
// The demotion of the old version and the insertion of the new one commit
// in one primary transaction; the two vector-store writes that follow are
// compensated individually on failure.
func (e *Engine) AddVersion(ctx context.Context, docID uuid.UUID, upload types.Upload) (*types.UploadResult, error) {
	if upload.Filename == "" {
		return nil, types.NewValidationError("invalid file name")
	}
	if upload.Version == "" {
		return nil, types.NewValidationError("version label required")
	}
	label := upload.Version

	unlock := e.lockDocument(docID)
	defer unlock()

	doc, err := e.db.GetDocument(ctx, docID)
	if err != nil {
		return nil, err
	}
	if doc.Status == types.StatusArchived {
		return nil, types.NewConflictError("document %s is archived", docID)
	}

	currents, err := e.db.CurrentVersions(ctx, docID)
	if err != nil {
		return nil, err
	}
	if len(currents) > 1 {
		return nil, types.NewConflictError("document %s has more than one current version", docID)
	}
	var prev *types.Version
	if len(currents) == 1 {
		prev = &currents[0]
		if CompareLabels(label, prev.Label) <= 0 {
			return nil, types.NewConflictError(
				"version %q must be greater than current version %q", label, prev.Label)
		}
	}

	hash := hashBytes(upload.Data)
	dup, err := e.db.HasFileHash(ctx, docID, hash)
	if err != nil {
		return nil, err
	}
	if dup {
		return nil, types.NewConflictError("identical file content already uploaded for document %s", docID)
	}

	if _, err := e.db.VersionByLabel(ctx, docID, label); err == nil {
		return nil, types.NewConflictError("version %q already exists for document %s", label, docID)
	} else if !errors.As(err, &types.NotFoundError{}) {
		return nil, err
	}

	versionID := uuid.New()
	safeName := filepath.Base(upload.Filename)
	path := e.storagePath(docID, versionID, safeName)
	if err := os.WriteFile(path, upload.Data, 0o644); err != nil {
		return nil, fmt.Errorf("failed to persist upload: %w", err)
	}

	chunks, embeddings, err := e.processChunks(ctx, upload.Data, safeName)
	if err != nil {
		e.removeFile(path)
		return nil, err
	}

	prevDoc := *doc
	now := time.Now().UTC()
	doc.Filename = safeName
	doc.FilePath = path
	doc.FileSize = int64(len(upload.Data))
	doc.FileType = fileType(safeName)
	doc.ChunkCount = len(chunks)
	doc.Status = types.StatusIndexed
	doc.UpdatedAt = now
	doc.IndexedAt = sql.NullTime{Time: now, Valid: true}

	ver := newVersion(versionID, doc, label, upload, now)
	ver.FileHash = hash
	rows := buildChunkRows(docID, versionID, chunks, now)

	if err := e.db.CreateVersion(ctx, doc, prev, ver, rows); err != nil {
		e.removeFile(path)
		return nil, fmt.Errorf("failed to store version: %w", err)
	}

	if prev != nil {
		if err := e.vectors.SetFlags(ctx, docID, prev.Label, false, false); err != nil {
			e.compensateVersion(ctx, ver, prev, &prevDoc, path)
			return nil, err
		}
	}

	records := buildVectorRecords(doc, label, chunks, embeddings)
	if err := e.vectors.Upsert(ctx, records); err != nil {
		e.compensateVersion(ctx, ver, prev, &prevDoc, path)
		return nil, err
	}

	e.logger.Info("version created", "document_id", docID, "version", label, "chunks", len(chunks))

	return &types.UploadResult{
		DocumentID: docID.String(),
		Filename:   safeName,
		ChunkCount: len(chunks),
		Status:     string(types.StatusIndexed),
	}, nil
}

// compensateVersion undoes a committed CreateVersion after a vector-store
// failure. Secondary cleanup failures are logged, never returned: the
// caller gets the original error and the reconciler sweeps what remains.
func (e *Engine) compensateVersion(ctx context.Context, ver, prev *types.Version, prevDoc *types.Document, path string) {
	if err := e.db.RollbackVersion(ctx, ver, prev, prevDoc); err != nil {
		e.logger.Error("compensation failed: version rows left behind",
			"document_id", ver.DocumentID, "version", ver.Label, "error", err)
	}
	if prev != nil {
		if err := e.vectors.SetFlags(ctx, ver.DocumentID, prev.Label, true, false); err != nil {
			e.logger.Warn("compensation: failed to restore previous version flags",
				"document_id", ver.DocumentID, "version", prev.Label, "error", err)
		}
	}
	if err := e.vectors.DeleteByVersion(ctx, ver.DocumentID, ver.Label); err != nil {
		e.logger.Warn("compensation: vector cleanup failed",
			"document_id", ver.DocumentID, "version", ver.Label, "error", err)
	}
	e.removeFile(path)
}

// Archive soft-deletes a document: status archived, every version demoted,
// every chunk flagged deleted, vector payloads updated to match. Files and
// rows stay in place.
func (e *Engine) Archive(ctx context.Context, docID uuid.UUID) error {
	unlock := e.lockDocument(docID)
	defer unlock()

	if _, err := e.db.GetDocument(ctx, docID); err != nil {
		return err
	}
	if err := e.db.Archive(ctx, docID, time.Now().UTC()); err != nil {
		return err
	}
	if err := e.vectors.SetFlags(ctx, docID, "", false, true); err != nil {
		// The stores now disagree; the reconciler repairs this window.
		e.logger.Error("archive: vector flag update failed, stores inconsistent",
			"document_id", docID, "error", err)
	}
	return nil
}

// DeleteVersion soft-deletes a superseded version. The current version can
// only be superseded, never deleted.
func (e *Engine) DeleteVersion(ctx context.Context, docID uuid.UUID, label string) error {
	unlock := e.lockDocument(docID)
	defer unlock()

	ver, err := e.db.VersionByLabel(ctx, docID, label)
	if err != nil {
		return err
	}
	if ver.IsCurrent && !ver.Deleted {
		return types.NewConflictError("version %q is current and cannot be deleted", label)
	}
	if err := e.db.SoftDeleteVersion(ctx, ver, time.Now().UTC()); err != nil {
		return err
	}
	if err := e.vectors.SetFlags(ctx, docID, label, false, true); err != nil {
		e.logger.Error("delete version: vector flag update failed, stores inconsistent",
			"document_id", docID, "version", label, "error", err)
	}
	return nil
}

// DeleteDocument hard-deletes everything: rows, vectors, files. File and
// vector failures are reported in the result but do not abort the
// primary-store deletion.
func (e *Engine) DeleteDocument(ctx context.Context, docID uuid.UUID) (*types.PurgeResult, error) {
	unlock := e.lockDocument(docID)
	defer unlock()

	if _, err := e.db.GetDocument(ctx, docID); err != nil {
		return nil, err
	}
	versions, err := e.db.ListVersions(ctx, docID)
	if err != nil {
		return nil, err
	}

	result := &types.PurgeResult{DocumentID: docID, Status: "deleted", VectorsRemoved: true}
	for _, v := range versions {
		if v.FilePath == "" {
			continue
		}
		if err := os.Remove(v.FilePath); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			e.logger.Warn("failed to remove version file", "path", v.FilePath, "error", err)
			result.FileErrors = append(result.FileErrors, err.Error())
			continue
		}
		result.FilesRemoved++
	}

	if err := e.vectors.DeleteByDocument(ctx, docID); err != nil {
		e.logger.Warn("failed to delete vector records", "document_id", docID, "error", err)
		result.VectorsRemoved = false
		result.VectorError = err.Error()
	}

	if err := e.db.RemoveDocument(ctx, docID); err != nil {
		return nil, err
	}
	return result, nil
}

// UpdateMetadata patches display metadata and mirrors it into the vector
// payloads.
func (e *Engine) UpdateMetadata(ctx context.Context, docID uuid.UUID, patch types.MetadataPatch) (*types.Document, error) {
	unlock := e.lockDocument(docID)
	defer unlock()

	doc, err := e.db.GetDocument(ctx, docID)
	if err != nil {
		return nil, err
	}
	applyPatch(doc, patch)
	doc.UpdatedAt = time.Now().UTC()

	if err := e.db.UpdateMetadata(ctx, doc); err != nil {
		return nil, err
	}
	if err := e.vectors.SetMetadata(ctx, docID, doc.Meta()); err != nil {
		e.logger.Error("metadata update: vector payload update failed, stores inconsistent",
			"document_id", docID, "error", err)
	}
	return doc, nil
}

func (e *Engine) ListDocuments(ctx context.Context) ([]types.DocumentSummary, error) {
	return e.db.ListDocuments(ctx)
}

func (e *Engine) DocumentDetail(ctx context.Context, docID uuid.UUID) (*types.DocumentDetail, error) {
	doc, err := e.db.GetDocument(ctx, docID)
	if err != nil {
		return nil, err
	}
	versions, err := e.db.ListVersions(ctx, docID)
	if err != nil {
		return nil, err
	}

	detail := &types.DocumentDetail{
		DocumentID: doc.ID.String(),
		Title:      doc.Title,
		Filename:   doc.Filename,
		Category:   doc.Category,
		Status:     string(doc.Status),
	}
	for _, v := range versions {
		vd := types.VersionDetail{
			Version:       v.Label,
			IsCurrent:     v.IsCurrent,
			Deleted:       v.Deleted,
			EffectiveFrom: v.EffectiveFrom,
			UploadedAt:    v.UploadedAt,
		}
		if v.EffectiveTo.Valid {
			t := v.EffectiveTo.Time
			vd.EffectiveTo = &t
		}
		detail.Versions = append(detail.Versions, vd)
	}
	return detail, nil
}

// processChunks runs extract, chunk and embed. An embedding failure aborts
// the whole operation; ingestion is all-or-nothing for the caller.
func (e *Engine) processChunks(ctx context.Context, data []byte, filename string) ([]string, [][]float32, error) {
	text, err := model.ExtractText(data, filename)
	if err != nil {
		return nil, nil, err
	}
	chunks := e.chunker.Split(text)
	if len(chunks) == 0 {
		return nil, nil, types.NewValidationError("document contains no extractable text")
	}
	embeddings := make([][]float32, len(chunks))
	for i, chunk := range chunks {
		vec, err := e.embedder.Embed(ctx, chunk)
		if err != nil {
			return nil, nil, err
		}
		embeddings[i] = vec
	}
	return chunks, embeddings, nil
}

func (e *Engine) storagePath(docID, versionID uuid.UUID, filename string) string {
	return filepath.Join(e.cfg.UploadDir, fmt.Sprintf("%s_%s_%s", docID, versionID, filename))
}

func (e *Engine) removeFile(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		e.logger.Warn("failed to remove file", "path", path, "error", err)
	}
}

func newVersion(id uuid.UUID, doc *types.Document, label string, upload types.Upload, now time.Time) *types.Version {
	return &types.Version{
		ID:            id,
		DocumentID:    doc.ID,
		Label:         label,
		Filename:      doc.Filename,
		FilePath:      doc.FilePath,
		FileSize:      doc.FileSize,
		FileType:      doc.FileType,
		FileHash:      hashBytes(upload.Data),
		ChangeSummary: upload.ChangeSummary,
		EffectiveFrom: now,
		IsCurrent:     true,
		UploadedAt:    now,
	}
}

func buildChunkRows(docID, versionID uuid.UUID, chunks []string, now time.Time) []types.Chunk {
	rows := make([]types.Chunk, len(chunks))
	for i, content := range chunks {
		rows[i] = types.Chunk{
			ID:         uuid.New(),
			DocumentID: docID,
			VersionID:  versionID,
			Index:      i,
			Content:    content,
			IsCurrent:  true,
			CreatedAt:  now,
		}
	}
	return rows
}

func buildVectorRecords(doc *types.Document, label string, chunks []string, embeddings [][]float32) []types.VectorRecord {
	meta := doc.Meta()
	records := make([]types.VectorRecord, len(chunks))
	for i, content := range chunks {
		records[i] = types.VectorRecord{
			ID:         uuid.New(),
			DocumentID: doc.ID,
			Version:    label,
			ChunkIndex: i,
			Filename:   doc.Filename,
			Content:    content,
			IsCurrent:  true,
			Meta:       meta,
			Embedding:  embeddings[i],
		}
	}
	return records
}

func applyPatch(doc *types.Document, patch types.MetadataPatch) {
	if patch.Title != nil {
		doc.Title = *patch.Title
	}
	if patch.Filename != nil {
		doc.Filename = *patch.Filename
	}
	if patch.Category != nil {
		doc.Category = *patch.Category
	}
	if patch.Owner != nil {
		doc.Owner = *patch.Owner
	}
	if patch.OwnerArea != nil {
		doc.OwnerArea = *patch.OwnerArea
	}
	if patch.Department != nil {
		doc.Department = *patch.Department
	}
	if patch.Tags != nil {
		doc.Tags = patch.Tags
	}
	if patch.Description != nil {
		doc.Description = *patch.Description
	}
	if patch.Public != nil {
		doc.Public = *patch.Public
	}
	if patch.Indexable != nil {
		doc.Indexable = *patch.Indexable
	}
}

func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func fileType(filename string) string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), ".")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func boolValue(v *bool, fallback bool) bool {
	if v == nil {
		return fallback
	}
	return *v
}
