package engine

import (
	"context"
	"math"
	"os"
	"sort"
	"strings"
	"testing"
	"time"

	"apexrag/types"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubEmbedder struct {
	err error
}

func (s *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

func (s *stubEmbedder) Dimension() int { return 3 }

type fakeDB struct {
	docs     map[uuid.UUID]*types.Document
	versions map[uuid.UUID][]types.Version

	createVersionErr error

	removedDocs   []uuid.UUID
	rollbackCalls int
	softDeleted   []string
	archivedDocs  []uuid.UUID
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		docs:     make(map[uuid.UUID]*types.Document),
		versions: make(map[uuid.UUID][]types.Version),
	}
}

func (f *fakeDB) GetDocument(ctx context.Context, id uuid.UUID) (*types.Document, error) {
	doc, ok := f.docs[id]
	if !ok {
		return nil, types.NewNotFoundError("document", id.String())
	}
	copied := *doc
	return &copied, nil
}

func (f *fakeDB) ListDocuments(ctx context.Context) ([]types.DocumentSummary, error) {
	var out []types.DocumentSummary
	for _, doc := range f.docs {
		out = append(out, types.DocumentSummary{Document: *doc})
	}
	return out, nil
}

func (f *fakeDB) ListVersions(ctx context.Context, docID uuid.UUID) ([]types.Version, error) {
	return append([]types.Version(nil), f.versions[docID]...), nil
}

func (f *fakeDB) CurrentVersions(ctx context.Context, docID uuid.UUID) ([]types.Version, error) {
	var out []types.Version
	for _, v := range f.versions[docID] {
		if v.IsCurrent && !v.Deleted {
			out = append(out, v)
		}
	}
	return out, nil
}

func (f *fakeDB) VersionByLabel(ctx context.Context, docID uuid.UUID, label string) (*types.Version, error) {
	for _, v := range f.versions[docID] {
		if v.Label == label {
			copied := v
			return &copied, nil
		}
	}
	return nil, types.NewNotFoundError("version", label)
}

func (f *fakeDB) HasFileHash(ctx context.Context, docID uuid.UUID, hash string) (bool, error) {
	for _, v := range f.versions[docID] {
		if v.FileHash == hash {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeDB) CreateDocument(ctx context.Context, doc *types.Document, ver *types.Version, chunks []types.Chunk) error {
	copied := *doc
	f.docs[doc.ID] = &copied
	f.versions[doc.ID] = append(f.versions[doc.ID], *ver)
	return nil
}

func (f *fakeDB) CreateVersion(ctx context.Context, doc *types.Document, prev, ver *types.Version, chunks []types.Chunk) error {
	if f.createVersionErr != nil {
		return f.createVersionErr
	}
	if prev != nil {
		for i := range f.versions[doc.ID] {
			if f.versions[doc.ID][i].ID == prev.ID {
				f.versions[doc.ID][i].IsCurrent = false
			}
		}
	}
	copied := *doc
	f.docs[doc.ID] = &copied
	f.versions[doc.ID] = append(f.versions[doc.ID], *ver)
	return nil
}

func (f *fakeDB) RollbackVersion(ctx context.Context, ver, prev *types.Version, prevDoc *types.Document) error {
	f.rollbackCalls++
	kept := f.versions[ver.DocumentID][:0]
	for _, v := range f.versions[ver.DocumentID] {
		if v.ID == ver.ID {
			continue
		}
		if prev != nil && v.ID == prev.ID {
			v.IsCurrent = true
		}
		kept = append(kept, v)
	}
	f.versions[ver.DocumentID] = kept
	copied := *prevDoc
	f.docs[prevDoc.ID] = &copied
	return nil
}

func (f *fakeDB) RemoveDocument(ctx context.Context, docID uuid.UUID) error {
	f.removedDocs = append(f.removedDocs, docID)
	delete(f.docs, docID)
	delete(f.versions, docID)
	return nil
}

func (f *fakeDB) Archive(ctx context.Context, docID uuid.UUID, now time.Time) error {
	f.archivedDocs = append(f.archivedDocs, docID)
	if doc, ok := f.docs[docID]; ok {
		doc.Status = types.StatusArchived
	}
	for i := range f.versions[docID] {
		f.versions[docID][i].IsCurrent = false
		f.versions[docID][i].Deleted = true
	}
	return nil
}

func (f *fakeDB) SoftDeleteVersion(ctx context.Context, ver *types.Version, now time.Time) error {
	f.softDeleted = append(f.softDeleted, ver.Label)
	for i := range f.versions[ver.DocumentID] {
		if f.versions[ver.DocumentID][i].ID == ver.ID {
			f.versions[ver.DocumentID][i].Deleted = true
			f.versions[ver.DocumentID][i].IsCurrent = false
		}
	}
	return nil
}

func (f *fakeDB) UpdateMetadata(ctx context.Context, doc *types.Document) error {
	copied := *doc
	f.docs[doc.ID] = &copied
	return nil
}

func (f *fakeDB) VersionFlags(ctx context.Context) ([]types.VersionFlag, error) {
	var out []types.VersionFlag
	for docID, versions := range f.versions {
		for _, v := range versions {
			out = append(out, types.VersionFlag{
				DocumentID: docID,
				Version:    v.Label,
				IsCurrent:  v.IsCurrent,
				Deleted:    v.Deleted,
			})
		}
	}
	return out, nil
}

func (f *fakeDB) Close() error { return nil }

type flagUpdate struct {
	docID     uuid.UUID
	version   string
	isCurrent bool
	deleted   bool
}

type fakeVectors struct {
	records []types.VectorRecord

	upsertErr   error
	setFlagsErr error

	flagUpdates     []flagUpdate
	removedDocs     []uuid.UUID
	removedVersions []string
	metaUpdates     int
}

func (f *fakeVectors) Upsert(ctx context.Context, records []types.VectorRecord) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.records = append(f.records, records...)
	return nil
}

func (f *fakeVectors) Search(ctx context.Context, vec []float32, limit int) ([]types.VectorHit, error) {
	var hits []types.VectorHit
	for _, rec := range f.records {
		if !rec.IsCurrent || rec.Deleted {
			continue
		}
		hits = append(hits, types.VectorHit{Record: rec, Score: cosine(vec, rec.Embedding)})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func (f *fakeVectors) SetFlags(ctx context.Context, docID uuid.UUID, version string, isCurrent, deleted bool) error {
	if f.setFlagsErr != nil {
		return f.setFlagsErr
	}
	f.flagUpdates = append(f.flagUpdates, flagUpdate{docID, version, isCurrent, deleted})
	for i := range f.records {
		if f.records[i].DocumentID == docID && (version == "" || f.records[i].Version == version) {
			f.records[i].IsCurrent = isCurrent
			f.records[i].Deleted = deleted
		}
	}
	return nil
}

func (f *fakeVectors) SetMetadata(ctx context.Context, docID uuid.UUID, meta types.DocumentMeta) error {
	f.metaUpdates++
	return nil
}

func (f *fakeVectors) DeleteByDocument(ctx context.Context, docID uuid.UUID) error {
	f.removedDocs = append(f.removedDocs, docID)
	kept := f.records[:0]
	for _, rec := range f.records {
		if rec.DocumentID != docID {
			kept = append(kept, rec)
		}
	}
	f.records = kept
	return nil
}

func (f *fakeVectors) DeleteByVersion(ctx context.Context, docID uuid.UUID, version string) error {
	f.removedVersions = append(f.removedVersions, version)
	kept := f.records[:0]
	for _, rec := range f.records {
		if rec.DocumentID != docID || rec.Version != version {
			kept = append(kept, rec)
		}
	}
	f.records = kept
	return nil
}

func (f *fakeVectors) VersionFlags(ctx context.Context) ([]types.VersionFlag, error) {
	seen := make(map[flagUpdate]bool)
	var out []types.VersionFlag
	for _, rec := range f.records {
		key := flagUpdate{rec.DocumentID, rec.Version, rec.IsCurrent, rec.Deleted}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, types.VersionFlag{
			DocumentID: rec.DocumentID,
			Version:    rec.Version,
			IsCurrent:  rec.IsCurrent,
			Deleted:    rec.Deleted,
		})
	}
	return out, nil
}

func (f *fakeVectors) Close() error { return nil }

func newTestEngine(t *testing.T) (*Engine, *fakeDB, *fakeVectors) {
	t.Helper()
	db := newFakeDB()
	vectors := &fakeVectors{}
	eng := New(Config{
		UploadDir:    t.TempDir(),
		ChunkSize:    200,
		ChunkOverlap: 20,
	}, db, vectors, &stubEmbedder{})
	return eng, db, vectors
}

func textUpload(label, text string) types.Upload {
	return types.Upload{
		Filename: "policy.txt",
		Data:     []byte(text),
		Title:    "Política de prueba",
		Version:  label,
	}
}

func sampleText(seed string) string {
	return strings.Repeat(seed+" contenido de prueba para el documento. ", 12)
}

func mustIngest(t *testing.T, eng *Engine, upload types.Upload) uuid.UUID {
	t.Helper()
	result, err := eng.Ingest(context.Background(), upload)
	require.NoError(t, err)
	docID, err := uuid.Parse(result.DocumentID)
	require.NoError(t, err)
	return docID
}

func TestEngineIngest(t *testing.T) {
	t.Parallel()

	t.Run("success stores rows, vectors and the file", func(t *testing.T) {
		t.Parallel()
		eng, db, vectors := newTestEngine(t)

		result, err := eng.Ingest(context.Background(), textUpload("1.0", sampleText("alpha")))
		require.NoError(t, err)
		assert.Equal(t, string(types.StatusIndexed), result.Status)
		assert.Greater(t, result.ChunkCount, 1)
		assert.Len(t, vectors.records, result.ChunkCount)

		docID, err := uuid.Parse(result.DocumentID)
		require.NoError(t, err)
		doc := db.docs[docID]
		require.NotNil(t, doc)
		assert.Equal(t, result.ChunkCount, doc.ChunkCount)
		assert.True(t, doc.IndexedAt.Valid)

		_, err = os.Stat(doc.FilePath)
		assert.NoError(t, err)

		currents, err := db.CurrentVersions(context.Background(), docID)
		require.NoError(t, err)
		require.Len(t, currents, 1)
		assert.Equal(t, "1.0", currents[0].Label)
	})

	t.Run("vector failure rolls the document back", func(t *testing.T) {
		t.Parallel()
		eng, db, vectors := newTestEngine(t)
		vectors.upsertErr = assert.AnError

		_, err := eng.Ingest(context.Background(), textUpload("1.0", sampleText("beta")))
		require.Error(t, err)
		assert.Empty(t, db.docs)
		assert.Len(t, db.removedDocs, 1)
		assert.Empty(t, vectors.records)

		entries, err := os.ReadDir(eng.cfg.UploadDir)
		require.NoError(t, err)
		assert.Empty(t, entries, "upload file should be removed on rollback")
	})

	t.Run("unsupported file type touches no store", func(t *testing.T) {
		t.Parallel()
		eng, db, vectors := newTestEngine(t)

		_, err := eng.Ingest(context.Background(), types.Upload{
			Filename: "report.docx",
			Data:     []byte("dato"),
			Version:  "1.0",
		})
		var valErr types.ValidationError
		require.ErrorAs(t, err, &valErr)
		assert.Empty(t, db.docs)
		assert.Empty(t, vectors.records)
	})

	t.Run("missing version defaults to 1.0", func(t *testing.T) {
		t.Parallel()
		eng, db, _ := newTestEngine(t)

		docID := mustIngest(t, eng, types.Upload{
			Filename: "policy.txt",
			Data:     []byte(sampleText("gamma")),
		})
		currents, err := db.CurrentVersions(context.Background(), docID)
		require.NoError(t, err)
		require.Len(t, currents, 1)
		assert.Equal(t, "1.0", currents[0].Label)
	})
}

func TestEngineAddVersion(t *testing.T) {
	t.Parallel()

	t.Run("supersedes the current version", func(t *testing.T) {
		t.Parallel()
		eng, db, vectors := newTestEngine(t)
		docID := mustIngest(t, eng, textUpload("1.0", sampleText("alpha")))

		result, err := eng.AddVersion(context.Background(), docID, textUpload("2.0", sampleText("beta")))
		require.NoError(t, err)
		assert.Greater(t, result.ChunkCount, 1)

		currents, err := db.CurrentVersions(context.Background(), docID)
		require.NoError(t, err)
		require.Len(t, currents, 1)
		assert.Equal(t, "2.0", currents[0].Label)

		require.NotEmpty(t, vectors.flagUpdates)
		demotion := vectors.flagUpdates[0]
		assert.Equal(t, "1.0", demotion.version)
		assert.False(t, demotion.isCurrent)
		assert.False(t, demotion.deleted)

		for _, rec := range vectors.records {
			if rec.Version == "1.0" {
				assert.False(t, rec.IsCurrent)
			}
			if rec.Version == "2.0" {
				assert.True(t, rec.IsCurrent)
			}
		}
	})

	t.Run("archived document rejects new versions", func(t *testing.T) {
		t.Parallel()
		eng, _, _ := newTestEngine(t)
		docID := mustIngest(t, eng, textUpload("1.0", sampleText("alpha")))
		require.NoError(t, eng.Archive(context.Background(), docID))

		_, err := eng.AddVersion(context.Background(), docID, textUpload("2.0", sampleText("beta")))
		var conflict types.ConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Contains(t, err.Error(), "archived")
	})

	t.Run("label must exceed the current version", func(t *testing.T) {
		t.Parallel()
		eng, _, _ := newTestEngine(t)
		docID := mustIngest(t, eng, textUpload("2.0", sampleText("alpha")))

		for _, label := range []string{"1.9", "2.0", "2.00"} {
			_, err := eng.AddVersion(context.Background(), docID, textUpload(label, sampleText("beta")))
			var conflict types.ConflictError
			require.ErrorAs(t, err, &conflict, "label %q should conflict", label)
		}
	})

	t.Run("identical content is rejected by hash", func(t *testing.T) {
		t.Parallel()
		eng, _, _ := newTestEngine(t)
		text := sampleText("alpha")
		docID := mustIngest(t, eng, textUpload("1.0", text))

		_, err := eng.AddVersion(context.Background(), docID, textUpload("2.0", text))
		var conflict types.ConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Contains(t, err.Error(), "identical file content")
	})

	t.Run("existing label is rejected even when not current", func(t *testing.T) {
		t.Parallel()
		eng, db, _ := newTestEngine(t)
		docID := mustIngest(t, eng, textUpload("1.0", sampleText("alpha")))
		db.versions[docID] = append(db.versions[docID], types.Version{
			ID:         uuid.New(),
			DocumentID: docID,
			Label:      "3.0",
		})

		_, err := eng.AddVersion(context.Background(), docID, textUpload("3.0", sampleText("beta")))
		var conflict types.ConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Contains(t, err.Error(), "already exists")
	})

	t.Run("more than one current version refuses writes", func(t *testing.T) {
		t.Parallel()
		eng, db, _ := newTestEngine(t)
		docID := mustIngest(t, eng, textUpload("1.0", sampleText("alpha")))
		db.versions[docID] = append(db.versions[docID], types.Version{
			ID:         uuid.New(),
			DocumentID: docID,
			Label:      "1.5",
			IsCurrent:  true,
		})

		_, err := eng.AddVersion(context.Background(), docID, textUpload("2.0", sampleText("beta")))
		var conflict types.ConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Contains(t, err.Error(), "more than one current version")
	})

	t.Run("vector failure restores the previous version", func(t *testing.T) {
		t.Parallel()
		eng, db, vectors := newTestEngine(t)
		docID := mustIngest(t, eng, textUpload("1.0", sampleText("alpha")))
		prevChunks := db.docs[docID].ChunkCount
		vectors.upsertErr = assert.AnError

		_, err := eng.AddVersion(context.Background(), docID, textUpload("2.0", sampleText("beta")))
		require.Error(t, err)
		assert.Equal(t, 1, db.rollbackCalls)
		assert.Equal(t, prevChunks, db.docs[docID].ChunkCount)
		assert.Contains(t, vectors.removedVersions, "2.0")

		currents, err := db.CurrentVersions(context.Background(), docID)
		require.NoError(t, err)
		require.Len(t, currents, 1)
		assert.Equal(t, "1.0", currents[0].Label)

		restored := vectors.flagUpdates[len(vectors.flagUpdates)-1]
		assert.Equal(t, "1.0", restored.version)
		assert.True(t, restored.isCurrent)
	})

	t.Run("primary failure leaves the file system clean", func(t *testing.T) {
		t.Parallel()
		eng, db, vectors := newTestEngine(t)
		docID := mustIngest(t, eng, textUpload("1.0", sampleText("alpha")))
		db.createVersionErr = assert.AnError
		before := len(vectors.flagUpdates)

		_, err := eng.AddVersion(context.Background(), docID, textUpload("2.0", sampleText("beta")))
		require.Error(t, err)
		assert.Len(t, vectors.flagUpdates, before, "no vector writes after a failed commit")

		entries, err := os.ReadDir(eng.cfg.UploadDir)
		require.NoError(t, err)
		assert.Len(t, entries, 1, "only the original version file remains")
	})

	t.Run("unknown document", func(t *testing.T) {
		t.Parallel()
		eng, _, _ := newTestEngine(t)

		_, err := eng.AddVersion(context.Background(), uuid.New(), textUpload("2.0", sampleText("beta")))
		var notFound types.NotFoundError
		require.ErrorAs(t, err, &notFound)
	})
}

func TestEngineArchive(t *testing.T) {
	t.Parallel()

	t.Run("archives rows and flags vectors deleted", func(t *testing.T) {
		t.Parallel()
		eng, db, vectors := newTestEngine(t)
		docID := mustIngest(t, eng, textUpload("1.0", sampleText("alpha")))

		require.NoError(t, eng.Archive(context.Background(), docID))
		assert.Equal(t, types.StatusArchived, db.docs[docID].Status)
		for _, rec := range vectors.records {
			assert.False(t, rec.IsCurrent)
			assert.True(t, rec.Deleted)
		}

		doc := db.docs[docID]
		_, err := os.Stat(doc.FilePath)
		assert.NoError(t, err, "archive must keep files on disk")
	})

	t.Run("vector failure does not abort the archive", func(t *testing.T) {
		t.Parallel()
		eng, db, vectors := newTestEngine(t)
		docID := mustIngest(t, eng, textUpload("1.0", sampleText("alpha")))
		vectors.setFlagsErr = assert.AnError

		require.NoError(t, eng.Archive(context.Background(), docID))
		assert.Equal(t, types.StatusArchived, db.docs[docID].Status)
	})
}

func TestEngineDeleteVersion(t *testing.T) {
	t.Parallel()

	t.Run("current version cannot be deleted", func(t *testing.T) {
		t.Parallel()
		eng, _, _ := newTestEngine(t)
		docID := mustIngest(t, eng, textUpload("1.0", sampleText("alpha")))

		err := eng.DeleteVersion(context.Background(), docID, "1.0")
		var conflict types.ConflictError
		require.ErrorAs(t, err, &conflict)
	})

	t.Run("superseded version is soft deleted", func(t *testing.T) {
		t.Parallel()
		eng, db, vectors := newTestEngine(t)
		docID := mustIngest(t, eng, textUpload("1.0", sampleText("alpha")))
		_, err := eng.AddVersion(context.Background(), docID, textUpload("2.0", sampleText("beta")))
		require.NoError(t, err)

		require.NoError(t, eng.DeleteVersion(context.Background(), docID, "1.0"))
		assert.Contains(t, db.softDeleted, "1.0")
		for _, rec := range vectors.records {
			if rec.Version == "1.0" {
				assert.True(t, rec.Deleted)
			}
		}
	})

	t.Run("unknown version", func(t *testing.T) {
		t.Parallel()
		eng, _, _ := newTestEngine(t)
		docID := mustIngest(t, eng, textUpload("1.0", sampleText("alpha")))

		err := eng.DeleteVersion(context.Background(), docID, "9.9")
		var notFound types.NotFoundError
		require.ErrorAs(t, err, &notFound)
	})
}

func TestEngineDeleteDocument(t *testing.T) {
	t.Parallel()

	t.Run("removes rows, vectors and files", func(t *testing.T) {
		t.Parallel()
		eng, db, vectors := newTestEngine(t)
		docID := mustIngest(t, eng, textUpload("1.0", sampleText("alpha")))

		result, err := eng.DeleteDocument(context.Background(), docID)
		require.NoError(t, err)
		assert.Equal(t, "deleted", result.Status)
		assert.Equal(t, 1, result.FilesRemoved)
		assert.True(t, result.VectorsRemoved)
		assert.Empty(t, db.docs)
		assert.Empty(t, vectors.records)
	})

	t.Run("missing file is tolerated", func(t *testing.T) {
		t.Parallel()
		eng, db, _ := newTestEngine(t)
		docID := mustIngest(t, eng, textUpload("1.0", sampleText("alpha")))
		require.NoError(t, os.Remove(db.docs[docID].FilePath))

		result, err := eng.DeleteDocument(context.Background(), docID)
		require.NoError(t, err)
		assert.Zero(t, result.FilesRemoved)
		assert.Empty(t, result.FileErrors)
	})
}

func TestEngineUpdateMetadata(t *testing.T) {
	t.Parallel()

	eng, db, vectors := newTestEngine(t)
	docID := mustIngest(t, eng, textUpload("1.0", sampleText("alpha")))

	title := "Título nuevo"
	public := true
	doc, err := eng.UpdateMetadata(context.Background(), docID, types.MetadataPatch{
		Title:  &title,
		Public: &public,
		Tags:   []string{"rrhh", "normativa"},
	})
	require.NoError(t, err)
	assert.Equal(t, title, doc.Title)
	assert.True(t, doc.Public)
	assert.Equal(t, []string{"rrhh", "normativa"}, doc.Tags)
	assert.Equal(t, title, db.docs[docID].Title)
	assert.Equal(t, 1, vectors.metaUpdates)
}
