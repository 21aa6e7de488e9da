package api

import (
	"fmt"
	"io"

	"apexrag/engine"
	"apexrag/types"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

type DocumentHandler struct {
	engine *engine.Engine
}

func NewDocumentHandler(eng *engine.Engine) *DocumentHandler {
	return &DocumentHandler{
		engine: eng,
	}
}

func (h *DocumentHandler) HandleUpload(c *fiber.Ctx) error {
	upload, err := parseUpload(c)
	if err != nil {
		return err
	}

	result, err := h.engine.Ingest(c.Context(), *upload)
	if err != nil {
		return err
	}
	fmt.Printf("[UPLOAD] Document %s ingested with %d chunks\n", result.DocumentID, result.ChunkCount)
	return c.Status(fiber.StatusCreated).JSON(result)
}

func (h *DocumentHandler) HandleAddVersion(c *fiber.Ctx) error {
	docID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return ErrInvalidID()
	}

	upload, err := parseUpload(c)
	if err != nil {
		return err
	}
	if upload.Version == "" {
		return NewValidationError(map[string]string{"version": "failed on 'required' tag"})
	}

	result, err := h.engine.AddVersion(c.Context(), docID, *upload)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(result)
}

func (h *DocumentHandler) HandleList(c *fiber.Ctx) error {
	docs, err := h.engine.ListDocuments(c.Context())
	if err != nil {
		return err
	}
	items := make([]types.DocumentListItem, len(docs))
	for i, d := range docs {
		items[i] = listItem(d)
	}
	return c.JSON(items)
}

func (h *DocumentHandler) HandleDetail(c *fiber.Ctx) error {
	docID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return ErrInvalidID()
	}

	detail, err := h.engine.DocumentDetail(c.Context(), docID)
	if err != nil {
		return err
	}
	return c.JSON(detail)
}

func (h *DocumentHandler) HandleUpdateMetadata(c *fiber.Ctx) error {
	docID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return ErrInvalidID()
	}

	var patch types.MetadataPatch
	if c.BodyParser(&patch) != nil {
		return ErrBadRequest()
	}

	doc, err := h.engine.UpdateMetadata(c.Context(), docID, patch)
	if err != nil {
		return err
	}
	return c.JSON(listItem(types.DocumentSummary{Document: *doc}))
}

func (h *DocumentHandler) HandleArchive(c *fiber.Ctx) error {
	docID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return ErrInvalidID()
	}

	if err := h.engine.Archive(c.Context(), docID); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"document_id": docID, "status": "archived"})
}

func (h *DocumentHandler) HandlePurge(c *fiber.Ctx) error {
	docID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return ErrInvalidID()
	}

	result, err := h.engine.DeleteDocument(c.Context(), docID)
	if err != nil {
		return err
	}
	return c.JSON(result)
}

func (h *DocumentHandler) HandleDeleteVersion(c *fiber.Ctx) error {
	docID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return ErrInvalidID()
	}
	label := c.Params("version")
	if label == "" {
		return ErrBadRequest()
	}

	if err := h.engine.DeleteVersion(c.Context(), docID, label); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"document_id": docID, "version": label, "status": "deleted"})
}

func listItem(s types.DocumentSummary) types.DocumentListItem {
	item := types.DocumentListItem{
		DocumentID: s.ID.String(),
		Title:      s.Title,
		Filename:   s.Filename,
		Category:   s.Category,
		Status:     string(s.Status),
		Version:    s.Version,
		Tags:       s.Tags,
		ChunkCount: s.ChunkCount,
		Public:     s.Public,
		Indexable:  s.Indexable,
		CreatedAt:  s.CreatedAt,
		UpdatedAt:  s.UpdatedAt,
	}
	if s.EffectiveFrom.Valid {
		t := s.EffectiveFrom.Time
		item.EffectiveFrom = &t
	}
	return item
}

func parseUpload(c *fiber.Ctx) (*types.Upload, error) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return nil, NewValidationError(map[string]string{"file": "failed on 'required' tag"})
	}

	file, err := fileHeader.Open()
	if err != nil {
		return nil, err
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, err
	}

	upload := &types.Upload{
		Filename:      fileHeader.Filename,
		Data:          data,
		Title:         c.FormValue("title"),
		Category:      c.FormValue("category"),
		Owner:         c.FormValue("owner"),
		OwnerArea:     c.FormValue("owner_area"),
		Department:    c.FormValue("department"),
		Tags:          c.FormValue("tags"),
		Description:   c.FormValue("description"),
		Version:       c.FormValue("version"),
		ChangeSummary: c.FormValue("change_summary"),
	}
	if v := c.FormValue("public"); v != "" {
		b := v == "true" || v == "1"
		upload.Public = &b
	}
	if v := c.FormValue("indexable"); v != "" {
		b := v == "true" || v == "1"
		upload.Indexable = &b
	}
	return upload, nil
}
