package types

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

type Validater interface {
	Validate() map[string]string
}

func Validate(v Validater) map[string]string {
	return v.Validate()
}

type AskRequest struct {
	Question string `json:"question" validate:"required"`
	TopK     int    `json:"top_k"`
}

func (params *AskRequest) Validate() map[string]string {
	return validateStruct(params)
}

type AskResponse struct {
	Answer  string   `json:"answer"`
	Sources []Source `json:"sources"`
}

type Source struct {
	SourceID   int     `json:"source_id"`
	DocumentID string  `json:"document_id"`
	Filename   string  `json:"filename"`
	ChunkIndex int     `json:"chunk_index"`
	Score      float64 `json:"score"`
}

// RouteDecision is the intent classifier's verdict. Confidence is reported
// but not consulted by the routing policy.
type RouteDecision struct {
	Route      string  `json:"route"`
	Confidence float64 `json:"confidence"`
}

// Upload carries one uploaded revision plus its metadata form fields.
type Upload struct {
	Filename      string
	Data          []byte
	Title         string
	Category      string
	Owner         string
	OwnerArea     string
	Department    string
	Tags          string
	Description   string
	Public        *bool
	Indexable     *bool
	Version       string
	ChangeSummary string
}

type UploadResult struct {
	DocumentID string `json:"document_id"`
	Filename   string `json:"filename"`
	ChunkCount int    `json:"chunk_count"`
	Status     string `json:"status"`
}

// MetadataPatch updates display metadata; nil fields are left untouched.
type MetadataPatch struct {
	Title       *string  `json:"title"`
	Filename    *string  `json:"filename"`
	Category    *string  `json:"category"`
	Owner       *string  `json:"owner"`
	OwnerArea   *string  `json:"owner_area"`
	Department  *string  `json:"department"`
	Tags        []string `json:"tags"`
	Description *string  `json:"description"`
	Public      *bool    `json:"public"`
	Indexable   *bool    `json:"indexable"`
}

// PurgeResult reports a hard delete, including the secondary cleanups that
// failed without aborting the primary-store deletion.
type PurgeResult struct {
	DocumentID     uuid.UUID `json:"document_id"`
	Status         string    `json:"status"`
	FilesRemoved   int       `json:"files_removed"`
	FileErrors     []string  `json:"file_errors,omitempty"`
	VectorsRemoved bool      `json:"vectors_removed"`
	VectorError    string    `json:"vector_error,omitempty"`
}

// DocumentListItem is one row of the document listing as served over HTTP.
type DocumentListItem struct {
	DocumentID    string     `json:"document_id"`
	Title         string     `json:"title"`
	Filename      string     `json:"filename"`
	Category      string     `json:"category,omitempty"`
	Status        string     `json:"status"`
	Version       string     `json:"version,omitempty"`
	Tags          []string   `json:"tags,omitempty"`
	ChunkCount    int        `json:"chunk_count"`
	Public        bool       `json:"public"`
	Indexable     bool       `json:"indexable"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	EffectiveFrom *time.Time `json:"effective_from,omitempty"`
}

type DocumentDetail struct {
	DocumentID string          `json:"document_id"`
	Title      string          `json:"title"`
	Filename   string          `json:"filename"`
	Category   string          `json:"category"`
	Status     string          `json:"status"`
	Versions   []VersionDetail `json:"versions"`
}

type VersionDetail struct {
	Version       string     `json:"version"`
	IsCurrent     bool       `json:"is_current"`
	Deleted       bool       `json:"deleted"`
	EffectiveFrom time.Time  `json:"effective_from"`
	EffectiveTo   *time.Time `json:"effective_to,omitempty"`
	UploadedAt    time.Time  `json:"uploaded_at"`
}

func validateStruct(params any) map[string]string {
	validate := validator.New()
	if err := validate.Struct(params); err != nil {
		errs := err.(validator.ValidationErrors)
		errors := make(map[string]string)
		for _, e := range errs {
			errors[e.Field()] = fmt.Sprintf("failed on '%s' tag", e.Tag())
		}
		return errors
	}
	return nil
}
