package types

import "fmt"

// ValidationError rejects caller input: unsupported file type, empty
// extracted text, malformed metadata. Not retriable.
type ValidationError struct {
	Message string
}

func (e ValidationError) Error() string { return e.Message }

func NewValidationError(format string, args ...any) ValidationError {
	return ValidationError{Message: fmt.Sprintf(format, args...)}
}

type NotFoundError struct {
	Resource string
	ID       string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

func NewNotFoundError(resource, id string) NotFoundError {
	return NotFoundError{Resource: resource, ID: id}
}

// ConflictError rejects a state-changing operation the versioning rules
// forbid: duplicate content hash, non-monotonic label, deleting the
// current version, multiple current versions detected.
type ConflictError struct {
	Message string
}

func (e ConflictError) Error() string { return e.Message }

func NewConflictError(format string, args ...any) ConflictError {
	return ConflictError{Message: fmt.Sprintf(format, args...)}
}

// DependencyError wraps a failure of an external provider (embeddings or
// answer generation). Surfaced to callers as a generic upstream failure.
type DependencyError struct {
	Provider string
	Err      error
}

func (e DependencyError) Error() string {
	return fmt.Sprintf("%s provider failed: %v", e.Provider, e.Err)
}

func (e DependencyError) Unwrap() error { return e.Err }

func NewDependencyError(provider string, err error) DependencyError {
	return DependencyError{Provider: provider, Err: err}
}

// ConsistencyError reports a detected disagreement between the primary
// store and the vector store. Raised by the reconciler, never by request
// handling itself.
type ConsistencyError struct {
	Message string
}

func (e ConsistencyError) Error() string { return e.Message }

func NewConsistencyError(format string, args ...any) ConsistencyError {
	return ConsistencyError{Message: fmt.Sprintf(format, args...)}
}
