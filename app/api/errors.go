package api

import (
	"errors"
	"fmt"
	"time"

	"apexrag/types"

	"github.com/gofiber/fiber/v2"
)

func ErrorHandler(c *fiber.Ctx, err error) error {
	if apiError, ok := err.(Error); ok {
		return c.Status(apiError.Code).JSON(apiError)
	}
	if valError, ok := err.(ValidationError); ok {
		return c.Status(valError.Status).JSON(valError)
	}

	apiError := translate(err)
	curTime := time.Now()
	fmt.Printf("%s Request failed with code %d and message: %s\n", &curTime, apiError.Code, apiError.Message)
	return c.Status(apiError.Code).JSON(apiError)
}

// translate maps domain errors onto HTTP status codes.
func translate(err error) Error {
	var (
		validationErr  types.ValidationError
		notFoundErr    types.NotFoundError
		conflictErr    types.ConflictError
		dependencyErr  types.DependencyError
		consistencyErr types.ConsistencyError
		fiberErr       *fiber.Error
	)
	switch {
	case errors.As(err, &validationErr):
		return NewError(fiber.StatusBadRequest, validationErr.Error())
	case errors.As(err, &notFoundErr):
		return NewError(fiber.StatusNotFound, notFoundErr.Error())
	case errors.As(err, &conflictErr):
		return NewError(fiber.StatusConflict, conflictErr.Error())
	case errors.As(err, &dependencyErr):
		return NewError(fiber.StatusBadGateway, dependencyErr.Error())
	case errors.As(err, &consistencyErr):
		return NewError(fiber.StatusInternalServerError, consistencyErr.Error())
	case errors.As(err, &fiberErr):
		return NewError(fiberErr.Code, fiberErr.Message)
	default:
		return NewError(fiber.StatusInternalServerError, err.Error())
	}
}

type Error struct {
	Code    int    `json:"code"`
	Message string `json:"error"`
}

type ValidationError struct {
	Status int               `json:"status"`
	Errors map[string]string `json:"errors"`
}

func (e ValidationError) Error() string {
	return "validation failed"
}

func NewValidationError(errors map[string]string) ValidationError {
	return ValidationError{
		Status: fiber.StatusUnprocessableEntity,
		Errors: errors,
	}
}

// Error implements the Error interface
func (e Error) Error() string {
	return e.Message
}

func NewError(code int, err string) Error {
	return Error{
		Code:    code,
		Message: err,
	}
}

func ErrBadRequest() Error {
	return Error{
		Code:    fiber.StatusBadRequest,
		Message: "invalid JSON request",
	}
}

func ErrInvalidID() Error {
	return Error{
		Code:    fiber.StatusBadRequest,
		Message: "invalid id given",
	}
}
