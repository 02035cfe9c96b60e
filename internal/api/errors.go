// errors.go - Structured error handling for API responses
package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/devscene/backend/internal/generator"
	"github.com/devscene/backend/internal/scene"
	"github.com/devscene/backend/internal/session"
	"github.com/devscene/backend/internal/storage"
)

// APIError represents a structured API error response
type APIError struct {
	Status   int      `json:"-"`
	Code     string   `json:"code"`
	Message  string   `json:"message"`
	Details  string   `json:"details,omitempty"`
	Problems []string `json:"problems,omitempty"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Error constructors for consistent error handling

// NewBadRequestError creates a 400 Bad Request error
func NewBadRequestError(message string, cause error) *APIError {
	err := &APIError{
		Status:  http.StatusBadRequest,
		Code:    "BAD_REQUEST",
		Message: message,
	}
	if cause != nil {
		err.Details = cause.Error()
	}
	return err
}

// NewValidationError creates a 400 validation error for a specific field
func NewValidationError(field string) *APIError {
	return &APIError{
		Status:  http.StatusBadRequest,
		Code:    "VALIDATION_ERROR",
		Message: fmt.Sprintf("validation failed for field: %s", field),
	}
}

// NewConfigInvalidError creates a 422 error listing every problem of a scene
func NewConfigInvalidError(verr *scene.ValidationError) *APIError {
	msg := "scene document is invalid"
	if verr.DeviceID != "" {
		msg = fmt.Sprintf("scene for device %q is invalid", verr.DeviceID)
	}
	return &APIError{
		Status:   http.StatusUnprocessableEntity,
		Code:     "CONFIG_INVALID",
		Message:  msg,
		Details:  strings.Join(verr.Problems, "; "),
		Problems: verr.Problems,
	}
}

// NewNotFoundError creates a 404 Not Found error
func NewNotFoundError(resource string, id string) *APIError {
	return &APIError{
		Status:  http.StatusNotFound,
		Code:    "NOT_FOUND",
		Message: fmt.Sprintf("%s not found: %s", resource, id),
	}
}

// NewConflictError creates a 409 Conflict error
func NewConflictError(message string) *APIError {
	return &APIError{
		Status:  http.StatusConflict,
		Code:    "CONFLICT",
		Message: message,
	}
}

// NewInternalError creates a 500 Internal Server Error
func NewInternalError(message string, cause error) *APIError {
	err := &APIError{
		Status:  http.StatusInternalServerError,
		Code:    "INTERNAL_ERROR",
		Message: message,
	}
	if cause != nil {
		err.Details = cause.Error()
	}
	return err
}

// NewServiceUnavailableError creates a 503 Service Unavailable error
func NewServiceUnavailableError(message string) *APIError {
	return &APIError{
		Status:  http.StatusServiceUnavailable,
		Code:    "SERVICE_UNAVAILABLE",
		Message: message,
	}
}

// mapDomainError translates errors from the domain packages. It returns
// nil for errors it does not know.
func mapDomainError(err error) *APIError {
	var verr *scene.ValidationError
	switch {
	case errors.As(err, &verr):
		return NewConfigInvalidError(verr)
	case errors.Is(err, storage.ErrNotFound):
		return &APIError{Status: http.StatusNotFound, Code: "NOT_FOUND", Message: err.Error()}
	case errors.Is(err, generator.ErrNoData):
		return &APIError{Status: http.StatusNotFound, Code: "NO_DATA", Message: err.Error()}
	case errors.Is(err, session.ErrVariantMissing):
		return &APIError{Status: http.StatusNotFound, Code: "VARIANT_MISSING", Message: err.Error()}
	case errors.Is(err, session.ErrSessionNotFound):
		return &APIError{Status: http.StatusNotFound, Code: "NOT_FOUND", Message: err.Error()}
	case errors.Is(err, storage.ErrInvalidDeviceID):
		return NewBadRequestError("invalid device id", err)
	case errors.Is(err, session.ErrTooManySessions):
		return NewServiceUnavailableError(err.Error())
	}
	return nil
}

// ErrorHandler middleware for Echo
// Usage: e.HTTPErrorHandler = api.ErrorHandler
func ErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var apiErr *APIError

	switch e := err.(type) {
	case *APIError:
		apiErr = e
	case *echo.HTTPError:
		apiErr = &APIError{
			Status:  e.Code,
			Code:    "HTTP_ERROR",
			Message: fmt.Sprintf("%v", e.Message),
		}
	default:
		if apiErr = mapDomainError(err); apiErr != nil {
			break
		}
		apiErr = &APIError{
			Status:  http.StatusInternalServerError,
			Code:    "UNKNOWN_ERROR",
			Message: "An unexpected error occurred",
		}
		// Only debug servers leak internals
		if c.Echo().Debug {
			apiErr.Details = err.Error()
		}
	}

	if c.Request().Method == http.MethodHead {
		c.NoContent(apiErr.Status)
		return
	}
	c.JSON(apiErr.Status, apiErr)
}
