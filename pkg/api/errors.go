package api

import (
	"errors"
	"fmt"
)

// ErrorType represents the category of an API error.
type ErrorType string

const (
	ErrorTypeServerError       ErrorType = "server_error"
	ErrorTypeInvalidRequest    ErrorType = "invalid_request"
	ErrorTypeUnauthorized      ErrorType = "unauthorized"
	ErrorTypeForbidden         ErrorType = "forbidden"
	ErrorTypeNotFound          ErrorType = "not_found"
	ErrorTypeTooManyRequests   ErrorType = "too_many_requests"
	ErrorTypeUpstream          ErrorType = "upstream_error"
	ErrorTypeMalformedResponse ErrorType = "malformed_response"
	ErrorTypeSchemaViolation   ErrorType = "schema_violation"
	ErrorTypeExecution         ErrorType = "execution_error"
	ErrorTypeDependencyInstall ErrorType = "dependency_install_error"
)

// APIError represents a structured API error with type, code, param, and message.
type APIError struct {
	Type    ErrorType `json:"type"`
	Code    string    `json:"code,omitempty"`
	Param   string    `json:"param,omitempty"`
	Message string    `json:"message"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Param != "" {
		return fmt.Sprintf("%s: %s (param: %s)", e.Type, e.Message, e.Param)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ErrorResponse is the top-level JSON error body. Detail repeats the
// message as a flat string for clients that only read "detail".
type ErrorResponse struct {
	Detail string    `json:"detail"`
	Error  *APIError `json:"error"`
}

// NewErrorResponse wraps err for serialization.
func NewErrorResponse(err *APIError) ErrorResponse {
	return ErrorResponse{Detail: err.Message, Error: err}
}

// AsAPIError returns err as an *APIError. Errors of any other type are
// wrapped as server errors.
func AsAPIError(err error) *APIError {
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return NewServerError(err.Error())
}

// IsType reports whether err is an *APIError of type t.
func IsType(err error, t ErrorType) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Type == t
}

// NewInvalidRequestError creates an APIError for invalid request parameters.
func NewInvalidRequestError(param, message string) *APIError {
	return &APIError{
		Type:    ErrorTypeInvalidRequest,
		Param:   param,
		Message: message,
	}
}

// NewUnauthorizedError creates an APIError for missing or bad credentials.
func NewUnauthorizedError(message string) *APIError {
	return &APIError{
		Type:    ErrorTypeUnauthorized,
		Message: message,
	}
}

// NewForbiddenError creates an APIError for requests that are understood
// but not permitted: reads outside the allowed root and generated code
// that matches the deny-list.
func NewForbiddenError(message string) *APIError {
	return &APIError{
		Type:    ErrorTypeForbidden,
		Message: message,
	}
}

// NewNotFoundError creates an APIError for resources that cannot be found.
func NewNotFoundError(message string) *APIError {
	return &APIError{
		Type:    ErrorTypeNotFound,
		Message: message,
	}
}

// NewServerError creates an APIError for internal server errors.
func NewServerError(message string) *APIError {
	return &APIError{
		Type:    ErrorTypeServerError,
		Message: message,
	}
}

// NewTooManyRequestsError creates an APIError for rate limiting.
func NewTooManyRequestsError(message string) *APIError {
	return &APIError{
		Type:    ErrorTypeTooManyRequests,
		Message: message,
	}
}

// NewUpstreamError creates an APIError for a failed call to the completion
// service. code carries the upstream HTTP status when there was one.
func NewUpstreamError(code, message string) *APIError {
	return &APIError{
		Type:    ErrorTypeUpstream,
		Code:    code,
		Message: message,
	}
}

// NewMalformedResponseError creates an APIError for a completion envelope
// that could not be decoded or lacks the message content.
func NewMalformedResponseError(message string) *APIError {
	return &APIError{
		Type:    ErrorTypeMalformedResponse,
		Message: message,
	}
}

// NewSchemaViolationError creates an APIError for completion content that
// is not JSON or does not match the task schema.
func NewSchemaViolationError(message string) *APIError {
	return &APIError{
		Type:    ErrorTypeSchemaViolation,
		Message: message,
	}
}

// NewExecutionError creates an APIError for generated code that failed.
// The message carries the captured standard error.
func NewExecutionError(stderr string) *APIError {
	return &APIError{
		Type:    ErrorTypeExecution,
		Message: "Error executing code: " + stderr,
	}
}

// NewDependencyInstallError creates an APIError for a dependency that was
// rejected by policy or failed to install.
func NewDependencyInstallError(param, message string) *APIError {
	return &APIError{
		Type:    ErrorTypeDependencyInstall,
		Param:   param,
		Message: message,
	}
}
