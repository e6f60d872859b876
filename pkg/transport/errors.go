package transport

import (
	"encoding/json"
	"net/http"

	"github.com/rhuss/taskrun/pkg/api"
)

// HTTPStatusFromError maps an error type to its HTTP status. Upstream,
// execution and dependency failures are all 500 and told apart by the
// error type in the body.
func HTTPStatusFromError(err *api.APIError) int {
	switch err.Type {
	case api.ErrorTypeInvalidRequest:
		return http.StatusBadRequest
	case api.ErrorTypeUnauthorized:
		return http.StatusUnauthorized
	case api.ErrorTypeForbidden:
		return http.StatusForbidden
	case api.ErrorTypeNotFound:
		return http.StatusNotFound
	case api.ErrorTypeTooManyRequests:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// WriteErrorResponse writes apiErr as a JSON error body with statusCode.
func WriteErrorResponse(w http.ResponseWriter, apiErr *api.APIError, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(api.NewErrorResponse(apiErr))
}

// WriteAPIError writes err with the status derived from its type. Errors
// that are not APIErrors are reported as server errors.
func WriteAPIError(w http.ResponseWriter, err error) {
	apiErr := api.AsAPIError(err)
	WriteErrorResponse(w, apiErr, HTTPStatusFromError(apiErr))
}
