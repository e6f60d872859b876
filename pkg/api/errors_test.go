package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestAPIErrorInterface(t *testing.T) {
	var _ error = &APIError{}
}

func TestAPIErrorString(t *testing.T) {
	tests := []struct {
		name string
		err  *APIError
		want string
	}{
		{
			"with param",
			&APIError{Type: ErrorTypeInvalidRequest, Param: "task", Message: "is required"},
			"invalid_request: is required (param: task)",
		},
		{
			"without param",
			&APIError{Type: ErrorTypeServerError, Message: "internal failure"},
			"server_error: internal failure",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("APIError.Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestErrorConstructors(t *testing.T) {
	tests := []struct {
		name      string
		err       *APIError
		wantType  ErrorType
		wantParam string
	}{
		{"invalid request", NewInvalidRequestError("path", "is required"), ErrorTypeInvalidRequest, "path"},
		{"unauthorized", NewUnauthorizedError("missing credentials"), ErrorTypeUnauthorized, ""},
		{"forbidden", NewForbiddenError("outside root"), ErrorTypeForbidden, ""},
		{"not found", NewNotFoundError("file not found"), ErrorTypeNotFound, ""},
		{"server error", NewServerError("internal failure"), ErrorTypeServerError, ""},
		{"too many requests", NewTooManyRequestsError("rate limit exceeded"), ErrorTypeTooManyRequests, ""},
		{"upstream", NewUpstreamError("502", "bad gateway"), ErrorTypeUpstream, ""},
		{"malformed", NewMalformedResponseError("no choices"), ErrorTypeMalformedResponse, ""},
		{"schema", NewSchemaViolationError("missing code"), ErrorTypeSchemaViolation, ""},
		{"execution", NewExecutionError("Traceback"), ErrorTypeExecution, ""},
		{"dependency", NewDependencyInstallError("numpy", "not allowed"), ErrorTypeDependencyInstall, "numpy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Type != tt.wantType {
				t.Errorf("Type = %q, want %q", tt.err.Type, tt.wantType)
			}
			if tt.err.Param != tt.wantParam {
				t.Errorf("Param = %q, want %q", tt.err.Param, tt.wantParam)
			}
		})
	}
}

func TestExecutionErrorCarriesStderr(t *testing.T) {
	err := NewExecutionError("ZeroDivisionError: division by zero")
	if !strings.Contains(err.Message, "ZeroDivisionError") {
		t.Errorf("Message = %q, want stderr included", err.Message)
	}
}

func TestAsAPIError(t *testing.T) {
	forbidden := NewForbiddenError("nope")
	wrapped := fmt.Errorf("running task: %w", forbidden)

	if got := AsAPIError(wrapped); got != forbidden {
		t.Errorf("AsAPIError(wrapped) = %v, want original error", got)
	}

	plain := AsAPIError(errors.New("disk on fire"))
	if plain.Type != ErrorTypeServerError {
		t.Errorf("Type = %q, want %q", plain.Type, ErrorTypeServerError)
	}
	if plain.Message != "disk on fire" {
		t.Errorf("Message = %q, want %q", plain.Message, "disk on fire")
	}

	if AsAPIError(nil) != nil {
		t.Error("AsAPIError(nil) should be nil")
	}
}

func TestIsType(t *testing.T) {
	err := fmt.Errorf("wrap: %w", NewUpstreamError("500", "boom"))
	if !IsType(err, ErrorTypeUpstream) {
		t.Error("IsType should see through wrapping")
	}
	if IsType(err, ErrorTypeExecution) {
		t.Error("IsType matched the wrong type")
	}
	if IsType(errors.New("plain"), ErrorTypeServerError) {
		t.Error("IsType should be false for non-API errors")
	}
}

func TestErrorResponseJSON(t *testing.T) {
	resp := NewErrorResponse(NewForbiddenError("Access outside /data/ is forbidden"))
	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if got["detail"] != "Access outside /data/ is forbidden" {
		t.Errorf("detail = %v, want the error message", got["detail"])
	}
	inner, ok := got["error"].(map[string]any)
	if !ok {
		t.Fatalf("error field missing: %s", data)
	}
	if inner["type"] != string(ErrorTypeForbidden) {
		t.Errorf("error.type = %v, want %q", inner["type"], ErrorTypeForbidden)
	}
}

func TestAPIErrorOmitEmpty(t *testing.T) {
	err := &APIError{Type: ErrorTypeServerError, Message: "fail"}
	data, marshalErr := json.Marshal(err)
	if marshalErr != nil {
		t.Fatalf("Marshal: %v", marshalErr)
	}

	var m map[string]interface{}
	if unmarshalErr := json.Unmarshal(data, &m); unmarshalErr != nil {
		t.Fatalf("Unmarshal: %v", unmarshalErr)
	}

	if _, ok := m["code"]; ok {
		t.Error("empty code should be omitted from JSON")
	}
	if _, ok := m["param"]; ok {
		t.Error("empty param should be omitted from JSON")
	}
}
