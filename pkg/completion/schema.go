package completion

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/kaptinlin/jsonschema"

	"github.com/rhuss/taskrun/pkg/api"
)

// SchemaName is the name the schema is registered under in the request.
const SchemaName = "task_runner"

// TaskSchema returns the JSON schema for the completion content.
func TaskSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []any{"code", "dependencies"},
		"properties": map[string]any{
			"code": map[string]any{
				"type":        "string",
				"description": "Python source that performs the task",
			},
			"dependencies": map[string]any{
				"type":        "array",
				"description": "Modules outside the standard library the code imports",
				"items": map[string]any{
					"type":     "object",
					"required": []any{"module"},
					"properties": map[string]any{
						"module": map[string]any{
							"type":        "string",
							"description": "Installable package name",
						},
					},
					"additionalProperties": false,
				},
			},
		},
		"additionalProperties": false,
	}
}

// TaskResponseFormat returns the response_format block for the request.
func TaskResponseFormat() *ResponseFormat {
	return &ResponseFormat{
		Type: "json_schema",
		JSONSchema: &JSONSchemaFormat{
			Name:   SchemaName,
			Strict: true,
			Schema: TaskSchema(),
		},
	}
}

// Validator checks completion content against TaskSchema.
type Validator struct {
	schema *jsonschema.Schema
}

// NewValidator compiles TaskSchema.
func NewValidator() (*Validator, error) {
	raw, err := json.Marshal(TaskSchema())
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	schema, err := jsonschema.NewCompiler().Compile(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	return &Validator{schema: schema}, nil
}

// Parse decodes content into a CompletionResult. Content that is not JSON
// or does not match the schema fails with a schema violation.
func (v *Validator) Parse(content string) (*api.CompletionResult, error) {
	var doc any
	if err := json.Unmarshal([]byte(content), &doc); err != nil {
		return nil, api.NewSchemaViolationError("completion content is not valid JSON: " + err.Error())
	}

	result := v.schema.Validate(doc)
	if !result.Valid {
		return nil, api.NewSchemaViolationError("completion content does not match schema: " + describeErrors(result))
	}

	var out api.CompletionResult
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		return nil, api.NewSchemaViolationError("completion content does not match schema: " + err.Error())
	}
	return &out, nil
}

func describeErrors(result *jsonschema.EvaluationResult) string {
	if len(result.Errors) == 0 {
		return "validation failed"
	}
	parts := make([]string, 0, len(result.Errors))
	for key, e := range result.Errors {
		parts = append(parts, key+": "+e.Error())
	}
	sort.Strings(parts)
	return strings.Join(parts, "; ")
}
