// SPDX-License-Identifier: Apache-2.0

// Package schema validates step configurations against per-type JSON
// schemas at the registry boundary. Typed decoding is lenient about missing
// fields; the schemas are what reject a step whose config is incomplete.
package schema

import (
	"encoding/json"
	"fmt"

	"github.com/kusari-oss/runbook/internal/core/models"
	"github.com/xeipuuv/gojsonschema"
)

// stepSchemas maps each step type to the JSON schema its config must satisfy.
var stepSchemas = map[models.StepType]map[string]any{
	models.StepTypeAgentAction: {
		"type":     "object",
		"required": []any{"action"},
		"properties": map[string]any{
			"agent_id":   map[string]any{"type": "string"},
			"capability": map[string]any{"type": "string"},
			"action":     map[string]any{"type": "string", "minLength": 1},
			"parameters": map[string]any{"type": "object"},
		},
		"anyOf": []any{
			map[string]any{"required": []any{"agent_id"}},
			map[string]any{"required": []any{"capability"}},
		},
	},
	models.StepTypeAPICall: {
		"type":     "object",
		"required": []any{"method", "url"},
		"properties": map[string]any{
			"method": map[string]any{
				"type": "string",
				"enum": []any{"GET", "POST", "PUT", "PATCH", "DELETE"},
			},
			"url":     map[string]any{"type": "string", "minLength": 1},
			"headers": map[string]any{"type": "object"},
			"body":    map[string]any{"type": "object"},
		},
	},
	models.StepTypeDatabaseQuery: {
		"type":     "object",
		"required": []any{"datasource", "query"},
		"properties": map[string]any{
			"datasource": map[string]any{"type": "string", "minLength": 1},
			"query":      map[string]any{"type": "string", "minLength": 1},
			"parameters": map[string]any{"type": "object"},
		},
	},
	models.StepTypeFileOperation: {
		"type":     "object",
		"required": []any{"operation", "path"},
		"properties": map[string]any{
			"operation": map[string]any{
				"type": "string",
				"enum": []any{"copy", "move", "delete", "write"},
			},
			"path":    map[string]any{"type": "string", "minLength": 1},
			"target":  map[string]any{"type": "string"},
			"content": map[string]any{"type": "string"},
		},
	},
	models.StepTypeNotification: {
		"type":     "object",
		"required": []any{"channel", "recipients", "message"},
		"properties": map[string]any{
			"channel": map[string]any{
				"type": "string",
				"enum": []any{"email", "slack", "webhook"},
			},
			"recipients": map[string]any{
				"type":     "array",
				"items":    map[string]any{"type": "string"},
				"minItems": 1,
			},
			"subject": map[string]any{"type": "string"},
			"message": map[string]any{"type": "string", "minLength": 1},
		},
	},
	models.StepTypeApprovalRequired: {
		"type":     "object",
		"required": []any{"approvers"},
		"properties": map[string]any{
			"approvers": map[string]any{
				"type":     "array",
				"items":    map[string]any{"type": "string"},
				"minItems": 1,
			},
			"message": map[string]any{"type": "string"},
		},
	},
	models.StepTypeConditionalBranch: {
		"type":     "object",
		"required": []any{"expression"},
		"properties": map[string]any{
			"expression": map[string]any{"type": "string", "minLength": 1},
		},
	},
	models.StepTypeManualStep: {
		"type":     "object",
		"required": []any{"instructions"},
		"properties": map[string]any{
			"instructions": map[string]any{"type": "string", "minLength": 1},
			"assignee":     map[string]any{"type": "string"},
		},
	},
	models.StepTypeRollbackStep: {
		"type":     "object",
		"required": []any{"action"},
		"properties": map[string]any{
			"target_step_id": map[string]any{"type": "string"},
			"agent_id":       map[string]any{"type": "string"},
			"capability":     map[string]any{"type": "string"},
			"action":         map[string]any{"type": "string", "minLength": 1},
			"parameters":     map[string]any{"type": "object"},
		},
	},
}

// ValidateStep validates a step's typed config against the schema for its
// type. A step of unknown type is rejected.
func ValidateStep(step models.PlaybookStep) error {
	schemaDoc, ok := stepSchemas[step.Type]
	if !ok {
		return fmt.Errorf("step %q: no schema for step type %q", step.ID, step.Type)
	}

	cfg, err := models.ConfigMap(step.Config)
	if err != nil {
		return fmt.Errorf("step %q: %w", step.ID, err)
	}

	if err := validate(schemaDoc, cfg); err != nil {
		return fmt.Errorf("step %q: %w", step.ID, err)
	}
	return nil
}

// validate runs gojsonschema over a document map.
func validate(schemaDoc map[string]any, doc map[string]any) error {
	schemaBytes, err := json.Marshal(schemaDoc)
	if err != nil {
		return fmt.Errorf("schema validation error: failed to serialize schema: %w", err)
	}
	docBytes, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("schema validation error: failed to serialize config: %w", err)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schemaBytes),
		gojsonschema.NewBytesLoader(docBytes),
	)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	if !result.Valid() {
		msg := "config validation failed:"
		for _, e := range result.Errors() {
			msg += fmt.Sprintf("\n- %s", e)
		}
		return fmt.Errorf("%s", msg)
	}
	return nil
}
