// SPDX-License-Identifier: Apache-2.0

// Package format handles reading playbook definitions and rendering
// command output. YAML is the preferred format; JSON is accepted for
// tooling that emits it.
package format

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kusari-oss/runbook/internal/core/models"
)

// ParseData parses data into v, trying YAML first, then JSON.
func ParseData(data []byte, v any) error {
	err := yaml.Unmarshal(data, v)
	if err == nil {
		return nil
	}
	jsonErr := json.Unmarshal(data, v)
	if jsonErr == nil {
		return nil
	}
	return fmt.Errorf("failed to parse as YAML (%v) or JSON (%v)", err, jsonErr)
}

// LoadPlaybook reads a playbook definition from a file.
func LoadPlaybook(path string) (*models.Playbook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading playbook file: %w", err)
	}
	var pb models.Playbook
	if err := ParseData(data, &pb); err != nil {
		return nil, fmt.Errorf("error parsing playbook %s: %w", path, err)
	}
	return &pb, nil
}

// Render marshals v as "yaml" or "json" for terminal output.
func Render(v any, outputFormat string) (string, error) {
	switch outputFormat {
	case "json":
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return "", fmt.Errorf("error marshaling JSON: %w", err)
		}
		return string(data), nil
	case "yaml", "":
		data, err := yaml.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("error marshaling YAML: %w", err)
		}
		return string(data), nil
	default:
		return "", fmt.Errorf("unsupported output format: %s", outputFormat)
	}
}
