// SPDX-License-Identifier: Apache-2.0

package models

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// DecodeStepConfig builds the typed config for a step type from a raw map,
// as produced by YAML or JSON decoding. Unknown types are rejected so a
// typo in a definition file fails loudly at the boundary.
func DecodeStepConfig(t StepType, raw map[string]any) (StepConfig, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("error serializing step config: %w", err)
	}

	decode := func(dst StepConfig) (StepConfig, error) {
		if err := json.Unmarshal(data, dst); err != nil {
			return nil, fmt.Errorf("error decoding %s config: %w", t, err)
		}
		return dst, nil
	}

	switch t {
	case StepTypeAgentAction:
		return decode(&AgentActionConfig{})
	case StepTypeAPICall:
		return decode(&APICallConfig{})
	case StepTypeDatabaseQuery:
		return decode(&DatabaseQueryConfig{})
	case StepTypeFileOperation:
		return decode(&FileOperationConfig{})
	case StepTypeNotification:
		return decode(&NotificationConfig{})
	case StepTypeApprovalRequired:
		return decode(&ApprovalConfig{})
	case StepTypeConditionalBranch:
		return decode(&ConditionalBranchConfig{})
	case StepTypeManualStep:
		return decode(&ManualStepConfig{})
	case StepTypeRollbackStep:
		return decode(&RollbackStepConfig{})
	default:
		return nil, fmt.Errorf("unknown step type: %q", t)
	}
}

// ConfigMap flattens a typed step config back into a map, for schema
// validation and event payloads.
func ConfigMap(c StepConfig) (map[string]any, error) {
	if c == nil {
		return map[string]any{}, nil
	}
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("error serializing step config: %w", err)
	}
	out := map[string]any{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("error flattening step config: %w", err)
	}
	return out, nil
}

// rawStep mirrors PlaybookStep with the config left undecoded.
type rawStep struct {
	ID                  string         `json:"id" yaml:"id"`
	Name                string         `json:"name" yaml:"name"`
	Type                StepType       `json:"type" yaml:"type"`
	Config              map[string]any `json:"config" yaml:"config"`
	Dependencies        []string       `json:"dependencies" yaml:"dependencies"`
	TimeoutSeconds      int            `json:"timeout_seconds" yaml:"timeout_seconds"`
	RetryCount          int            `json:"retry_count" yaml:"retry_count"`
	RetryDelaySeconds   int            `json:"retry_delay_seconds" yaml:"retry_delay_seconds"`
	OnFailure           OnFailure      `json:"on_failure" yaml:"on_failure"`
	RequiredPermissions []string       `json:"required_permissions" yaml:"required_permissions"`
}

func (s *PlaybookStep) fromRaw(r rawStep) error {
	cfg, err := DecodeStepConfig(r.Type, r.Config)
	if err != nil {
		return fmt.Errorf("step %q: %w", r.ID, err)
	}
	*s = PlaybookStep{
		ID:                  r.ID,
		Name:                r.Name,
		Type:                r.Type,
		Config:              cfg,
		Dependencies:        r.Dependencies,
		TimeoutSeconds:      r.TimeoutSeconds,
		RetryCount:          r.RetryCount,
		RetryDelaySeconds:   r.RetryDelaySeconds,
		OnFailure:           r.OnFailure,
		RequiredPermissions: r.RequiredPermissions,
	}
	return nil
}

// UnmarshalYAML decodes a step from a definition file, selecting the typed
// config by the step's type tag.
func (s *PlaybookStep) UnmarshalYAML(value *yaml.Node) error {
	var r rawStep
	if err := value.Decode(&r); err != nil {
		return err
	}
	return s.fromRaw(r)
}

// UnmarshalJSON decodes a step from JSON, selecting the typed config by the
// step's type tag.
func (s *PlaybookStep) UnmarshalJSON(data []byte) error {
	var r rawStep
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	return s.fromRaw(r)
}
