// SPDX-License-Identifier: Apache-2.0

package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestStepStatusTerminal(t *testing.T) {
	assert.False(t, StepStatusPending.Terminal())
	assert.False(t, StepStatusRunning.Terminal())
	assert.True(t, StepStatusCompleted.Terminal())
	assert.True(t, StepStatusFailed.Terminal())
	assert.True(t, StepStatusSkipped.Terminal())
}

func TestExecutionStatusTerminal(t *testing.T) {
	assert.False(t, ExecutionStatusPending.Terminal())
	assert.False(t, ExecutionStatusRunning.Terminal())
	assert.False(t, ExecutionStatusApproved.Terminal())
	assert.True(t, ExecutionStatusCompleted.Terminal())
	assert.True(t, ExecutionStatusFailed.Terminal())
	assert.True(t, ExecutionStatusCancelled.Terminal())
	assert.True(t, ExecutionStatusRolledBack.Terminal())
}

func TestDecodeStepConfig(t *testing.T) {
	cfg, err := DecodeStepConfig(StepTypeAgentAction, map[string]any{
		"agent_id": "ops-agent",
		"action":   "restart",
		"parameters": map[string]any{
			"service": "payments",
		},
	})
	require.NoError(t, err)

	agent, ok := cfg.(*AgentActionConfig)
	require.True(t, ok)
	assert.Equal(t, "ops-agent", agent.AgentID)
	assert.Equal(t, "restart", agent.Action)
	assert.Equal(t, "payments", agent.Parameters["service"])
}

func TestDecodeStepConfigUnknownType(t *testing.T) {
	_, err := DecodeStepConfig(StepType("teleport"), map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown step type")
}

func TestStepUnmarshalYAML(t *testing.T) {
	def := `
id: notify-oncall
name: Notify on-call
type: notification
config:
  channel: slack
  recipients: ["#incidents"]
  message: remediation started
dependencies: [restart]
timeout_seconds: 30
retry_count: 2
retry_delay_seconds: 5
on_failure: continue
`
	var step PlaybookStep
	require.NoError(t, yaml.Unmarshal([]byte(def), &step))

	assert.Equal(t, "notify-oncall", step.ID)
	assert.Equal(t, StepTypeNotification, step.Type)
	assert.Equal(t, []string{"restart"}, step.Dependencies)
	assert.Equal(t, 30*time.Second, step.Timeout())
	assert.Equal(t, 2, step.RetryCount)
	assert.Equal(t, 5*time.Second, step.RetryDelay())
	assert.Equal(t, OnFailureContinue, step.OnFailure)

	cfg, ok := step.Config.(*NotificationConfig)
	require.True(t, ok)
	assert.Equal(t, "slack", cfg.Channel)
	assert.Equal(t, "remediation started", cfg.Message)
}

func TestStepUnmarshalYAMLBadType(t *testing.T) {
	def := `
id: bad
type: teleport
config: {}
`
	var step PlaybookStep
	err := yaml.Unmarshal([]byte(def), &step)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown step type")
}

func TestStepUnmarshalJSON(t *testing.T) {
	def := `{
		"id": "check-health",
		"type": "api_call",
		"config": {"method": "GET", "url": "https://status.internal/health"}
	}`
	var step PlaybookStep
	require.NoError(t, json.Unmarshal([]byte(def), &step))

	cfg, ok := step.Config.(*APICallConfig)
	require.True(t, ok)
	assert.Equal(t, "GET", cfg.Method)
}

func TestConfigMapRoundTrip(t *testing.T) {
	m, err := ConfigMap(&ConditionalBranchConfig{Expression: `vars.severity == "high"`})
	require.NoError(t, err)
	assert.Equal(t, `vars.severity == "high"`, m["expression"])

	empty, err := ConfigMap(nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestPlaybookStepLookup(t *testing.T) {
	pb := Playbook{
		Steps: []PlaybookStep{
			{ID: "a", Type: StepTypeAgentAction},
			{ID: "b", Type: StepTypeNotification},
		},
	}
	require.NotNil(t, pb.Step("b"))
	assert.Equal(t, StepTypeNotification, pb.Step("b").Type)
	assert.Nil(t, pb.Step("missing"))
}

func TestPlaybookClone(t *testing.T) {
	pb := &Playbook{
		ID:            "pb-1",
		Name:          "restart",
		Tags:          []string{"infra"},
		ApprovalRoles: []string{"sre"},
		Steps: []PlaybookStep{
			{ID: "a", Type: StepTypeAgentAction, Dependencies: []string{"x"}},
		},
	}
	clone := pb.Clone()
	clone.Tags[0] = "changed"
	clone.Steps[0].Dependencies[0] = "changed"

	assert.Equal(t, "infra", pb.Tags[0])
	assert.Equal(t, "x", pb.Steps[0].Dependencies[0])
}

func TestExecutionClone(t *testing.T) {
	now := time.Now()
	exec := &Execution{
		ID:     "ex-1",
		Status: ExecutionStatusRunning,
		StepResults: map[string]*StepResult{
			"a": {StepID: "a", Status: StepStatusCompleted, Output: map[string]any{"k": "v"}},
		},
		Variables: map[string]any{"severity": "high"},
		StartedAt: &now,
	}
	clone := exec.Clone()
	clone.StepResults["a"].Status = StepStatusFailed
	clone.Variables["severity"] = "low"

	assert.Equal(t, StepStatusCompleted, exec.StepResults["a"].Status)
	assert.Equal(t, "high", exec.Variables["severity"])
}

func TestExecutionDuration(t *testing.T) {
	start := time.Now().Add(-2 * time.Second)
	end := start.Add(1500 * time.Millisecond)
	exec := &Execution{StartedAt: &start, CompletedAt: &end}
	assert.Equal(t, 1500*time.Millisecond, exec.Duration())

	assert.Zero(t, (&Execution{}).Duration())
}

func TestExecutionFilterMatches(t *testing.T) {
	since := time.Now().Add(-time.Hour)
	exec := &Execution{
		PlaybookID:  "pb-1",
		Status:      ExecutionStatusCompleted,
		TriggeredBy: "alice",
		CreatedAt:   time.Now(),
	}

	assert.True(t, ExecutionFilter{}.Matches(exec))
	assert.True(t, ExecutionFilter{PlaybookID: "pb-1", Status: ExecutionStatusCompleted}.Matches(exec))
	assert.True(t, ExecutionFilter{Since: &since}.Matches(exec))
	assert.False(t, ExecutionFilter{PlaybookID: "pb-2"}.Matches(exec))
	assert.False(t, ExecutionFilter{Status: ExecutionStatusFailed}.Matches(exec))
	assert.False(t, ExecutionFilter{TriggeredBy: "bob"}.Matches(exec))
}

func TestTriggerApprovalTimeout(t *testing.T) {
	trig := PlaybookTrigger{ApprovalTimeoutMinutes: 1.5}
	assert.Equal(t, 90*time.Second, trig.ApprovalTimeout())
}
