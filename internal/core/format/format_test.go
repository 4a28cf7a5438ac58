// SPDX-License-Identifier: Apache-2.0

package format

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kusari-oss/runbook/internal/core/models"
)

func TestParseDataYAML(t *testing.T) {
	var out map[string]any
	err := ParseData([]byte("name: restart-service\nactive: true\n"), &out)
	require.NoError(t, err)
	assert.Equal(t, "restart-service", out["name"])
	assert.Equal(t, true, out["active"])
}

func TestParseDataJSON(t *testing.T) {
	var out map[string]any
	err := ParseData([]byte(`{"name": "restart-service"}`), &out)
	require.NoError(t, err)
	assert.Equal(t, "restart-service", out["name"])
}

func TestParseDataInvalid(t *testing.T) {
	var out map[string]any
	err := ParseData([]byte("{not valid: [yaml or json"), &out)
	assert.Error(t, err)
}

func TestLoadPlaybook(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "playbook.yaml")
	def := `
name: restart-payment-service
active: true
steps:
  - id: restart
    name: Restart service
    type: agent_action
    config:
      agent_id: ops-agent
      action: restart
`
	require.NoError(t, os.WriteFile(path, []byte(def), 0644))

	pb, err := LoadPlaybook(path)
	require.NoError(t, err)
	assert.Equal(t, "restart-payment-service", pb.Name)
	require.Len(t, pb.Steps, 1)
	cfg, ok := pb.Steps[0].Config.(*models.AgentActionConfig)
	require.True(t, ok)
	assert.Equal(t, "restart", cfg.Action)
}

func TestLoadPlaybookMissingFile(t *testing.T) {
	_, err := LoadPlaybook(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestRender(t *testing.T) {
	v := map[string]any{"status": "completed"}

	out, err := Render(v, "json")
	require.NoError(t, err)
	assert.Contains(t, out, `"status": "completed"`)

	out, err = Render(v, "yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "status: completed")

	_, err = Render(v, "toml")
	assert.Error(t, err)
}
