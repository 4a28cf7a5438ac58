// SPDX-License-Identifier: Apache-2.0

// Package playbook implements the `runbook playbook` command group.
package playbook

import (
	"github.com/spf13/cobra"

	"github.com/kusari-oss/runbook/internal/core/config"
)

var cfg *config.Config

// SetConfig hands the loaded configuration to this command group. Called
// by the root command's PersistentPreRunE.
func SetConfig(c *config.Config) {
	cfg = c
}

func currentConfig() *config.Config {
	if cfg == nil {
		return config.NewDefaultConfig()
	}
	return cfg
}

// NewPlaybookCmd creates the playbook command group.
func NewPlaybookCmd() *cobra.Command {
	playbookCmd := &cobra.Command{
		Use:   "playbook",
		Short: "Validate, inspect, and run playbooks",
	}

	playbookCmd.AddCommand(newValidateCmd())
	playbookCmd.AddCommand(newShowCmd())
	playbookCmd.AddCommand(newRunCmd())

	return playbookCmd
}
