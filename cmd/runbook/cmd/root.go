// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kusari-oss/runbook/cmd/runbook/cmd/metricscmd"
	"github.com/kusari-oss/runbook/cmd/runbook/cmd/playbook"
	"github.com/kusari-oss/runbook/internal/core/config"
	"github.com/kusari-oss/runbook/internal/version"
)

var (
	configFile string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "runbook",
	Short: "Remediation Playbook Execution Engine",
	Long: `Runbook executes remediation playbooks: directed graphs of typed steps
with dependencies, safety checks, approval gates, retries, and rollback.
Playbooks are defined in YAML and run locally or against remote agents.`,
	Version: fmt.Sprintf("%s (commit: %s)", version.Version, version.Commit),
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}
		setupLogging(cfg.LogLevel)
		playbook.SetConfig(cfg)
		metricscmd.SetConfig(cfg)
		return nil
	},
}

func setupLogging(level string) {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (default ~/.runbook/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")

	rootCmd.AddCommand(playbook.NewPlaybookCmd())
	rootCmd.AddCommand(metricscmd.NewMetricsCmd())
}
