// SPDX-License-Identifier: Apache-2.0

// Package metricscmd implements the `runbook metrics` command group,
// reporting over the execution history store.
package metricscmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kusari-oss/runbook/internal/core/config"
	"github.com/kusari-oss/runbook/internal/core/models"
	"github.com/kusari-oss/runbook/internal/store"
)

var cfg *config.Config

// SetConfig hands the loaded configuration to this command group.
func SetConfig(c *config.Config) {
	cfg = c
}

func openStore() (*store.Store, error) {
	c := cfg
	if c == nil {
		c = config.NewDefaultConfig()
	}
	if c.StorePath == "" {
		return nil, fmt.Errorf("no history store configured (store_path is empty)")
	}
	return store.Open(c.StorePath)
}

// NewMetricsCmd creates the metrics command group.
func NewMetricsCmd() *cobra.Command {
	metricsCmd := &cobra.Command{
		Use:   "metrics",
		Short: "Report on execution history",
	}

	metricsCmd.AddCommand(newMostUsedCmd())
	metricsCmd.AddCommand(newTrendCmd())
	metricsCmd.AddCommand(newFailuresCmd())
	metricsCmd.AddCommand(newHistoryCmd())

	return metricsCmd
}

func newMostUsedCmd() *cobra.Command {
	var limit int

	mostUsedCmd := &cobra.Command{
		Use:   "most-used",
		Short: "Most frequently executed playbooks",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			stats, err := s.MostUsed(limit)
			if err != nil {
				return err
			}
			if len(stats) == 0 {
				fmt.Println("No executions recorded.")
				return nil
			}
			for _, st := range stats {
				fmt.Printf("%-40s executions=%d success=%.0f%% avg=%s\n",
					st.PlaybookName, st.ExecutionCount, st.SuccessRate*100, st.AverageDuration.Round(time.Millisecond))
			}
			return nil
		},
	}

	mostUsedCmd.Flags().IntVarP(&limit, "limit", "n", 10, "Number of playbooks to show")
	return mostUsedCmd
}

func newTrendCmd() *cobra.Command {
	var playbookID string

	trendCmd := &cobra.Command{
		Use:   "trend",
		Short: "Execution volume by day",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			points, err := s.TrendByDay(playbookID)
			if err != nil {
				return err
			}
			if len(points) == 0 {
				fmt.Println("No executions recorded.")
				return nil
			}
			for _, p := range points {
				fmt.Printf("%s  %d\n", p.Date, p.Count)
			}
			return nil
		},
	}

	trendCmd.Flags().StringVar(&playbookID, "playbook", "", "Restrict to one playbook id")
	return trendCmd
}

func newFailuresCmd() *cobra.Command {
	var limit int

	failuresCmd := &cobra.Command{
		Use:   "failures",
		Short: "Most common failure points",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			points, err := s.CommonFailures(limit)
			if err != nil {
				return err
			}
			if len(points) == 0 {
				fmt.Println("No failures recorded.")
				return nil
			}
			for _, p := range points {
				fmt.Printf("%-30s step=%-20s count=%-4d %s\n",
					p.PlaybookID, p.StepID, p.Count, p.ErrorPattern)
			}
			return nil
		},
	}

	failuresCmd.Flags().IntVarP(&limit, "limit", "n", 10, "Number of failure points to show")
	return failuresCmd
}

func newHistoryCmd() *cobra.Command {
	var (
		playbookID string
		status     string
		limit      int
	)

	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded executions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			execs, err := s.ListExecutions(models.ExecutionFilter{
				PlaybookID: playbookID,
				Status:     models.ExecutionStatus(status),
			})
			if err != nil {
				return err
			}
			if limit > 0 && len(execs) > limit {
				execs = execs[:limit]
			}
			for _, e := range execs {
				fmt.Printf("%s  %-36s %-12s %s  %s\n",
					e.CreatedAt.Format(time.RFC3339), e.ID, e.Status, e.PlaybookName, e.Duration().Round(time.Millisecond))
			}
			return nil
		},
	}

	historyCmd.Flags().StringVar(&playbookID, "playbook", "", "Restrict to one playbook id")
	historyCmd.Flags().StringVar(&status, "status", "", "Restrict to one terminal status")
	historyCmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of executions to show")
	return historyCmd
}
