// SPDX-License-Identifier: Apache-2.0

package playbook

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kusari-oss/runbook/internal/condition"
	"github.com/kusari-oss/runbook/internal/core/format"
	"github.com/kusari-oss/runbook/internal/core/graph"
	"github.com/kusari-oss/runbook/internal/registry"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [playbook-file]",
		Short: "Validate a playbook definition",
		Long: `Validate a playbook definition: step graph shape, per-type step
configs, and CEL expressions in conditions, triggers, and safety checks.
On success the execution waves are printed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pb, err := format.LoadPlaybook(args[0])
			if err != nil {
				return err
			}

			cond, err := condition.NewEvaluator()
			if err != nil {
				return fmt.Errorf("error building expression evaluator: %w", err)
			}

			reg := registry.New(nil, cond, nil)
			stored, err := reg.Create(context.Background(), *pb)
			if err != nil {
				return fmt.Errorf("validation failed: %w", err)
			}

			waves, err := graph.Waves(stored.Steps)
			if err != nil {
				return err
			}

			fmt.Printf("Playbook %q is valid (%d steps", stored.Name, len(stored.Steps))
			if len(stored.RollbackPlan) > 0 {
				fmt.Printf(", %d rollback steps", len(stored.RollbackPlan))
			}
			fmt.Println(")")
			for i, wave := range waves {
				fmt.Printf("  wave %d: %s\n", i+1, strings.Join(wave, ", "))
			}
			return nil
		},
	}
}
