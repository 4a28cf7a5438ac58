// SPDX-License-Identifier: Apache-2.0

package playbook

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kusari-oss/runbook/internal/core/format"
)

func newShowCmd() *cobra.Command {
	var outputFormat string

	showCmd := &cobra.Command{
		Use:   "show [playbook-file]",
		Short: "Show a parsed playbook definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pb, err := format.LoadPlaybook(args[0])
			if err != nil {
				return err
			}
			out, err := format.Render(pb, outputFormat)
			if err != nil {
				return err
			}
			fmt.Println(out)
			return nil
		},
	}

	showCmd.Flags().StringVarP(&outputFormat, "output", "o", "yaml", "Output format: yaml or json")
	return showCmd
}
