package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Mnehmos/rooswarm/internal/plan"
	"github.com/Mnehmos/rooswarm/internal/workspace"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Inspect and prepare task plans",
}

var planSuggestCmd = &cobra.Command{
	Use:   "suggest <plan file>",
	Short: "Print a conflict-free workspace assignment for a plan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := plan.Load(args[0])
		if err != nil {
			return err
		}
		specs := p.Specs()

		assignments := workspace.SuggestAssignments(specs)
		for _, spec := range specs {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", spec.ID, assignments[spec.ID])
		}
		return nil
	},
}

func init() {
	planCmd.AddCommand(planSuggestCmd)
	rootCmd.AddCommand(planCmd)
}
