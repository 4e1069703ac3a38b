package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Mnehmos/rooswarm/internal/config"
	"github.com/Mnehmos/rooswarm/internal/plan"
	"github.com/Mnehmos/rooswarm/internal/taskgraph"
	"github.com/Mnehmos/rooswarm/internal/workspace"
)

var validateCmd = &cobra.Command{
	Use:   "validate <plan file>",
	Short: "Check a plan's graph and workspace assignments without running it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath())
		if err != nil {
			return err
		}

		p, err := plan.Load(args[0])
		if err != nil {
			return err
		}
		specs := p.Specs()

		if _, err := taskgraph.New(specs); err != nil {
			return err
		}

		validator := workspace.NewValidator(
			workspace.WithStrictMode(cfg.Workspace.StrictMode),
			workspace.WithAllowNestedDirs(cfg.Workspace.AllowNestedDirs),
			workspace.WithSupportWildcards(cfg.Workspace.SupportWildcards),
		)
		result := validator.Validate(specs)
		for _, conflict := range result.Conflicts {
			fmt.Fprintf(cmd.OutOrStdout(), "conflict: %s\n", conflict)
		}
		if !result.IsValid {
			return fmt.Errorf("plan has %d workspace conflict(s)", len(result.Conflicts))
		}

		fmt.Fprintf(cmd.OutOrStdout(), "plan ok: %d tasks, workspaces disjoint\n", len(specs))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
