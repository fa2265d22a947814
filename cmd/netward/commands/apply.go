package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/netward/netward/pkg/core"
)

func newApplyCommand() *cobra.Command {
	var token string

	cmd := &cobra.Command{
		Use:   "apply <plan-id>",
		Short: "Execute an approved plan",
		Long: `Execute a plan batch by batch. The approval token is consumed on use.
After each batch every touched device is health checked; any failure
rolls completed changes back in reverse order. Without a token the plan
is self-approved, which must be enabled in the configuration.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close(cmd.Context())

			plan, err := app.service.Apply(cmd.Context(), args[0], token, currentActor())
			if plan == nil {
				return err
			}

			if jsonOutput {
				if printErr := printJSON(plan); printErr != nil {
					return printErr
				}
				return err
			}

			printPlan(plan)
			switch plan.Status {
			case core.PlanCompleted:
				fmt.Println("\nAll changes applied and verified.")
			case core.PlanRolledBack:
				fmt.Println("\nExecution failed; all completed changes were rolled back.")
			case core.PlanFailed:
				fmt.Println("\nExecution failed and rollback did not fully complete.")
				fmt.Println("Inspect the devices listed above before retrying.")
			}
			return err
		},
	}

	cmd.Flags().StringVar(&token, "token", "", "approval token from 'netward approve'")

	return cmd
}
