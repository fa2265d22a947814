package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/netward/netward/pkg/validator"
)

func newValidateCommand() *cobra.Command {
	var allowCrossEnv bool

	cmd := &cobra.Command{
		Use:   "validate <plan-id>",
		Short: "Validate a draft plan",
		Long: `Run every structural check and policy against a draft plan and report
all findings at once. A plan that passes moves to the validated state
and becomes eligible for approval.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close(cmd.Context())

			result, err := app.service.Validate(cmd.Context(), args[0], currentActor(), validator.Options{
				AllowCrossEnvironment: allowCrossEnv,
			})
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(result)
			}

			for _, w := range result.Result.Warnings {
				fmt.Printf("warning: %s\n", w)
			}
			for _, v := range result.Result.Violations {
				fmt.Printf("%-8s %-30s %s", v.Severity, v.Check, v.Message)
				if v.DeviceID != "" {
					fmt.Printf(" (device %s)", v.DeviceID)
				}
				fmt.Println()
			}
			if !result.Result.OK() {
				return fmt.Errorf("plan %s failed validation with %d violation(s)",
					args[0], len(result.Result.Violations))
			}

			fmt.Printf("Plan %s validated\n", args[0])
			fmt.Printf("\nNext: netward approve %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().BoolVar(&allowCrossEnv, "allow-cross-environment", false,
		"permit a plan that spans environments")

	return cmd
}
