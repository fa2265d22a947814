package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/netward/netward/pkg/core"
)

func newListCommand() *cobra.Command {
	var (
		status  string
		creator string
		device  string
		limit   int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List plans, newest first",
		Example: `  # Plans waiting for approval
  netward list --status validated

  # Everything that touched one device
  netward list --device edge-sw-01`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close(cmd.Context())

			plans, err := app.service.ListPlans(cmd.Context(), core.PlanFilter{
				Status:   core.PlanStatus(status),
				Creator:  creator,
				DeviceID: device,
				Limit:    limit,
			})
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(plans)
			}

			if len(plans) == 0 {
				fmt.Println("No plans found.")
				return nil
			}
			for _, plan := range plans {
				printPlanRow(plan)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by status (draft, validated, approved, executing, completed, rolled_back, failed)")
	cmd.Flags().StringVar(&creator, "creator", "", "filter by creator")
	cmd.Flags().StringVar(&device, "device", "", "filter by target device")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum plans to return")

	return cmd
}
