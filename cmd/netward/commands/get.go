package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newGetCommand() *cobra.Command {
	var showLog bool

	cmd := &cobra.Command{
		Use:   "get <plan-id>",
		Short: "Show a plan and optionally its execution log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close(cmd.Context())

			plan, err := app.service.GetPlan(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if !showLog {
				if jsonOutput {
					return printJSON(plan)
				}
				printPlan(plan)
				return nil
			}

			entries, err := app.service.ExecutionLog(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(map[string]interface{}{
					"plan": plan,
					"log":  entries,
				})
			}

			printPlan(plan)
			if len(entries) == 0 {
				fmt.Println("\nNo execution history.")
				return nil
			}
			fmt.Println("\nExecution log:")
			for _, entry := range entries {
				fmt.Printf("  batch %d  %-8s %-5s %-16s %s\n",
					entry.Batch, entry.Phase, entry.Result, entry.DeviceID, entry.Detail)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&showLog, "log", false, "include the execution log")

	return cmd
}
