package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newAuditCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit <correlation-id>",
		Short: "Show the audit trail for a request",
		Long: `Show every audit event recorded under a correlation ID, in order.
Sensitive payload values are redacted before they are ever written, so
the trail is safe to share.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close(cmd.Context())

			events, err := app.service.AuditTrail(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(events)
			}

			if len(events) == 0 {
				fmt.Println("No audit events found.")
				return nil
			}
			for _, event := range events {
				fmt.Printf("%s  %-18s %-8s actor=%s",
					event.Timestamp.Format("2006-01-02 15:04:05"), event.Action, event.Result, event.Actor)
				if event.PlanID != "" {
					fmt.Printf(" plan=%s", event.PlanID)
				}
				if event.DeviceID != "" {
					fmt.Printf(" device=%s", event.DeviceID)
				}
				fmt.Println()
			}
			return nil
		},
	}

	return cmd
}
