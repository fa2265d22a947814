package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newApproveCommand() *cobra.Command {
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "approve <plan-id>",
		Short: "Issue a single-use approval token for a validated plan",
		Long: `Issue a signed single-use approval token for a validated plan. The
token is printed once and never stored in recoverable form; pass it to
'netward apply' before it expires.`,
		Example: `  # Issue a token with the default lifetime
  netward approve 6f1c...

  # Issue a short-lived token
  netward approve 6f1c... --ttl 5m`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close(cmd.Context())

			encoded, token, err := app.service.IssueApproval(cmd.Context(), args[0], ttl, currentActor())
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(map[string]interface{}{
					"token":      encoded,
					"plan_id":    token.PlanID,
					"expires_at": token.ExpiresAt,
				})
			}

			fmt.Printf("Approval token for plan %s (expires %s):\n\n  %s\n\n",
				token.PlanID, token.ExpiresAt.Format(time.RFC3339), encoded)
			fmt.Printf("Next: netward apply %s --token <token>\n", token.PlanID)
			return nil
		},
	}

	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default from config)")

	return cmd
}
