package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	actor      string
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "netward",
		Short: "NetWard - guarded configuration rollout for network device fleets",
		Long: `NetWard pushes configuration changes to fleets of network devices through
a plan/validate/approve/apply lifecycle.

Every change set becomes a reviewable plan, execution is gated behind a
signed single-use approval token, devices are changed in bounded batches
with health checks after each batch, and any failure rolls the fleet back
to its captured before-state. Every step lands in an append-only audit
trail.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "netward.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&actor, "actor", "", "acting operator (defaults to $USER)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newApproveCommand())
	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newGetCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newAuditCommand())

	return rootCmd
}
