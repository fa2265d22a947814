package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/netward/netward/pkg/core"
)

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printPlan(plan *core.Plan) {
	fmt.Printf("Plan:     %s\n", plan.ID)
	fmt.Printf("Status:   %s\n", plan.Status)
	fmt.Printf("Risk:     %s\n", plan.Risk)
	fmt.Printf("Creator:  %s\n", plan.Creator)
	fmt.Printf("Created:  %s\n", plan.CreatedAt.Format("2006-01-02 15:04:05 MST"))
	fmt.Printf("Devices:  %s\n", strings.Join(plan.DeviceIDs, ", "))
	if plan.Summary != "" {
		fmt.Printf("Summary:  %s\n", plan.Summary)
	}
	if len(plan.FailedDevices) > 0 {
		fmt.Printf("Manual remediation required: %s\n", strings.Join(plan.FailedDevices, ", "))
	}
	for i, change := range plan.Changes {
		fmt.Printf("  [%d] %s %s\n", i+1, change.Kind, change.DeviceID)
	}
}

func printPlanRow(plan core.Plan) {
	fmt.Printf("%-38s %-12s %-8s %-12s %d device(s)\n",
		plan.ID, plan.Status, plan.Risk, plan.Creator, len(plan.DeviceIDs))
}
