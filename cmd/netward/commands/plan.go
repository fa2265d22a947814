package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/netward/netward/pkg/core"
	"github.com/netward/netward/pkg/planner"
	"github.com/netward/netward/pkg/service"
)

// changeEntry is the on-disk form of one desired change.
type changeEntry struct {
	DeviceID string                 `yaml:"device_id"`
	Kind     string                 `yaml:"kind"`
	Target   map[string]interface{} `yaml:"target"`
}

type changesFile struct {
	Changes []changeEntry `yaml:"changes"`
}

func newPlanCommand() *cobra.Command {
	var changesPath string

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Create a draft plan from a change file",
		Long: `Create a draft plan by reading the current state of every targeted
device and diffing it against the desired state in the change file.
No device is modified.

The change file lists desired changes:

  changes:
    - device_id: edge-sw-01
      kind: set-config
      target:
        mtu: 9000`,
		Example: `  # Create a plan from changes.yaml
  netward plan -f changes.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			desired, err := loadChanges(changesPath)
			if err != nil {
				return err
			}

			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close(cmd.Context())

			plan, err := app.service.CreatePlan(cmd.Context(), service.CreatePlanRequest{
				Changes: desired,
				Creator: currentActor(),
			})
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(plan)
			}
			printPlan(plan)
			fmt.Printf("\nNext: netward validate %s\n", plan.ID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&changesPath, "file", "f", "", "change file (YAML)")
	cmd.MarkFlagRequired("file")

	return cmd
}

func loadChanges(path string) ([]planner.DesiredChange, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read change file: %w", err)
	}
	var file changesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse change file: %w", err)
	}
	if len(file.Changes) == 0 {
		return nil, fmt.Errorf("change file %s lists no changes", path)
	}

	desired := make([]planner.DesiredChange, 0, len(file.Changes))
	for i, entry := range file.Changes {
		if entry.DeviceID == "" {
			return nil, fmt.Errorf("change %d has no device_id", i+1)
		}
		target, err := json.Marshal(entry.Target)
		if err != nil {
			return nil, fmt.Errorf("change %d target: %w", i+1, err)
		}
		desired = append(desired, planner.DesiredChange{
			DeviceID: entry.DeviceID,
			Kind:     core.OperationKind(entry.Kind),
			Target:   target,
		})
	}
	return desired, nil
}
