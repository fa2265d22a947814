// Package planner builds draft plans by diffing desired device state
// against the state currently reported by the device adapter. Building a
// plan is read-only with respect to devices.
package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/netward/netward/pkg/core"
	"github.com/netward/netward/pkg/telemetry"
)

// DesiredChange is one requested device operation with its target values.
type DesiredChange struct {
	// DeviceID is the target device.
	DeviceID string `json:"device_id"`

	// Kind is the operation kind.
	Kind core.OperationKind `json:"kind"`

	// Target is the desired state for the operation.
	Target json.RawMessage `json:"target"`
}

// Builder computes draft plans.
type Builder struct {
	registry  core.DeviceRegistry
	transport core.DeviceTransport
	logger    *telemetry.Logger

	// maxDevices is the batch ceiling on a plan's target device set.
	maxDevices int
}

// NewBuilder creates a plan builder. maxDevices bounds the target set.
func NewBuilder(registry core.DeviceRegistry, transport core.DeviceTransport, logger *telemetry.Logger, maxDevices int) *Builder {
	if maxDevices <= 0 {
		maxDevices = 50
	}
	return &Builder{
		registry:   registry,
		transport:  transport,
		logger:     logger.NewComponentLogger("planner"),
		maxDevices: maxDevices,
	}
}

// ComputePlan reads current state for every targeted device, diffs it
// against the desired state, and returns a draft plan with an ordered
// change list. No-op changes are dropped. Devices are never written.
func (b *Builder) ComputePlan(ctx context.Context, desired []DesiredChange, creator string) (*core.Plan, error) {
	if len(desired) == 0 {
		return nil, core.NewError(core.ErrValidationFailed, "plan has no target devices")
	}

	deviceIDs := uniqueDeviceIDs(desired)
	if len(deviceIDs) > b.maxDevices {
		return nil, core.NewError(core.ErrValidationFailed,
			fmt.Sprintf("plan targets %d devices, ceiling is %d", len(deviceIDs), b.maxDevices)).
			WithDetail("ceiling", b.maxDevices)
	}

	devices := make(map[string]*core.Device, len(deviceIDs))
	for _, id := range deviceIDs {
		device, err := b.registry.LookupDevice(ctx, id)
		if err != nil {
			return nil, core.AsCoreError(err).WithDevice(id)
		}
		devices[id] = device
	}

	changes := make([]core.Change, 0, len(desired))
	for _, d := range desired {
		before, err := b.transport.ReadState(ctx, devices[d.DeviceID], d.Kind)
		if err != nil {
			return nil, core.AsCoreError(err).WithDevice(d.DeviceID)
		}
		if equalJSON(before.State, d.Target) {
			b.logger.WithDeviceID(d.DeviceID).
				Debugf("skipping no-op change for %s", d.Kind)
			continue
		}
		changes = append(changes, core.Change{
			DeviceID:       d.DeviceID,
			Kind:           d.Kind,
			Before:         before.State,
			After:          d.Target,
			IdempotencyKey: core.IdempotencyKey(d.DeviceID, d.Kind, d.Target),
		})
	}

	plan := &core.Plan{
		ID:        uuid.New().String(),
		Status:    core.PlanDraft,
		DeviceIDs: changedDeviceIDs(changes, deviceIDs),
		Changes:   changes,
		Creator:   creator,
		CreatedAt: time.Now().UTC(),
		Risk:      rateRisk(changes, devices),
	}
	plan.Summary = summarize(plan, devices)
	return plan, nil
}

// uniqueDeviceIDs returns the distinct device IDs in request order.
func uniqueDeviceIDs(desired []DesiredChange) []string {
	seen := make(map[string]bool, len(desired))
	var ids []string
	for _, d := range desired {
		if !seen[d.DeviceID] {
			seen[d.DeviceID] = true
			ids = append(ids, d.DeviceID)
		}
	}
	return ids
}

// changedDeviceIDs keeps only devices that still have changes after no-op
// elimination, preserving request order.
func changedDeviceIDs(changes []core.Change, ordered []string) []string {
	changed := make(map[string]bool, len(changes))
	for _, c := range changes {
		changed[c.DeviceID] = true
	}
	var ids []string
	for _, id := range ordered {
		if changed[id] {
			ids = append(ids, id)
		}
	}
	return ids
}

// rateRisk derives a coarse risk rating from operation kinds and the
// environments they touch.
func rateRisk(changes []core.Change, devices map[string]*core.Device) core.RiskRating {
	production := false
	disruptive := false
	for _, c := range changes {
		if d := devices[c.DeviceID]; d != nil && d.Environment == core.EnvironmentProduction {
			production = true
		}
		if c.Kind == core.OpUpdateFirmware || c.Kind == core.OpRestartService {
			disruptive = true
		}
	}
	switch {
	case production && disruptive:
		return core.RiskHigh
	case production || disruptive:
		return core.RiskMedium
	}
	return core.RiskLow
}

// summarize builds the human-readable plan summary.
func summarize(plan *core.Plan, devices map[string]*core.Device) string {
	if len(plan.Changes) == 0 {
		return "no changes: all devices already match the desired state"
	}

	byKind := make(map[core.OperationKind]int)
	envs := make(map[core.Environment]bool)
	for _, c := range plan.Changes {
		byKind[c.Kind]++
		if d := devices[c.DeviceID]; d != nil {
			envs[d.Environment] = true
		}
	}

	kinds := make([]string, 0, len(byKind))
	for k := range byKind {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)

	envNames := make([]string, 0, len(envs))
	for e := range envs {
		envNames = append(envNames, string(e))
	}
	sort.Strings(envNames)

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d change(s) across %d device(s) [%s], risk %s:",
		len(plan.Changes), len(plan.DeviceIDs), strings.Join(envNames, ", "), plan.Risk)
	for _, k := range kinds {
		fmt.Fprintf(&sb, " %s x%d", k, byKind[core.OperationKind(k)])
	}
	return sb.String()
}

// equalJSON compares two JSON documents structurally. Re-encoding through
// the generic decoder normalizes key order and whitespace.
func equalJSON(a, b json.RawMessage) bool {
	if len(a) == 0 || len(b) == 0 {
		return bytes.Equal(bytes.TrimSpace(a), bytes.TrimSpace(b))
	}
	var av, bv interface{}
	if err := json.Unmarshal(a, &av); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		return false
	}
	ab, _ := json.Marshal(av)
	bb, _ := json.Marshal(bv)
	return bytes.Equal(ab, bb)
}
