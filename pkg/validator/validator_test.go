package validator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/netward/netward/pkg/core"
	"github.com/netward/netward/pkg/telemetry"
	"github.com/rs/zerolog"
)

type fakeRegistry struct {
	devices map[string]*core.Device
}

func (f *fakeRegistry) LookupDevice(ctx context.Context, id string) (*core.Device, error) {
	if d, ok := f.devices[id]; ok {
		return d, nil
	}
	return nil, core.NewError(core.ErrNotFound, "device not found").WithDevice(id)
}

func (f *fakeRegistry) ListDevices(ctx context.Context, filter core.DeviceFilter) ([]core.Device, error) {
	var out []core.Device
	for _, d := range f.devices {
		out = append(out, *d)
	}
	return out, nil
}

func testLogger(t *testing.T) *telemetry.Logger {
	t.Helper()
	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: "error", Output: "stderr"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return logger
}

func newTestValidator(t *testing.T, devices map[string]*core.Device) *Validator {
	t.Helper()
	engine, err := NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	return New(&fakeRegistry{devices: devices}, engine, testLogger(t))
}

func device(id, address string, env core.Environment, caps ...core.Capability) *core.Device {
	d := &core.Device{
		ID:           id,
		Address:      address,
		Environment:  env,
		Capabilities: make(map[core.Capability]bool),
	}
	for _, c := range caps {
		d.Capabilities[c] = true
	}
	return d
}

func change(deviceID string, kind core.OperationKind, after string) core.Change {
	if !json.Valid([]byte(after)) {
		panic("invalid after-state JSON: " + after)
	}
	return core.Change{
		DeviceID:       deviceID,
		Kind:           kind,
		After:          json.RawMessage(after),
		IdempotencyKey: core.IdempotencyKey(deviceID, kind, json.RawMessage(after)),
	}
}

func hasViolation(result Result, check string) bool {
	for _, v := range result.Violations {
		if v.Check == check {
			return true
		}
	}
	return false
}

func TestValidateCleanPlan(t *testing.T) {
	v := newTestValidator(t, map[string]*core.Device{
		"dev-1": device("dev-1", "10.0.0.1", core.EnvironmentLab, core.CapabilityConfigWrite),
		"dev-2": device("dev-2", "10.0.0.2", core.EnvironmentLab, core.CapabilityConfigWrite),
	})

	plan := &core.Plan{
		ID:        "plan-1",
		Status:    core.PlanDraft,
		DeviceIDs: []string{"dev-1", "dev-2"},
		Changes: []core.Change{
			change("dev-1", core.OpSetConfig, `{"mtu":9000}`),
			change("dev-2", core.OpSetConfig, `{"mtu":9000}`),
		},
	}

	result, err := v.Validate(context.Background(), plan, Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.OK() {
		t.Fatalf("expected clean plan to pass, got violations: %+v", result.Violations)
	}
}

func TestValidateCollectsAllViolations(t *testing.T) {
	// dev-1 lacks the restart capability, dev-2 is in a different
	// environment, dev-3 is unknown, and two changes share an idempotency
	// key. All four problems must be reported in one pass.
	v := newTestValidator(t, map[string]*core.Device{
		"dev-1": device("dev-1", "10.0.0.1", core.EnvironmentLab, core.CapabilityConfigWrite),
		"dev-2": device("dev-2", "10.0.0.2", core.EnvironmentProduction, core.CapabilityConfigWrite),
	})

	dup := change("dev-1", core.OpSetConfig, `{"mtu":1500}`)
	plan := &core.Plan{
		ID:        "plan-2",
		Status:    core.PlanDraft,
		DeviceIDs: []string{"dev-1", "dev-2", "dev-3"},
		Changes: []core.Change{
			change("dev-1", core.OpRestartService, `{"service":"bgp"}`),
			dup,
			dup,
		},
	}

	result, err := v.Validate(context.Background(), plan, Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.OK() {
		t.Fatal("expected validation to fail")
	}

	for _, check := range []string{"device-exists", "capability", "duplicate-idempotency-key", "environment-consistency"} {
		if !hasViolation(result, check) {
			t.Errorf("expected violation for check %s, got %+v", check, result.Violations)
		}
	}
}

func TestValidateCrossEnvironmentOverride(t *testing.T) {
	v := newTestValidator(t, map[string]*core.Device{
		"dev-1": device("dev-1", "10.0.0.1", core.EnvironmentLab, core.CapabilityConfigWrite),
		"dev-2": device("dev-2", "10.0.0.2", core.EnvironmentStaging, core.CapabilityConfigWrite),
	})

	plan := &core.Plan{
		ID:        "plan-3",
		Status:    core.PlanDraft,
		DeviceIDs: []string{"dev-1", "dev-2"},
		Changes: []core.Change{
			change("dev-1", core.OpSetConfig, `{"mtu":9000}`),
			change("dev-2", core.OpSetConfig, `{"mtu":9000}`),
		},
	}

	result, err := v.Validate(context.Background(), plan, Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !hasViolation(result, "environment-consistency") {
		t.Fatal("expected environment violation without override")
	}

	result, err = v.Validate(context.Background(), plan, Options{AllowCrossEnvironment: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hasViolation(result, "environment-consistency") {
		t.Fatalf("expected override to permit cross-environment plan, got %+v", result.Violations)
	}
}

func TestValidateRejectsManagementAddress(t *testing.T) {
	v := newTestValidator(t, map[string]*core.Device{
		"dev-1": device("dev-1", "10.0.0.1", core.EnvironmentLab, core.CapabilityConfigWrite),
	})

	plan := &core.Plan{
		ID:        "plan-4",
		Status:    core.PlanDraft,
		DeviceIDs: []string{"dev-1"},
		Changes: []core.Change{
			change("dev-1", core.OpSetConfig, `{"acl":{"deny":"10.0.0.1"}}`),
		},
	}

	result, err := v.Validate(context.Background(), plan, Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.OK() {
		t.Fatal("expected management-path violation to block validation")
	}
	if !hasViolation(result, "protected-management-path") {
		t.Fatalf("expected protected-management-path violation, got %+v", result.Violations)
	}
}

func TestValidateProductionFirmwareIsWarningOnly(t *testing.T) {
	v := newTestValidator(t, map[string]*core.Device{
		"dev-1": device("dev-1", "10.0.0.1", core.EnvironmentProduction, core.CapabilityFirmware),
	})

	plan := &core.Plan{
		ID:        "plan-5",
		Status:    core.PlanDraft,
		DeviceIDs: []string{"dev-1"},
		Changes: []core.Change{
			change("dev-1", core.OpUpdateFirmware, `{"image":"nw-2.4.1"}`),
		},
	}

	result, err := v.Validate(context.Background(), plan, Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !hasViolation(result, "production-firmware") {
		t.Fatalf("expected production-firmware violation, got %+v", result.Violations)
	}
	if !result.OK() {
		t.Fatalf("expected warning-severity violation not to block, got %+v", result.Violations)
	}
}

func TestLoaderInstallsExternalPolicies(t *testing.T) {
	dir := t.TempDir()
	policy := `package netward.policies.external

import rego.v1

deny contains violation if {
	some change in input.plan.changes
	change.kind == "restart-service"
	violation := {
		"message": sprintf("service restarts are blocked on device %s", [change.device_id]),
		"severity": "error",
		"device": change.device_id,
	}
}
`
	if err := os.WriteFile(filepath.Join(dir, "no-restarts.rego"), []byte(policy), 0o644); err != nil {
		t.Fatalf("failed to write policy: %v", err)
	}

	engine, err := NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	loader := NewLoader(engine, zerolog.Nop())
	if err := loader.Load(context.Background(), []string{dir}); err != nil {
		t.Fatalf("failed to load policies: %v", err)
	}

	v := New(&fakeRegistry{devices: map[string]*core.Device{
		"dev-1": device("dev-1", "10.0.0.1", core.EnvironmentLab, core.CapabilityServiceRestart),
	}}, engine, testLogger(t))

	plan := &core.Plan{
		ID:        "plan-6",
		Status:    core.PlanDraft,
		DeviceIDs: []string{"dev-1"},
		Changes: []core.Change{
			change("dev-1", core.OpRestartService, `{"service":"dns"}`),
		},
	}

	result, err := v.Validate(context.Background(), plan, Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !hasViolation(result, "no-restarts") {
		t.Fatalf("expected external policy violation, got %+v", result.Violations)
	}
}

func TestValidateBrokenExternalPolicyIsWarning(t *testing.T) {
	engine, err := NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	broken := Policy{
		Name:     "broken",
		Severity: SeverityError,
		Enabled:  true,
		Rego:     "package netward.policies.broken\n\nthis is not rego",
	}
	if err := engine.LoadPolicies(context.Background(), []Policy{broken}); err == nil {
		t.Fatal("expected compile error for broken policy")
	}
}

func TestPolicyInputRedactsNothingButStaysStructural(t *testing.T) {
	plan := &core.Plan{
		ID:        "plan-7",
		DeviceIDs: []string{"dev-1"},
		Changes: []core.Change{
			change("dev-1", core.OpSetConfig, `{"mtu":1500}`),
		},
	}
	devices := map[string]*core.Device{
		"dev-1": device("dev-1", "10.0.0.1", core.EnvironmentLab, core.CapabilityConfigWrite),
	}

	input, err := policyInput(plan, devices, Options{AllowCrossEnvironment: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if input["allow_cross_environment"] != true {
		t.Fatal("expected override flag in input")
	}
	planDoc, ok := input["plan"].(map[string]any)
	if !ok {
		t.Fatalf("expected plan document, got %T", input["plan"])
	}
	if fmt.Sprint(planDoc["id"]) != "plan-7" {
		t.Fatalf("unexpected plan id %v", planDoc["id"])
	}
}
